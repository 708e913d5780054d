package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "siteops"

var (
	deploymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deployments_total",
			Help:      "Deployment runs by plan and final status.",
		},
		[]string{"plan", "status"},
	)

	phaseDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Duration of deployment phases.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"plan", "phase"},
	)

	healthState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "service_health_state",
			Help:      "Current health state per service (0 healthy, 1 degraded, 2 failing, 3 remediating).",
		},
		[]string{"service"},
	)

	probesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_total",
			Help:      "Health probes by service and result.",
		},
		[]string{"service", "result"},
	)

	remediationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remediations_total",
			Help:      "Restart attempts by service and result.",
		},
		[]string{"service", "result"},
	)

	droppedSamplesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_samples_total",
			Help:      "Monitor samples dropped because the alert engine queue was full.",
		},
	)

	alertsFiring = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "alerts_firing",
			Help:      "Alert instances currently firing.",
		},
	)

	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification deliveries by receiver and status.",
		},
		[]string{"receiver", "status"},
	)

	certificateExpirySeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "certificate_expiry_timestamp_seconds",
			Help:      "Expiry of the installed certificate per domain as a unix timestamp.",
		},
		[]string{"domain"},
	)
)

// Register attaches the siteops collectors to reg.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		deploymentsTotal,
		phaseDurationSeconds,
		healthState,
		probesTotal,
		remediationsTotal,
		droppedSamplesTotal,
		alertsFiring,
		notificationsTotal,
		certificateExpirySeconds,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

func ObserveDeployment(plan, status string) {
	deploymentsTotal.WithLabelValues(plan, status).Inc()
}

func ObservePhase(plan, phase string, d time.Duration) {
	if d < 0 {
		d = 0
	}
	phaseDurationSeconds.WithLabelValues(plan, phase).Observe(d.Seconds())
}

func SetHealthState(service string, value float64) {
	healthState.WithLabelValues(service).Set(value)
}

// ForgetService drops the per-service series of a removed service.
func ForgetService(service string) {
	healthState.DeleteLabelValues(service)
}

func ObserveProbe(service string, ok bool) {
	probesTotal.WithLabelValues(service, result(ok)).Inc()
}

func ObserveRemediation(service string, ok bool) {
	remediationsTotal.WithLabelValues(service, result(ok)).Inc()
}

func DroppedSample() {
	droppedSamplesTotal.Inc()
}

func SetAlertsFiring(n int) {
	alertsFiring.Set(float64(n))
}

func ObserveNotification(receiver string, ok bool) {
	notificationsTotal.WithLabelValues(receiver, result(ok)).Inc()
}

func SetCertificateExpiry(domain string, notAfter time.Time) {
	if notAfter.IsZero() {
		return
	}
	certificateExpirySeconds.WithLabelValues(domain).Set(float64(notAfter.Unix()))
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
