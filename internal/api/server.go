package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/siteops/internal/certs"
	"github.com/siteops/internal/lock"
	"github.com/siteops/internal/models"
)

type HealthSource interface {
	States() []models.ServiceHealthState
	History() []models.Transition
}

type AlertSource interface {
	Active() []models.AlertInstance
}

type CertSource interface {
	States() []certs.DomainState
}

// HistoryStore is the audit trail of runs and notifications.
type HistoryStore interface {
	RecentRuns(ctx context.Context, plan string, limit int) ([]models.DeploymentRun, error)
	RecentNotifications(ctx context.Context, limit int) ([]models.NotificationRecord, error)
}

// Status is the monitor's current view of the host.
type Status struct {
	Services     []models.ServiceHealthState `json:"services"`
	Lock         *lock.Holder                `json:"lock,omitempty"`
	FiringAlerts int                         `json:"firing_alerts"`
	Certificates []certs.DomainState         `json:"certificates,omitempty"`
	GeneratedAt  time.Time                   `json:"generated_at"`
}

type Config struct {
	Listen   string
	Health   HealthSource
	Alerts   AlertSource
	Certs    CertSource
	History  HistoryStore
	Lock     *lock.Lock
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

// Server is the read-only status API of a running monitor.
type Server struct {
	cfg    Config
	router *gin.Engine
	log    *zap.Logger
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{cfg: cfg, router: gin.New(), log: cfg.Logger}
	s.router.Use(gin.Recovery(), s.logRequests())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})))

	api := s.router.Group("/api/v1")
	api.GET("/status", s.status)
	api.GET("/transitions", s.transitions)
	api.GET("/alerts", s.alerts)
	api.GET("/certificates", s.certificates)
	api.GET("/deployments", s.deployments)
	api.GET("/notifications", s.notifications)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is done and then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.Info("status API listening", zap.String("addr", s.cfg.Listen))

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) status(c *gin.Context) {
	st := Status{Services: []models.ServiceHealthState{}, GeneratedAt: time.Now().UTC()}
	if s.cfg.Health != nil {
		st.Services = s.cfg.Health.States()
	}
	if s.cfg.Lock != nil {
		if h, held := s.cfg.Lock.Held(); held {
			st.Lock = &h
		}
	}
	if s.cfg.Alerts != nil {
		st.FiringAlerts = len(s.cfg.Alerts.Active())
	}
	if s.cfg.Certs != nil {
		st.Certificates = s.cfg.Certs.States()
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) transitions(c *gin.Context) {
	if s.cfg.Health == nil {
		c.JSON(http.StatusOK, []models.Transition{})
		return
	}
	out := s.cfg.Health.History()
	if service := c.Query("service"); service != "" {
		filtered := out[:0]
		for _, t := range out {
			if t.Service == service {
				filtered = append(filtered, t)
			}
		}
		out = filtered
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) alerts(c *gin.Context) {
	if s.cfg.Alerts == nil {
		c.JSON(http.StatusOK, []models.AlertInstance{})
		return
	}
	out := s.cfg.Alerts.Active()
	if level := c.Query("level"); level != "" {
		filtered := out[:0]
		for _, a := range out {
			if string(a.Level) == level {
				filtered = append(filtered, a)
			}
		}
		out = filtered
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) certificates(c *gin.Context) {
	if s.cfg.Certs == nil {
		c.JSON(http.StatusOK, []certs.DomainState{})
		return
	}
	c.JSON(http.StatusOK, s.cfg.Certs.States())
}

func (s *Server) deployments(c *gin.Context) {
	if s.cfg.History == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history store not configured"})
		return
	}
	limit, err := queryLimit(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	runs, err := s.cfg.History.RecentRuns(c.Request.Context(), c.Query("plan"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, runs)
}

func (s *Server) notifications(c *gin.Context) {
	if s.cfg.History == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history store not configured"})
		return
	}
	limit, err := queryLimit(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	recs, err := s.cfg.History.RecentNotifications(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, recs)
}

func queryLimit(c *gin.Context) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return n, nil
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("api request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
