package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/siteops/internal/config"
	"github.com/siteops/internal/lock"
	"github.com/siteops/internal/models"
	"github.com/siteops/internal/telemetry"
)

// Registry is the part of the service registry the orchestrator writes.
type Registry interface {
	SetDesired(names []string, desired bool) error
	Routes() models.RoutingMap
}

// ProxyApplier activates a routing map on behalf of a lease holder.
type ProxyApplier interface {
	Apply(ctx context.Context, routes models.RoutingMap, lease *lock.Lease) error
}

// Recorder persists finished runs.
type Recorder interface {
	RecordRun(ctx context.Context, run *models.DeploymentRun) error
}

// DesiredStore persists desired flags for processes that do not share the
// orchestrator's registry.
type DesiredStore interface {
	SetDesired(ctx context.Context, runID string, names []string, desired bool) error
}

// PhaseResult is the record of one executed phase.
type PhaseResult struct {
	Name     string             `json:"name"`
	Position int                `json:"position"`
	Status   models.PhaseStatus `json:"status"`
	Output   string             `json:"output,omitempty"`
	Duration time.Duration      `json:"duration"`
}

// Outcome is the structured result of a run.
type Outcome struct {
	RunID            string           `json:"run_id"`
	Plan             string           `json:"plan"`
	Holder           string           `json:"holder"`
	Status           models.RunStatus `json:"status"`
	FailedPhase      string           `json:"failed_phase,omitempty"`
	Output           string           `json:"output,omitempty"`
	Completed        []string         `json:"completed"`
	RolledBack       []string         `json:"rolled_back,omitempty"`
	RollbackFailures []string         `json:"rollback_failures,omitempty"`
	Phases           []PhaseResult    `json:"phases"`
	StartedAt        time.Time        `json:"started_at"`
	FinishedAt       time.Time        `json:"finished_at"`
}

type Options struct {
	Lock     *lock.Lock
	Registry Registry
	Proxy    ProxyApplier
	Recorder Recorder
	Desired  DesiredStore
	Logger   *zap.Logger
	// HandoffTimeout bounds the registry and proxy handoff after the last phase.
	HandoffTimeout time.Duration
}

// Orchestrator runs deployment plans under the deployment lock.
type Orchestrator struct {
	lock     *lock.Lock
	registry Registry
	proxy    ProxyApplier
	recorder Recorder
	desired  DesiredStore
	log      *zap.Logger
	handoff  time.Duration
	now      func() time.Time
}

func New(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.HandoffTimeout <= 0 {
		opts.HandoffTimeout = 2 * time.Minute
	}
	return &Orchestrator{
		lock:     opts.Lock,
		registry: opts.Registry,
		proxy:    opts.Proxy,
		recorder: opts.Recorder,
		desired:  opts.Desired,
		log:      opts.Logger,
		handoff:  opts.HandoffTimeout,
		now:      time.Now,
	}
}

// Validate checks a plan's shape. A malformed plan is a configuration
// error and nothing runs.
func Validate(plan Plan) error {
	if plan.Name == "" {
		return &config.ConfigurationError{Field: "plan", Msg: "plan has no name"}
	}
	if len(plan.Phases) == 0 {
		return &config.ConfigurationError{Field: "plans." + plan.Name, Msg: "plan has no phases"}
	}
	seen := make(map[string]bool, len(plan.Phases))
	for i, p := range plan.Phases {
		field := fmt.Sprintf("plans.%s.phases[%d]", plan.Name, i)
		switch {
		case p.Name == "":
			return &config.ConfigurationError{Field: field, Msg: "phase has no name"}
		case seen[p.Name]:
			return &config.ConfigurationError{Field: field, Msg: "duplicate phase " + p.Name}
		case p.Action == nil:
			return &config.ConfigurationError{Field: field, Msg: "phase " + p.Name + " has no action"}
		case p.Verify == nil:
			return &config.ConfigurationError{Field: field, Msg: "phase " + p.Name + " has no verification"}
		}
		seen[p.Name] = true
	}
	return nil
}

// Run executes plan. The lock is held for the whole run and released on
// every exit path. Cancelling ctx lets the in-flight phase finish, skips
// the rest and rolls back what completed.
func (o *Orchestrator) Run(ctx context.Context, plan Plan) (*Outcome, error) {
	if err := Validate(plan); err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	holder := fmt.Sprintf("deploy:%s:%s", plan.Name, runID[:8])
	lease, err := o.lock.Acquire(holder)
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", plan.Name, err)
	}
	defer func() {
		if err := lease.Release(); err != nil {
			o.log.Error("failed to release deployment lock", zap.String("run_id", runID), zap.Error(err))
		}
	}()

	log := o.log.With(zap.String("run_id", runID), zap.String("plan", plan.Name))
	out := &Outcome{
		RunID:     runID,
		Plan:      plan.Name,
		Holder:    holder,
		Status:    models.RunStatusRunning,
		StartedAt: o.now(),
	}
	log.Info("deployment started", zap.Int("phases", len(plan.Phases)))

	runErr := o.runPhases(withLease(ctx, lease), plan, out, log)
	if runErr == nil {
		runErr = o.handOff(ctx, plan, lease, out)
	}

	out.FinishedAt = o.now()
	switch {
	case runErr == nil:
		out.Status = models.RunStatusSucceeded
		log.Info("deployment succeeded", zap.Duration("duration", out.FinishedAt.Sub(out.StartedAt)))
	case errors.Is(runErr, ErrCancelled):
		out.Status = models.RunStatusCancelled
		log.Warn("deployment cancelled", zap.Strings("rolled_back", out.RolledBack))
	default:
		out.Status = models.RunStatusFailed
		out.Output = runErr.Error()
		log.Error("deployment failed", zap.String("phase", out.FailedPhase), zap.Error(runErr))
	}
	telemetry.ObserveDeployment(plan.Name, string(out.Status))
	o.record(ctx, out, log)
	return out, runErr
}

func (o *Orchestrator) runPhases(ctx context.Context, plan Plan, out *Outcome, log *zap.Logger) error {
	var completed []int
	for i, phase := range plan.Phases {
		if err := ctx.Err(); err != nil {
			o.rollback(ctx, plan, completed, out, log)
			return fmt.Errorf("%w before phase %s: %v", ErrCancelled, phase.Name, err)
		}

		start := o.now()
		output, err := o.runPhase(ctx, phase)
		d := o.now().Sub(start)
		telemetry.ObservePhase(plan.Name, phase.Name, d)
		res := PhaseResult{Name: phase.Name, Position: i, Output: output, Duration: d}

		if err != nil {
			res.Status = models.PhaseStatusFailed
			out.Phases = append(out.Phases, res)
			out.FailedPhase = phase.Name
			log.Warn("phase failed", zap.String("phase", phase.Name), zap.Error(err))

			o.rollback(ctx, plan, append(completed, i), out, log)
			return err
		}

		res.Status = models.PhaseStatusSucceeded
		out.Phases = append(out.Phases, res)
		out.Completed = append(out.Completed, phase.Name)
		completed = append(completed, i)
		log.Info("phase verified", zap.String("phase", phase.Name), zap.Duration("duration", d))
	}
	return nil
}

// runPhase runs precondition, action and verification. The phase context
// ignores caller cancellation so the phase always completes within its
// timeout.
func (o *Orchestrator) runPhase(ctx context.Context, phase Phase) (string, error) {
	timeout := phase.Timeout
	if timeout <= 0 {
		timeout = DefaultPhaseTimeout
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	var outputs []string
	if phase.Precondition != nil {
		output, err := call(pctx, phase.Precondition)
		outputs = appendOutput(outputs, output)
		if err != nil {
			return joinOutput(outputs), &PhaseError{Phase: phase.Name, Step: "precondition", Output: output, Err: err}
		}
	}
	output, err := call(pctx, phase.Action)
	outputs = appendOutput(outputs, output)
	if err != nil {
		return joinOutput(outputs), &PhaseError{Phase: phase.Name, Step: "action", Output: output, Err: err}
	}
	output, err = call(pctx, phase.Verify)
	outputs = appendOutput(outputs, output)
	if err != nil {
		return joinOutput(outputs), &PhaseVerificationError{Phase: phase.Name, Output: output, Err: err}
	}
	return joinOutput(outputs), nil
}

// rollback runs the rollbacks of the phases at positions in reverse order.
func (o *Orchestrator) rollback(ctx context.Context, plan Plan, positions []int, out *Outcome, log *zap.Logger) {
	for j := len(positions) - 1; j >= 0; j-- {
		phase := plan.Phases[positions[j]]
		if phase.Rollback == nil {
			continue
		}
		timeout := phase.Timeout
		if timeout <= 0 {
			timeout = DefaultPhaseTimeout
		}
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		output, err := call(rctx, phase.Rollback)
		cancel()
		if err != nil {
			log.Error("rollback failed", zap.String("phase", phase.Name), zap.Error(err), zap.String("output", output))
			out.RollbackFailures = append(out.RollbackFailures, fmt.Sprintf("%s: %v", phase.Name, err))
			continue
		}
		log.Info("phase rolled back", zap.String("phase", phase.Name))
		out.RolledBack = append(out.RolledBack, phase.Name)
		for k := range out.Phases {
			if out.Phases[k].Position == positions[j] {
				out.Phases[k].Status = models.PhaseStatusRolledBack
			}
		}
	}
}

// handOff activates the routing map with the run's lease and then marks
// the plan's targets desired. A failed activation leaves the desired
// flags untouched.
func (o *Orchestrator) handOff(ctx context.Context, plan Plan, lease *lock.Lease, out *Outcome) error {
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.handoff)
	defer cancel()

	if o.registry == nil {
		return nil
	}
	if o.proxy != nil {
		if routes := o.registry.Routes(); len(routes) > 0 {
			if err := o.proxy.Apply(hctx, routes, lease); err != nil {
				out.FailedPhase = "proxy"
				return fmt.Errorf("failed to activate routing map: %w", err)
			}
		}
	}
	if len(plan.Targets) > 0 {
		if err := o.registry.SetDesired(plan.Targets, true); err != nil {
			out.FailedPhase = "registry"
			return fmt.Errorf("failed to update desired state: %w", err)
		}
		if o.desired != nil {
			if err := o.desired.SetDesired(hctx, out.RunID, plan.Targets, true); err != nil {
				o.log.Warn("failed to persist desired state", zap.String("run_id", out.RunID), zap.Error(err))
			}
		}
	}
	return nil
}

func (o *Orchestrator) record(ctx context.Context, out *Outcome, log *zap.Logger) {
	if o.recorder == nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := o.recorder.RecordRun(rctx, out.Record()); err != nil {
		log.Warn("failed to record deployment run", zap.Error(err))
	}
}

// Record converts the outcome into its persisted form.
func (out *Outcome) Record() *models.DeploymentRun {
	run := &models.DeploymentRun{
		RunID:       out.RunID,
		Plan:        out.Plan,
		Holder:      out.Holder,
		Status:      out.Status,
		FailedPhase: out.FailedPhase,
		Output:      out.Output,
		StartedAt:   out.StartedAt,
		FinishedAt:  out.FinishedAt,
	}
	for _, p := range out.Phases {
		run.Phases = append(run.Phases, models.PhaseRecord{
			Name:           p.Name,
			Position:       p.Position,
			Status:         p.Status,
			Output:         p.Output,
			DurationMillis: p.Duration.Milliseconds(),
		})
	}
	return run
}

type leaseKey struct{}

func withLease(ctx context.Context, lease *lock.Lease) context.Context {
	return context.WithValue(ctx, leaseKey{}, lease)
}

// LeaseFromContext returns the deployment lease of the run executing a
// phase, nil outside a run.
func LeaseFromContext(ctx context.Context) *lock.Lease {
	lease, _ := ctx.Value(leaseKey{}).(*lock.Lease)
	return lease
}

// call runs a step and turns a panic into an error.
func call(ctx context.Context, s Step) (output string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s(ctx)
}

func appendOutput(outputs []string, output string) []string {
	if output = strings.TrimSpace(output); output != "" {
		outputs = append(outputs, output)
	}
	return outputs
}

func joinOutput(outputs []string) string {
	return strings.Join(outputs, "\n")
}
