package orchestrator

import (
	"context"
	"time"
)

// DefaultPhaseTimeout bounds a phase that does not set its own timeout.
const DefaultPhaseTimeout = 10 * time.Minute

// Step performs a phase action, precondition or rollback and returns its
// output for the run record.
type Step func(ctx context.Context) (string, error)

// Phase is one idempotent step of a plan. Action and Verify are required.
type Phase struct {
	Name         string
	Precondition Step
	Action       Step
	Verify       Step
	Rollback     Step
	Timeout      time.Duration
}

// PhaseBuilder assembles a Phase.
type PhaseBuilder struct {
	p Phase
}

func NewPhase(name string) *PhaseBuilder {
	return &PhaseBuilder{p: Phase{Name: name}}
}

func (b *PhaseBuilder) Precondition(s Step) *PhaseBuilder {
	b.p.Precondition = s
	return b
}

func (b *PhaseBuilder) Action(s Step) *PhaseBuilder {
	b.p.Action = s
	return b
}

func (b *PhaseBuilder) Verify(s Step) *PhaseBuilder {
	b.p.Verify = s
	return b
}

func (b *PhaseBuilder) Rollback(s Step) *PhaseBuilder {
	b.p.Rollback = s
	return b
}

func (b *PhaseBuilder) Timeout(d time.Duration) *PhaseBuilder {
	b.p.Timeout = d
	return b
}

func (b *PhaseBuilder) Build() Phase {
	return b.p
}

// Plan is an ordered sequence of phases. On success the Targets are marked
// desired in the registry.
type Plan struct {
	Name    string
	Targets []string
	Phases  []Phase
}
