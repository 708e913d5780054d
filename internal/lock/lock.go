package lock

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// ErrHeld is returned when the deployment lock is already held.
var ErrHeld = errors.New("deployment lock is held")

// Holder identifies who holds the lock.
type Holder struct {
	ID         string    `json:"id"`
	PID        int       `json:"pid"`
	Host       string    `json:"host"`
	AcquiredAt time.Time `json:"acquired_at"`
}

func (h Holder) String() string {
	return fmt.Sprintf("%s (pid %d on %s, since %s)", h.ID, h.PID, h.Host, h.AcquiredAt.Format(time.RFC3339))
}

// HeldError reports lock contention together with the current holder.
type HeldError struct {
	Holder Holder
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("deployment lock held by %s", e.Holder)
}

func (e *HeldError) Unwrap() error { return ErrHeld }

// Lock is the deployment lock guarding mutual exclusion between the
// orchestrator and the health monitor's remediation. Acquisition never
// blocks. With a lock file configured the lock also excludes other
// processes on the same host.
type Lock struct {
	mu     sync.Mutex
	path   string
	now    func() time.Time
	holder *Holder
	seq    uint64
	file   *os.File
}

type Option func(*Lock)

// WithFile backs the lock with an flock'ed file at path.
func WithFile(path string) Option {
	return func(l *Lock) { l.path = path }
}

// WithClock overrides the clock used for acquisition timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Lock) { l.now = now }
}

func New(opts ...Option) *Lock {
	l := &Lock{now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire takes the lock for id or returns a *HeldError.
func (l *Lock) Acquire(id string) (*Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.holder != nil {
		return nil, &HeldError{Holder: *l.holder}
	}

	host, _ := os.Hostname()
	h := Holder{ID: id, PID: os.Getpid(), Host: host, AcquiredAt: l.now()}

	if l.path != "" {
		f, err := lockFile(l.path, h)
		if err != nil {
			return nil, err
		}
		l.file = f
	}

	l.seq++
	l.holder = &h
	return &Lease{lock: l, holder: h, seq: l.seq}, nil
}

// Held reports whether the lock is held by anyone, in this process or, when
// file-backed, in another process.
func (l *Lock) Held() (Holder, bool) {
	l.mu.Lock()
	if l.holder != nil {
		h := *l.holder
		l.mu.Unlock()
		return h, true
	}
	path := l.path
	l.mu.Unlock()

	if path == "" {
		return Holder{}, false
	}
	h, held, err := probeFile(path)
	if err != nil {
		// An unreadable lock file is treated as held so that nothing
		// mutates live services on an uncertain lock state.
		return Holder{ID: "unknown", AcquiredAt: time.Time{}}, true
	}
	return h, held
}

func (l *Lock) release(seq uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder == nil || l.seq != seq {
		return nil
	}
	l.holder = nil
	if l.file != nil {
		f := l.file
		l.file = nil
		if err := unlockFile(f); err != nil {
			return fmt.Errorf("failed to release lock file %s: %w", l.path, err)
		}
	}
	return nil
}

func (l *Lock) current(seq uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder != nil && l.seq == seq
}

// Lease is proof of holding the lock. Release is idempotent.
type Lease struct {
	lock   *Lock
	holder Holder
	seq    uint64
	once   sync.Once
	err    error
}

func (l *Lease) Holder() Holder { return l.holder }

// Valid reports whether the lease still holds the lock.
func (l *Lease) Valid() bool {
	return l != nil && l.lock.current(l.seq)
}

func (l *Lease) Release() error {
	if l == nil {
		return nil
	}
	l.once.Do(func() {
		l.err = l.lock.release(l.seq)
	})
	return l.err
}
