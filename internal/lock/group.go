package lock

import "sync"

// Group lets the workers of one process share a single hold of the lock,
// so they exclude deployments without excluding each other. The first
// member to join takes the lock and the last one to leave releases it.
type Group struct {
	lock    *Lock
	mu      sync.Mutex
	lease   *Lease
	members int
}

func NewGroup(l *Lock) *Group {
	return &Group{lock: l}
}

// Join takes the lock for id, or shares it when another member of the
// group already holds it. It returns a *HeldError when anyone outside the
// group holds the lock.
func (g *Group) Join(id string) (*Membership, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.lease == nil || !g.lease.Valid() {
		lease, err := g.lock.Acquire(id)
		if err != nil {
			return nil, err
		}
		g.lease = lease
		g.members = 0
	}
	g.members++
	return &Membership{group: g, lease: g.lease}, nil
}

func (g *Group) leave(lease *Lease) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.lease != lease {
		return nil
	}
	g.members--
	if g.members > 0 {
		return nil
	}
	g.lease = nil
	return lease.Release()
}

// Membership is one member's share of a group hold. Release is idempotent.
type Membership struct {
	group *Group
	lease *Lease
	once  sync.Once
	err   error
}

// Lease returns the group's lease, for calls that check the lock holder.
func (m *Membership) Lease() *Lease { return m.lease }

func (m *Membership) Release() error {
	if m == nil {
		return nil
	}
	m.once.Do(func() {
		m.err = m.group.leave(m.lease)
	})
	return m.err
}
