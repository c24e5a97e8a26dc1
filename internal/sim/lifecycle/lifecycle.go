package lifecycle

import (
	"sync"
	"time"

	"buildcraft.ai/internal/sim/model"
	"buildcraft.ai/internal/sim/store"
)

const (
	DefaultLifespan = 50 * time.Minute
	DefaultExtend   = 10 * time.Minute
)

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// ManualClock is a settable clock for tests and replays.
type ManualClock struct {
	mu sync.Mutex
	t  time.Time
}

func NewManualClock(t time.Time) *ManualClock { return &ManualClock{t: t} }

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type Config struct {
	Lifespan            time.Duration
	InteractionDistance float64
	TombstoneTTL        time.Duration
}

// Manager stamps, extends and ages out objects in one store. Every client
// runs its own manager against its own clock; no expiry is ever replicated.
type Manager struct {
	store *store.Store
	clock Clock
	cfg   Config
}

func NewManager(s *store.Store, clock Clock, cfg Config) *Manager {
	if clock == nil {
		clock = SystemClock{}
	}
	if cfg.Lifespan <= 0 {
		cfg.Lifespan = DefaultLifespan
	}
	if cfg.InteractionDistance <= 0 {
		cfg.InteractionDistance = 10
	}
	return &Manager{store: s, clock: clock, cfg: cfg}
}

func (m *Manager) NowMs() int64 { return m.clock.Now().UnixMilli() }

func (m *Manager) Lifespan() time.Duration { return m.cfg.Lifespan }

// Stamp sets createdAt to now and expiresAt to createdAt + lifespan.
func (m *Manager) Stamp(obj model.BuildObject) model.BuildObject {
	obj.CreatedAt = m.NowMs()
	obj.ExpiresAt = obj.CreatedAt + m.cfg.Lifespan.Milliseconds()
	return obj
}

// Extended returns obj with expiresAt = max(expiresAt, now) + amount. It does
// not touch the store; callers publish and apply the result.
func Extended(obj model.BuildObject, nowMs int64, amount time.Duration) model.BuildObject {
	if !obj.Expires() || amount <= 0 {
		return obj
	}
	base := obj.ExpiresAt
	if nowMs > base {
		base = nowMs
	}
	obj.ExpiresAt = base + amount.Milliseconds()
	return obj
}

// Extend looks up id and returns its extended copy.
func (m *Manager) Extend(id string, amount time.Duration) (model.BuildObject, bool) {
	obj, ok := m.store.Get(id)
	if !ok {
		return model.BuildObject{}, false
	}
	return Extended(obj, m.NowMs(), amount), true
}

// Extendable lists the objects a player at pos may extend.
func (m *Manager) Extendable(pos model.Vec3) []model.BuildObject {
	return m.store.Within(pos, m.cfg.InteractionDistance)
}

// Sweep removes every object whose expiresAt <= now and returns their ids.
func (m *Manager) Sweep() []string {
	now := m.NowMs()
	ids := m.store.Expired(now)
	removed := ids[:0]
	for _, id := range ids {
		if m.store.Remove(id, now) == store.OutcomeRemoved {
			removed = append(removed, id)
		}
	}
	if m.cfg.TombstoneTTL > 0 {
		m.store.PruneTombstones(now, m.cfg.TombstoneTTL.Milliseconds())
	}
	return removed
}
