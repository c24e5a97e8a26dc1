package store

import (
	"math"
	"sort"
	"sync"

	"buildcraft.ai/internal/sim/model"
)

// Renderer is the rendering boundary. The store calls it while holding its
// lock, so implementations must not call back into the store.
type Renderer interface {
	Construct(obj model.BuildObject)
	Destroy(id string)
}

type Outcome int

const (
	OutcomeInserted Outcome = iota + 1
	OutcomeUpdated
	OutcomeUnchanged
	OutcomeRemoved
	OutcomeNotFound
	OutcomeTombstoned
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeUpdated:
		return "updated"
	case OutcomeUnchanged:
		return "unchanged"
	case OutcomeRemoved:
		return "removed"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeTombstoned:
		return "tombstoned"
	}
	return "unknown"
}

// Changed reports whether the outcome touched the scene.
func (o Outcome) Changed() bool {
	return o == OutcomeInserted || o == OutcomeUpdated || o == OutcomeRemoved
}

// Store is the per-client source of truth for build objects.
// Ids removed during the session are tombstoned so that late or duplicated
// creates cannot bring them back.
type Store struct {
	mu         sync.Mutex
	objects    map[string]model.BuildObject
	tombstones map[string]int64 // id -> removal time (unix ms)
	render     Renderer
}

func New(r Renderer) *Store {
	if r == nil {
		r = nopRenderer{}
	}
	return &Store{
		objects:    map[string]model.BuildObject{},
		tombstones: map[string]int64{},
		render:     r,
	}
}

// Upsert inserts or replaces obj by id. ExpiresAt never moves backwards:
// the stored value is max(existing, incoming).
func (s *Store) Upsert(obj model.BuildObject) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dead := s.tombstones[obj.ID]; dead {
		return OutcomeTombstoned
	}
	prev, ok := s.objects[obj.ID]
	if ok && prev.Expires() && (!obj.Expires() || obj.ExpiresAt < prev.ExpiresAt) {
		obj.ExpiresAt = prev.ExpiresAt
	}
	if ok && model.Equal(prev, obj) {
		return OutcomeUnchanged
	}
	obj = obj.Clone()
	s.objects[obj.ID] = obj
	s.render.Construct(obj)
	if ok {
		return OutcomeUpdated
	}
	return OutcomeInserted
}

// Remove deletes id if present and tombstones it either way.
func (s *Store) Remove(id string, nowMs int64) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id == "" {
		return OutcomeNotFound
	}
	if _, ok := s.tombstones[id]; !ok {
		s.tombstones[id] = nowMs
	}
	if _, ok := s.objects[id]; !ok {
		return OutcomeNotFound
	}
	delete(s.objects, id)
	s.render.Destroy(id)
	return OutcomeRemoved
}

// Tombstoned reports whether id was removed in this session.
func (s *Store) Tombstoned(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tombstones[id]
	return ok
}

// PruneTombstones forgets removals older than ttlMs. It returns the number pruned.
func (s *Store) PruneTombstones(nowMs, ttlMs int64) int {
	if ttlMs <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, at := range s.tombstones {
		if nowMs-at >= ttlMs {
			delete(s.tombstones, id)
			n++
		}
	}
	return n
}

func (s *Store) Get(id string) (model.BuildObject, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objects[id]
	if !ok {
		return model.BuildObject{}, false
	}
	return o.Clone(), true
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

// All returns a copy of every object, sorted by id.
func (s *Store) All() []model.BuildObject {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.BuildObject, 0, len(s.objects))
	for _, o := range s.objects {
		out = append(out, o.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindNearest returns the object whose position is closest to pos and no
// further than maxDistance. Ties resolve to the smaller id.
func (s *Store) FindNearest(pos model.Vec3, maxDistance float64) (model.BuildObject, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		best     model.BuildObject
		bestDist = math.Inf(1)
		found    bool
	)
	for _, o := range s.objects {
		d := o.Transform.Position.Dist(pos)
		if d > maxDistance {
			continue
		}
		if !found || d < bestDist || (d == bestDist && o.ID < best.ID) {
			best, bestDist, found = o, d, true
		}
	}
	if !found {
		return model.BuildObject{}, false
	}
	return best.Clone(), true
}

// Within returns every object within radius of pos, sorted by id.
func (s *Store) Within(pos model.Vec3, radius float64) []model.BuildObject {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.BuildObject
	for _, o := range s.objects {
		if o.Transform.Position.Dist(pos) <= radius {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Expired returns the ids of objects due at nowMs, sorted.
func (s *Store) Expired(nowMs int64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, o := range s.objects {
		if o.ExpiredAt(nowMs) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

type nopRenderer struct{}

func (nopRenderer) Construct(model.BuildObject) {}
func (nopRenderer) Destroy(string)              {}
