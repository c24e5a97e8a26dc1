package relay

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildcraft.ai/internal/persistence/snapshot"
	"buildcraft.ai/internal/protocol"
	"buildcraft.ai/internal/sim/model"
)

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type memStore struct {
	mu      sync.Mutex
	seed    map[string][]model.BuildObject
	puts    []string
	deletes []string
}

func (m *memStore) LoadRoom(room string) ([]model.BuildObject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seed[room], nil
}

func (m *memStore) PutObject(room string, obj model.BuildObject) {
	m.mu.Lock()
	m.puts = append(m.puts, room+"/"+obj.ID)
	m.mu.Unlock()
}

func (m *memStore) DeleteObject(room, id string) {
	m.mu.Lock()
	m.deletes = append(m.deletes, room+"/"+id)
	m.mu.Unlock()
}

type memJournal struct {
	mu      sync.Mutex
	entries []JournalEntry
}

func (j *memJournal) WriteFrame(e JournalEntry) error {
	j.mu.Lock()
	j.entries = append(j.entries, e)
	j.mu.Unlock()
	return nil
}

type fixture struct {
	hub    *Hub
	store  *memStore
	jrnl   *memJournal
	snaps  chan snapshot.RoomV1
	cancel context.CancelFunc
	now    *time.Time
	mu     *sync.Mutex
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	cfg := DefaultConfig()
	cfg.PruneInterval = time.Hour
	cfg.SnapshotEvery = 0
	if mutate != nil {
		mutate(&cfg)
	}
	now := t0
	var mu sync.Mutex
	f := &fixture{
		store: &memStore{seed: map[string][]model.BuildObject{}},
		jrnl:  &memJournal{},
		snaps: make(chan snapshot.RoomV1, 8),
		now:   &now,
		mu:    &mu,
	}
	f.hub = NewHub(cfg, zerolog.Nop(), Options{
		Store:     f.store,
		Journal:   f.jrnl,
		Snapshots: f.snaps,
		Now: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return *f.now
		},
	})
	return f
}

func (f *fixture) start(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go func() { _ = f.hub.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-f.hub.Done()
	})
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	*f.now = f.now.Add(d)
	f.mu.Unlock()
}

type conn struct {
	id  string
	out chan []byte
}

func (f *fixture) join(t *testing.T, room, want string) (conn, JoinResponse) {
	t.Helper()
	out := make(chan []byte, 32)
	resp := make(chan JoinResponse, 1)
	f.hub.Join() <- JoinRequest{Room: room, Name: want, ClientID: want, Out: out, Resp: resp}
	select {
	case r := <-resp:
		return conn{id: r.Welcome.ClientID, out: out}, r
	case <-time.After(time.Second):
		t.Fatal("join timed out")
	}
	return conn{}, JoinResponse{}
}

func (c conn) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case b := <-c.out:
		var m map[string]any
		require.NoError(t, json.Unmarshal(b, &m))
		return m
	case <-time.After(time.Second):
		t.Fatalf("%s: no frame", c.id)
	}
	return nil
}

func (c conn) quiet(t *testing.T) {
	t.Helper()
	select {
	case b := <-c.out:
		t.Fatalf("%s: unexpected frame %s", c.id, b)
	case <-time.After(30 * time.Millisecond):
	}
}

func createFrame(t *testing.T, id string, expiresAt int64) []byte {
	t.Helper()
	obj := model.BuildObject{
		ID:         id,
		OwnerID:    "alice",
		Kind:       model.KindSimple,
		Transform:  model.Transform{Position: model.Vec3{X: 1}, Scale: model.Vec3{X: 1, Y: 1, Z: 1}},
		Appearance: model.Appearance{Shape: "box", Material: "brick", Size: 1},
		CreatedAt:  t0.UnixMilli(),
		ExpiresAt:  expiresAt,
	}
	b, err := json.Marshal(protocol.NewBuildMsg(model.Create(obj)))
	require.NoError(t, err)
	return b
}

func TestJoinHonoursRequestedIdentity(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	a, resp := f.join(t, "plaza", "alice")
	require.Nil(t, resp.Err)
	assert.Equal(t, "alice", a.id)
	assert.Equal(t, protocol.Version, resp.Welcome.ProtocolVersion)
	assert.Contains(t, resp.Welcome.Peers, "alice")

	b, resp := f.join(t, "plaza", "bob")
	require.Nil(t, resp.Err)
	assert.Len(t, resp.Welcome.Peers, 2)

	m := a.next(t)
	assert.Equal(t, protocol.TypePeerJoin, m["type"])
	assert.Equal(t, b.id, m["peer"].(map[string]any)["clientId"])
	b.quiet(t)

	anon, resp := f.join(t, "plaza", "")
	require.Nil(t, resp.Err)
	assert.NotEmpty(t, anon.id, "relay assigns an id when none is proposed")
}

func TestRejoinTakesOverIdentity(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxPeersPerRoom = 1 })
	f.start(t)

	old, _ := f.join(t, "plaza", "alice")
	fresh, resp := f.join(t, "plaza", "alice")
	require.Nil(t, resp.Err, "rejoin is allowed in a full room")
	assert.Equal(t, "alice", fresh.id)

	_, open := <-old.out
	assert.False(t, open, "old connection queue is closed")

	// Frames and leaves from the superseded connection are ignored.
	f.hub.Inbox() <- Envelope{Room: "plaza", ClientID: "alice", Out: old.out, Raw: createFrame(t, "ghost", 0)}
	f.hub.Leave() <- LeaveRequest{Room: "plaza", ClientID: "alice", Out: old.out}
	fresh.quiet(t)

	rooms, err := f.hub.Rooms(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []RoomInfo{{Name: "plaza", Peers: 1}}, rooms)
}

func TestJoinRejectsFullRoom(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxPeersPerRoom = 1 })
	f.start(t)

	f.join(t, "plaza", "alice")
	_, resp := f.join(t, "plaza", "bob")
	require.NotNil(t, resp.Err)
	assert.Equal(t, protocol.ErrRoomFull, resp.Err.Code)
}

func TestFrameFansOutToEveryPeerWithSender(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	a, _ := f.join(t, "plaza", "alice")
	b, _ := f.join(t, "plaza", "bob")
	a.next(t) // bob's PEER_JOIN

	f.hub.Inbox() <- Envelope{Room: "plaza", ClientID: a.id, Raw: createFrame(t, "abc123", 0)}

	for _, c := range []conn{a, b} {
		m := c.next(t)
		assert.Equal(t, protocol.TypeCreate, m["type"])
		assert.Equal(t, "abc123", m["id"])
		assert.Equal(t, "alice", m["clientId"], "relay stamps the sender")
	}

	require.Eventually(t, func() bool {
		f.jrnl.mu.Lock()
		defer f.jrnl.mu.Unlock()
		return len(f.jrnl.entries) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "abc123", f.jrnl.entries[0].ID)

	objs, ok, err := f.hub.RoomState(context.Background(), "plaza")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, objs, 1)
	assert.Equal(t, []string{"plaza/abc123"}, f.store.puts)

	_, late := f.join(t, "plaza", "carol")
	assert.Contains(t, late.Welcome.RoomState, "abc123", "late joiners get the room state")
}

func TestDeleteIsStoredAndBlocksLateCreate(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	a, _ := f.join(t, "plaza", "alice")

	f.hub.Inbox() <- Envelope{Room: "plaza", ClientID: a.id, Raw: createFrame(t, "abc123", 0)}
	a.next(t)
	del, _ := json.Marshal(protocol.NewBuildMsg(model.Delete("abc123")))
	f.hub.Inbox() <- Envelope{Room: "plaza", ClientID: a.id, Raw: del}
	a.next(t)
	f.hub.Inbox() <- Envelope{Room: "plaza", ClientID: a.id, Raw: createFrame(t, "abc123", 0)}
	a.next(t)

	objs, _, err := f.hub.RoomState(context.Background(), "plaza")
	require.NoError(t, err)
	assert.Empty(t, objs)
	assert.Equal(t, []string{"plaza/abc123"}, f.store.deletes)
}

func TestBadFramesAreRejected(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	a, _ := f.join(t, "plaza", "alice")

	f.hub.Inbox() <- Envelope{Room: "plaza", ClientID: a.id, Raw: []byte(`{"type":"HELLO"}`)}
	m := a.next(t)
	assert.Equal(t, protocol.TypeError, m["type"])
	assert.Equal(t, protocol.ErrProtoBadRequest, m["code"])

	f.hub.Inbox() <- Envelope{Room: "plaza", ClientID: a.id, Raw: []byte(`{"type":"create","id":"x1"}`)}
	m = a.next(t)
	assert.Equal(t, protocol.ErrBadRequest, m["code"])
	assert.Equal(t, "x1", m["id"])
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.RatePerSecond = 0.001
		c.RateBurst = 1
	})
	f.start(t)
	a, _ := f.join(t, "plaza", "alice")

	f.hub.Inbox() <- Envelope{Room: "plaza", ClientID: a.id, Raw: createFrame(t, "a1", 0)}
	assert.Equal(t, protocol.TypeCreate, a.next(t)["type"])
	f.hub.Inbox() <- Envelope{Room: "plaza", ClientID: a.id, Raw: createFrame(t, "a2", 0)}
	assert.Equal(t, protocol.ErrRateLimit, a.next(t)["code"])
}

func TestLeaveBroadcastsAndIgnoresStaleQueue(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	a, _ := f.join(t, "plaza", "alice")
	b, _ := f.join(t, "plaza", "bob")
	a.next(t)

	f.hub.Leave() <- LeaveRequest{Room: "plaza", ClientID: b.id, Out: make(chan []byte)}
	a.quiet(t)

	f.hub.Leave() <- LeaveRequest{Room: "plaza", ClientID: b.id, Out: b.out}
	m := a.next(t)
	assert.Equal(t, protocol.TypePeerLeave, m["type"])

	rooms, err := f.hub.Rooms(context.Background())
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, RoomInfo{Name: "plaza", Peers: 1}, rooms[0])
}

func TestLoadedRoomSkipsExpiredObjects(t *testing.T) {
	f := newFixture(t, nil)
	live := model.BuildObject{ID: "live", Kind: model.KindSimple, Appearance: model.Appearance{Shape: "box"}, ExpiresAt: t0.Add(time.Minute).UnixMilli()}
	dead := model.BuildObject{ID: "dead", Kind: model.KindSimple, Appearance: model.Appearance{Shape: "box"}, ExpiresAt: t0.Add(-time.Minute).UnixMilli()}
	f.store.seed["plaza"] = []model.BuildObject{live, dead}
	f.start(t)

	_, resp := f.join(t, "plaza", "alice")
	assert.Contains(t, resp.Welcome.RoomState, "live")
	assert.NotContains(t, resp.Welcome.RoomState, "dead")
}

func TestPruneDropsExpiredAndEmptyRooms(t *testing.T) {
	f := newFixture(t, nil)
	a := conn{id: "alice", out: make(chan []byte, 32)}
	f.hub.handleJoin(JoinRequest{Room: "plaza", ClientID: a.id, Out: a.out, Resp: make(chan JoinResponse, 1)})

	f.hub.handleFrame(Envelope{Room: "plaza", ClientID: a.id, Raw: createFrame(t, "abc123", t0.Add(time.Minute).UnixMilli())})
	f.hub.handleLeave(LeaveRequest{Room: "plaza", ClientID: a.id, Out: a.out})

	f.hub.prune()
	require.Contains(t, f.hub.rooms, "plaza", "objects keep the room alive")

	f.advance(2 * time.Minute)
	f.hub.prune()
	assert.NotContains(t, f.hub.rooms, "plaza")
	assert.Equal(t, []string{"plaza/abc123"}, f.store.deletes)

	select {
	case snap := <-f.snaps:
		assert.Equal(t, "plaza", snap.Header.Room)
		assert.Empty(t, snap.Objects)
	default:
		t.Fatal("dirty room was not snapshotted before being dropped")
	}
}

func TestShutdownSnapshotsEveryRoom(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	a, _ := f.join(t, "plaza", "alice")
	f.hub.Inbox() <- Envelope{Room: "plaza", ClientID: a.id, Raw: createFrame(t, "abc123", 0)}
	a.next(t)

	f.cancel()
	<-f.hub.Done()

	snap := <-f.snaps
	assert.Equal(t, "plaza", snap.Header.Room)
	assert.Equal(t, t0.UnixMilli(), snap.Header.TakenAt)
	require.Len(t, snap.Objects, 1)

	_, err := f.hub.Rooms(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}

func TestRoomQueriesNeverReturnPartialResults(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	for _, room := range []string{"atrium", "harbor", "plaza"} {
		f.join(t, room, "alice")
	}

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), time.Duration(i)*time.Microsecond)
			defer cancel()
			rooms, err := f.hub.Rooms(ctx)
			if err != nil {
				assert.ErrorIs(t, err, context.DeadlineExceeded)
				return
			}
			assert.Len(t, rooms, 3)
		}(i)
	}
	wg.Wait()

	rooms, err := f.hub.Rooms(context.Background())
	require.NoError(t, err)
	require.Len(t, rooms, 3)
	assert.Equal(t, "atrium", rooms[0].Name)
	assert.Equal(t, 1, rooms[0].Peers)
}
