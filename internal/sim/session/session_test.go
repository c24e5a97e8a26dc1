package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildcraft.ai/internal/protocol"
	"buildcraft.ai/internal/replication"
	"buildcraft.ai/internal/sim/model"
	"buildcraft.ai/internal/sim/placement"
	"buildcraft.ai/internal/sim/terrain"
	"buildcraft.ai/internal/sim/tools"
	"buildcraft.ai/internal/sim/tuning"
)

var t0 = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

// bus is an in-memory relay: frames are stamped with the sender and handed
// to every member, sender included.
type bus struct{ links []*busLink }

type busLink struct {
	bus       *bus
	id        string
	onMessage func([]byte)
	onWelcome func(protocol.WelcomeMsg)
	onConn    func(bool)
}

func (l *busLink) OnMessage(fn func([]byte))                  { l.onMessage = fn }
func (l *busLink) OnWelcome(fn func(protocol.WelcomeMsg))     { l.onWelcome = fn }
func (l *busLink) OnConnectionChange(fn func(connected bool)) { l.onConn = fn }

func (l *busLink) Publish(raw []byte) error {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}
	m["clientId"] = l.id
	out, _ := json.Marshal(m)
	for _, peer := range l.bus.links {
		peer.onMessage(out)
	}
	return nil
}

func (l *busLink) connect(state map[string]model.BuildObject) {
	l.onWelcome(protocol.WelcomeMsg{Type: protocol.TypeWelcome, ClientID: l.id, RoomState: state})
	l.onConn(true)
}

func newSession(t *testing.T, b *bus, id string, gen tools.Generator) (*Session, *busLink) {
	t.Helper()
	link := &busLink{bus: b, id: id}
	s, err := New(Deps{
		Tuning:    tuning.Defaults(),
		ClientID:  id,
		Link:      link,
		Height:    terrain.Flat(0),
		Generator: gen,
		Log:       zerolog.Nop(),
	})
	require.NoError(t, err)
	b.links = append(b.links, link)
	return s, link
}

func down(x, z float64) placement.Ray {
	return placement.Ray{Origin: model.Vec3{X: x, Y: 5, Z: z}, Dir: model.Vec3{Y: -1}}
}

func submit(t *testing.T, s *Session, ins ...Input) {
	t.Helper()
	for _, in := range ins {
		require.True(t, s.Submit(in))
	}
}

func TestPlacedObjectReplicatesExtendsAndExpires(t *testing.T) {
	b := &bus{}
	alice, aliceLink := newSession(t, b, "alice", nil)
	bob, bobLink := newSession(t, b, "bob", nil)
	aliceLink.connect(nil)
	bobLink.connect(nil)
	alice.Step(t0)
	bob.Step(t0)

	submit(t, alice, Fire(tools.EventToggleBuild), Aim(down(1, 1), false), Input{Kind: InputCommit})
	res := alice.Step(t0)
	require.Empty(t, res.Errors)
	require.Len(t, res.Committed, 1)
	obj := res.Committed[0]
	assert.InDelta(t, 1, obj.Transform.Position.X, 1e-9)
	assert.InDelta(t, 0.5, obj.Transform.Position.Y, 1e-3)
	assert.Equal(t, t0.Add(50*time.Minute).UnixMilli(), obj.ExpiresAt)
	assert.Equal(t, 1, res.Drain.Echoes, "own frame comes back and is dropped")

	res = bob.Step(t0)
	assert.Equal(t, 1, res.Drain.Applied)
	got, ok := bob.Store.Get(obj.ID)
	require.True(t, ok)
	assert.True(t, model.Equal(obj, got))

	submit(t, alice, Fire(tools.EventToggleExtender), Input{Kind: InputExtend})
	res = alice.Step(t0.Add(5 * time.Minute))
	require.Len(t, res.Extended, 1)
	assert.Equal(t, t0.Add(60*time.Minute).UnixMilli(), res.Extended[0].ExpiresAt)

	bob.Step(t0.Add(5 * time.Minute))
	got, _ = bob.Store.Get(obj.ID)
	assert.Equal(t, t0.Add(60*time.Minute).UnixMilli(), got.ExpiresAt)

	res = bob.Step(t0.Add(60*time.Minute - time.Millisecond))
	assert.Empty(t, res.Swept)
	res = bob.Step(t0.Add(60 * time.Minute))
	assert.Equal(t, []string{obj.ID}, res.Swept)
	res = alice.Step(t0.Add(60 * time.Minute))
	assert.Equal(t, []string{obj.ID}, res.Swept, "each client expires on its own clock")
}

func TestUndoDeletesEverywhere(t *testing.T) {
	b := &bus{}
	alice, aliceLink := newSession(t, b, "alice", nil)
	bob, bobLink := newSession(t, b, "bob", nil)
	aliceLink.connect(nil)
	bobLink.connect(nil)

	submit(t, alice,
		Fire(tools.EventToggleBuild),
		Aim(down(1, 1), false), Input{Kind: InputCommit},
		Aim(down(4, 4), true), Input{Kind: InputShape}, Input{Kind: InputCommit},
	)
	res := alice.Step(t0)
	require.Len(t, res.Committed, 2)
	assert.Equal(t, "sphere", res.Committed[1].Appearance.Shape)
	bob.Step(t0)
	require.Equal(t, 2, bob.Store.Len())

	second := res.Committed[1].ID
	submit(t, alice, Input{Kind: InputUndo})
	res = alice.Step(t0.Add(time.Second))
	assert.Equal(t, []string{second}, res.Undone)

	bob.Step(t0.Add(time.Second))
	assert.Equal(t, 1, bob.Store.Len())
	_, ok := bob.Store.Get(second)
	assert.False(t, ok)
}

func TestWelcomeSnapshotDropsExpiredEntries(t *testing.T) {
	b := &bus{}
	bob, link := newSession(t, b, "bob", nil)

	live := model.BuildObject{
		ID:         "abc123",
		OwnerID:    "alice",
		Kind:       model.KindSimple,
		Transform:  model.Transform{Position: model.Vec3{X: 1, Z: 1}, Scale: model.Vec3{X: 1, Y: 1, Z: 1}},
		Appearance: model.Appearance{Shape: "box"},
		CreatedAt:  t0.Add(-time.Minute).UnixMilli(),
		ExpiresAt:  t0.Add(time.Minute).UnixMilli(),
	}
	stale := live
	stale.ID = "old1"
	stale.ExpiresAt = t0.Add(-time.Second).UnixMilli()

	link.connect(map[string]model.BuildObject{live.ID: live, stale.ID: stale})
	res := bob.Step(t0)
	assert.Equal(t, 1, res.Drain.Snapshots)
	assert.True(t, bob.Sync.Connected())
	_, ok := bob.Store.Get("abc123")
	assert.True(t, ok)
	_, ok = bob.Store.Get("old1")
	assert.False(t, ok, "expired snapshot entry is swept at once")
}

type cannedGenerator struct{ features []model.Feature }

func (g cannedGenerator) Generate(ctx context.Context, prompt string) ([]model.Feature, error) {
	return g.features, nil
}

func TestGenerateThenCommitAdvanced(t *testing.T) {
	gen := cannedGenerator{features: []model.Feature{
		{Type: "box", Name: "base", Scale: model.Vec3{X: 2, Y: 1, Z: 2}},
		{Type: "cone", Name: "roof", Position: model.Vec3{Y: 1}},
	}}
	s, link := newSession(t, &bus{}, "alice", gen)
	link.bus.links = nil // no peers; publishes go nowhere
	link.connect(nil)

	submit(t, s,
		Fire(tools.EventToggleBuild),
		Fire(tools.EventToggleAdvanced),
		Generate("hi"),
	)
	res := s.Step(t0)
	require.Len(t, res.Errors, 1)
	assert.ErrorIs(t, res.Errors[0], tools.ErrPromptTooShort)

	submit(t, s, Generate("a small hut"))
	require.Eventually(t, func() bool { return s.Step(t0).Generated }, time.Second, 5*time.Millisecond)
	require.Len(t, s.Tools.Advanced.Features(), 2)

	submit(t, s, Aim(down(3, 3), false), Input{Kind: InputCommit})
	res = s.Step(t0)
	require.Empty(t, res.Errors)
	require.Len(t, res.Committed, 1)
	assert.True(t, res.Committed[0].IsAdvanced)
	assert.Equal(t, "roof", res.Committed[0].Appearance.Features[1].Name)
}

func TestRejectedInputsAreReported(t *testing.T) {
	s, err := New(Deps{Tuning: tuning.Defaults(), ClientID: "solo", Height: terrain.Flat(0), Log: zerolog.Nop()})
	require.NoError(t, err)

	submit(t, s, Input{Kind: InputCommit}, Input{Kind: InputUndo}, Input{Kind: InputExtend}, Input{Kind: "dance"})
	res := s.Step(t0)
	require.Len(t, res.Errors, 4)
	assert.ErrorIs(t, res.Errors[0], ErrNoPreview)
	assert.ErrorIs(t, res.Errors[1], tools.ErrNothingToUndo)
	assert.ErrorIs(t, res.Errors[2], ErrNoPosition)

	// Without a link the session still works locally.
	submit(t, s, Fire(tools.EventToggleBuild), Aim(down(0, 0), false), Input{Kind: InputCommit})
	res = s.Step(t0)
	require.Empty(t, res.Errors)
	assert.Equal(t, 1, s.Store.Len())

	_, err = New(Deps{Tuning: tuning.Defaults(), Log: zerolog.Nop()})
	assert.Error(t, err)
}

func TestRunStopsOnCancel(t *testing.T) {
	s, err := New(Deps{Tuning: tuning.Defaults(), ClientID: "solo", Log: zerolog.Nop()})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	assert.ErrorIs(t, s.Sync.Deliver([]byte(`{}`)), replication.ErrClosed)
}

func TestMoveRepositionsOwnObject(t *testing.T) {
	b := &bus{}
	alice, aliceLink := newSession(t, b, "alice", nil)
	bob, bobLink := newSession(t, b, "bob", nil)
	aliceLink.connect(nil)
	bobLink.connect(nil)

	submit(t, alice, Fire(tools.EventToggleBuild), Aim(down(1, 1), false), Input{Kind: InputCommit})
	res := alice.Step(t0)
	require.Len(t, res.Committed, 1)
	placed := res.Committed[0]
	bob.Step(t0)

	submit(t, alice, Aim(down(4, 4), false), Input{Kind: InputMove})
	res = alice.Step(t0.Add(time.Minute))
	require.Empty(t, res.Errors)
	require.Len(t, res.Moved, 1)
	moved := res.Moved[0]
	assert.Equal(t, placed.ID, moved.ID)
	assert.InDelta(t, 4, moved.Transform.Position.X, 1e-9)
	assert.InDelta(t, 0.5, moved.Transform.Position.Y, 1e-3)
	assert.Equal(t, placed.ExpiresAt, moved.ExpiresAt)

	res = bob.Step(t0.Add(time.Minute))
	assert.Equal(t, 1, res.Drain.Applied)
	got, ok := bob.Store.Get(placed.ID)
	require.True(t, ok)
	assert.True(t, model.Equal(moved, got))

	submit(t, bob, Fire(tools.EventToggleBuild), Aim(down(4, 4), false), Input{Kind: InputMove})
	res = bob.Step(t0.Add(2 * time.Minute))
	require.Len(t, res.Errors, 1)
	assert.ErrorIs(t, res.Errors[0], ErrNotOwner)

	submit(t, alice, Aim(down(40, 40), false), Input{Kind: InputMove})
	res = alice.Step(t0.Add(2 * time.Minute))
	require.Len(t, res.Errors, 1)
	assert.ErrorIs(t, res.Errors[0], ErrNothingInReach)
}

type blockingGenerator struct {
	started chan struct{}
	ended   chan error
}

func (g *blockingGenerator) Generate(ctx context.Context, prompt string) ([]model.Feature, error) {
	close(g.started)
	<-ctx.Done()
	g.ended <- ctx.Err()
	return nil, ctx.Err()
}

func TestRunCancelsGenerateInFlight(t *testing.T) {
	gen := &blockingGenerator{started: make(chan struct{}), ended: make(chan error, 1)}
	s, err := New(Deps{Tuning: tuning.Defaults(), ClientID: "solo", Generator: gen, Log: zerolog.Nop()})
	require.NoError(t, err)
	submit(t, s, Fire(tools.EventToggleBuild), Fire(tools.EventToggleAdvanced), Generate("a tall castle"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-gen.started:
	case <-time.After(2 * time.Second):
		t.Fatal("generate never started")
	}
	cancel()
	select {
	case err := <-gen.ended:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("generate outlived Run")
	}
	assert.ErrorIs(t, <-done, context.Canceled)
}
