package tools

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildcraft.ai/internal/sim/model"
	"buildcraft.ai/internal/sim/placement"
	"buildcraft.ai/internal/sim/store"
	"buildcraft.ai/internal/sim/tuning"
)

type fakeSync struct {
	store    *store.Store
	created  []model.BuildObject
	deleted  []string
	extended []model.Vec3
}

func newFakeSync() *fakeSync { return &fakeSync{store: store.New(nil)} }

func (f *fakeSync) LocalID() string { return "alice" }

func (f *fakeSync) Create(obj model.BuildObject) (model.BuildObject, error) {
	obj.CreatedAt = 1000
	obj.ExpiresAt = 2000
	if err := obj.Validate(); err != nil {
		return model.BuildObject{}, err
	}
	f.created = append(f.created, obj)
	f.store.Upsert(obj)
	return obj, nil
}

func (f *fakeSync) Delete(id string) store.Outcome {
	f.deleted = append(f.deleted, id)
	return f.store.Remove(id, 0)
}

func (f *fakeSync) ExtendNearby(pos model.Vec3, amount time.Duration) []model.BuildObject {
	f.extended = append(f.extended, pos)
	return nil
}

type seqIDs struct{ n int }

func (s *seqIDs) Next() (string, error) {
	s.n++
	return fmt.Sprintf("alice-%03d", s.n), nil
}

var pose = placement.Pose{
	Position: model.Vec3{X: 1, Y: 0.5, Z: 1},
	Scale:    model.Vec3{X: 1, Y: 1, Z: 1},
}

func TestModeTransitions(t *testing.T) {
	cases := []struct {
		from Mode
		ev   Event
		to   Mode
		ok   bool
	}{
		{ModeIdle, EventToggleBuild, ModePlacing, true},
		{ModeIdle, EventExit, ModeIdle, false},
		{ModePlacing, EventToggleBuild, ModeIdle, true},
		{ModePlacing, EventToggleExtender, ModeExtending, true},
		{ModeExtending, EventToggleExtender, ModePlacing, true},
		{ModeExtending, EventExit, ModeIdle, true},
		{ModeAdvanced, EventToggleAdvanced, ModePlacing, true},
		{ModeAdvanced, EventExit, ModeIdle, true},
		{ModePlacing, Event("jump"), ModePlacing, false},
	}
	for _, tc := range cases {
		to, ok := Next(tc.from, tc.ev)
		assert.Equal(t, tc.ok, ok, "%s --%s-->", tc.from, tc.ev)
		if ok {
			assert.Equal(t, tc.to, to, "%s --%s-->", tc.from, tc.ev)
		}
	}
}

func TestSimpleToolCyclesCatalog(t *testing.T) {
	tool := NewSimpleTool(tuning.Defaults().Catalog, 15, newFakeSync(), store.New(nil), &seqIDs{})

	assert.Equal(t, "box", tool.Shape())
	assert.Equal(t, 1.0, tool.Size())
	assert.Equal(t, "sphere", tool.ChangeShape())
	for i := 0; i < 4; i++ {
		tool.ChangeShape()
	}
	assert.Equal(t, "box", tool.Shape(), "shapes wrap around")
	assert.Equal(t, "plywood", tool.ChangeMaterial())
	assert.Equal(t, 2.0, tool.ChangeSize())

	for i := 0; i < 24; i++ {
		tool.Rotate()
	}
	assert.InDelta(t, 1, math.Cos(tool.Yaw()), 1e-9, "a full turn comes back to zero yaw")

	d := tool.Descriptor()
	assert.Equal(t, model.Vec3{X: 2, Y: 2, Z: 2}, d.Scale)
}

func TestSimpleCommitAndUndo(t *testing.T) {
	fs := newFakeSync()
	tool := NewSimpleTool(tuning.Catalog{}, 15, fs, fs.store, &seqIDs{})

	first, err := tool.Commit(pose)
	require.NoError(t, err)
	assert.Equal(t, "alice", first.OwnerID)
	assert.Equal(t, model.KindSimple, first.Kind)
	assert.Equal(t, "box", first.Appearance.Shape)
	assert.Equal(t, MaterialColor("wood_plank"), first.Appearance.Color)

	second, err := tool.Commit(pose)
	require.NoError(t, err)

	// Someone else removed the newest one; undo falls back to the older.
	fs.store.Remove(second.ID, 0)

	id, err := tool.Undo()
	require.NoError(t, err)
	assert.Equal(t, first.ID, id)
	assert.Equal(t, []string{first.ID}, fs.deleted)

	_, err = tool.Undo()
	assert.ErrorIs(t, err, ErrNothingToUndo)
}

func TestAdvancedCommitNeedsFeatures(t *testing.T) {
	fs := newFakeSync()
	tool := NewAdvancedTool(fs, &seqIDs{}, nil, time.Second, zerolog.Nop())

	_, err := tool.Commit(pose)
	assert.ErrorIs(t, err, ErrNoFeatures)

	require.Error(t, tool.AddFeature(model.Feature{}))
	require.Error(t, tool.AddFeature(model.Feature{Type: "box", Position: model.Vec3{X: math.NaN()}}))
	require.ErrorIs(t, tool.AddFeature(model.Feature{Type: "box", Metalness: 1.01}), model.ErrOutOfRange)
	require.NoError(t, tool.AddFeature(model.Feature{Type: "box", Color: "#ffffff", Scale: model.Vec3{X: 1, Y: 1, Z: 1}}))
	require.NoError(t, tool.AddFeature(model.Feature{Type: "cylinder", Position: model.Vec3{Y: 1}}))

	obj, err := tool.Commit(pose)
	require.NoError(t, err)
	assert.True(t, obj.IsAdvanced)
	assert.Equal(t, model.KindAdvanced, obj.Kind)
	require.Len(t, obj.Appearance.Features, 2)
	assert.Equal(t, "cylinder", obj.Appearance.Features[1].Type)

	tool.ClearFeatures()
	assert.Empty(t, tool.Features())
}

type fakeGenerator struct {
	mu      sync.Mutex
	calls   int
	release chan struct{}
	out     []model.Feature
	err     error
}

func (g *fakeGenerator) Generate(ctx context.Context, prompt string) ([]model.Feature, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	if g.release != nil {
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return g.out, g.err
}

func pollUntil(t *testing.T, tool *AdvancedTool) {
	t.Helper()
	require.Eventually(t, tool.Poll, time.Second, 5*time.Millisecond)
}

func TestGenerateRejectsShortPrompt(t *testing.T) {
	gen := &fakeGenerator{}
	tool := NewAdvancedTool(newFakeSync(), &seqIDs{}, gen, time.Second, zerolog.Nop())
	tool.Open()

	assert.ErrorIs(t, tool.Generate(context.Background(), "  ab "), ErrPromptTooShort)
	assert.ErrorIs(t, tool.Status().Err, ErrPromptTooShort)
	assert.Equal(t, 0, gen.calls)
}

func TestGenerateReplacesFeatures(t *testing.T) {
	gen := &fakeGenerator{out: []model.Feature{
		{Type: "box", Name: "wall"},
		{Type: ""},
		{Type: "box", Name: "glossy", Roughness: 2},
		{Type: "cylinder", Color: "a colour name far longer than thirty-two"},
		{Type: "cone", Name: "roof"},
	}}
	tool := NewAdvancedTool(newFakeSync(), &seqIDs{}, gen, time.Second, zerolog.Nop())
	tool.Open()

	require.NoError(t, tool.Generate(context.Background(), "a small hut"))
	assert.True(t, tool.Status().Busy)
	pollUntil(t, tool)

	assert.False(t, tool.Status().Busy)
	assert.NoError(t, tool.Status().Err)
	feats := tool.Features()
	require.Len(t, feats, 2)
	assert.Equal(t, "roof", feats[1].Name)
}

func TestGenerateFailureBecomesStatus(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("upstream 503")}
	tool := NewAdvancedTool(newFakeSync(), &seqIDs{}, gen, time.Second, zerolog.Nop())
	tool.Open()

	require.NoError(t, tool.Generate(context.Background(), "tower"))
	pollUntil(t, tool)
	assert.Error(t, tool.Status().Err)
	assert.Contains(t, tool.Status().Message, "upstream 503")
}

func TestGenerateTimesOut(t *testing.T) {
	gen := &fakeGenerator{release: make(chan struct{})}
	tool := NewAdvancedTool(newFakeSync(), &seqIDs{}, gen, 20*time.Millisecond, zerolog.Nop())
	tool.Open()

	require.NoError(t, tool.Generate(context.Background(), "castle"))
	pollUntil(t, tool)
	assert.ErrorIs(t, tool.Status().Err, context.DeadlineExceeded)
}

func TestStaleGenerateResultIsDiscarded(t *testing.T) {
	gen := &fakeGenerator{release: make(chan struct{}), out: []model.Feature{{Type: "box"}}}
	tool := NewAdvancedTool(newFakeSync(), &seqIDs{}, gen, time.Second, zerolog.Nop())
	tool.Open()

	require.NoError(t, tool.Generate(context.Background(), "bridge"))
	tool.Close()
	close(gen.release)

	time.Sleep(50 * time.Millisecond)
	assert.False(t, tool.Poll(), "result for a closed tool is dropped")
	assert.Empty(t, tool.Features())
	assert.ErrorIs(t, tool.Generate(context.Background(), "bridge"), ErrToolClosed)
}

func TestToolboxRoutesByMode(t *testing.T) {
	fs := newFakeSync()
	ids := &seqIDs{}
	box := NewToolbox(
		NewSimpleTool(tuning.Catalog{}, 15, fs, fs.store, ids),
		NewAdvancedTool(fs, ids, nil, time.Second, zerolog.Nop()),
		NewExtender(fs, 0),
		zerolog.Nop(),
	)

	_, ok := box.Descriptor()
	assert.False(t, ok)
	_, err := box.Commit(pose)
	assert.ErrorIs(t, err, ErrNoActiveTool)

	box.Fire(EventToggleBuild)
	obj, err := box.Commit(pose)
	require.NoError(t, err)
	assert.Equal(t, model.KindSimple, obj.Kind)

	box.Fire(EventToggleAdvanced)
	assert.True(t, box.Advanced.IsOpen())
	box.Fire(EventToggleAdvanced)
	assert.False(t, box.Advanced.IsOpen())
	assert.Equal(t, ModePlacing, box.Mode())

	assert.Nil(t, box.Extend(model.Vec3{}))
	box.Fire(EventToggleExtender)
	box.Extend(model.Vec3{X: 3})
	assert.Equal(t, []model.Vec3{{X: 3}}, fs.extended)
	assert.Equal(t, 10*time.Minute, box.Extender.Amount())

	_, changed := box.Fire(EventToggleAdvanced)
	assert.True(t, changed)
	_, changed = box.Fire(Event("bogus"))
	assert.False(t, changed)
}
