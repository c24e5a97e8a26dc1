package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"buildcraft.ai/internal/sim/model"
	"buildcraft.ai/internal/sim/placement"
)

const MinPromptLen = 3

// Generator turns a text prompt into a feature list. Implementations must
// honour ctx cancellation.
type Generator interface {
	Generate(ctx context.Context, prompt string) ([]model.Feature, error)
}

// Status is the user-visible state of the last generate request.
type Status struct {
	Busy    bool
	Message string
	Err     error
}

type genResult struct {
	generation uint64
	prompt     string
	features   []model.Feature
	err        error
}

// AdvancedTool composes an ordered feature list into one advanced object.
// Generate runs off the tick goroutine; its result is picked up by Poll and
// discarded when the tool was closed or a newer request was issued.
type AdvancedTool struct {
	sync    Sync
	ids     IDSource
	gen     Generator
	timeout time.Duration
	log     zerolog.Logger

	features []model.Feature
	status   Status

	mu         sync.Mutex
	open       bool
	generation uint64
	pending    *genResult
}

func NewAdvancedTool(sync Sync, ids IDSource, gen Generator, timeout time.Duration, log zerolog.Logger) *AdvancedTool {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &AdvancedTool{
		sync:    sync,
		ids:     ids,
		gen:     gen,
		timeout: timeout,
		log:     log.With().Str("component", "advanced_tool").Logger(),
	}
}

func (t *AdvancedTool) Open() {
	t.mu.Lock()
	t.open = true
	t.mu.Unlock()
}

// Close invalidates any request still in flight.
func (t *AdvancedTool) Close() {
	t.mu.Lock()
	t.open = false
	t.generation++
	t.pending = nil
	t.mu.Unlock()
	t.status = Status{}
}

func (t *AdvancedTool) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

func (t *AdvancedTool) Status() Status { return t.status }

func (t *AdvancedTool) Features() []model.Feature {
	return append([]model.Feature(nil), t.features...)
}

func (t *AdvancedTool) AddFeature(f model.Feature) error {
	if err := f.Validate(); err != nil {
		return err
	}
	t.features = append(t.features, f)
	return nil
}

func (t *AdvancedTool) ClearFeatures() { t.features = nil }

// Descriptor previews the composite at unit scale.
func (t *AdvancedTool) Descriptor() placement.Descriptor {
	return placement.Descriptor{Scale: model.Vec3{X: 1, Y: 1, Z: 1}}
}

// Commit creates one advanced object from the current feature list.
func (t *AdvancedTool) Commit(pose placement.Pose) (model.BuildObject, error) {
	if len(t.features) == 0 {
		return model.BuildObject{}, ErrNoFeatures
	}
	id, err := t.ids.Next()
	if err != nil {
		return model.BuildObject{}, fmt.Errorf("object id: %w", err)
	}
	obj := model.BuildObject{
		ID:         id,
		OwnerID:    t.sync.LocalID(),
		Kind:       model.KindAdvanced,
		IsAdvanced: true,
		Transform:  pose.Transform(),
		Appearance: model.Appearance{Features: t.Features()},
	}
	return t.sync.Create(obj)
}

// Generate starts an asynchronous request. It returns at once; the outcome
// shows up in Status after a later Poll.
func (t *AdvancedTool) Generate(ctx context.Context, prompt string) error {
	prompt = strings.TrimSpace(prompt)
	if len([]rune(prompt)) < MinPromptLen {
		t.status = Status{Message: "Prompt must be at least 3 characters", Err: ErrPromptTooShort}
		return ErrPromptTooShort
	}
	if t.gen == nil {
		t.status = Status{Message: "Structure generation is unavailable", Err: ErrNoGenerator}
		return ErrNoGenerator
	}
	t.mu.Lock()
	if !t.open {
		t.mu.Unlock()
		return ErrToolClosed
	}
	t.generation++
	gen := t.generation
	t.pending = nil
	t.mu.Unlock()

	t.status = Status{Busy: true, Message: "Generating..."}
	t.log.Debug().Uint64("generation", gen).Str("prompt", prompt).Msg("generate requested")

	go func() {
		cctx, cancel := context.WithTimeout(ctx, t.timeout)
		defer cancel()
		features, err := t.gen.Generate(cctx, prompt)
		t.deliver(genResult{generation: gen, prompt: prompt, features: features, err: err})
	}()
	return nil
}

func (t *AdvancedTool) deliver(r genResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.open || r.generation != t.generation {
		t.log.Debug().Uint64("generation", r.generation).Msg("discarding stale generate result")
		return
	}
	t.pending = &r
}

// Poll applies a finished generate result, if any, and reports whether it did.
func (t *AdvancedTool) Poll() bool {
	t.mu.Lock()
	r := t.pending
	t.pending = nil
	t.mu.Unlock()
	if r == nil {
		return false
	}
	if r.err != nil {
		t.status = Status{Message: "Generation failed: " + r.err.Error(), Err: r.err}
		t.log.Warn().Err(r.err).Str("prompt", r.prompt).Msg("generate failed")
		return true
	}
	var kept []model.Feature
	for _, f := range r.features {
		if err := f.Validate(); err != nil {
			t.log.Warn().Err(err).Str("type", f.Type).Msg("dropping generated feature")
			continue
		}
		kept = append(kept, f)
	}
	if len(kept) == 0 {
		t.status = Status{Message: "Generation returned no usable features", Err: ErrNoFeatures}
		return true
	}
	t.features = kept
	t.status = Status{Message: fmt.Sprintf("Generated %d features", len(kept))}
	return true
}
