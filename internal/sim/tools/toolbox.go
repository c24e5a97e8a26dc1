package tools

import (
	"github.com/rs/zerolog"

	"buildcraft.ai/internal/sim/model"
	"buildcraft.ai/internal/sim/placement"
)

// Toolbox owns the active mode and routes actions to the tool it selects.
type Toolbox struct {
	Simple   *SimpleTool
	Advanced *AdvancedTool
	Extender *Extender

	mode Mode
	log  zerolog.Logger
}

func NewToolbox(simple *SimpleTool, advanced *AdvancedTool, extender *Extender, log zerolog.Logger) *Toolbox {
	return &Toolbox{
		Simple:   simple,
		Advanced: advanced,
		Extender: extender,
		mode:     ModeIdle,
		log:      log.With().Str("component", "tools").Logger(),
	}
}

func (b *Toolbox) Mode() Mode { return b.mode }

// Fire applies e to the mode machine. Entering advanced mode opens the
// advanced tool; leaving it closes the tool and drops pending generations.
func (b *Toolbox) Fire(e Event) (Mode, bool) {
	to, ok := Next(b.mode, e)
	if !ok {
		return b.mode, false
	}
	from := b.mode
	b.mode = to
	if from == ModeAdvanced && to != ModeAdvanced {
		b.Advanced.Close()
	}
	if to == ModeAdvanced && from != ModeAdvanced {
		b.Advanced.Open()
	}
	b.log.Debug().Str("from", string(from)).Str("to", string(to)).Str("event", string(e)).Msg("tool mode")
	return to, true
}

// Descriptor is the preview shape for the active mode; ok is false when the
// mode does not place anything.
func (b *Toolbox) Descriptor() (placement.Descriptor, bool) {
	switch b.mode {
	case ModePlacing:
		return b.Simple.Descriptor(), true
	case ModeAdvanced:
		return b.Advanced.Descriptor(), true
	}
	return placement.Descriptor{}, false
}

// Commit places an object at pose with the active tool.
func (b *Toolbox) Commit(pose placement.Pose) (model.BuildObject, error) {
	switch b.mode {
	case ModePlacing:
		return b.Simple.Commit(pose)
	case ModeAdvanced:
		return b.Advanced.Commit(pose)
	}
	return model.BuildObject{}, ErrNoActiveTool
}

// Extend runs the extender when it is the active mode.
func (b *Toolbox) Extend(playerPos model.Vec3) []model.BuildObject {
	if b.mode != ModeExtending {
		return nil
	}
	return b.Extender.Activate(playerPos)
}
