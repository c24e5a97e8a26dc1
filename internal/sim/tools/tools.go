package tools

import (
	"errors"
	"time"

	"buildcraft.ai/internal/sim/model"
	"buildcraft.ai/internal/sim/store"
)

// Sync is the part of the replication adapter the tools drive.
type Sync interface {
	LocalID() string
	Create(obj model.BuildObject) (model.BuildObject, error)
	Delete(id string) store.Outcome
	ExtendNearby(pos model.Vec3, amount time.Duration) []model.BuildObject
}

// Objects answers whether an object is still present.
type Objects interface {
	Get(id string) (model.BuildObject, bool)
}

// IDSource hands out fresh object ids.
type IDSource interface {
	Next() (string, error)
}

var (
	ErrNoFeatures     = errors.New("advanced object needs at least one feature")
	ErrPromptTooShort = errors.New("prompt too short")
	ErrToolClosed     = errors.New("advanced tool is not open")
	ErrNoGenerator    = errors.New("no structure generator configured")
	ErrNothingToUndo  = errors.New("nothing to undo")
	ErrNoActiveTool   = errors.New("no placing tool active")
)
