package tools

import (
	"time"

	"buildcraft.ai/internal/sim/model"
)

// Extender adds a fixed amount of life to every object near the player.
type Extender struct {
	sync   Sync
	amount time.Duration
}

func NewExtender(sync Sync, amount time.Duration) *Extender {
	if amount <= 0 {
		amount = 10 * time.Minute
	}
	return &Extender{sync: sync, amount: amount}
}

func (e *Extender) Amount() time.Duration { return e.amount }

func (e *Extender) Activate(playerPos model.Vec3) []model.BuildObject {
	return e.sync.ExtendNearby(playerPos, e.amount)
}
