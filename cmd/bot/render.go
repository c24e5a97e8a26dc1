package main

import (
	"github.com/rs/zerolog"

	"buildcraft.ai/internal/sim/model"
)

// logRenderer stands in for a scene graph.
type logRenderer struct{ log zerolog.Logger }

func (r logRenderer) Construct(o model.BuildObject) {
	ev := r.log.Info().Str("id", o.ID).Str("owner", o.OwnerID).Stringer("pos", o.Transform.Position)
	if o.IsAdvanced {
		ev.Int("features", len(o.Appearance.Features)).Msg("construct advanced")
		return
	}
	ev.Str("shape", o.Appearance.Shape).Str("material", o.Appearance.Material).Msg("construct simple")
}

func (r logRenderer) Destroy(id string) {
	r.log.Info().Str("id", id).Msg("destroy")
}
