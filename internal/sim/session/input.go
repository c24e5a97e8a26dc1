package session

import (
	"buildcraft.ai/internal/sim/model"
	"buildcraft.ai/internal/sim/placement"
	"buildcraft.ai/internal/sim/tools"
)

type InputKind string

const (
	InputAim           InputKind = "aim"
	InputCommit        InputKind = "commit"
	InputUndo          InputKind = "undo"
	InputShape         InputKind = "shape"
	InputMaterial      InputKind = "material"
	InputSize          InputKind = "size"
	InputRotate        InputKind = "rotate"
	InputExtend        InputKind = "extend"
	InputMove          InputKind = "move"
	InputEvent         InputKind = "event"
	InputGenerate      InputKind = "generate"
	InputAddFeature    InputKind = "add_feature"
	InputClearFeatures InputKind = "clear_features"
)

// Input is one player action. Only the fields the kind needs are read.
type Input struct {
	Kind InputKind

	// InputAim; the ray origin is also the player's position.
	Ray  placement.Ray
	Snap bool

	Event   tools.Event   // InputEvent
	Prompt  string        // InputGenerate
	Feature model.Feature // InputAddFeature
}

func Aim(ray placement.Ray, snap bool) Input { return Input{Kind: InputAim, Ray: ray, Snap: snap} }
func Fire(e tools.Event) Input               { return Input{Kind: InputEvent, Event: e} }
func Generate(prompt string) Input           { return Input{Kind: InputGenerate, Prompt: prompt} }
func AddFeature(f model.Feature) Input       { return Input{Kind: InputAddFeature, Feature: f} }
