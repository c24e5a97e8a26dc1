package placement

import (
	"math"

	"buildcraft.ai/internal/sim/model"
	"buildcraft.ai/internal/sim/terrain"
)

type Ray struct {
	Origin model.Vec3
	Dir    model.Vec3
}

// Descriptor is what the active tool wants to place.
type Descriptor struct {
	Scale model.Vec3
	Yaw   float64 // radians
}

type Modifiers struct {
	Snap bool
}

// Pose is a candidate placement. OnObject names the object it rests on, if any.
type Pose struct {
	Position model.Vec3
	Rotation model.Vec3
	Scale    model.Vec3
	OnObject string
}

func (p Pose) Transform() model.Transform {
	return model.Transform{Position: p.Position, Rotation: p.Rotation, Scale: p.Scale}
}

// Objects is the subset of the object store the engine hit-tests against.
type Objects interface {
	Within(pos model.Vec3, radius float64) []model.BuildObject
}

type Config struct {
	MaxRange        float64
	Step            float64
	RotationSnapDeg float64
	GridSize        float64
}

func DefaultConfig() Config {
	return Config{MaxRange: 20, Step: 0.1, RotationSnapDeg: 15, GridSize: 1}
}

// Engine turns an aim ray into a preview pose. It holds a single uncommitted
// preview; Commit hands it out once.
type Engine struct {
	height  terrain.HeightFunc
	objects Objects
	cfg     Config

	preview *Pose
}

func NewEngine(height terrain.HeightFunc, objects Objects, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.MaxRange <= 0 {
		cfg.MaxRange = def.MaxRange
	}
	if cfg.Step <= 0 {
		cfg.Step = def.Step
	}
	if cfg.GridSize <= 0 {
		cfg.GridSize = def.GridSize
	}
	if height == nil {
		height = terrain.Rolling
	}
	return &Engine{height: height, objects: objects, cfg: cfg}
}

// Update recomputes the preview. It returns ok=false and clears the preview
// when nothing is hit within range.
func (e *Engine) Update(ray Ray, d Descriptor, mods Modifiers) (Pose, bool) {
	pose, ok := e.cast(ray, d, mods)
	if !ok {
		e.preview = nil
		return Pose{}, false
	}
	e.preview = &pose
	return pose, true
}

func (e *Engine) Preview() (Pose, bool) {
	if e.preview == nil {
		return Pose{}, false
	}
	return *e.preview, true
}

func (e *Engine) Commit() (Pose, bool) {
	if e.preview == nil {
		return Pose{}, false
	}
	p := *e.preview
	e.preview = nil
	return p, true
}

func (e *Engine) Clear() { e.preview = nil }

func (e *Engine) cast(ray Ray, d Descriptor, mods Modifiers) (Pose, bool) {
	dir := ray.Dir.Normalize()
	if dir.IsZero() {
		return Pose{}, false
	}
	scale := d.Scale
	if scale.IsZero() {
		scale = model.Vec3{X: 1, Y: 1, Z: 1}
	}
	halfH := scale.Y / 2

	var candidates []model.BuildObject
	if e.objects != nil {
		candidates = e.objects.Within(ray.Origin, e.cfg.MaxRange+objectRadius(maxScaleHint))
	}

	prevT := 0.0
	for t := e.cfg.Step; t <= e.cfg.MaxRange+1e-9; t += e.cfg.Step {
		p := ray.Origin.Add(dir.Scale(t))

		if o, ok := hitObject(candidates, p); ok {
			c := o.Transform.Position
			pos := model.Vec3{X: c.X, Y: c.Y + objectRadius(o.Transform.Scale.Y) + halfH, Z: c.Z}
			return e.finish(pos, scale, d.Yaw, mods, o.ID, false), true
		}

		if p.Y <= e.height(p.X, p.Z) {
			hit := e.refine(ray.Origin, dir, prevT, t)
			pos := model.Vec3{X: hit.X, Y: e.height(hit.X, hit.Z) + halfH, Z: hit.Z}
			return e.finish(pos, scale, d.Yaw, mods, "", true), true
		}
		prevT = t
	}
	return Pose{}, false
}

func (e *Engine) finish(pos, scale model.Vec3, yaw float64, mods Modifiers, on string, onGround bool) Pose {
	if mods.Snap {
		g := e.cfg.GridSize
		pos.X = math.Round(pos.X/g) * g
		pos.Z = math.Round(pos.Z/g) * g
		if onGround {
			pos.Y = e.height(pos.X, pos.Z) + scale.Y/2
		}
		yaw = SnapAngle(yaw, e.cfg.RotationSnapDeg)
	}
	return Pose{
		Position: pos,
		Rotation: model.Vec3{Y: yaw},
		Scale:    scale,
		OnObject: on,
	}
}

// refine bisects the terrain crossing between t0 (above) and t1 (below).
func (e *Engine) refine(origin, dir model.Vec3, t0, t1 float64) model.Vec3 {
	for i := 0; i < 8; i++ {
		mid := (t0 + t1) / 2
		p := origin.Add(dir.Scale(mid))
		if p.Y <= e.height(p.X, p.Z) {
			t1 = mid
		} else {
			t0 = mid
		}
	}
	return origin.Add(dir.Scale(t1))
}

// maxScaleHint bounds the candidate query so large objects just outside
// range are still considered.
const maxScaleHint = 10.0

func objectRadius(scale float64) float64 { return scale / 2 }

func hitObject(objs []model.BuildObject, p model.Vec3) (model.BuildObject, bool) {
	for _, o := range objs {
		r := objectRadius(o.Transform.Scale.MaxComponent())
		if r <= 0 {
			r = 0.5
		}
		if o.Transform.Position.Dist(p) <= r {
			return o, true
		}
	}
	return model.BuildObject{}, false
}

// SnapAngle rounds rad to the nearest multiple of stepDeg degrees.
func SnapAngle(rad, stepDeg float64) float64 {
	if stepDeg <= 0 {
		return rad
	}
	step := stepDeg * math.Pi / 180
	return math.Round(rad/step) * step
}
