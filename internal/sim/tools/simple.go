package tools

import (
	"fmt"
	"math"

	"buildcraft.ai/internal/sim/model"
	"buildcraft.ai/internal/sim/placement"
	"buildcraft.ai/internal/sim/tuning"
)

// SimpleTool places single-primitive objects from the catalog.
type SimpleTool struct {
	sync    Sync
	objects Objects
	ids     IDSource

	shapes    cycler[string]
	materials cycler[string]
	sizes     cycler[float64]
	yaw       float64
	rotStep   float64 // radians

	// ids of objects this tool placed, oldest first
	placed []string
}

func NewSimpleTool(cat tuning.Catalog, rotationSnapDeg float64, sync Sync, objects Objects, ids IDSource) *SimpleTool {
	cat = defaultCatalog(cat)
	if rotationSnapDeg <= 0 {
		rotationSnapDeg = 15
	}
	t := &SimpleTool{
		sync:      sync,
		objects:   objects,
		ids:       ids,
		shapes:    cycler[string]{items: cat.Shapes},
		materials: cycler[string]{items: cat.Materials},
		sizes:     cycler[float64]{items: cat.Sizes},
		rotStep:   rotationSnapDeg * math.Pi / 180,
	}
	for i, s := range cat.Sizes {
		if s == 1 {
			t.sizes.i = i
			break
		}
	}
	return t
}

func (t *SimpleTool) Shape() string    { return t.shapes.current() }
func (t *SimpleTool) Material() string { return t.materials.current() }
func (t *SimpleTool) Size() float64    { return t.sizes.current() }
func (t *SimpleTool) Yaw() float64     { return t.yaw }

func (t *SimpleTool) ChangeShape() string    { return t.shapes.next() }
func (t *SimpleTool) ChangeMaterial() string { return t.materials.next() }
func (t *SimpleTool) ChangeSize() float64    { return t.sizes.next() }

// Rotate turns the preview by one snap step around the vertical axis.
func (t *SimpleTool) Rotate() float64 {
	t.yaw = math.Mod(t.yaw+t.rotStep, 2*math.Pi)
	return t.yaw
}

// Descriptor is what the placement engine previews for this tool.
func (t *SimpleTool) Descriptor() placement.Descriptor {
	s := t.Size()
	return placement.Descriptor{Scale: model.Vec3{X: s, Y: s, Z: s}, Yaw: t.yaw}
}

// Commit creates one simple object at pose, owned by the local client.
func (t *SimpleTool) Commit(pose placement.Pose) (model.BuildObject, error) {
	id, err := t.ids.Next()
	if err != nil {
		return model.BuildObject{}, fmt.Errorf("object id: %w", err)
	}
	obj := model.BuildObject{
		ID:        id,
		OwnerID:   t.sync.LocalID(),
		Kind:      model.KindSimple,
		Transform: pose.Transform(),
		Appearance: model.Appearance{
			Shape:    t.Shape(),
			Material: t.Material(),
			Color:    MaterialColor(t.Material()),
			Size:     t.Size(),
		},
	}
	obj, err = t.sync.Create(obj)
	if err != nil {
		return model.BuildObject{}, err
	}
	t.placed = append(t.placed, obj.ID)
	return obj, nil
}

// Undo deletes the most recently placed object that still exists. Objects
// that expired or were deleted by someone else are skipped.
func (t *SimpleTool) Undo() (string, error) {
	for len(t.placed) > 0 {
		id := t.placed[len(t.placed)-1]
		t.placed = t.placed[:len(t.placed)-1]
		if _, ok := t.objects.Get(id); !ok {
			continue
		}
		t.sync.Delete(id)
		return id, nil
	}
	return "", ErrNothingToUndo
}
