package tools

import "buildcraft.ai/internal/sim/tuning"

var materialColors = map[string]string{
	"wood_plank":   "#a0703c",
	"plywood":      "#c8a165",
	"brick":        "#9c4a32",
	"cinder_block": "#9e9e9e",
	"concrete":     "#bababa",
	"steel_plate":  "#707070",
	"glass":        "#aed6ff",
	"roof_shingle": "#4a4a4a",
}

// MaterialColor is the flat colour used for a material when no texture is
// available on the receiving side.
func MaterialColor(material string) string {
	if c, ok := materialColors[material]; ok {
		return c
	}
	return "#999999"
}

// cycler walks a catalog list and wraps around.
type cycler[T any] struct {
	items []T
	i     int
}

func (c *cycler[T]) current() T { return c.items[c.i] }

func (c *cycler[T]) next() T {
	c.i = (c.i + 1) % len(c.items)
	return c.items[c.i]
}

func defaultCatalog(cat tuning.Catalog) tuning.Catalog {
	def := tuning.Defaults().Catalog
	if len(cat.Shapes) == 0 {
		cat.Shapes = def.Shapes
	}
	if len(cat.Materials) == 0 {
		cat.Materials = def.Materials
	}
	if len(cat.Sizes) == 0 {
		cat.Sizes = def.Sizes
	}
	return cat
}
