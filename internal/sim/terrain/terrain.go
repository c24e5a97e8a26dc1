package terrain

import "math"

const (
	ZoneSize          = 150.0
	ZonesPerChunkSide = 5
	ChunksPerCluster  = 5
	ClusterSize       = ZoneSize * ZonesPerChunkSide * ChunksPerCluster

	Amplitude = 10.0
	Scale     = 80.0
	Octaves   = 4
)

// HeightFunc returns the ground elevation at (x, z). Implementations must be
// pure: every client evaluates the same function for the same world seed.
type HeightFunc func(x, z float64) float64

// Rolling is the default rolling-hills terrain, clamped to the cluster.
func Rolling(x, z float64) float64 {
	half := ClusterSize / 2
	return noise(clamp(x, -half, half), clamp(z, -half, half), 0, 0)
}

// Seeded shifts the rolling hills by a seed-derived phase so different rooms
// get different ground. Seed 0 is identical to Rolling.
func Seeded(seed int64) HeightFunc {
	if seed == 0 {
		return Rolling
	}
	h := mix64(uint64(seed))
	px := float64(h&0xffff) / 0xffff * 2 * math.Pi * Scale
	pz := float64((h>>16)&0xffff) / 0xffff * 2 * math.Pi * Scale
	half := ClusterSize / 2
	return func(x, z float64) float64 {
		return noise(clamp(x, -half, half), clamp(z, -half, half), px, pz)
	}
}

// Flat is a constant-height ground, useful for tests and bots.
func Flat(y float64) HeightFunc {
	return func(float64, float64) float64 { return y }
}

func noise(x, z, px, pz float64) float64 {
	a := Amplitude
	f := 1 / Scale
	y := 0.0
	for i := 0; i < Octaves; i++ {
		y += a * (math.Sin(f*(x+px)) * math.Cos(f*(z+pz)))
		a *= 0.5
		f *= 2
	}
	return y
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func mix64(z uint64) uint64 {
	z += 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}
