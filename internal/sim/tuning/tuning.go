package tuning

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	TickRateHz int `yaml:"tick_rate_hz"`

	DefaultLifespanMs   int64   `yaml:"default_lifespan_ms"`
	ExtendAmountMs      int64   `yaml:"extend_amount_ms"`
	InteractionDistance float64 `yaml:"interaction_distance"`
	TombstoneTTLMs      int64   `yaml:"tombstone_ttl_ms"`

	Placement Placement `yaml:"placement"`
	Catalog   Catalog   `yaml:"catalog"`

	GenerateTimeoutMs int64 `yaml:"generate_timeout_ms"`
	InboxSize         int   `yaml:"inbox_size"`
}

type Placement struct {
	MaxRange        float64 `yaml:"max_range"`
	Step            float64 `yaml:"step"`
	RotationSnapDeg float64 `yaml:"rotation_snap_deg"`
	GridSize        float64 `yaml:"grid_size"`
}

type Catalog struct {
	Shapes    []string  `yaml:"shapes"`
	Materials []string  `yaml:"materials"`
	Sizes     []float64 `yaml:"sizes"`
}

func Defaults() Tuning {
	return Tuning{
		ProtocolVersion:     "1.0",
		TickRateHz:          30,
		DefaultLifespanMs:   (50 * time.Minute).Milliseconds(),
		ExtendAmountMs:      (10 * time.Minute).Milliseconds(),
		InteractionDistance: 10,
		TombstoneTTLMs:      (2 * time.Hour).Milliseconds(),
		Placement: Placement{
			MaxRange:        20,
			Step:            0.1,
			RotationSnapDeg: 15,
			GridSize:        1,
		},
		Catalog: Catalog{
			Shapes:    []string{"box", "sphere", "cylinder", "cone", "pyramid"},
			Materials: []string{"wood_plank", "plywood", "brick", "cinder_block", "concrete", "steel_plate", "glass", "roof_shingle"},
			Sizes:     []float64{0.5, 1, 2, 3},
		},
		GenerateTimeoutMs: (30 * time.Second).Milliseconds(),
		InboxSize:         1024,
	}
}

// Load reads a tuning file on top of Defaults; keys missing from the file
// keep their default values.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

// Overrides are read from BUILDCRAFT_* environment variables. Zero values
// leave the tuning untouched.
type Overrides struct {
	TickRateHz          int     `envconfig:"TICK_RATE_HZ"`
	DefaultLifespanMs   int64   `envconfig:"DEFAULT_LIFESPAN_MS"`
	ExtendAmountMs      int64   `envconfig:"EXTEND_AMOUNT_MS"`
	InteractionDistance float64 `envconfig:"INTERACTION_DISTANCE"`
	GenerateTimeoutMs   int64   `envconfig:"GENERATE_TIMEOUT_MS"`
}

func (t Tuning) WithEnv(prefix string) (Tuning, error) {
	var o Overrides
	if err := envconfig.Process(prefix, &o); err != nil {
		return t, fmt.Errorf("env overrides: %w", err)
	}
	if o.TickRateHz > 0 {
		t.TickRateHz = o.TickRateHz
	}
	if o.DefaultLifespanMs > 0 {
		t.DefaultLifespanMs = o.DefaultLifespanMs
	}
	if o.ExtendAmountMs > 0 {
		t.ExtendAmountMs = o.ExtendAmountMs
	}
	if o.InteractionDistance > 0 {
		t.InteractionDistance = o.InteractionDistance
	}
	if o.GenerateTimeoutMs > 0 {
		t.GenerateTimeoutMs = o.GenerateTimeoutMs
	}
	return t, t.Validate()
}

func (t Tuning) Validate() error {
	if t.TickRateHz <= 0 || t.TickRateHz > 240 {
		return fmt.Errorf("tick_rate_hz out of range: %d", t.TickRateHz)
	}
	if t.DefaultLifespanMs <= 0 {
		return fmt.Errorf("default_lifespan_ms must be > 0")
	}
	if t.ExtendAmountMs <= 0 {
		return fmt.Errorf("extend_amount_ms must be > 0")
	}
	if len(t.Catalog.Shapes) == 0 || len(t.Catalog.Materials) == 0 || len(t.Catalog.Sizes) == 0 {
		return fmt.Errorf("catalog needs at least one shape, material and size")
	}
	for _, s := range t.Catalog.Sizes {
		if s <= 0 {
			return fmt.Errorf("catalog size must be > 0: %v", s)
		}
	}
	return nil
}

func (t Tuning) Lifespan() time.Duration {
	return time.Duration(t.DefaultLifespanMs) * time.Millisecond
}

func (t Tuning) ExtendAmount() time.Duration {
	return time.Duration(t.ExtendAmountMs) * time.Millisecond
}

func (t Tuning) TombstoneTTL() time.Duration {
	return time.Duration(t.TombstoneTTLMs) * time.Millisecond
}

func (t Tuning) GenerateTimeout() time.Duration {
	return time.Duration(t.GenerateTimeoutMs) * time.Millisecond
}
