package relay

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is read from RELAY_* environment variables.
type Config struct {
	MaxPeersPerRoom int           `envconfig:"MAX_PEERS" default:"64"`
	RatePerSecond   float64       `envconfig:"RATE_PER_SECOND" default:"30"`
	RateBurst       int           `envconfig:"RATE_BURST" default:"60"`
	OutQueue        int           `envconfig:"OUT_QUEUE" default:"256"`
	InboxSize       int           `envconfig:"INBOX_SIZE" default:"4096"`
	PruneInterval   time.Duration `envconfig:"PRUNE_INTERVAL" default:"30s"`
	SnapshotEvery   time.Duration `envconfig:"SNAPSHOT_EVERY" default:"5m"`
	TombstoneTTL    time.Duration `envconfig:"TOMBSTONE_TTL" default:"2h"`
}

func DefaultConfig() Config {
	return Config{
		MaxPeersPerRoom: 64,
		RatePerSecond:   30,
		RateBurst:       60,
		OutQueue:        256,
		InboxSize:       4096,
		PruneInterval:   30 * time.Second,
		SnapshotEvery:   5 * time.Minute,
		TombstoneTTL:    2 * time.Hour,
	}
}

func LoadConfig() (Config, error) {
	var c Config
	if err := envconfig.Process("RELAY", &c); err != nil {
		return c, fmt.Errorf("relay config: %w", err)
	}
	return c, c.Validate()
}

func (c Config) Validate() error {
	if c.MaxPeersPerRoom <= 0 {
		return fmt.Errorf("max peers must be > 0")
	}
	if c.RatePerSecond <= 0 || c.RateBurst <= 0 {
		return fmt.Errorf("rate limit must be > 0")
	}
	if c.OutQueue <= 0 || c.InboxSize <= 0 {
		return fmt.Errorf("queue sizes must be > 0")
	}
	if c.PruneInterval <= 0 {
		return fmt.Errorf("prune interval must be > 0")
	}
	return nil
}
