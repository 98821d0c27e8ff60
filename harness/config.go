package harness

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/obinnaokechukwu/refbridge"
	"github.com/obinnaokechukwu/refbridge/native"
)

var configValidate = validator.New()

// Config is the stress run configuration. None of it is bridge state; it only
// shapes the workload and the watchdog.
type Config struct {
	// Workers is the number of worker goroutines, each with its own graph.
	Workers int `yaml:"workers" validate:"min=2,max=1024"`

	// CollectorInterval is the cadence of the periodic collector.
	CollectorInterval time.Duration `yaml:"collector_interval" validate:"gt=0"`

	// PeriodicCollector and ContinuousCollector enable the two collector policies.
	PeriodicCollector   bool `yaml:"periodic_collector"`
	ContinuousCollector bool `yaml:"continuous_collector"`

	// Duration is how long the run must survive to pass.
	Duration time.Duration `yaml:"duration" validate:"gt=0"`

	// StartupTimeout bounds worker setup.
	StartupTimeout time.Duration `yaml:"startup_timeout" validate:"gt=0"`

	// StallTimeout fails the run if neither workers nor collectors make progress for this long.
	StallTimeout time.Duration `yaml:"stall_timeout" validate:"gt=0"`

	// ShutdownGrace bounds how long goroutines may take to stop after cancellation.
	ShutdownGrace time.Duration `yaml:"shutdown_grace" validate:"gt=0"`

	// DropEvery makes a worker drop its proxy every N iterations so the
	// collector has something to reclaim. 0 keeps the proxy between fetches.
	DropEvery int `yaml:"drop_every" validate:"gte=0"`

	// RelinkEvery makes a worker link a freshly created dependent over the
	// old one every N iterations, orphaning the old dependent to the
	// collector. 0 keeps the first dependent for the whole run.
	RelinkEvery int `yaml:"relink_every" validate:"gte=0"`

	// ForceGC runs a Go collection before every sweep.
	ForceGC bool `yaml:"force_gc"`

	// PayloadSize is the native payload block size per object.
	PayloadSize int `yaml:"payload_size" validate:"gte=8,lte=1048576"`

	// PoolBlocks recycles up to this many freed payload blocks. 0 disables pooling.
	PoolBlocks int `yaml:"pool_blocks" validate:"gte=0"`
}

// DefaultConfig mirrors the classic concurrency scenario: two workers, a
// periodic collector every 10ms, a tight-loop collector, one minute.
func DefaultConfig() Config {
	return Config{
		Workers:             2,
		CollectorInterval:   10 * time.Millisecond,
		PeriodicCollector:   true,
		ContinuousCollector: true,
		Duration:            time.Minute,
		StartupTimeout:      10 * time.Second,
		StallTimeout:        10 * time.Second,
		ShutdownGrace:       5 * time.Second,
		DropEvery:           0,
		RelinkEvery:         256,
		ForceGC:             true,
		PayloadSize:         native.DefaultPayloadSize,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("harness: invalid config: %w", err)
	}
	return nil
}

// LoadConfig reads a YAML file over DefaultConfig and validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("harness: reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("harness: parsing config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// BridgeOptions returns the bridge options implied by the configuration.
func (c Config) BridgeOptions() []refbridge.Option {
	return []refbridge.Option{
		refbridge.WithForceGC(c.ForceGC),
		refbridge.WithPayloadSize(c.PayloadSize),
		refbridge.WithBlockPool(c.PoolBlocks),
	}
}
