// Package config loads the engine's runtime configuration: cycle
// scheduling, worker pool sizing, and byte-heap growth thresholds.
// Credentials and transport configuration are out of scope (the
// Publisher/Announcer/BlobRetriever interfaces are supplied by the
// embedding program).
package config

import (
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	// CycleInterval is how often the embedding program should drive a
	// new cycle. The engine itself does not schedule cycles and no
	// package in this module (cmd/sedctl included) reads this field.
	CycleInterval time.Duration `yaml:"cycle_interval"`

	// QueryWorkers bounds the work-stealing query pool's concurrency.
	QueryWorkers int `yaml:"query_workers"`

	// PopulateWorkers bounds the populate-stage fan-out join.
	PopulateWorkers int `yaml:"populate_workers"`

	// ByteHeapGrowth is a byte-heap growth increment. readstate does not
	// read it: its byte heaps grow by ordinary slice appends.
	ByteHeapGrowth datasize.ByteSize `yaml:"byte_heap_growth"`

	// LogLevel is passed straight to internal/obslog.Init.
	LogLevel string `yaml:"log_level"`
}

// Default returns a Config with sane defaults for a single-process
// embedding (e.g. cmd/sedctl or a test harness).
func Default() Config {
	return Config{
		CycleInterval:   30 * time.Second,
		QueryWorkers:    4,
		PopulateWorkers: 4,
		ByteHeapGrowth:  64 * datasize.KB,
		LogLevel:        "info",
	}
}

// Load reads a YAML config file, starting from Default() so the file
// need only override the fields it cares about.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
