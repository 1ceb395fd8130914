// Package config loads the daemon's tunables from a JSON-with-comments
// file, layered under compiled-in defaults and over CLI flag overrides
// (spec §6 "Configuration", SPEC_FULL.md §10.3), following the teacher's
// hujson.Standardize-then-json.Unmarshal idiom (root config.go,
// internal/ticket/config.go).
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tailscale/hujson"

	"github.com/calvinalkan/qdbingest/internal/facade"
)

// Config holds every tunable named in spec §6.
type Config struct {
	WriterQueueCapacity      int64 `json:"writerQueueCapacity"`
	MaxMeasurementSize       int   `json:"maxMeasurementSize"`
	NUpdatesPerLoadRebalance int64 `json:"nUpdatesPerLoadRebalance"`
	MaxLoadRatio             float64 `json:"maxLoadRatio"`
	MaxUncommittedRows       int64 `json:"maxUncommittedRows"`
	MaintenanceHysteresisMs  int64 `json:"maintenanceHysteresisMs"`
	MinIdleMsBeforeWriterRelease int64 `json:"minIdleMsBeforeWriterRelease"`
	CommitHysteresisMicros   int64 `json:"commitHysteresisMicros"`

	DefaultPartitionBy     facade.PartitionBy `json:"-"`
	DefaultPartitionByName string             `json:"defaultPartitionBy"`
	DefaultSymbolCacheFlag bool               `json:"defaultSymbolCacheFlag"`
	DefaultSymbolCapacity  int                `json:"defaultSymbolCapacity"`

	NWriterThreads int `json:"nWriterThreads"`
	NIoWorkers     int `json:"nIoWorkers"`

	DataDir    string `json:"dataDir"`
	ListenAddr string `json:"listenAddr"`
}

// Default returns the compiled-in defaults (teacher: DefaultConfig()).
func Default() Config {
	return Config{
		WriterQueueCapacity:          1024,
		MaxMeasurementSize:           2048,
		NUpdatesPerLoadRebalance:     1000,
		MaxLoadRatio:                2.0,
		MaxUncommittedRows:           1000,
		MaintenanceHysteresisMs:      1000,
		MinIdleMsBeforeWriterRelease: 30_000,
		CommitHysteresisMicros:       0,
		DefaultPartitionBy:           facade.PartitionByDay,
		DefaultPartitionByName:       "DAY",
		DefaultSymbolCacheFlag:       true,
		DefaultSymbolCapacity:        128,
		NWriterThreads:               1,
		NIoWorkers:                   1,
		DataDir:                      ".",
		ListenAddr:                   "127.0.0.1:9009",
	}
}

// Load reads path (if non-empty) as hujson (JSON with comments and
// trailing commas), applies it over Default(), and resolves the
// string-valued partition-by field into its enum.
//
// A missing path is not an error: Load returns Default() unmodified,
// matching the teacher's "no project config found -> use defaults" path.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	std, err := hujson.Standardize(raw)
	if err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := json.Unmarshal(std, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}

	pb, err := parsePartitionBy(cfg.DefaultPartitionByName)
	if err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	cfg.DefaultPartitionBy = pb

	return cfg, nil
}

func parsePartitionBy(s string) (facade.PartitionBy, error) {
	switch s {
	case "", "DAY":
		return facade.PartitionByDay, nil
	case "MONTH":
		return facade.PartitionByMonth, nil
	case "YEAR":
		return facade.PartitionByYear, nil
	case "NONE":
		return facade.PartitionByNone, nil
	default:
		return 0, fmt.Errorf("unknown defaultPartitionBy %q", s)
	}
}

// Validate reports the first configuration invariant violation found.
func (c Config) Validate() error {
	if c.WriterQueueCapacity < 2 {
		return fmt.Errorf("config: writerQueueCapacity must be >= 2")
	}
	if c.WriterQueueCapacity&(c.WriterQueueCapacity-1) != 0 {
		return fmt.Errorf("config: writerQueueCapacity must be a power of two")
	}
	if c.NWriterThreads < 1 {
		return fmt.Errorf("config: nWriterThreads must be >= 1")
	}
	if c.NIoWorkers < 1 {
		return fmt.Errorf("config: nIoWorkers must be >= 1")
	}
	if c.MaxLoadRatio <= 1.0 {
		return fmt.Errorf("config: maxLoadRatio must be > 1.0")
	}
	return nil
}
