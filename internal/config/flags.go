package config

import "github.com/spf13/pflag"

// BindFlags registers every Config field on fs with its current value as
// the default, so CLI flags layer over file config exactly the way the
// teacher's internal/cli/command.go composes pflag.FlagSet with
// LoadConfig's precedence chain (defaults -> file -> flags).
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.Int64Var(&c.WriterQueueCapacity, "writer-queue-capacity", c.WriterQueueCapacity, "ring queue slot count, power of two")
	fs.IntVar(&c.MaxMeasurementSize, "max-measurement-size", c.MaxMeasurementSize, "max encoded bytes per queue slot")
	fs.Int64Var(&c.NUpdatesPerLoadRebalance, "nupdates-per-rebalance", c.NUpdatesPerLoadRebalance, "updates before a rebalance attempt")
	fs.Float64Var(&c.MaxLoadRatio, "max-load-ratio", c.MaxLoadRatio, "hi/lo writer load ratio that stops rebalancing")
	fs.Int64Var(&c.MaxUncommittedRows, "max-uncommitted-rows", c.MaxUncommittedRows, "rows before a forced commit")
	fs.Int64Var(&c.MaintenanceHysteresisMs, "maintenance-hysteresis-ms", c.MaintenanceHysteresisMs, "maintenance tick interval")
	fs.Int64Var(&c.MinIdleMsBeforeWriterRelease, "min-idle-ms", c.MinIdleMsBeforeWriterRelease, "idle duration before a writer handle is released")
	fs.Int64Var(&c.CommitHysteresisMicros, "commit-hysteresis-micros", c.CommitHysteresisMicros, "minimum interval between commits")
	fs.StringVar(&c.DefaultPartitionByName, "default-partition-by", c.DefaultPartitionByName, "DAY|MONTH|YEAR|NONE")
	fs.BoolVar(&c.DefaultSymbolCacheFlag, "default-symbol-cache", c.DefaultSymbolCacheFlag, "default SYMBOL column cache flag")
	fs.IntVar(&c.DefaultSymbolCapacity, "default-symbol-capacity", c.DefaultSymbolCapacity, "default SYMBOL dictionary capacity")
	fs.IntVar(&c.NWriterThreads, "writer-threads", c.NWriterThreads, "number of writer threads")
	fs.IntVar(&c.NIoWorkers, "io-workers", c.NIoWorkers, "number of network I/O workers")
	fs.StringVar(&c.DataDir, "data-dir", c.DataDir, "table store data directory")
	fs.StringVar(&c.ListenAddr, "listen", c.ListenAddr, "TCP address to accept line-protocol connections on")
}

// ResolvePartitionBy must be called after flag parsing if
// --default-partition-by was overridden on the command line, since
// DefaultPartitionBy (the enum) is not itself bound to a flag.
func (c *Config) ResolvePartitionBy() error {
	pb, err := parsePartitionBy(c.DefaultPartitionByName)
	if err != nil {
		return err
	}
	c.DefaultPartitionBy = pb
	return nil
}
