// Package syncd parses syncd command flags and launches the sync runtime.
package syncd

import (
	"context"
	"flag"
	"time"

	entrypoint "github.com/coursebridge/coursebridge/internal/platform/cmd"
	syncapp "github.com/coursebridge/coursebridge/internal/services/sync/app"
)

// Config holds syncd command configuration.
type Config struct {
	Port               int           `env:"COURSEBRIDGE_SYNCD_PORT" envDefault:"8090"`
	AdminPort          int           `env:"COURSEBRIDGE_SYNCD_ADMIN_PORT" envDefault:"8091"`
	DBPath             string        `env:"COURSEBRIDGE_SYNCD_DB_PATH" envDefault:"data/syncd.db"`
	Consumer           string        `env:"COURSEBRIDGE_SYNCD_CONSUMER" envDefault:"syncd"`
	PollInterval       time.Duration `env:"COURSEBRIDGE_SYNCD_POLL_INTERVAL" envDefault:"1s"`
	LeaseTTL           time.Duration `env:"COURSEBRIDGE_SYNCD_LEASE_TTL" envDefault:"5m"`
	BatchSize          int           `env:"COURSEBRIDGE_SYNCD_BATCH_SIZE" envDefault:"10"`
	MaxAttempts        int           `env:"COURSEBRIDGE_SYNCD_MAX_ATTEMPTS" envDefault:"5"`
	RetryBackoff       time.Duration `env:"COURSEBRIDGE_SYNCD_RETRY_BACKOFF" envDefault:"1s"`
	RetryMaxDelay      time.Duration `env:"COURSEBRIDGE_SYNCD_RETRY_MAX_DELAY" envDefault:"5m"`
	ConflictStrategy   string        `env:"COURSEBRIDGE_SYNCD_CONFLICT_STRATEGY" envDefault:"sourceWins"`
	CollapseSuperseded bool          `env:"COURSEBRIDGE_SYNCD_COLLAPSE_SUPERSEDED" envDefault:"false"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The syncd health gRPC server port")
	fs.IntVar(&cfg.AdminPort, "admin-port", cfg.AdminPort, "The syncd admin HTTP server port")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The syncd SQLite database path")
	fs.StringVar(&cfg.Consumer, "consumer", cfg.Consumer, "Sync queue consumer name")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Sync queue poll interval")
	fs.DurationVar(&cfg.LeaseTTL, "lease-ttl", cfg.LeaseTTL, "Sync queue lease duration")
	fs.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "Sync queue lease batch size")
	fs.IntVar(&cfg.MaxAttempts, "max-attempts", cfg.MaxAttempts, "Maximum processing attempts before dead-letter")
	fs.DurationVar(&cfg.RetryBackoff, "retry-backoff", cfg.RetryBackoff, "Base retry backoff delay")
	fs.DurationVar(&cfg.RetryMaxDelay, "retry-max-delay", cfg.RetryMaxDelay, "Maximum retry delay")
	fs.StringVar(&cfg.ConflictStrategy, "conflict-strategy", cfg.ConflictStrategy, "Conflict resolution strategy for diverged entities")
	fs.BoolVar(&cfg.CollapseSuperseded, "collapse-superseded", cfg.CollapseSuperseded, "Skip queued operations superseded by a newer one for the same entity")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the sync runtime.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceSyncd, func(context.Context) error {
		return syncapp.Run(ctx, syncapp.RuntimeConfig{
			Port:               cfg.Port,
			AdminPort:          cfg.AdminPort,
			DBPath:             cfg.DBPath,
			Consumer:           cfg.Consumer,
			PollInterval:       cfg.PollInterval,
			LeaseTTL:           cfg.LeaseTTL,
			BatchSize:          cfg.BatchSize,
			MaxAttempts:        cfg.MaxAttempts,
			RetryBackoff:       cfg.RetryBackoff,
			RetryMaxDelay:      cfg.RetryMaxDelay,
			ConflictStrategy:   cfg.ConflictStrategy,
			CollapseSuperseded: cfg.CollapseSuperseded,
		})
	})
}
