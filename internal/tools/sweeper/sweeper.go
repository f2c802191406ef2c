// Package sweeper removes expired WebAuthn ceremony sessions. Challenges
// expire lazily when a ceremony resumes; this tool clears the rows that were
// simply abandoned.
package sweeper

import (
	"context"
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/louisbranch/credence/internal/identity/storage/sqlite"
)

// Config holds sweeper command configuration.
type Config struct {
	DBPath   string        `env:"CREDENCE_IDENTITY_DB_PATH"`
	Interval time.Duration `env:"CREDENCE_SWEEP_INTERVAL" envDefault:"1m"`
	Once     bool
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join("data", "identity.db")
	}

	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "path to identity sqlite database (default: CREDENCE_IDENTITY_DB_PATH or data/identity.db)")
	fs.DurationVar(&cfg.Interval, "interval", cfg.Interval, "sweep interval")
	fs.BoolVar(&cfg.Once, "once", false, "run a single sweep and exit")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if cfg.Interval <= 0 {
		return Config{}, fmt.Errorf("interval must be positive")
	}
	return cfg, nil
}

// ceremonySweeper is the storage surface the sweeper needs.
type ceremonySweeper interface {
	DeleteExpiredCeremonySessions(ctx context.Context, now time.Time) (int64, error)
}

// Run opens the store and sweeps until the context is canceled, or once.
func Run(ctx context.Context, cfg Config, out io.Writer) error {
	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open identity store: %w", err)
	}
	defer store.Close()
	return run(ctx, cfg, store, out)
}

func run(ctx context.Context, cfg Config, store ceremonySweeper, out io.Writer) error {
	if out == nil {
		out = io.Discard
	}

	if err := sweep(ctx, store, out); err != nil {
		return err
	}
	if cfg.Once {
		return nil
	}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := sweep(ctx, store, out); err != nil {
				return err
			}
		}
	}
}

func sweep(ctx context.Context, store ceremonySweeper, out io.Writer) error {
	swept, err := store.DeleteExpiredCeremonySessions(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("sweep ceremony sessions: %w", err)
	}
	if swept > 0 {
		fmt.Fprintf(out, "swept %d expired ceremony sessions\n", swept)
	}
	return nil
}
