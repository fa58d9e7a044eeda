// Package cli implements the fundcollect command-line verbs.
package cli

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/subcommands"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/valuescan/fundcollect/pkg/checkpoint"
	"github.com/valuescan/fundcollect/pkg/collector"
	"github.com/valuescan/fundcollect/pkg/config"
	"github.com/valuescan/fundcollect/pkg/fetch"
	"github.com/valuescan/fundcollect/pkg/fundamental"
	"github.com/valuescan/fundcollect/pkg/logging"
	"github.com/valuescan/fundcollect/pkg/provider"
	"github.com/valuescan/fundcollect/pkg/screen"
	"github.com/valuescan/fundcollect/pkg/sink"
	"github.com/valuescan/fundcollect/pkg/tokenpool"
)

// Register adds every verb to the commander.
func Register(c *subcommands.Commander) {
	c.Register(&collectCmd{}, "collection")
	c.Register(&reimportCmd{}, "collection")
	c.Register(&watchCmd{}, "collection")
	c.Register(&screenCmd{}, "analysis")
}

// loadConfig builds the effective configuration and applies its logging
// settings before anything else emits a log line.
func loadConfig(path string) config.Config {
	cfg := config.Load(path)
	logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.Log.Level),
		Pretty: cfg.Log.Pretty,
	})
	return cfg
}

// pipeline bundles the assembled collection stack of one run.
type pipeline struct {
	col   *collector.Collector
	store *sink.Store
	db    *gorm.DB
	rdb   *redis.Client
}

func (p *pipeline) close() {
	if p.db != nil {
		if sqlDB, err := p.db.DB(); err == nil {
			sqlDB.Close()
		}
	}
	if p.rdb != nil {
		p.rdb.Close()
	}
}

// buildPipeline assembles provider, pool, executor, checkpoints, and sinks
// into a ready collector.
func buildPipeline(cfg config.Config) (*pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	prov, err := provider.New(provider.Config{
		BaseURL: cfg.Provider.BaseURL,
		Timeout: cfg.Provider.Timeout.Std(),
	})
	if err != nil {
		return nil, err
	}

	pool, err := tokenpool.New(cfg.Tokens, tokenpool.Config{
		MaxConsecutiveFailures: cfg.Pool.MaxConsecutiveFailures,
		Cooldown:               cfg.Pool.Cooldown.Std(),
	})
	if err != nil {
		return nil, err
	}

	exec := fetch.New(pool, fetch.NewKeywordClassifier(cfg.Executor.QuotaKeywords), fetch.Config{
		MaxAttempts:       cfg.Executor.MaxAttempts,
		InitialBackoff:    cfg.Executor.InitialBackoff.Std(),
		MaxBackoff:        cfg.Executor.MaxBackoff.Std(),
		BackoffMultiplier: cfg.Executor.BackoffMultiplier,
	})

	checkpoints, rdb, err := openCheckpoints(cfg.Checkpoint)
	if err != nil {
		return nil, err
	}

	years := fundamental.YearRange{Start: cfg.Collector.StartYear, End: cfg.Collector.EndYear}

	db, err := sink.Open(cfg.Export.SQLitePath)
	if err != nil {
		return nil, err
	}
	store := sink.NewStore(db)
	if err := store.Migrate(context.Background()); err != nil {
		return nil, err
	}
	excel := sink.NewExcel(cfg.Export.ExcelPath, years.Clamp(time.Now()).Years())

	col, err := collector.New(collector.Options{
		Provider:    prov,
		Executor:    exec,
		Pool:        pool,
		Checkpoints: checkpoints,
		Sink:        sink.NewFanout(store, excel),
		ShouldSkip:  screen.LossStreak(3),
		Config: collector.Config{
			UnitSize:     cfg.Collector.UnitSize,
			MaxPasses:    cfg.Collector.MaxPasses,
			Concurrency:  cfg.Collector.Concurrency,
			UnitDelayMin: cfg.Collector.UnitDelayMin.Std(),
			UnitDelayMax: cfg.Collector.UnitDelayMax.Std(),
			Years:        years,
			PayloadDir:   cfg.Collector.PayloadDir,
		},
	})
	if err != nil {
		return nil, err
	}

	return &pipeline{col: col, store: store, db: db, rdb: rdb}, nil
}

func openCheckpoints(cfg config.CheckpointConfig) (checkpoint.Store, *redis.Client, error) {
	switch cfg.Backend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			return nil, nil, fmt.Errorf("connect redis at %s: %w", cfg.RedisAddr, err)
		}
		return checkpoint.NewRedisStore(rdb, cfg.RedisKey), rdb, nil
	default:
		store, err := checkpoint.NewFileStore(cfg.FilePath)
		return store, nil, err
	}
}

// startMetrics exposes the Prometheus registry when an address is
// configured.
func startMetrics(addr string) {
	if addr == "" {
		return
	}
	logger := logging.NewLogger("metrics")
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		logger.Info().Str("addr", addr).Msg("Serving Prometheus metrics")
		if err := http.ListenAndServe(addr, nil); err != nil {
			logger.Error().Err(err).Msg("Metrics listener failed")
		}
	}()
}

func printSummary(s *collector.Summary) {
	if s == nil {
		return
	}

	fmt.Printf("Run %s finished in %s\n", s.RunID, s.Elapsed.Round(time.Second))
	fmt.Printf("  units:    %d total, %d resumed, %d completed, %d failed\n",
		s.UnitsTotal, s.UnitsResumed, s.UnitsCompleted, s.UnitsFailed)
	fmt.Printf("  entities: %d succeeded, %d skipped, %d filtered, %d deferred\n",
		s.EntitiesSucceeded, s.EntitiesSkipped, s.EntitiesFiltered, s.EntitiesDeferred)
	fmt.Printf("  requests: %d (%.1f%% success)\n", s.Pool.TotalRequests, s.Pool.SuccessRate()*100)
	for _, tok := range s.Pool.Tokens {
		fmt.Printf("    %-10s %-9s %d requests, %d ok\n", tok.Name, tok.Status, tok.Requests, tok.Successes)
	}
	if len(s.FailedUnits) > 0 {
		fmt.Printf("  failed units %v will be retried on the next run\n", s.FailedUnits)
	}
}
