// Package collector is the batch orchestrator of the acquisition pipeline.
// It partitions the entity universe into fixed-size work units, drives each
// unit through the rate-aware executor against the credential pool, applies
// the domain filter, fans results out to the persistence sinks, and keeps
// the checkpoint store consistent so an interrupted run resumes where it
// stopped. Entity failures never abort a run; units that keep failing are
// re-enqueued for a bounded number of passes and then reported as failed.
package collector

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/valuescan/fundcollect/pkg/checkpoint"
	"github.com/valuescan/fundcollect/pkg/fetch"
	"github.com/valuescan/fundcollect/pkg/fundamental"
	"github.com/valuescan/fundcollect/pkg/logging"
	"github.com/valuescan/fundcollect/pkg/provider"
	"github.com/valuescan/fundcollect/pkg/screen"
	"github.com/valuescan/fundcollect/pkg/sink"
	"github.com/valuescan/fundcollect/pkg/tokenpool"
)

// DefaultUnitSize is the number of entities grouped into one work unit.
const DefaultUnitSize = 50

// Config holds the orchestration settings.
type Config struct {
	// UnitSize is the number of entities per work unit.
	UnitSize int

	// MaxPasses bounds how often a deferred unit is re-enqueued before it
	// becomes a terminal failure.
	MaxPasses int

	// Concurrency bounds parallel entity fetches within a unit. It is
	// additionally capped at the number of active credentials, since every
	// in-flight request ties up one credential.
	Concurrency int

	// UnitDelayMin/Max bound the jittered pause between units. This is
	// proactive backpressure against ambient upstream limits, independent
	// of the executor's reactive backoff.
	UnitDelayMin time.Duration
	UnitDelayMax time.Duration

	// Years is the calendar span to collect, clamped to exclude the
	// current, incomplete year.
	Years fundamental.YearRange

	// PayloadDir is where fetched unit payloads are cached.
	PayloadDir string

	// RunID identifies the run in logs; generated when empty.
	RunID string
}

// DefaultConfig returns the standard orchestration settings: units of 50,
// three passes, sequential fetching, and the five most recent complete
// years.
func DefaultConfig() Config {
	thisYear := time.Now().Year()
	return Config{
		UnitSize:     DefaultUnitSize,
		MaxPasses:    3,
		Concurrency:  1,
		UnitDelayMin: 1 * time.Second,
		UnitDelayMax: 3 * time.Second,
		Years:        fundamental.YearRange{Start: thisYear - 5, End: thisYear - 1},
		PayloadDir:   "cache",
	}
}

// Options wires the orchestrator's collaborators.
type Options struct {
	Provider    *provider.Client
	Executor    *fetch.Executor
	Pool        *tokenpool.Pool
	Checkpoints checkpoint.Store
	Sink        sink.Sink

	// ShouldSkip is the injected domain filter; nil skips nothing.
	ShouldSkip screen.Predicate

	Config Config
}

// Collector orchestrates a collection run.
type Collector struct {
	provider    *provider.Client
	exec        *fetch.Executor
	pool        *tokenpool.Pool
	checkpoints checkpoint.Store
	sink        sink.Sink
	shouldSkip  screen.Predicate
	cfg         Config
	years       []int
	logger      zerolog.Logger
}

// New creates a collector and prepares its payload cache directory.
func New(opts Options) (*Collector, error) {
	switch {
	case opts.Provider == nil:
		return nil, errors.New("provider client is required")
	case opts.Executor == nil:
		return nil, errors.New("executor is required")
	case opts.Pool == nil:
		return nil, errors.New("credential pool is required")
	case opts.Checkpoints == nil:
		return nil, errors.New("checkpoint store is required")
	case opts.Sink == nil:
		return nil, errors.New("sink is required")
	}

	cfg := opts.Config
	if cfg.UnitSize <= 0 {
		cfg.UnitSize = DefaultUnitSize
	}
	if cfg.MaxPasses <= 0 {
		cfg.MaxPasses = 3
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.UnitDelayMin < 0 {
		cfg.UnitDelayMin = 0
	}
	if cfg.UnitDelayMax < cfg.UnitDelayMin {
		cfg.UnitDelayMax = cfg.UnitDelayMin
	}
	if cfg.Years == (fundamental.YearRange{}) {
		cfg.Years = DefaultConfig().Years
	}
	if cfg.PayloadDir == "" {
		cfg.PayloadDir = "cache"
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.New().String()
	}
	if err := os.MkdirAll(cfg.PayloadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create payload directory: %w", err)
	}

	shouldSkip := opts.ShouldSkip
	if shouldSkip == nil {
		shouldSkip = func(*fundamental.Record) fundamental.SkipDecision {
			return fundamental.SkipDecision{}
		}
	}

	base := logging.NewLogger("collector")
	return &Collector{
		provider:    opts.Provider,
		exec:        opts.Executor,
		pool:        opts.Pool,
		checkpoints: opts.Checkpoints,
		sink:        opts.Sink,
		shouldSkip:  shouldSkip,
		cfg:         cfg,
		years:       cfg.Years.Clamp(time.Now()).Years(),
		logger:      base.With().Str("run", cfg.RunID).Logger(),
	}, nil
}

// Run executes one collection run: list the universe, process every pending
// unit, retry deferred units up to the pass budget, then flush the sinks.
// The returned summary is valid even when err is non-nil.
func (c *Collector) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()
	summary := &Summary{RunID: c.cfg.RunID}

	c.logger.Info().
		Int("unit_size", c.cfg.UnitSize).
		Int("concurrency", c.cfg.Concurrency).
		Ints("years", c.years).
		Int("credentials", c.pool.Size()).
		Msg("Collection run starting")

	universe, err := c.listUniverse(ctx)
	if err != nil {
		runsTotal.WithLabelValues("aborted").Inc()
		return summary, fmt.Errorf("list universe: %w", err)
	}

	units := Partition(universe, c.cfg.UnitSize)
	summary.UnitsTotal = len(units)

	pending, err := c.checkpoints.ListPending(ctx, len(units))
	if err != nil {
		runsTotal.WithLabelValues("aborted").Inc()
		return summary, fmt.Errorf("list pending units: %w", err)
	}
	summary.UnitsResumed = len(units) - len(pending)

	c.logger.Info().
		Int("entities", len(universe)).
		Int("units", len(units)).
		Int("pending", len(pending)).
		Int("resumed", summary.UnitsResumed).
		Msg("Universe partitioned")

	// Re-persist already-done units from the payload cache first, so the
	// spreadsheet export covers the whole universe after a resume.
	if summary.UnitsResumed > 0 {
		if err := c.rehydrate(ctx, units, pending); err != nil {
			runsTotal.WithLabelValues("aborted").Inc()
			return summary, err
		}
	}

	queue := pending
	for pass := 1; pass <= c.cfg.MaxPasses && len(queue) > 0; pass++ {
		summary.Passes = pass
		if pass > 1 {
			c.logger.Info().Int("pass", pass).Ints("units", queue).Msg("Retrying deferred units")
		}

		var deferred []int
		for i, idx := range queue {
			if err := ctx.Err(); err != nil {
				runsTotal.WithLabelValues("cancelled").Inc()
				return summary, err
			}

			res, err := c.processUnit(ctx, units[idx], pass)
			if err != nil {
				status := "aborted"
				if ctx.Err() != nil {
					status = "cancelled"
				}
				runsTotal.WithLabelValues(status).Inc()
				return summary, err
			}

			summary.addUnit(res)
			if res.deferred {
				deferred = append(deferred, idx)
				unitsTotal.WithLabelValues("deferred").Inc()
			} else {
				summary.UnitsCompleted++
				unitsTotal.WithLabelValues("done").Inc()
			}

			remaining := len(queue) - i - 1
			if pass < c.cfg.MaxPasses {
				remaining += len(deferred)
			}
			if remaining > 0 {
				if err := c.interUnitDelay(ctx); err != nil {
					runsTotal.WithLabelValues("cancelled").Inc()
					return summary, err
				}
			}
		}
		queue = deferred
	}

	if len(queue) > 0 {
		summary.UnitsFailed = len(queue)
		summary.FailedUnits = queue
		for _, idx := range queue {
			summary.EntitiesDeferred += len(units[idx].Securities)
			unitsTotal.WithLabelValues("failed").Inc()
		}
		c.logger.Error().
			Ints("units", queue).
			Int("passes", c.cfg.MaxPasses).
			Msg("Units failed after max deferral passes")
	}

	if err := c.sink.Flush(ctx); err != nil {
		runsTotal.WithLabelValues("aborted").Inc()
		return summary, fmt.Errorf("flush sinks: %w", err)
	}

	summary.Elapsed = time.Since(start)
	summary.Pool = c.pool.Stats()
	runsTotal.WithLabelValues("completed").Inc()
	runDuration.Observe(summary.Elapsed.Seconds())
	summary.log(c.logger)
	return summary, nil
}

// unitResult is the outcome of one processUnit attempt.
type unitResult struct {
	deferred  bool
	succeeded int
	skipped   int
	filtered  int
}

// processUnit drives one unit through fetch, filter, persist, and mark-done.
// Soft failures return deferred=true; only cancellation and run-fatal
// conditions (a credential pool that stays empty after reset) return an
// error.
func (c *Collector) processUnit(ctx context.Context, unit WorkUnit, pass int) (unitResult, error) {
	var res unitResult
	ulog := c.logger.With().Int("unit", unit.Index).Int("pass", pass).Logger()

	payload, cached := c.loadPayload(unit.Index)
	if cached {
		ulog.Info().
			Int("records", len(payload.Fetched)).
			Msg("Using cached unit payload, skipping fetch")
	} else {
		ulog.Debug().
			Str("state", string(UnitFetching)).
			Int("entities", len(unit.Securities)).
			Msg("Fetching unit")

		var err error
		payload, err = c.fetchUnit(ctx, unit, ulog)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			if errors.Is(err, tokenpool.ErrPoolExhausted) {
				return res, fmt.Errorf("unit %d: %w", unit.Index, err)
			}
			// Soft failure: re-enqueue the unit for the next pass.
			res.deferred = true
			ulog.Warn().
				Err(err).
				Str("state", string(UnitDeferred)).
				Msg("Unit deferred on fetch failure")
			return res, nil
		}

		if _, err := c.savePayload(payload); err != nil {
			// Without a durable payload the mark-done ordering cannot be
			// honored; treat it like any other soft failure.
			res.deferred = true
			ulog.Error().Err(err).Msg("Payload cache write failed, unit deferred")
			return res, nil
		}
	}

	ulog.Debug().Str("state", string(UnitFiltering)).Msg("Applying domain filter")
	survivors, filtered := c.applyFilter(payload, ulog)
	res.succeeded = len(survivors)
	res.skipped = len(payload.Skipped)
	res.filtered = filtered

	ulog.Debug().
		Str("state", string(UnitPersisting)).
		Int("records", len(survivors)).
		Msg("Persisting unit")
	if err := c.sink.Persist(ctx, unit.Index, survivors); err != nil {
		if ctx.Err() != nil {
			return unitResult{}, ctx.Err()
		}
		ulog.Error().Err(err).Msg("Unit persistence failed, will retry without refetch")
		return unitResult{deferred: true}, nil
	}

	if err := c.checkpoints.MarkDone(ctx, unit.Index, payloadFileName(unit.Index)); err != nil {
		if ctx.Err() != nil {
			return unitResult{}, ctx.Err()
		}
		ulog.Error().Err(err).Msg("Mark-done failed, unit stays pending")
		return unitResult{deferred: true}, nil
	}

	ulog.Info().
		Str("state", string(UnitDone)).
		Int("succeeded", res.succeeded).
		Int("skipped", res.skipped).
		Int("filtered", res.filtered).
		Msg("Unit completed")
	return res, nil
}

// fetchUnit fetches every entity of a unit to a terminal per-entity state:
// fetched, permanently skipped, or — via the returned error — unit-level
// deferral. Parallelism is bounded by configuration and by the number of
// active credentials.
func (c *Collector) fetchUnit(ctx context.Context, unit WorkUnit, ulog zerolog.Logger) (*unitPayload, error) {
	payload := &unitPayload{Unit: unit.Index}

	limit := c.cfg.Concurrency
	if active := c.pool.ActiveCount(); limit > active {
		limit = active
	}
	if limit < 1 {
		limit = 1
	}

	var mu sync.Mutex
	fetchOne := func(ctx context.Context, sec fundamental.Security) error {
		rec, err := c.fetchEntity(ctx, sec)
		switch {
		case err == nil:
			mu.Lock()
			payload.Fetched = append(payload.Fetched, rec)
			mu.Unlock()
			return nil
		case errors.Is(err, fetch.ErrFatal):
			mu.Lock()
			payload.Skipped = append(payload.Skipped, SkippedEntity{Code: sec.Code, Reason: err.Error()})
			mu.Unlock()
			ulog.Warn().Str("code", sec.Code).Err(err).Msg("Entity permanently skipped")
			return nil
		default:
			return err
		}
	}

	if limit == 1 {
		for _, sec := range unit.Securities {
			// Cancellation is honored between entities, never mid-request.
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if err := fetchOne(ctx, sec); err != nil {
				return nil, err
			}
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(limit)
		for _, sec := range unit.Securities {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				return fetchOne(gctx, sec)
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		// Parallel completion order is arbitrary; keep output stable.
		sort.Slice(payload.Fetched, func(i, j int) bool {
			return payload.Fetched[i].Code < payload.Fetched[j].Code
		})
	}

	return payload, nil
}

// fetchEntity retrieves one entity's fundamentals through the executor.
func (c *Collector) fetchEntity(ctx context.Context, sec fundamental.Security) (*fundamental.Record, error) {
	var rec *fundamental.Record
	err := c.exec.Do(ctx, sec.Code, func(ctx context.Context, secret string) error {
		r, err := c.provider.FetchFundamentals(ctx, secret, sec, c.years)
		if err != nil {
			return err
		}
		rec = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// listUniverse fetches the full entity universe through the executor, so
// even the listing call enjoys rotation and retry.
func (c *Collector) listUniverse(ctx context.Context) ([]fundamental.Security, error) {
	var secs []fundamental.Security
	err := c.exec.Do(ctx, "universe", func(ctx context.Context, secret string) error {
		s, err := c.provider.ListSecurities(ctx, secret)
		if err != nil {
			return err
		}
		secs = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return secs, nil
}

// applyFilter splits a payload into persistable survivors and filtered
// entities.
func (c *Collector) applyFilter(payload *unitPayload, ulog zerolog.Logger) ([]*fundamental.Record, int) {
	survivors := make([]*fundamental.Record, 0, len(payload.Fetched))
	filtered := 0
	for _, rec := range payload.Fetched {
		if dec := c.shouldSkip(rec); dec.Skip {
			filtered++
			ulog.Info().
				Str("code", rec.Code).
				Str("reason", dec.Reason).
				Msg("Entity filtered")
			continue
		}
		survivors = append(survivors, rec)
	}
	return survivors, filtered
}

// rehydrate re-persists previously completed units from the payload cache.
func (c *Collector) rehydrate(ctx context.Context, units []WorkUnit, pending []int) error {
	pendingSet := make(map[int]bool, len(pending))
	for _, idx := range pending {
		pendingSet[idx] = true
	}

	for _, unit := range units {
		if pendingSet[unit.Index] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		payload, ok := c.loadPayload(unit.Index)
		if !ok {
			c.logger.Warn().
				Int("unit", unit.Index).
				Msg("Done unit has no readable payload cache, export may be incomplete")
			continue
		}
		survivors, _ := c.applyFilter(payload, c.logger)
		if err := c.sink.Persist(ctx, unit.Index, survivors); err != nil {
			return fmt.Errorf("re-persist unit %d: %w", unit.Index, err)
		}
	}
	return nil
}

// interUnitDelay sleeps for a jittered interval between units, honoring
// cancellation.
func (c *Collector) interUnitDelay(ctx context.Context) error {
	delay := c.cfg.UnitDelayMin
	if span := c.cfg.UnitDelayMax - c.cfg.UnitDelayMin; span > 0 {
		delay += time.Duration(rand.Float64() * float64(span))
	}
	if delay <= 0 {
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

// Reimport rebuilds every sink from the payload cache without touching the
// upstream API. It returns the number of records persisted.
func (c *Collector) Reimport(ctx context.Context) (int, error) {
	matches, err := filepath.Glob(filepath.Join(c.cfg.PayloadDir, "unit_*.json"))
	if err != nil {
		return 0, fmt.Errorf("scan payload cache: %w", err)
	}
	sort.Strings(matches)

	total := 0
	for _, path := range matches {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		payload, err := readPayload(path)
		if err != nil {
			c.logger.Warn().Str("file", path).Err(err).Msg("Skipping unreadable payload file")
			continue
		}
		survivors, _ := c.applyFilter(payload, c.logger)
		if err := c.sink.Persist(ctx, payload.Unit, survivors); err != nil {
			return total, fmt.Errorf("persist unit %d: %w", payload.Unit, err)
		}
		total += len(survivors)
	}

	if err := c.sink.Flush(ctx); err != nil {
		return total, fmt.Errorf("flush sinks: %w", err)
	}

	c.logger.Info().
		Int("files", len(matches)).
		Int("records", total).
		Msg("Reimport complete")
	return total, nil
}

// Fresh discards all checkpoint state and cached payloads. Only ever called
// on an explicit restart-fresh request.
func (c *Collector) Fresh(ctx context.Context) error {
	if err := c.checkpoints.Reset(ctx); err != nil {
		return err
	}

	matches, err := filepath.Glob(filepath.Join(c.cfg.PayloadDir, "unit_*.json"))
	if err != nil {
		return fmt.Errorf("scan payload cache: %w", err)
	}
	for _, path := range matches {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("remove %s: %w", path, err)
		}
	}

	c.logger.Info().
		Int("payloads", len(matches)).
		Msg("Fresh start: checkpoints and payload cache cleared")
	return nil
}
