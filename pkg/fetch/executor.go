package fetch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/valuescan/fundcollect/pkg/tokenpool"
)

// Prometheus metrics for executor operations.
var (
	fetchErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fund_fetch_errors_total",
		Help: "Total classified upstream failures by class",
	}, []string{"class"})

	fetchRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fund_fetch_retries_total",
		Help: "Total transient retries performed",
	})

	fetchBackoffSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fund_fetch_backoff_seconds",
		Help:    "Backoff duration before transient retries",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	})

	fetchRotationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fund_fetch_rotations_total",
		Help: "Total credential rotations after quota exhaustion",
	})

	fetchDeferredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fund_fetch_deferred_total",
		Help: "Total requests deferred after exhausting the transient budget",
	})
)

// Config holds the executor's retry behavior.
type Config struct {
	// MaxAttempts is the same-credential attempt budget for transient
	// failures. Quota rotations do not consume it.
	MaxAttempts int

	// InitialBackoff is the delay before the first transient retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential growth.
	MaxBackoff time.Duration

	// BackoffMultiplier is the exponential growth factor.
	BackoffMultiplier float64
}

// DefaultConfig returns the default executor configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// Call is one logical upstream request executed under a credential secret.
// Results travel through the closure; the executor only sees the error.
type Call func(ctx context.Context, secret string) error

// Executor runs calls through pool credentials. "This request failed" and
// "this credential is out of quota" are deliberately separate concerns: a
// quota verdict rotates the credential and replays the call with the
// transient budget untouched, so one unit's entities may legitimately span
// several credentials.
type Executor struct {
	pool       *tokenpool.Pool
	classifier Classifier
	cfg        Config
	logger     zerolog.Logger
}

// New creates an executor bound to a credential pool.
func New(pool *tokenpool.Pool, classifier Classifier, cfg Config) *Executor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultConfig().InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultConfig().MaxBackoff
	}
	if cfg.BackoffMultiplier <= 1 {
		cfg.BackoffMultiplier = DefaultConfig().BackoffMultiplier
	}
	if classifier == nil {
		classifier = NewKeywordClassifier(nil)
	}

	return &Executor{
		pool:       pool,
		classifier: classifier,
		cfg:        cfg,
		logger:     log.With().Str("component", "fetch").Logger(),
	}
}

// Do executes the call until it succeeds, defers, or fails permanently.
// The label identifies the logical request (entity code) in logs.
//
// Outcome mapping: nil on success; ErrDeferred after the transient budget;
// ErrFatal on a permanent failure; tokenpool.ErrPoolExhausted when even a
// cooldown reset yields no credential; the context error on cancellation.
func (e *Executor) Do(ctx context.Context, label string, call Call) error {
	tok, err := e.acquire(ctx)
	if err != nil {
		return err
	}

	attempt := 0
	backoff := e.cfg.InitialBackoff

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		callErr := call(ctx, tok.Secret())
		if callErr == nil {
			e.pool.Report(tok, tokenpool.OutcomeSuccess)
			if attempt > 0 {
				e.logger.Info().
					Str("code", label).
					Str("token", tok.Name()).
					Int("attempt", attempt+1).
					Msg("Request succeeded after retry")
			}
			return nil
		}

		// A cancelled context aborts mid-request; surface the cancellation
		// rather than a misleading classification.
		if ctx.Err() != nil {
			return ctx.Err()
		}

		class := e.classifier.Classify(callErr)
		fetchErrorsTotal.WithLabelValues(string(class)).Inc()

		switch class {
		case ClassQuota:
			e.pool.Report(tok, tokenpool.OutcomeQuota)
			fetchRotationsTotal.Inc()
			e.logger.Warn().
				Str("code", label).
				Str("token", tok.Name()).
				Msg("Credential out of quota, rotating")

			tok, err = e.acquire(ctx)
			if err != nil {
				return err
			}

		case ClassTransient:
			e.pool.Report(tok, tokenpool.OutcomeTransient)
			attempt++
			if attempt >= e.cfg.MaxAttempts {
				fetchDeferredTotal.Inc()
				e.logger.Warn().
					Str("code", label).
					Str("token", tok.Name()).
					Int("attempts", attempt).
					Msg("Transient retries exhausted, deferring")
				return fmt.Errorf("%w after %d attempts: %w", ErrDeferred, attempt, callErr)
			}

			// ±20% jitter to avoid retry alignment across workers.
			jittered := time.Duration(float64(backoff) * (0.8 + rand.Float64()*0.4))
			fetchRetriesTotal.Inc()
			fetchBackoffSeconds.Observe(jittered.Seconds())
			e.logger.Debug().
				Str("code", label).
				Str("token", tok.Name()).
				Int("attempt", attempt).
				Dur("backoff", jittered).
				Msg("Retrying after transient failure")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(jittered):
			}

			backoff = time.Duration(float64(backoff) * e.cfg.BackoffMultiplier)
			if backoff > e.cfg.MaxBackoff {
				backoff = e.cfg.MaxBackoff
			}

		default: // ClassFatal
			e.pool.Report(tok, tokenpool.OutcomeFatal)
			e.logger.Debug().
				Str("code", label).
				Str("token", tok.Name()).
				Err(callErr).
				Msg("Permanent upstream failure")
			return fmt.Errorf("%w: %w", ErrFatal, callErr)
		}
	}
}

// acquire obtains a credential, riding out one cooldown-and-reset cycle when
// the pool is empty. A pool that stays empty after reset aborts the run.
func (e *Executor) acquire(ctx context.Context) (*tokenpool.Token, error) {
	tok, err := e.pool.Acquire()
	if err == nil {
		return tok, nil
	}
	if !errors.Is(err, tokenpool.ErrPoolExhausted) {
		return nil, err
	}

	if err := e.pool.ResetAll(ctx); err != nil {
		return nil, err
	}

	tok, err = e.pool.Acquire()
	if err != nil {
		return nil, fmt.Errorf("credential pool empty after cooldown reset: %w", err)
	}
	return tok, nil
}
