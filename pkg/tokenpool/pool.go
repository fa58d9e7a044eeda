package tokenpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for credential pool state.
var (
	tokensActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fund_tokens_active",
		Help: "Number of credentials currently in active state",
	})

	tokenRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fund_token_requests_total",
		Help: "Total requests reported per credential",
	}, []string{"token"})

	tokenSuccessesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fund_token_successes_total",
		Help: "Total successful requests reported per credential",
	}, []string{"token"})

	poolExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fund_pool_exhausted_total",
		Help: "Total acquire attempts that found no active credential",
	})

	poolResetsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fund_pool_resets_total",
		Help: "Total cooldown-and-reset cycles performed",
	})
)

// ErrPoolExhausted is returned by Acquire when no credential is active.
var ErrPoolExhausted = errors.New("credential pool exhausted")

// Config holds the pool configuration.
type Config struct {
	// MaxConsecutiveFailures is the transient-failure streak that moves a
	// credential to the failed state.
	MaxConsecutiveFailures int

	// Cooldown is how long ResetAll waits before reactivating every
	// credential. Upstream quotas are time-windowed, so waiting out the
	// window is preferred over giving up.
	Cooldown time.Duration
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		MaxConsecutiveFailures: 3,
		Cooldown:               120 * time.Second,
	}
}

// Pool owns the credential set. Acquire/Report form the critical section that
// every in-flight request passes through; all state mutation happens under
// the pool lock.
type Pool struct {
	mu     sync.Mutex
	tokens []*Token
	cfg    Config
	logger zerolog.Logger
}

// New creates a pool from raw credential secrets, in configuration order.
func New(secrets []string, cfg Config) (*Pool, error) {
	if len(secrets) == 0 {
		return nil, fmt.Errorf("at least one credential is required")
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = DefaultConfig().MaxConsecutiveFailures
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}

	p := &Pool{
		cfg:    cfg,
		logger: log.With().Str("component", "tokenpool").Logger(),
	}
	for i, secret := range secrets {
		p.tokens = append(p.tokens, &Token{
			name:   fmt.Sprintf("token-%d", i+1),
			secret: secret,
			status: StatusActive,
		})
	}
	tokensActive.Set(float64(len(p.tokens)))

	p.logger.Info().Int("tokens", len(p.tokens)).Msg("Credential pool initialized")
	return p, nil
}

// Acquire returns the active credential with the oldest last-used timestamp.
// The timestamp advances inside the lock, so concurrent acquirers observe
// distinct rotation orders instead of racing for the same credential.
func (p *Pool) Acquire() (*Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var pick *Token
	for _, t := range p.tokens {
		if t.status != StatusActive {
			continue
		}
		if pick == nil || t.lastUsed.Before(pick.lastUsed) {
			pick = t
		}
	}
	if pick == nil {
		poolExhaustedTotal.Inc()
		return nil, ErrPoolExhausted
	}

	pick.lastUsed = time.Now()
	return pick, nil
}

// Report records the outcome of a request made with the credential and
// applies the resulting state transition.
func (p *Pool) Report(t *Token, outcome Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t.requests++
	tokenRequestsTotal.WithLabelValues(t.name).Inc()

	switch outcome {
	case OutcomeSuccess:
		t.successes++
		t.consecutiveFailures = 0
		tokenSuccessesTotal.WithLabelValues(t.name).Inc()

	case OutcomeQuota:
		t.status = StatusExhausted
		p.logger.Warn().
			Str("token", t.name).
			Int64("requests", t.requests).
			Msg("Credential quota exhausted")

	case OutcomeTransient:
		t.consecutiveFailures++
		if t.consecutiveFailures >= p.cfg.MaxConsecutiveFailures && t.status == StatusActive {
			t.status = StatusFailed
			p.logger.Warn().
				Str("token", t.name).
				Int("consecutive_failures", t.consecutiveFailures).
				Msg("Credential failed after repeated transient errors")
		}

	case OutcomeFatal:
		// The upstream answered definitively; the credential is healthy.
		t.consecutiveFailures = 0
	}

	tokensActive.Set(float64(p.activeLocked()))
}

// ResetAll waits out the cooldown, then reactivates every credential with a
// cleared failure streak. Usage counters survive the reset. Returns early
// with the context error on cancellation.
func (p *Pool) ResetAll(ctx context.Context) error {
	p.logger.Warn().
		Dur("cooldown", p.cfg.Cooldown).
		Msg("All credentials unavailable, waiting out cooldown before reset")

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.cfg.Cooldown):
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, t := range p.tokens {
		t.status = StatusActive
		t.consecutiveFailures = 0
	}
	poolResetsTotal.Inc()
	tokensActive.Set(float64(len(p.tokens)))

	p.logger.Info().Int("tokens", len(p.tokens)).Msg("Credential pool reset")
	return nil
}

// ActiveCount returns the number of currently active credentials.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activeLocked()
}

func (p *Pool) activeLocked() int {
	n := 0
	for _, t := range p.tokens {
		if t.status == StatusActive {
			n++
		}
	}
	return n
}

// Size returns the total number of credentials in the pool.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tokens)
}

// Stats returns a consistent snapshot of pool and per-credential counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := Stats{Active: p.activeLocked()}
	for _, t := range p.tokens {
		stats.Tokens = append(stats.Tokens, TokenStats{
			Name:                t.name,
			Status:              t.status,
			Requests:            t.requests,
			Successes:           t.successes,
			ConsecutiveFailures: t.consecutiveFailures,
		})
		stats.TotalRequests += t.requests
		stats.TotalSuccesses += t.successes
	}
	return stats
}
