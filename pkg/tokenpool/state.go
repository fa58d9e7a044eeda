// Package tokenpool manages the pool of upstream API credentials. It tracks
// per-credential health and usage, hands out the least-recently-used active
// credential, and performs the cooldown-and-reset cycle when every credential
// is exhausted or failed.
package tokenpool

import (
	"time"
)

// Status is the lifecycle state of a credential.
type Status string

const (
	// StatusActive means the credential is usable.
	StatusActive Status = "active"

	// StatusExhausted means the upstream reported the credential's quota as
	// consumed. Cleared only by a pool reset.
	StatusExhausted Status = "exhausted"

	// StatusFailed means the credential crossed the consecutive-failure
	// threshold on transient errors. Cleared only by a pool reset.
	StatusFailed Status = "failed"
)

// Token is one upstream credential. All mutable fields are owned by the pool
// and only touched under its lock; Name and Secret are immutable.
type Token struct {
	name   string
	secret string

	status              Status
	consecutiveFailures int
	requests            int64
	successes           int64
	lastUsed            time.Time
}

// Name returns the credential's log-safe identifier (token-1, token-2, ...).
func (t *Token) Name() string { return t.name }

// Secret returns the raw credential value sent upstream. Never log this.
func (t *Token) Secret() string { return t.secret }

// Outcome is the executor's verdict on a request made with a credential.
type Outcome string

const (
	// OutcomeSuccess means the request completed and yielded data.
	OutcomeSuccess Outcome = "success"

	// OutcomeQuota means the upstream signalled the credential's allowance is
	// consumed. The credential is exhausted immediately, no grace.
	OutcomeQuota Outcome = "quota"

	// OutcomeTransient means a retryable failure unrelated to quota.
	OutcomeTransient Outcome = "transient"

	// OutcomeFatal means a permanent per-request failure. The credential
	// itself proved functional, so its failure streak resets.
	OutcomeFatal Outcome = "fatal"
)

// TokenStats is a read-only snapshot of one credential.
type TokenStats struct {
	Name                string `json:"name"`
	Status              Status `json:"status"`
	Requests            int64  `json:"requests"`
	Successes           int64  `json:"successes"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
}

// Stats is a read-only snapshot of the whole pool.
type Stats struct {
	Tokens         []TokenStats `json:"tokens"`
	TotalRequests  int64        `json:"total_requests"`
	TotalSuccesses int64        `json:"total_successes"`
	Active         int          `json:"active"`
}

// SuccessRate returns successes/requests across the pool, 0 when idle.
func (s Stats) SuccessRate() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return float64(s.TotalSuccesses) / float64(s.TotalRequests)
}
