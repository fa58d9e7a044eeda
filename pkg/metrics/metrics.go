// Package metrics provides the centralized Prometheus registry reference for
// the collection pipeline. All metrics are defined in their owning packages
// (tokenpool, fetch, provider, checkpoint, sink, collector) to maintain
// modularity and avoid circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the pipeline.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Credential Pool Metrics (pkg/tokenpool):
//   - fund_tokens_active (Gauge): Credentials currently in active state
//   - fund_token_requests_total{token} (Counter): Requests reported per credential
//   - fund_token_successes_total{token} (Counter): Successful requests per credential
//   - fund_pool_exhausted_total (Counter): Acquire attempts that found no active credential
//   - fund_pool_resets_total (Counter): Cooldown-and-reset cycles performed
//
// Request Executor Metrics (pkg/fetch):
//   - fund_fetch_errors_total{class} (Counter): Classified failures (quota, transient, fatal)
//   - fund_fetch_retries_total (Counter): Transient retries performed
//   - fund_fetch_backoff_seconds (Histogram): Jittered backoff durations
//   - fund_fetch_rotations_total (Counter): Credential rotations after quota exhaustion
//   - fund_fetch_deferred_total (Counter): Requests deferred after the transient budget
//
// Upstream Metrics (pkg/provider):
//   - fund_upstream_requests_total{api, result} (Counter): Wire requests by api and result
//   - fund_upstream_request_duration_seconds{api} (Histogram): Wire request duration
//
// Checkpoint Metrics (pkg/checkpoint):
//   - fund_checkpoint_marks_total{backend} (Counter): Work units marked done
//   - fund_checkpoint_resets_total{backend} (Counter): Explicit checkpoint resets
//   - fund_checkpoint_errors_total{operation, backend} (Counter): Store operation errors
//
// Sink Metrics (pkg/sink):
//   - fund_sink_persists_total{sink} (Counter): Unit persist calls per sink
//   - fund_sink_persist_errors_total{sink} (Counter): Failed unit persist calls per sink
//   - fund_sink_records_total{sink} (Counter): Records handed to each sink
//
// Orchestrator Metrics (pkg/collector):
//   - fund_units_total{result} (Counter): Work unit outcomes (done, deferred, failed)
//   - fund_entities_total{result} (Counter): Entity outcomes (succeeded, skipped, filtered)
//   - fund_runs_total{status} (Counter): Runs by final status (completed, aborted, cancelled)
//   - fund_run_duration_seconds (Histogram): Full run duration
//
// Example Prometheus Queries:
//
//   # Request Success Rate
//   sum(rate(fund_token_successes_total[5m])) / sum(rate(fund_token_requests_total[5m]))
//
//   # Quota Rotations Per Hour
//   increase(fund_fetch_rotations_total[1h])
//
//   # Active Credentials Alarm
//   fund_tokens_active == 0
//
//   # Deferred Unit Rate
//   rate(fund_units_total{result="deferred"}[15m])
//
//   # P95 Upstream Latency By API
//   histogram_quantile(0.95, rate(fund_upstream_request_duration_seconds_bucket[5m]))
