// Package provider implements the wire-level client for the upstream
// fundamentals API: a single JSON-over-HTTP-POST endpoint that answers
// columnar tables. One logical entity fetch is composed of several table
// requests; callers wrap the composition in retry and classification.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for upstream requests.
var (
	upstreamRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fund_upstream_requests_total",
		Help: "Total upstream requests by api and result",
	}, []string{"api", "result"})

	upstreamRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fund_upstream_request_duration_seconds",
		Help:    "Upstream request duration in seconds by api",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"api"})
)

// Upstream api names.
const (
	apiStockBasic    = "stock_basic"
	apiFinaIndicator = "fina_indicator"
	apiBalanceSheet  = "balancesheet"
	apiIncome        = "income"
	apiCashflow      = "cashflow"
	apiDailyBasic    = "daily_basic"
)

// Config holds the provider client configuration.
type Config struct {
	// BaseURL is the upstream endpoint. Tests point this at a mock server.
	BaseURL string

	// Timeout bounds a single wire request.
	Timeout time.Duration
}

// DefaultConfig returns a default provider configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://api.tushare.pro",
		Timeout: 30 * time.Second,
	}
}

// Client speaks the upstream wire protocol. It is stateless apart from the
// embedded HTTP client and safe for concurrent use.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     zerolog.Logger
}

// New creates a provider client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    cfg.BaseURL,
		logger:     log.With().Str("component", "provider").Logger(),
	}, nil
}

// envelope is the request body of every upstream call.
type envelope struct {
	APIName string            `json:"api_name"`
	Token   string            `json:"token"`
	Params  map[string]string `json:"params"`
	Fields  string            `json:"fields"`
}

// response is the wire response shape.
type response struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data *Table `json:"data"`
}

// Query performs one upstream call and decodes the columnar result.
// Application-level failures (code != 0) yield an *APIError carrying the
// upstream message; HTTP-level failures yield an *HTTPError.
func (c *Client) Query(ctx context.Context, secret, apiName string, params map[string]string, fields []string) (*Table, error) {
	start := time.Now()
	defer func() {
		upstreamRequestDuration.WithLabelValues(apiName).Observe(time.Since(start).Seconds())
	}()

	body, err := json.Marshal(envelope{
		APIName: apiName,
		Token:   secret,
		Params:  params,
		Fields:  strings.Join(fields, ","),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", apiName, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", apiName, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		upstreamRequestsTotal.WithLabelValues(apiName, "network_error").Inc()
		return nil, fmt.Errorf("post %s: %w", apiName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		upstreamRequestsTotal.WithLabelValues(apiName, strconv.Itoa(resp.StatusCode)).Inc()
		return nil, &HTTPError{API: apiName, StatusCode: resp.StatusCode, Status: resp.Status}
	}

	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		upstreamRequestsTotal.WithLabelValues(apiName, "decode_error").Inc()
		return nil, fmt.Errorf("decode %s response: %w", apiName, err)
	}

	if out.Code != 0 {
		upstreamRequestsTotal.WithLabelValues(apiName, "api_error").Inc()
		return nil, &APIError{API: apiName, Code: out.Code, Message: out.Msg}
	}

	upstreamRequestsTotal.WithLabelValues(apiName, "ok").Inc()

	table := out.Data
	if table == nil {
		table = &Table{}
	}

	c.logger.Debug().
		Str("api", apiName).
		Int("rows", table.Len()).
		Dur("duration", time.Since(start)).
		Msg("Upstream query completed")

	return table, nil
}
