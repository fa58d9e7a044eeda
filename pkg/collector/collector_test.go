package collector_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valuescan/fundcollect/internal/testutil"
	"github.com/valuescan/fundcollect/pkg/checkpoint"
	"github.com/valuescan/fundcollect/pkg/collector"
	"github.com/valuescan/fundcollect/pkg/fetch"
	"github.com/valuescan/fundcollect/pkg/fundamental"
	"github.com/valuescan/fundcollect/pkg/provider"
	"github.com/valuescan/fundcollect/pkg/screen"
	"github.com/valuescan/fundcollect/pkg/sink"
	"github.com/valuescan/fundcollect/pkg/tokenpool"
)

var (
	stockBasicFields = []string{"ts_code", "name", "industry", "list_date"}
	stockBasicItems  = [][]any{
		{"600519.SH", "贵州茅台", "白酒", "20010827"},
		{"000858.SZ", "五粮液", "白酒", "19980427"},
		{"601318.SH", "中国平安", "保险", "20070301"},
		{"000651.SZ", "格力电器", "家电", "19961118"},
	}

	finaFields = []string{"ts_code", "end_date", "roe", "grossprofit_margin", "netprofit_margin", "debt_to_assets", "current_ratio", "assets_turn"}
	finaItems  = [][]any{
		{"600519.SH", "20211231", 28.5, 91.0, 52.0, 25.0, 3.5, 0.5},
		{"600519.SH", "20221231", 30.1, 91.5, 52.5, 24.0, 3.6, 0.5},
	}

	dailyBasicFields = []string{"ts_code", "trade_date", "pe", "pb", "dv_ratio"}
	dailyBasicItems  = [][]any{{"600519.SH", "20211231", 35.0, 8.0, 1.2}}
)

func registerDefaultTables(m *testutil.MockProvider) {
	m.SetTable("stock_basic", stockBasicFields, stockBasicItems)
	m.SetTable("fina_indicator", finaFields, finaItems)
	m.SetTable("balancesheet", []string{"ts_code", "end_date", "total_assets"}, [][]any{})
	m.SetTable("income", []string{"ts_code", "end_date", "n_income"}, [][]any{})
	m.SetTable("cashflow", []string{"ts_code", "end_date", "n_cashflow_act"}, [][]any{})
	m.SetTable("daily_basic", dailyBasicFields, dailyBasicItems)
}

// captureSink records persisted units in memory and can fail on demand.
type captureSink struct {
	mu       sync.Mutex
	units    map[int][]string
	persists int
	flushes  int
	failNext int
}

var _ sink.Sink = (*captureSink)(nil)

func (s *captureSink) Name() string { return "capture" }

func (s *captureSink) Persist(_ context.Context, unit int, records []*fundamental.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persists++
	if s.failNext > 0 {
		s.failNext--
		return errors.New("sink unavailable")
	}
	codes := make([]string, 0, len(records))
	for _, rec := range records {
		codes = append(codes, rec.Code)
	}
	if s.units == nil {
		s.units = make(map[int][]string)
	}
	s.units[unit] = codes
	return nil
}

func (s *captureSink) Flush(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
	return nil
}

func (s *captureSink) codes(unit int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.units[unit]
}

// pipeline wires a full collection stack against the mock upstream: four
// securities, unit size two, two collection years, no inter-unit delay.
type pipeline struct {
	mock        *testutil.MockProvider
	pool        *tokenpool.Pool
	sink        *captureSink
	checkpoints checkpoint.Store
	col         *collector.Collector
	cacheDir    string
}

func newPipeline(t *testing.T, secrets []string, mutate func(*collector.Options)) *pipeline {
	t.Helper()

	mock := testutil.NewMockProvider()
	t.Cleanup(mock.Close)
	registerDefaultTables(mock)

	prov, err := provider.New(provider.Config{BaseURL: mock.URL(), Timeout: 5 * time.Second})
	require.NoError(t, err)

	pool, err := tokenpool.New(secrets, tokenpool.Config{
		MaxConsecutiveFailures: 3,
		Cooldown:               30 * time.Millisecond,
	})
	require.NoError(t, err)

	exec := fetch.New(pool, fetch.NewKeywordClassifier(nil), fetch.Config{
		MaxAttempts:       3,
		InitialBackoff:    2 * time.Millisecond,
		MaxBackoff:        20 * time.Millisecond,
		BackoffMultiplier: 2.0,
	})

	dir := t.TempDir()
	store, err := checkpoint.NewFileStore(filepath.Join(dir, "checkpoints.json"))
	require.NoError(t, err)

	capture := &captureSink{}
	opts := collector.Options{
		Provider:    prov,
		Executor:    exec,
		Pool:        pool,
		Checkpoints: store,
		Sink:        capture,
		Config: collector.Config{
			UnitSize:   2,
			MaxPasses:  3,
			Years:      fundamental.YearRange{Start: 2021, End: 2022},
			PayloadDir: filepath.Join(dir, "cache"),
			RunID:      "test-run",
		},
	}
	if mutate != nil {
		mutate(&opts)
	}

	col, err := collector.New(opts)
	require.NoError(t, err)

	return &pipeline{
		mock:        mock,
		pool:        pool,
		sink:        capture,
		checkpoints: store,
		col:         col,
		cacheDir:    opts.Config.PayloadDir,
	}
}

func TestNew_Validation(t *testing.T) {
	p := newPipeline(t, []string{"tok-a"}, nil)

	prov, err := provider.New(provider.Config{BaseURL: p.mock.URL()})
	require.NoError(t, err)
	exec := fetch.New(p.pool, nil, fetch.Config{})

	valid := collector.Options{
		Provider:    prov,
		Executor:    exec,
		Pool:        p.pool,
		Checkpoints: p.checkpoints,
		Sink:        p.sink,
		Config:      collector.Config{PayloadDir: t.TempDir()},
	}

	tests := []struct {
		name   string
		mutate func(*collector.Options)
	}{
		{"missing provider", func(o *collector.Options) { o.Provider = nil }},
		{"missing executor", func(o *collector.Options) { o.Executor = nil }},
		{"missing pool", func(o *collector.Options) { o.Pool = nil }},
		{"missing checkpoints", func(o *collector.Options) { o.Checkpoints = nil }},
		{"missing sink", func(o *collector.Options) { o.Sink = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := valid
			tt.mutate(&opts)
			_, err := collector.New(opts)
			assert.Error(t, err)
		})
	}

	col, err := collector.New(valid)
	require.NoError(t, err)
	assert.NotNil(t, col)
}

func TestPartition(t *testing.T) {
	secs := []fundamental.Security{
		{Code: "a"}, {Code: "b"}, {Code: "c"}, {Code: "d"}, {Code: "e"},
	}

	units := collector.Partition(secs, 2)
	require.Len(t, units, 3)
	assert.Equal(t, 0, units[0].Index)
	assert.Equal(t, []fundamental.Security{{Code: "a"}, {Code: "b"}}, units[0].Securities)
	assert.Equal(t, 2, units[2].Index)
	assert.Equal(t, []fundamental.Security{{Code: "e"}}, units[2].Securities)

	// Non-positive size falls back to the default.
	units = collector.Partition(secs, 0)
	require.Len(t, units, 1)
	assert.Len(t, units[0].Securities, 5)

	assert.Empty(t, collector.Partition(nil, 2))
}

func TestRun_CollectsAndPersists(t *testing.T) {
	p := newPipeline(t, []string{"tok-a"}, nil)

	sum, err := p.col.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, sum.UnitsTotal)
	assert.Equal(t, 2, sum.UnitsCompleted)
	assert.Equal(t, 0, sum.UnitsResumed)
	assert.Equal(t, 0, sum.UnitsFailed)
	assert.Equal(t, 4, sum.EntitiesSucceeded)
	assert.Equal(t, 0, sum.EntitiesSkipped)
	assert.Equal(t, 0, sum.EntitiesFiltered)
	assert.Equal(t, 1, sum.Passes)

	// Units keep the upstream listing order.
	assert.Equal(t, []string{"600519.SH", "000858.SZ"}, p.sink.codes(0))
	assert.Equal(t, []string{"601318.SH", "000651.SZ"}, p.sink.codes(1))
	assert.Equal(t, 1, p.sink.flushes)

	// Every unit is checkpointed with its payload reference.
	for unit := 0; unit < 2; unit++ {
		done, err := p.checkpoints.IsDone(context.Background(), unit)
		require.NoError(t, err)
		assert.True(t, done, "unit %d", unit)
	}
	rec, err := p.checkpoints.Get(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, "unit_0000.json", rec.PayloadRef)
	_, err = os.Stat(filepath.Join(p.cacheDir, "unit_0000.json"))
	assert.NoError(t, err)

	// One listing call plus five table calls per entity and year span.
	assert.Equal(t, 1, p.mock.CallCount("stock_basic"))
	assert.Equal(t, 4, p.mock.CallCount("fina_indicator"))
	assert.Equal(t, 8, p.mock.CallCount("daily_basic"))

	assert.Equal(t, int64(5), sum.Pool.TotalRequests)
	assert.Equal(t, int64(5), sum.Pool.TotalSuccesses)
}

func TestRun_QuotaRotatesMidUnit(t *testing.T) {
	p := newPipeline(t, []string{"tok-a", "tok-b"}, nil)

	// The first credential answers every indicator call with the quota
	// message; the request must finish on the second credential.
	p.mock.Handle("fina_indicator", func(req testutil.Request) testutil.Response {
		if req.Token == "tok-a" {
			return testutil.QuotaResponse()
		}
		return testutil.TableResponse(finaFields, finaItems)
	})

	sum, err := p.col.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, sum.UnitsCompleted)
	assert.Equal(t, 4, sum.EntitiesSucceeded)
	assert.Equal(t, 0, sum.EntitiesSkipped)

	require.Len(t, sum.Pool.Tokens, 2)
	assert.Equal(t, tokenpool.StatusExhausted, sum.Pool.Tokens[0].Status)
	assert.Equal(t, tokenpool.StatusActive, sum.Pool.Tokens[1].Status)
	assert.Equal(t, int64(1), sum.Pool.Tokens[0].Successes)
	assert.Equal(t, int64(4), sum.Pool.Tokens[1].Successes)

	// tok-a made the listing call and the one quota-hit indicator call.
	assert.Equal(t, 2, p.mock.TokenCalls("tok-a"))
	assert.Equal(t, 24, p.mock.TokenCalls("tok-b"))
}

func TestRun_FatalEntitySkipped(t *testing.T) {
	p := newPipeline(t, []string{"tok-a"}, nil)

	p.mock.Handle("fina_indicator", func(req testutil.Request) testutil.Response {
		if req.Params["ts_code"] == "000858.SZ" {
			return testutil.Response{Code: -1, Msg: "抱歉，您没有访问该接口的权限"}
		}
		return testutil.TableResponse(finaFields, finaItems)
	})

	sum, err := p.col.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, sum.UnitsCompleted)
	assert.Equal(t, 3, sum.EntitiesSucceeded)
	assert.Equal(t, 1, sum.EntitiesSkipped)
	assert.Equal(t, []string{"600519.SH"}, p.sink.codes(0))

	// A fatal entity is a request failure, not credential damage.
	require.Len(t, sum.Pool.Tokens, 1)
	assert.Equal(t, tokenpool.StatusActive, sum.Pool.Tokens[0].Status)
	assert.Equal(t, 0, sum.Pool.Tokens[0].ConsecutiveFailures)
}

func TestRun_DomainFilterExcludes(t *testing.T) {
	p := newPipeline(t, []string{"tok-a"}, func(o *collector.Options) {
		o.ShouldSkip = screen.LossStreak(2)
	})

	p.mock.Handle("fina_indicator", func(req testutil.Request) testutil.Response {
		if req.Params["ts_code"] == "000651.SZ" {
			return testutil.TableResponse(finaFields, [][]any{
				{"000651.SZ", "20211231", -5.0, 10.0, -8.0, 60.0, 1.0, 0.3},
				{"000651.SZ", "20221231", -6.0, 10.0, -9.5, 62.0, 1.0, 0.3},
			})
		}
		return testutil.TableResponse(finaFields, finaItems)
	})

	sum, err := p.col.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, sum.EntitiesSucceeded)
	assert.Equal(t, 1, sum.EntitiesFiltered)
	assert.Equal(t, 0, sum.EntitiesSkipped)
	assert.Equal(t, []string{"601318.SH"}, p.sink.codes(1))
}

func TestRun_ResumeSkipsDoneUnits(t *testing.T) {
	p := newPipeline(t, []string{"tok-a"}, nil)

	require.NoError(t, p.checkpoints.MarkDone(context.Background(), 0, "unit_0000.json"))

	sum, err := p.col.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, sum.UnitsResumed)
	assert.Equal(t, 1, sum.UnitsCompleted)
	assert.Equal(t, 2, sum.EntitiesSucceeded)

	// Only the pending unit's entities were fetched.
	assert.Equal(t, 2, p.mock.CallCount("fina_indicator"))
	assert.Equal(t, []string{"601318.SH", "000651.SZ"}, p.sink.codes(1))
}

func TestRun_SecondRunRehydratesExport(t *testing.T) {
	p := newPipeline(t, []string{"tok-a"}, nil)

	_, err := p.col.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, p.mock.CallCount("fina_indicator"))
	require.Equal(t, 2, p.sink.persists)

	sum, err := p.col.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, sum.UnitsResumed)
	assert.Equal(t, 0, sum.UnitsCompleted)
	assert.Equal(t, 0, sum.EntitiesSucceeded)

	// Done units are re-persisted from the payload cache, never refetched,
	// so the export still covers the whole universe.
	assert.Equal(t, 4, p.mock.CallCount("fina_indicator"))
	assert.Equal(t, 2, p.mock.CallCount("stock_basic"))
	assert.Equal(t, 4, p.sink.persists)
	assert.Equal(t, []string{"600519.SH", "000858.SZ"}, p.sink.codes(0))
	assert.Equal(t, []string{"601318.SH", "000651.SZ"}, p.sink.codes(1))
}

func TestRun_PersistFailureRetriesWithoutRefetch(t *testing.T) {
	p := newPipeline(t, []string{"tok-a"}, nil)
	p.sink.failNext = 1

	sum, err := p.col.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, sum.UnitsCompleted)
	assert.Equal(t, 0, sum.UnitsFailed)
	assert.Equal(t, 2, sum.Passes)
	assert.Equal(t, 4, sum.EntitiesSucceeded)

	// The deferred unit was retried from its payload cache: one failed
	// persist, two successful ones, and no second fetch of its entities.
	assert.Equal(t, 3, p.sink.persists)
	assert.Equal(t, 4, p.mock.CallCount("fina_indicator"))

	done, err := p.checkpoints.IsDone(context.Background(), 0)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestRun_DeferredUnitFailsAfterMaxPasses(t *testing.T) {
	p := newPipeline(t, []string{"tok-a"}, func(o *collector.Options) {
		o.Config.MaxPasses = 2
	})

	// One entity keeps answering HTTP 500, deferring its unit on every pass.
	p.mock.Handle("fina_indicator", func(req testutil.Request) testutil.Response {
		if req.Params["ts_code"] == "601318.SH" {
			return testutil.ServerErrorResponse()
		}
		return testutil.TableResponse(finaFields, finaItems)
	})

	sum, err := p.col.Run(context.Background())
	require.NoError(t, err, "failed units must not abort the run")

	assert.Equal(t, 1, sum.UnitsCompleted)
	assert.Equal(t, 1, sum.UnitsFailed)
	assert.Equal(t, []int{1}, sum.FailedUnits)
	assert.Equal(t, 2, sum.EntitiesSucceeded)
	assert.Equal(t, 2, sum.EntitiesDeferred)
	assert.Equal(t, 2, sum.Passes)

	done, err := p.checkpoints.IsDone(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, done, "a failed unit stays pending for the next run")

	done, err = p.checkpoints.IsDone(context.Background(), 0)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestRun_CancelledBetweenEntities(t *testing.T) {
	p := newPipeline(t, []string{"tok-a"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls int32
	p.mock.Handle("fina_indicator", func(testutil.Request) testutil.Response {
		if atomic.AddInt32(&calls, 1) == 2 {
			cancel()
		}
		return testutil.TableResponse(finaFields, finaItems)
	})

	sum, err := p.col.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, sum.UnitsCompleted)

	// Cancellation mid-unit leaves the same state as a crash: nothing
	// marked, nothing cached, the whole unit pending.
	pending, perr := p.checkpoints.ListPending(context.Background(), 2)
	require.NoError(t, perr)
	assert.Equal(t, []int{0, 1}, pending)
	_, serr := os.Stat(filepath.Join(p.cacheDir, "unit_0000.json"))
	assert.True(t, os.IsNotExist(serr))

	// A fresh run picks up from scratch and completes.
	sum, err = p.col.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.UnitsCompleted)
	assert.Equal(t, 4, sum.EntitiesSucceeded)
}

func TestRun_BoundedParallelFetch(t *testing.T) {
	p := newPipeline(t, []string{"tok-a", "tok-b", "tok-c"}, func(o *collector.Options) {
		o.Config.UnitSize = 4
		o.Config.Concurrency = 3
	})

	var inFlight, peak int32
	p.mock.Handle("fina_indicator", func(testutil.Request) testutil.Response {
		cur := atomic.AddInt32(&inFlight, 1)
		for {
			m := atomic.LoadInt32(&peak)
			if cur <= m || atomic.CompareAndSwapInt32(&peak, m, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return testutil.TableResponse(finaFields, finaItems)
	})

	sum, err := p.col.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, sum.EntitiesSucceeded)
	assert.Equal(t, 1, sum.UnitsCompleted)

	got := atomic.LoadInt32(&peak)
	assert.GreaterOrEqual(t, got, int32(2), "expected overlapping fetches")
	assert.LessOrEqual(t, got, int32(3), "concurrency bound exceeded")

	// Parallel fetch output is persisted in stable code order.
	assert.Equal(t, []string{"000651.SZ", "000858.SZ", "600519.SH", "601318.SH"}, p.sink.codes(0))
}

func TestReimport(t *testing.T) {
	p := newPipeline(t, []string{"tok-a"}, nil)

	_, err := p.col.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, p.sink.persists)

	n, err := p.col.Reimport(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, n)
	assert.Equal(t, 4, p.sink.persists)
	assert.Equal(t, 2, p.sink.flushes)

	// Reimport never talks to the upstream.
	assert.Equal(t, 1, p.mock.CallCount("stock_basic"))
	assert.Equal(t, 4, p.mock.CallCount("fina_indicator"))
}

func TestFresh(t *testing.T) {
	p := newPipeline(t, []string{"tok-a"}, nil)

	_, err := p.col.Run(context.Background())
	require.NoError(t, err)

	require.NoError(t, p.col.Fresh(context.Background()))

	pending, err := p.checkpoints.ListPending(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, pending)

	matches, err := filepath.Glob(filepath.Join(p.cacheDir, "unit_*.json"))
	require.NoError(t, err)
	assert.Empty(t, matches)

	// The next run starts over and refetches everything.
	sum, err := p.col.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, sum.UnitsResumed)
	assert.Equal(t, 8, p.mock.CallCount("fina_indicator"))
}
