package provider

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/valuescan/fundcollect/internal/testutil"
	"github.com/valuescan/fundcollect/pkg/fundamental"
)

func newTestClient(t *testing.T, mock *testutil.MockProvider) *Client {
	t.Helper()
	c, err := New(Config{BaseURL: mock.URL(), Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return c
}

func TestNew_RequiresBaseURL(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("Expected error for missing base URL")
	}
}

func TestQuery_DecodesColumnarResponse(t *testing.T) {
	mock := testutil.NewMockProvider()
	defer mock.Close()

	mock.SetTable("stock_basic", []string{"ts_code", "name"}, [][]any{
		{"600519.SH", "Kweichow Moutai"},
		{"000001.SZ", "Ping An Bank"},
	})

	c := newTestClient(t, mock)
	table, err := c.Query(context.Background(), "sec-a", "stock_basic", nil, []string{"ts_code", "name"})
	if err != nil {
		t.Fatalf("Query() failed: %v", err)
	}

	if table.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", table.Len())
	}
	if got := table.StringAt(1, "ts_code"); got != "000001.SZ" {
		t.Errorf("StringAt(1, ts_code) = %q, want 000001.SZ", got)
	}
}

func TestQuery_APIError(t *testing.T) {
	mock := testutil.NewMockProvider()
	defer mock.Close()

	mock.SetError("fina_indicator", -2, "抱歉，您每分钟最多访问该接口500次")

	c := newTestClient(t, mock)
	_, err := c.Query(context.Background(), "sec-a", "fina_indicator", nil, nil)

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Query() error = %v, want *APIError", err)
	}
	if apiErr.Code != -2 {
		t.Errorf("Code = %d, want -2", apiErr.Code)
	}
	if apiErr.Message == "" {
		t.Error("Message should carry the upstream text")
	}
}

func TestQuery_HTTPError(t *testing.T) {
	mock := testutil.NewMockProvider()
	defer mock.Close()

	mock.Handle("income", func(testutil.Request) testutil.Response {
		return testutil.ServerErrorResponse()
	})

	c := newTestClient(t, mock)
	_, err := c.Query(context.Background(), "sec-a", "income", nil, nil)

	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("Query() error = %v, want *HTTPError", err)
	}
	if httpErr.StatusCode != http.StatusInternalServerError {
		t.Errorf("StatusCode = %d, want 500", httpErr.StatusCode)
	}
}

func TestQuery_ContextCancelled(t *testing.T) {
	mock := testutil.NewMockProvider()
	defer mock.Close()

	c := newTestClient(t, mock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := c.Query(ctx, "sec-a", "stock_basic", nil, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("Query() error = %v, want context.Canceled", err)
	}
}

func TestTable_FloatAt(t *testing.T) {
	table := &Table{
		Fields: []string{"ts_code", "roe", "pe", "pb"},
		Items: [][]any{
			{"600519.SH", 29.9, "35.2", nil},
		},
	}

	tests := []struct {
		name    string
		field   string
		want    float64
		present bool
	}{
		{"json number", "roe", 29.9, true},
		{"string number", "pe", 35.2, true},
		{"null cell", "pb", 0, false},
		{"missing column", "dv_ratio", 0, false},
		{"non numeric string", "ts_code", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := table.FloatAt(0, tt.field)
			if ok != tt.present || got != tt.want {
				t.Errorf("FloatAt(0, %s) = %v, %v, want %v, %v", tt.field, got, ok, tt.want, tt.present)
			}
		})
	}
}

func TestListSecurities(t *testing.T) {
	mock := testutil.NewMockProvider()
	defer mock.Close()

	mock.SetTable("stock_basic",
		[]string{"ts_code", "name", "industry", "list_date"},
		[][]any{
			{"600519.SH", "Kweichow Moutai", "Beverages", "20010827"},
			{"000001.SZ", "Ping An Bank", "Banking", "19910403"},
			{"", "phantom row", "", ""},
		})

	c := newTestClient(t, mock)
	secs, err := c.ListSecurities(context.Background(), "sec-a")
	if err != nil {
		t.Fatalf("ListSecurities() failed: %v", err)
	}

	if len(secs) != 2 {
		t.Fatalf("len = %d, want 2 (row without code dropped)", len(secs))
	}
	want := fundamental.Security{Code: "600519.SH", Name: "Kweichow Moutai", Industry: "Beverages", ListDate: "20010827"}
	if secs[0] != want {
		t.Errorf("secs[0] = %+v, want %+v", secs[0], want)
	}
}

func scriptFundamentals(mock *testutil.MockProvider) {
	mock.SetTable("fina_indicator",
		[]string{"ts_code", "end_date", "roe", "grossprofit_margin", "netprofit_margin", "debt_to_assets", "current_ratio", "assets_turn"},
		[][]any{
			{"600519.SH", "20211231", 29.9, 91.5, 52.2, 21.6, 3.9, 0.5},
			{"600519.SH", "20221231", 31.7, 91.9, 52.7, 20.9, 4.1, 0.52},
			// Quarterly row, must be ignored.
			{"600519.SH", "20220930", 24.0, 91.8, 51.0, 21.0, 4.0, 0.4},
		})

	mock.SetTable("balancesheet",
		[]string{"ts_code", "end_date", "total_assets"},
		[][]any{
			{"600519.SH", "20211231", 2.55e11},
			{"600519.SH", "20221231", 2.95e11},
		})

	mock.SetTable("income",
		[]string{"ts_code", "end_date", "n_income"},
		[][]any{
			{"600519.SH", "20211231", 5.25e10},
			{"600519.SH", "20221231", 6.27e10},
		})

	mock.SetTable("cashflow",
		[]string{"ts_code", "end_date", "n_cashflow_act"},
		[][]any{
			{"600519.SH", "20211231", 6.4e10},
			{"600519.SH", "20221231", 3.68e10},
		})

	daily := []string{"ts_code", "trade_date", "pe", "pb", "dv_ratio"}
	mock.Handle("daily_basic", func(req testutil.Request) testutil.Response {
		switch req.Params["trade_date"] {
		case "20211231":
			// Holiday, no trading row; client must fall back.
			return testutil.TableResponse(daily, nil)
		case "20211230":
			return testutil.TableResponse(daily, [][]any{{"600519.SH", "20211230", 42.3, 12.9, 1.1}})
		case "20221230":
			return testutil.TableResponse(daily, [][]any{{"600519.SH", "20221230", 35.2, 10.3, 1.5}})
		default:
			return testutil.TableResponse(daily, nil)
		}
	})
}

func TestFetchFundamentals_BuildsSparseRecord(t *testing.T) {
	mock := testutil.NewMockProvider()
	defer mock.Close()
	scriptFundamentals(mock)

	c := newTestClient(t, mock)
	sec := fundamental.Security{Code: "600519.SH", Name: "Kweichow Moutai", Industry: "Beverages", ListDate: "20010827"}

	rec, err := c.FetchFundamentals(context.Background(), "sec-a", sec, []int{2021, 2022})
	if err != nil {
		t.Fatalf("FetchFundamentals() failed: %v", err)
	}

	if v, ok := rec.Value(fundamental.MetricROE, 2021); !ok || v != 29.9 {
		t.Errorf("roe 2021 = %v, %v, want 29.9", v, ok)
	}
	if v, ok := rec.Value(fundamental.MetricTotalAssets, 2022); !ok || v != 2.95e11 {
		t.Errorf("total_assets 2022 = %v, %v, want 2.95e11", v, ok)
	}

	// Derived operating-cashflow-to-profit ratio.
	wantRatio := 6.4e10 / 5.25e10
	if v, ok := rec.Value(fundamental.MetricOCFToProfit, 2021); !ok || v != wantRatio {
		t.Errorf("ocf_to_profit 2021 = %v, %v, want %v", v, ok, wantRatio)
	}

	// Valuation snapshot from the fallback trading day.
	if v, ok := rec.Value(fundamental.MetricPE, 2021); !ok || v != 42.3 {
		t.Errorf("pe 2021 = %v, %v, want 42.3 (from 1230 fallback)", v, ok)
	}
	if v, ok := rec.Value(fundamental.MetricDividend, 2022); !ok || v != 1.5 {
		t.Errorf("dividend 2022 = %v, %v, want 1.5", v, ok)
	}

	// Quarterly indicator row must not leak in.
	if ys := rec.Years(); len(ys) != 2 || ys[0] != 2021 || ys[1] != 2022 {
		t.Errorf("Years() = %v, want [2021 2022]", ys)
	}

	// 2021 needed two snapshot attempts (1231 empty, 1230 hit); 2022 walked
	// 1231 (empty) then 1230 (hit): four daily calls in total.
	if got := mock.CallCount("daily_basic"); got != 4 {
		t.Errorf("daily_basic calls = %d, want 4", got)
	}
}

func TestFetchFundamentals_ZeroNetIncomeSkipsRatio(t *testing.T) {
	mock := testutil.NewMockProvider()
	defer mock.Close()
	scriptFundamentals(mock)

	mock.SetTable("income",
		[]string{"ts_code", "end_date", "n_income"},
		[][]any{{"600519.SH", "20211231", 0.0}})

	c := newTestClient(t, mock)
	sec := fundamental.Security{Code: "600519.SH"}

	rec, err := c.FetchFundamentals(context.Background(), "sec-a", sec, []int{2021})
	if err != nil {
		t.Fatalf("FetchFundamentals() failed: %v", err)
	}
	if _, ok := rec.Value(fundamental.MetricOCFToProfit, 2021); ok {
		t.Error("ocf_to_profit must be absent when net income is zero")
	}
}

func TestFetchFundamentals_PropagatesUpstreamError(t *testing.T) {
	mock := testutil.NewMockProvider()
	defer mock.Close()
	scriptFundamentals(mock)

	mock.Handle("cashflow", func(testutil.Request) testutil.Response {
		return testutil.QuotaResponse()
	})

	c := newTestClient(t, mock)
	_, err := c.FetchFundamentals(context.Background(), "sec-a", fundamental.Security{Code: "600519.SH"}, []int{2021})

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("FetchFundamentals() error = %v, want *APIError", err)
	}
}
