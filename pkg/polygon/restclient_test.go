package polygon

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func testClient(t *testing.T, srv *httptest.Server) *RESTClient {
	t.Helper()
	return NewRESTClient(srv.URL, "test-key", 5*time.Second, 1000, 2, zaptest.NewLogger(t))
}

func TestAggregatesFollowsNextCursor(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		page := map[string]any{
			"status": "OK",
			"results": []AggregateResult{
				{Timestamp: 1700000000000, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 100},
			},
		}
		if !strings.Contains(r.URL.RawQuery, "cursor=abc") {
			page["next_url"] = srv.URL + "/v2/aggs/ticker/SPY/range/1/minute/2023-01-01/2023-01-02?cursor=abc"
		}
		json.NewEncoder(w).Encode(page)
	}))
	defer srv.Close()

	bars, err := testClient(t, srv).Aggregates(t.Context(), "SPY", 1, "minute",
		time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Aggregates: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("got %d bars across pages, want 2", len(bars))
	}
}

func TestGetPageRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"status":  "OK",
			"results": []SnapshotResult{{Ticker: "O:SPY230616C00415000", OpenInterest: 4200}},
		})
	}))
	defer srv.Close()

	snaps, err := testClient(t, srv).Snapshots(t.Context(), []string{"O:SPY230616C00415000"})
	if err != nil {
		t.Fatalf("Snapshots: %v", err)
	}
	if len(snaps) != 1 || snaps[0].OpenInterest != 4200 {
		t.Fatalf("unexpected snapshots: %+v", snaps)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("request count = %d, want 3 (two 429s then success)", got)
	}
}

func TestGetPageRejectsNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"status": "ERROR", "results": []any{}})
	}))
	defer srv.Close()

	_, err := testClient(t, srv).OptionContracts(t.Context(), "SPY", time.Now())
	if err == nil || !strings.Contains(err.Error(), `status "ERROR"`) {
		t.Fatalf("OptionContracts error = %v, want vendor status error", err)
	}
}

func TestOptionContractsDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("underlying_ticker"); got != "SPY" {
			t.Errorf("underlying_ticker = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"status": "OK",
			"results": []ContractResult{{
				Ticker:           "O:SPY230616C00415000",
				ContractType:     "call",
				ExpirationDate:   "2023-06-16",
				StrikePrice:      415,
				UnderlyingTicker: "SPY",
			}},
		})
	}))
	defer srv.Close()

	contracts, err := testClient(t, srv).OptionContracts(t.Context(), "SPY", time.Now())
	if err != nil {
		t.Fatalf("OptionContracts: %v", err)
	}
	if len(contracts) != 1 || contracts[0].StrikePrice != 415 {
		t.Fatalf("unexpected contracts: %+v", contracts)
	}
}
