package polygon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const maxRetries429 = 5

// RESTClient is a paginated, rate-limited GET client for the vendor's query
// API. Every request waits on the shared limiter; HTTP 429 is retried with
// exponential backoff before the error surfaces.
type RESTClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	pageSize   int
	logger     *zap.Logger
}

// NewRESTClient creates a client bound to baseURL. perSecond bounds request
// throughput; pageSize is the limit parameter sent with paginated queries.
func NewRESTClient(baseURL, apiKey string, timeout time.Duration, perSecond float64, pageSize int, logger *zap.Logger) *RESTClient {
	if perSecond <= 0 {
		perSecond = 100
	}
	if pageSize <= 0 {
		pageSize = 1000
	}
	return &RESTClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(perSecond), 1),
		pageSize:   pageSize,
		logger:     logger,
	}
}

// Aggregates fetches historical OHLCV bars for ticker, one bar per
// multiplier×timespan (timespan: "second", "minute", "hour", "day").
func (c *RESTClient) Aggregates(ctx context.Context, ticker string, multiplier int, timespan string, from, to time.Time) ([]AggregateResult, error) {
	endpoint := fmt.Sprintf("%s/v2/aggs/ticker/%s/range/%d/%s/%s/%s?adjusted=true&sort=asc&limit=%d",
		c.baseURL, url.PathEscape(ticker), multiplier, timespan,
		from.Format("2006-01-02"), to.Format("2006-01-02"), c.pageSize)

	var out []AggregateResult
	err := c.forEachPage(ctx, endpoint, func(results json.RawMessage) error {
		var page []AggregateResult
		if err := json.Unmarshal(results, &page); err != nil {
			return fmt.Errorf("decode aggregates: %w", err)
		}
		out = append(out, page...)
		return nil
	})
	return out, err
}

// OptionContracts lists the option contracts for an underlying as of the
// given date, following the next cursor until exhausted.
func (c *RESTClient) OptionContracts(ctx context.Context, underlying string, asOf time.Time) ([]ContractResult, error) {
	endpoint := fmt.Sprintf("%s/v3/reference/options/contracts?underlying_ticker=%s&as_of=%s&limit=%d",
		c.baseURL, url.QueryEscape(underlying), asOf.Format("2006-01-02"), c.pageSize)

	var out []ContractResult
	err := c.forEachPage(ctx, endpoint, func(results json.RawMessage) error {
		var page []ContractResult
		if err := json.Unmarshal(results, &page); err != nil {
			return fmt.Errorf("decode contracts: %w", err)
		}
		out = append(out, page...)
		return nil
	})
	return out, err
}

// Snapshots fetches the universal snapshot for the given vendor tickers in
// one batched query. Callers group large ticker sets into batches
// themselves; this method follows any next cursor within the batch.
func (c *RESTClient) Snapshots(ctx context.Context, tickers []string) ([]SnapshotResult, error) {
	if len(tickers) == 0 {
		return nil, nil
	}
	endpoint := fmt.Sprintf("%s/v3/snapshot?ticker.any_of=%s&limit=%d",
		c.baseURL, url.QueryEscape(strings.Join(tickers, ",")), c.pageSize)

	var out []SnapshotResult
	err := c.forEachPage(ctx, endpoint, func(results json.RawMessage) error {
		var page []SnapshotResult
		if err := json.Unmarshal(results, &page); err != nil {
			return fmt.Errorf("decode snapshots: %w", err)
		}
		out = append(out, page...)
		return nil
	})
	return out, err
}

// forEachPage fetches endpoint and every subsequent next_url page, handing
// each page's results array to visit.
func (c *RESTClient) forEachPage(ctx context.Context, endpoint string, visit func(json.RawMessage) error) error {
	next := endpoint
	for next != "" {
		env, err := c.getPage(ctx, next)
		if err != nil {
			return err
		}
		if len(env.Results) > 0 {
			if err := visit(env.Results); err != nil {
				return err
			}
		}
		next = env.NextURL
	}
	return nil
}

func (c *RESTClient) getPage(ctx context.Context, rawURL string) (*pageEnvelope, error) {
	backoff := time.Second
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		env, retryable, err := c.doGet(ctx, rawURL)
		if err == nil {
			return env, nil
		}
		if !retryable || attempt >= maxRetries429 {
			return nil, err
		}

		c.logger.Warn("rate limited by vendor, backing off",
			zap.Duration("backoff", backoff), zap.Int("attempt", attempt+1))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (c *RESTClient) doGet(ctx context.Context, rawURL string) (*pageEnvelope, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("making request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		io.Copy(io.Discard, resp.Body)
		return nil, true, fmt.Errorf("vendor rate limit exceeded (HTTP 429)")
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, false, fmt.Errorf("vendor error: HTTP %d: %s", resp.StatusCode, body)
	}

	var env pageEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, false, fmt.Errorf("decode response: %w", err)
	}
	if env.Status != "OK" && env.Status != "DELAYED" {
		return nil, false, fmt.Errorf("vendor returned status %q", env.Status)
	}
	return &env, false, nil
}
