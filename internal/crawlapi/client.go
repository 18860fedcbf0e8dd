// Package crawlapi is the HTTP client for the remote crawl service. One Client
// serves one tenant: it carries the tenant's key, base URL, space and filter.
package crawlapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
	"github.com/JakeFAU/crawl-scheduler/internal/metrics"
	"github.com/JakeFAU/crawl-scheduler/internal/telemetry"
)

const (
	defaultListTimeout    = 10 * time.Second
	defaultTriggerTimeout = 30 * time.Second
	maxBodyBytes          = 4 << 20
)

// Waiter paces outbound calls per tenant.
type Waiter interface {
	Wait(ctx context.Context, tenant string) error
}

// Config wires a Client for one tenant.
type Config struct {
	Tenant         crawler.TenantConfig
	ListTimeout    time.Duration
	TriggerTimeout time.Duration
	// Retries is the number of extra attempts for GETs that fail in transport.
	Retries    int
	HTTPClient *http.Client
	Limiter    Waiter
	Logger     *zap.Logger
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
}

// Client implements crawler.CrawlService over HTTP.
type Client struct {
	tenant         crawler.TenantConfig
	baseURL        string
	listTimeout    time.Duration
	triggerTimeout time.Duration
	retries        int
	http           *http.Client
	limiter        Waiter
	logger         *zap.Logger
	tracer         trace.Tracer

	mu      sync.Mutex
	spaceID string
}

var _ crawler.CrawlService = (*Client)(nil)

// New builds a Client. The tenant config must already be normalized.
func New(cfg Config) (*Client, error) {
	if cfg.Tenant.APIKey == "" {
		return nil, fmt.Errorf("%w: api key is required", crawler.ErrInvalidConfig)
	}
	if _, err := url.Parse(cfg.Tenant.BaseURL); err != nil || cfg.Tenant.BaseURL == "" {
		return nil, fmt.Errorf("%w: invalid base url %q", crawler.ErrInvalidConfig, cfg.Tenant.BaseURL)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Transport: otelhttp.NewTransport(
			http.DefaultTransport,
			otelhttp.WithTracerProvider(cfg.TracerProvider),
		)}
	}
	listTimeout := cfg.ListTimeout
	if listTimeout <= 0 {
		listTimeout = defaultListTimeout
	}
	triggerTimeout := cfg.TriggerTimeout
	if triggerTimeout <= 0 {
		triggerTimeout = defaultTriggerTimeout
	}
	logger.Info("crawl service client ready",
		zap.String("tenant", cfg.Tenant.ID),
		zap.String("base_url", cfg.Tenant.BaseURL),
		zap.String("api_key", keyPrefix(cfg.Tenant.APIKey)),
	)
	return &Client{
		tenant:         cfg.Tenant,
		baseURL:        strings.TrimRight(cfg.Tenant.BaseURL, "/"),
		listTimeout:    listTimeout,
		triggerTimeout: triggerTimeout,
		retries:        max(cfg.Retries, 0),
		http:           httpClient,
		limiter:        cfg.Limiter,
		logger:         logger,
		tracer:         telemetry.Tracer(cfg.TracerProvider),
		spaceID:        cfg.Tenant.SpaceID,
	}, nil
}

// ListSpaces returns every space visible to the tenant's key.
func (c *Client) ListSpaces(ctx context.Context) ([]crawler.Space, error) {
	var resp spacesResponse
	if err := c.do(ctx, "list_spaces", http.MethodGet, "/spaces/", c.listTimeout, &resp); err != nil {
		return nil, fmt.Errorf("list spaces: %w", err)
	}
	return resp.spaces(), nil
}

// GetSpace loads a single space.
func (c *Client) GetSpace(ctx context.Context, spaceID string) (crawler.Space, error) {
	var sp wireSpace
	if err := c.do(ctx, "get_space", http.MethodGet, "/spaces/"+url.PathEscape(spaceID)+"/", c.listTimeout, &sp); err != nil {
		return crawler.Space{}, fmt.Errorf("get space %s: %w", spaceID, err)
	}
	return sp.space(), nil
}

// ResolveSpaceID returns the configured space id, or resolves the configured
// space name once and caches the result.
func (c *Client) ResolveSpaceID(ctx context.Context) (string, error) {
	c.mu.Lock()
	cached := c.spaceID
	c.mu.Unlock()
	if cached != "" {
		return cached, nil
	}
	if c.tenant.SpaceName == "" {
		return "", fmt.Errorf("%w: no space configured", crawler.ErrInvalidConfig)
	}
	spaces, err := c.ListSpaces(ctx)
	if err != nil {
		return "", err
	}
	sp, ok := MatchSpace(spaces, c.tenant.SpaceName)
	if !ok {
		return "", fmt.Errorf("%w: %q", crawler.ErrSpaceNotFound, c.tenant.SpaceName)
	}
	c.logger.Info("resolved space by name",
		zap.String("tenant", c.tenant.ID),
		zap.String("space_name", c.tenant.SpaceName),
		zap.String("space_id", sp.ID),
	)
	c.mu.Lock()
	c.spaceID = sp.ID
	c.mu.Unlock()
	return sp.ID, nil
}

// MatchSpace finds a space by name: exact (trimmed, case-insensitive) first,
// then treating '_' and '-' as equal.
func MatchSpace(spaces []crawler.Space, name string) (crawler.Space, bool) {
	want := strings.ToLower(strings.TrimSpace(name))
	for _, sp := range spaces {
		if strings.ToLower(strings.TrimSpace(sp.Name)) == want {
			return sp, true
		}
	}
	fuzzy := strings.ReplaceAll(want, "_", "-")
	for _, sp := range spaces {
		if strings.ReplaceAll(strings.ToLower(strings.TrimSpace(sp.Name)), "_", "-") == fuzzy {
			return sp, true
		}
	}
	return crawler.Space{}, false
}

// ListWebsites returns the space's websites matching the tenant filter.
func (c *Client) ListWebsites(ctx context.Context) ([]crawler.Website, error) {
	spaceID, err := c.ResolveSpaceID(ctx)
	if err != nil {
		return nil, err
	}
	var resp knowledgeResponse
	path := "/spaces/" + url.PathEscape(spaceID) + "/knowledge/"
	if err := c.do(ctx, "list_websites", http.MethodGet, path, c.listTimeout, &resp); err != nil {
		return nil, fmt.Errorf("list websites for space %s: %w", spaceID, err)
	}
	all := resp.websites()
	if c.tenant.CrawlAllSpaceWebsites || len(c.tenant.WebsiteFilter) == 0 {
		c.logger.Info("websites fetched", zap.String("tenant", c.tenant.ID), zap.Int("count", len(all)))
		return all, nil
	}
	matched := crawler.FilterWebsites(all, c.tenant.WebsiteFilter)
	c.logger.Info("websites filtered",
		zap.String("tenant", c.tenant.ID),
		zap.Int("matched", len(matched)),
		zap.Int("total", len(all)),
	)
	return matched, nil
}

// LatestCrawl reports the website's most recent run. A website that never ran
// yields a zero LatestCrawl.
func (c *Client) LatestCrawl(ctx context.Context, websiteID string) (crawler.LatestCrawl, error) {
	var resp websiteResponse
	if err := c.do(ctx, "website_status", http.MethodGet, "/websites/"+url.PathEscape(websiteID)+"/", c.listTimeout, &resp); err != nil {
		return crawler.LatestCrawl{}, fmt.Errorf("website status %s: %w", websiteID, err)
	}
	if resp.LatestCrawl == nil {
		return crawler.LatestCrawl{}, nil
	}
	return crawler.LatestCrawl{RunID: string(resp.LatestCrawl.ID), Status: resp.LatestCrawl.Status}, nil
}

// TriggerCrawl starts a run. A 429 carrying the "already queued" service code
// yields AlreadyActive; every other failure yields TriggerFailure.
func (c *Client) TriggerCrawl(ctx context.Context, websiteID string) crawler.TriggerResult {
	var resp triggerResponse
	err := c.do(ctx, "trigger", http.MethodPost, "/websites/"+url.PathEscape(websiteID)+"/run/", c.triggerTimeout, &resp)
	var apiErr *APIError
	switch {
	case errors.As(err, &apiErr) && apiErr.Conflict():
		c.logger.Warn("website already has a crawl in queue or progress",
			zap.String("tenant", c.tenant.ID),
			zap.String("website_id", websiteID),
		)
		return crawler.AlreadyActive("")
	case err != nil:
		return crawler.TriggerFailure(err.Error())
	case resp.ID == "":
		return crawler.TriggerFailure("Failed to start crawl (API returned empty response)")
	default:
		return crawler.Started(string(resp.ID))
	}
}

// RunStatus looks up runID among the website's runs.
func (c *Client) RunStatus(ctx context.Context, websiteID, runID string) (crawler.Status, bool, error) {
	var resp runsResponse
	if err := c.do(ctx, "run_status", http.MethodGet, "/websites/"+url.PathEscape(websiteID)+"/runs/", c.listTimeout, &resp); err != nil {
		return "", false, fmt.Errorf("list runs %s: %w", websiteID, err)
	}
	for _, r := range resp.Items {
		if string(r.ID) == runID {
			return r.Status, true, nil
		}
	}
	return "", false, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, timeout time.Duration, out any) (err error) {
	ctx, span := c.tracer.Start(ctx, "crawlapi."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("tenant", c.tenant.ID),
			attribute.String("http.method", method),
			attribute.String("crawlapi.path", path),
		),
	)
	defer func() {
		var apiErr *APIError
		switch {
		case errors.As(err, &apiErr):
			span.SetAttributes(attribute.Int("http.status_code", apiErr.StatusCode))
			if !apiErr.Conflict() {
				span.SetStatus(codes.Error, apiErr.Error())
			}
		case err != nil:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	attempts := 1
	if method == http.MethodGet {
		attempts += c.retries
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		body, status, err := c.roundTrip(ctx, method, path, timeout)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if status < 200 || status >= 300 {
			apiErr := parseAPIError(status, body)
			outcome := "error"
			if apiErr.Conflict() {
				outcome = "conflict"
			}
			metrics.ObserveCrawlAPIRequest(c.baseURL, op, outcome)
			if !apiErr.Conflict() {
				c.logger.Error("crawl service error",
					zap.String("tenant", c.tenant.ID),
					zap.String("operation", op),
					zap.Int("status", status),
					zap.String("detail", apiErr.Detail),
				)
				c.logger.Debug("crawl service error body", zap.ByteString("body", truncate(body, 1000)))
			}
			return apiErr
		}
		metrics.ObserveCrawlAPIRequest(c.baseURL, op, "ok")
		if out == nil || len(bytes.TrimSpace(body)) == 0 {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode %s response: %w", op, err)
		}
		return nil
	}
	metrics.ObserveCrawlAPIRequest(c.baseURL, op, "transport_error")
	c.logger.Warn("crawl service unreachable",
		zap.String("tenant", c.tenant.ID),
		zap.String("operation", op),
		zap.Error(lastErr),
	)
	return lastErr
}

func (c *Client) roundTrip(ctx context.Context, method, path string, timeout time.Duration) ([]byte, int, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, c.tenant.ID); err != nil {
			return nil, 0, err
		}
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, http.NoBody)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("api-key", c.tenant.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close response body", zap.Error(cerr))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, 0, fmt.Errorf("read %s response: %w", path, err)
	}
	return body, resp.StatusCode, nil
}

func keyPrefix(key string) string {
	if len(key) > 10 {
		return key[:10] + "..."
	}
	return key
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
