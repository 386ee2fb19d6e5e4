// Package httpsource is the toolkit source adapters are built from: a
// rate-limited, retrying HTTP client and converters from JSON and HTML
// responses into tables.
package httpsource

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"github.com/illmade-knight/go-fetchcache/pkg/retry"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const maxErrorBody = 512

// Config holds configuration for a Client.
type Config struct {
	BaseURL string
	// Timeout bounds a single attempt, not the whole retried call.
	Timeout time.Duration
	// RequestsPerSecond throttles every attempt. Zero means unlimited.
	RequestsPerSecond float64
	Burst             int
	UserAgent         string
	Headers           map[string]string
}

// Client issues GET requests against one remote source. It owns its HTTP
// connections and must be closed when the adapter is done with it.
type Client struct {
	http    *resty.Client
	limiter *rate.Limiter
	retrier *retry.Retrier
	logger  zerolog.Logger
}

// NewClient creates a Client. A nil retrier means retry.DefaultAttempts.
func NewClient(cfg Config, retrier *retry.Retrier, logger zerolog.Logger) *Client {
	logger = logger.With().Str("component", "HTTPSource").Logger()
	if retrier == nil {
		retrier = retry.New(retry.DefaultAttempts, logger)
	}

	httpClient := resty.New()
	if cfg.BaseURL != "" {
		httpClient.SetBaseURL(cfg.BaseURL)
	}
	if cfg.Timeout > 0 {
		httpClient.SetTimeout(cfg.Timeout)
	}
	if cfg.UserAgent != "" {
		httpClient.SetHeader("User-Agent", cfg.UserAgent)
	}
	httpClient.SetHeaders(cfg.Headers)

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(limit, burst)
	httpClient.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		return limiter.Wait(req.Context())
	})

	return &Client{
		http:    httpClient,
		limiter: limiter,
		retrier: retrier,
		logger:  logger,
	}
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.http.GetClient().CloseIdleConnections()
	return nil
}

// GetBytes fetches url and returns the response body. Connection and timeout
// failures are retried; a non-2xx response is returned as a *retry.RemoteError
// without retrying.
func (c *Client) GetBytes(ctx context.Context, url string, query map[string]string) ([]byte, error) {
	return retry.Call(ctx, c.retrier, func(ctx context.Context) ([]byte, error) {
		return c.get(ctx, url, query)
	})
}

func (c *Client) get(ctx context.Context, url string, query map[string]string) ([]byte, error) {
	req := c.http.R().SetContext(ctx)
	if len(query) > 0 {
		req.SetQueryParams(query)
	}
	res, err := req.Get(url)
	if err != nil {
		return nil, classify(ctx, err)
	}
	c.logger.Debug().Str("url", res.Request.URL).Int("status", res.StatusCode()).Dur("elapsed", res.Time()).Msg("GET completed.")
	if res.IsError() || res.StatusCode() < 200 || res.StatusCode() > 299 {
		body := res.String()
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return nil, &retry.RemoteError{StatusCode: res.StatusCode(), URL: res.Request.URL, Body: body}
	}
	return res.Body(), nil
}

// classify marks per-attempt timeouts as transient. The caller's own
// cancellation or deadline is passed through untouched.
func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return retry.Transient(err)
	}
	return err
}

// GetJSON fetches url and decodes the JSON body into out.
func (c *Client) GetJSON(ctx context.Context, url string, query map[string]string, out any) error {
	body, err := c.GetBytes(ctx, url, query)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode JSON from %s: %w", url, err)
	}
	return nil
}

// GetDocument fetches url and parses it as HTML.
func (c *Client) GetDocument(ctx context.Context, url string, query map[string]string) (*goquery.Document, error) {
	body, err := c.GetBytes(ctx, url, query)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse HTML from %s: %w", url, err)
	}
	return doc, nil
}
