// Package upstream wraps the supplier's paginated catalog API behind
// the two operations the rest of the pipeline needs: Count and Search.
// It keeps the teacher's multi-endpoint, rate-limited, round-robin
// client shape (internal/flow/client.go in the original) but retargets
// it at an HTTP/GraphQL supplier instead of Flow access nodes, adding
// OAuth2 token refresh and a circuit breaker per endpoint.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"diamondscan/internal/shttp"
)

// Query is the opaque, feed-scoped filter passed to Count/Search: a
// price range, optional watermark cutoff, and any feed-specific terms.
type Query struct {
	Feed            string
	PriceMin        float64
	PriceMax        float64
	UpdatedAfter    *time.Time
	ExtraFilters    map[string]string
}

// RawPayload is one upstream catalog item, kept opaque (spec §3: "opaque
// blob") until the consolidator decodes it.
type RawPayload struct {
	SupplierStoneID string
	SourceUpdatedAt time.Time
	Body            json.RawMessage
}

// Client talks to one or more supplier endpoints (comma-separated in
// config), round-robining between them, with one rate limiter shared by
// all endpoints and a circuit breaker per endpoint so a single unhealthy
// node doesn't stall every caller.
type Client struct {
	endpoints []string
	http      *http.Client
	limiter   *rate.Limiter
	breakers  []*gobreaker.CircuitBreaker
	tokenSrc  tokenSource
	rr        uint32
}

type tokenSource interface {
	Token(ctx context.Context) (string, error)
}

type oauthTokenSource struct {
	cfg clientcredentials.Config
}

func (o oauthTokenSource) Token(ctx context.Context) (string, error) {
	tok, err := o.cfg.Token(ctx)
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// noopTokenSource is used when no OAuth token URL is configured (e.g.
// local/dev upstream fixtures that don't require auth).
type noopTokenSource struct{}

func (noopTokenSource) Token(ctx context.Context) (string, error) { return "", nil }

// Config configures a Client. Endpoints must be non-empty.
type Config struct {
	Endpoints        []string
	Username         string
	Password         string
	OAuthTokenURL    string
	OAuthClientID    string
	OAuthClientSecret string
	RateLimitPerSec  float64
}

func New(cfg Config) (*Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("upstream: at least one endpoint is required")
	}

	var ts tokenSource = noopTokenSource{}
	if cfg.OAuthTokenURL != "" {
		ts = oauthTokenSource{cfg: clientcredentials.Config{
			ClientID:     cfg.OAuthClientID,
			ClientSecret: cfg.OAuthClientSecret,
			TokenURL:     cfg.OAuthTokenURL,
		}}
	}

	limit := cfg.RateLimitPerSec
	if limit <= 0 {
		limit = 20
	}

	breakers := make([]*gobreaker.CircuitBreaker, len(cfg.Endpoints))
	for i, ep := range cfg.Endpoints {
		breakers[i] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    fmt.Sprintf("upstream-%s", ep),
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
		})
	}

	return &Client{
		endpoints: cfg.Endpoints,
		http:      shttp.NewDefaultClient(),
		limiter:   rate.NewLimiter(rate.Limit(limit), int(limit)),
		breakers:  breakers,
		tokenSrc:  ts,
	}, nil
}

func (c *Client) pickEndpoint() (string, *gobreaker.CircuitBreaker) {
	i := int(atomic.AddUint32(&c.rr, 1)-1) % len(c.endpoints)
	return c.endpoints[i], c.breakers[i]
}

// Count returns the number of catalog items matching q.
func (c *Client) Count(ctx context.Context, q Query) (int64, error) {
	var count int64
	err := c.call(ctx, "/count", q, &count)
	return count, err
}

// Search returns up to limit items matching q, starting at offset, in a
// stable order (the spec relies on offset-ordered pagination within a
// partition, §5).
func (c *Client) Search(ctx context.Context, q Query, offset, limit int) ([]RawPayload, error) {
	type searchReq struct {
		Query
		Offset int `json:"offset"`
		Limit  int `json:"limit"`
	}
	var items []RawPayload
	err := c.call(ctx, "/search", searchReq{Query: q, Offset: offset, Limit: limit}, &items)
	return items, err
}

func (c *Client) call(ctx context.Context, path string, body interface{}, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("upstream: rate limit wait: %w", err)
	}

	endpoint, breaker := c.pickEndpoint()
	token, err := c.tokenSrc.Token(ctx)
	if err != nil {
		return fmt.Errorf("upstream: token refresh: %w", err)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("upstream: marshal request: %w", err)
	}

	result, err := breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+path, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("upstream: %s returned %d: %s", endpoint+path, resp.StatusCode, string(data))
		}
		if resp.StatusCode >= 400 {
			return nil, &permanentError{fmt.Errorf("upstream: %s returned %d: %s", endpoint+path, resp.StatusCode, string(data))}
		}
		return data, nil
	})
	if err != nil {
		return fmt.Errorf("upstream: call %s: %w", path, err)
	}

	data, _ := result.([]byte)
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

// permanentError marks a response that should not be retried (4xx):
// the worker's per-page retry loop and the partitioner's probe retry
// both check IsPermanent to decide whether to keep backing off.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// IsPermanent reports whether err represents a non-retryable upstream
// response (HTTP 4xx), as opposed to a transient 5xx/network failure.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// NewPermanentError wraps err so IsPermanent reports true for it. Exported
// for fixtures (worker/consolidator tests) that need to simulate a 4xx
// response without a live Client.
func NewPermanentError(err error) error {
	return &permanentError{err}
}
