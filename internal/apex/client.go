// Package apex is a small client for the Apex Legends status API: map
// rotation and server status, retried with backoff and cached with a
// stale fallback.
package apex

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL  = "https://api.mozambiquehe.re"
	defaultTimeout  = 15 * time.Second
	defaultCacheTTL = 5 * time.Minute
	// The public API allows about two requests per second per key.
	defaultMinInterval = 500 * time.Millisecond
)

// ErrNoData is returned when the API fails and nothing has been cached yet.
var ErrNoData = errors.New("apex: no data available")

// RetryOptions configures the exponential backoff around each request.
type RetryOptions struct {
	MaxElapsedTime  time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxRetries      uint64
}

func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxElapsedTime:  20 * time.Second,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     4 * time.Second,
		MaxRetries:      3,
	}
}

type Config struct {
	BaseURL  string
	APIKey   string
	Timeout  time.Duration
	CacheTTL time.Duration
	// MinInterval spaces outgoing requests, retries included.
	MinInterval time.Duration
	Retry       RetryOptions
	HTTPClient  *http.Client
	Logger      *zap.Logger
}

type Client struct {
	baseURL    string
	apiKey     string
	retry      RetryOptions
	limiter    *rate.Limiter
	httpClient *http.Client
	logger     *zap.Logger
	now        func() time.Time

	rotation *cache[Rotation]
	servers  *cache[ServerStatus]
}

// StatusError is a non-2xx answer from the API.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("apex api returned %d: %s", e.Code, e.Message)
}

func NewClient(cfg Config) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	interval := cfg.MinInterval
	if interval <= 0 {
		interval = defaultMinInterval
	}
	retry := cfg.Retry
	if retry == (RetryOptions{}) {
		retry = DefaultRetryOptions()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		retry:      retry,
		limiter:    rate.NewLimiter(rate.Every(interval), 1),
		httpClient: httpClient,
		logger:     logger,
		now:        time.Now,
		rotation:   newCache[Rotation](ttl),
		servers:    newCache[ServerStatus](ttl),
	}
}

// MapRotation returns the current and next maps for battle royale and
// ranked. A result served from cache after a failed refresh has Stale set.
func (c *Client) MapRotation(ctx context.Context) (Rotation, error) {
	return fetchCached(ctx, c, c.rotation, "maprotation", func(ctx context.Context) (Rotation, error) {
		var raw rawRotation
		if err := c.getJSON(ctx, "/maprotation", url.Values{"version": {"2"}}, &raw); err != nil {
			return Rotation{}, err
		}
		return raw.toRotation(), nil
	}, func(r *Rotation, stale bool, at time.Time) {
		r.Stale = stale
		r.FetchedAt = at
	})
}

// ServerStatus returns per-service, per-region health.
func (c *Client) ServerStatus(ctx context.Context) (ServerStatus, error) {
	return fetchCached(ctx, c, c.servers, "servers", func(ctx context.Context) (ServerStatus, error) {
		var raw map[string]map[string]rawRegion
		if err := c.getJSON(ctx, "/servers", nil, &raw); err != nil {
			return ServerStatus{}, err
		}
		return toServerStatus(raw), nil
	}, func(s *ServerStatus, stale bool, at time.Time) {
		s.Stale = stale
		s.FetchedAt = at
	})
}

func fetchCached[T any](
	ctx context.Context,
	c *Client,
	store *cache[T],
	endpoint string,
	fetch func(context.Context) (T, error),
	stamp func(*T, bool, time.Time),
) (T, error) {
	now := c.now()
	if value, at, ok := store.fresh(now); ok {
		stamp(&value, false, at)
		return value, nil
	}

	value, err := withRetry(ctx, c.retry, func() (T, error) { return fetch(ctx) })
	if err == nil {
		store.put(value, now)
		stamp(&value, false, now)
		return value, nil
	}

	if cached, at, ok := store.last(); ok {
		c.logger.Warn("apex_fetch_failed_serving_stale",
			zap.String("endpoint", endpoint),
			zap.Duration("age", now.Sub(at)),
			zap.Error(err),
		)
		stamp(&cached, true, at)
		return cached, nil
	}
	var zero T
	return zero, fmt.Errorf("%w: %s: %w", ErrNoData, endpoint, err)
}

func withRetry[T any](ctx context.Context, opts RetryOptions, operation func() (T, error)) (T, error) {
	var result T
	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithMaxElapsedTime(opts.MaxElapsedTime),
		backoff.WithInitialInterval(opts.InitialInterval),
		backoff.WithMaxInterval(opts.MaxInterval),
	), opts.MaxRetries)

	err := backoff.Retry(func() error {
		var err error
		result, err = operation()
		if err == nil {
			return nil
		}
		var statusErr *StatusError
		if errors.As(err, &statusErr) && !retryableStatus(statusErr.Code) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))
	return result, err
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	if query == nil {
		query = url.Values{}
	}
	if c.apiKey != "" {
		query.Set("auth", c.apiKey)
	}
	endpoint := c.baseURL + path
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return backoff.Permanent(fmt.Errorf("wait for %s slot: %w", path, err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build %s request: %w", path, err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s body: %w", path, err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		message := strings.TrimSpace(string(body))
		if message == "" {
			message = resp.Status
		}
		return &StatusError{Code: resp.StatusCode, Message: message}
	}

	// The API reports some failures as 200 with an Error field.
	var apiErr struct {
		Error string `json:"Error"`
	}
	if err := sonic.Unmarshal(body, &apiErr); err == nil && apiErr.Error != "" {
		return backoff.Permanent(fmt.Errorf("apex api %s: %s", path, apiErr.Error))
	}
	if err := sonic.Unmarshal(body, out); err != nil {
		return backoff.Permanent(fmt.Errorf("decode %s body: %w", path, err))
	}
	return nil
}
