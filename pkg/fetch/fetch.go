// Package fetch retrieves the raw bytes of image planes. Harmony exports
// reference planes either by absolute http(s) URL, when exported from an
// image server, or by a file name relative to the export directory.
package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/mwc10/harmony-dl/pkg/errs"
	"github.com/mwc10/harmony-dl/pkg/metrics"
)

// Fetcher returns the encoded bytes a plane URL points to.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) ([]byte, error)
}

// Config controls retrieval.
type Config struct {
	// BaseDir resolves relative plane URLs, normally the directory of the
	// XML export
	BaseDir string

	// Timeout bounds a single HTTP request; zero means no limit
	Timeout time.Duration

	// MaxAttempts is the number of tries for a transient HTTP failure
	MaxAttempts int

	// InitialBackoff and MaxBackoff bound the exponential delay between tries
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// RequestsPerSecond limits HTTP requests across all workers; zero
	// disables the limit
	RequestsPerSecond float64
	Burst             int

	Logger  *slog.Logger
	Metrics *metrics.Pipeline

	// HTTPClient overrides the client built from Timeout
	HTTPClient *http.Client
}

// DefaultConfig returns the retrieval defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:        2 * time.Minute,
		MaxAttempts:    3,
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

// Client is the standard Fetcher.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New creates a client from cfg.
func New(cfg Config) *Client {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 250 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}

	c := &Client{cfg: cfg, http: cfg.HTTPClient, logger: cfg.Logger}
	if c.http == nil {
		c.http = &http.Client{Timeout: cfg.Timeout}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if cfg.RequestsPerSecond > 0 {
		burst := max(cfg.Burst, 1)
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return c
}

// WithBaseDir returns a copy of c that resolves relative URLs against dir.
// The copy shares the rate limiter.
func (c *Client) WithBaseDir(dir string) *Client {
	cp := *c
	cp.cfg.BaseDir = dir
	return &cp
}

// Fetch retrieves rawURL.
func (c *Client) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	start := time.Now()
	data, err := c.fetch(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: downloading image <%s>: %w", errs.ErrRetrieval, rawURL, err)
	}
	c.cfg.Metrics.ObserveFetch(len(data), time.Since(start))
	return data, nil
}

func (c *Client) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil || len(u.Scheme) == 1 {
		// not a URL; a drive letter also lands here
		return c.readLocal(rawURL)
	}

	switch u.Scheme {
	case "http", "https":
		return c.fetchHTTP(ctx, rawURL)
	case "file":
		return c.readLocal(u.Path)
	case "":
		return c.readLocal(rawURL)
	default:
		return nil, fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
}

func (c *Client) readLocal(path string) ([]byte, error) {
	if !filepath.IsAbs(path) && c.cfg.BaseDir != "" {
		path = filepath.Join(c.cfg.BaseDir, path)
	}
	return os.ReadFile(path)
}

func (c *Client) fetchHTTP(ctx context.Context, rawURL string) ([]byte, error) {
	attempt := 1
	get := func() ([]byte, error) {
		data, err := c.get(ctx, rawURL)
		if err != nil && (!errs.IsTransient(err) || ctx.Err() != nil) {
			return nil, backoff.Permanent(err)
		}
		return data, err
	}
	notify := func(err error, delay time.Duration) {
		c.cfg.Metrics.ObserveRetry()
		c.logger.Debug("retrying plane request", "url", rawURL, "attempt", attempt, "delay", delay, "error", err)
		attempt++
	}

	data, err := backoff.RetryNotifyWithData(get, c.backOff(ctx), notify)
	if err != nil {
		return nil, fmt.Errorf("giving up after attempt %d: %w", attempt, err)
	}
	return data, nil
}

// backOff doubles the delay from InitialBackoff up to MaxBackoff with
// jitter, for at most MaxAttempts tries.
func (c *Client) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.MaxAttempts-1)), ctx)
}

func (c *Client) get(ctx context.Context, rawURL string) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errs.Permanent(err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		err := fmt.Errorf("unexpected status %s", resp.Status)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, &statusError{err: err}
		}
		return nil, errs.Permanent(err)
	}

	return io.ReadAll(resp.Body)
}

// statusError is a retryable HTTP status.
type statusError struct {
	err error
}

func (e *statusError) Error() string   { return e.err.Error() }
func (e *statusError) Unwrap() error   { return e.err }
func (e *statusError) Transient() bool { return true }
