// Package intel holds the outbound adapters that talk to external
// intelligence services.
package intel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/hive-corporation/threatcore/internal/core/domain"
	"github.com/hive-corporation/threatcore/internal/metrics"
)

// ClientConfig tunes the shared outbound HTTP client.
type ClientConfig struct {
	Timeout              time.Duration
	EnableCircuitBreaker bool
	MaxFailures          uint32
	CircuitTimeout       time.Duration
	MaxRetries           int
	InitialInterval      time.Duration
	MaxInterval          time.Duration
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:              10 * time.Second,
		EnableCircuitBreaker: true,
		MaxFailures:          5,
		CircuitTimeout:       30 * time.Second,
		MaxRetries:           3,
		InitialInterval:      500 * time.Millisecond,
		MaxInterval:          5 * time.Second,
	}
}

// Client wraps http.Client with a circuit breaker and retry policy so a
// flapping intelligence service cannot stall the enrichment fan-out.
type Client struct {
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	cfg     ClientConfig
	name    string
	logger  *slog.Logger
}

func NewClient(name string, cfg ClientConfig, logger *slog.Logger) *Client {
	c := &Client{
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		name:   name,
		logger: logger.With("component", "intel", "adapter", name),
	}
	if cfg.EnableCircuitBreaker {
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    name,
			Timeout: cfg.CircuitTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.MaxFailures
			},
			OnStateChange: func(n string, from, to gobreaker.State) {
				c.logger.Warn("circuit breaker state change", "from", from.String(), "to", to.String())
			},
		})
	}
	return c
}

// Do executes the request through the breaker and the retry policy.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if c.breaker == nil {
		return c.doWithRetry(req)
	}
	result, err := c.breaker.Execute(func() (any, error) {
		return c.doWithRetry(req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			metrics.RecordAdapterError(c.name, "unavailable")
			return nil, domain.WrapErr(err, domain.KindAdapterUnavailable, "circuit open for %s", c.name)
		}
		return nil, err
	}
	return result.(*http.Response), nil
}

func (c *Client) doWithRetry(req *http.Request) (*http.Response, error) {
	// The body must be replayable across attempts.
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, domain.WrapErr(err, domain.KindAdapterUnavailable, "reading request body")
		}
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(c.newBackoff(), uint64(c.cfg.MaxRetries)), req.Context())

	var resp *http.Response
	operation := func() error {
		if body != nil {
			req.Body = io.NopCloser(bytes.NewReader(body))
		}
		var err error
		resp, err = c.client.Do(req)
		if err != nil {
			metrics.RecordAdapterError(c.name, errLabel(err))
			if retryableNetErr(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if retryableStatus(resp.StatusCode) {
			resp.Body.Close()
			metrics.RecordAdapterError(c.name, "unavailable")
			return fmt.Errorf("http %d from %s", resp.StatusCode, c.name)
		}
		if resp.StatusCode >= 400 {
			resp.Body.Close()
			metrics.RecordAdapterError(c.name, "unavailable")
			return backoff.Permanent(fmt.Errorf("http %d from %s", resp.StatusCode, c.name))
		}
		return nil
	}

	if err := backoff.Retry(operation, policy); err != nil {
		return nil, classify(err, c.name)
	}
	return resp, nil
}

func (c *Client) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialInterval
	b.MaxInterval = c.cfg.MaxInterval
	b.MaxElapsedTime = 0
	return b
}

func retryableNetErr(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "EOF")
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func errLabel(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "unavailable"
}

func classify(err error, adapter string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.WrapErr(err, domain.KindAdapterTimeout, "%s timed out", adapter)
	}
	if errors.Is(err, context.Canceled) {
		return domain.WrapErr(err, domain.KindCancelled, "%s call cancelled", adapter)
	}
	return domain.WrapErr(err, domain.KindAdapterUnavailable, "%s unavailable", adapter)
}
