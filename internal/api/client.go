// Package api is the typed REST client for the hazard-reporting backend.
//
// Every call goes through one request pipeline: client-side rate limit, a
// per-attempt timeout, bearer token injection, an X-Request-Id header and a
// bounded exponential-backoff retry that only repeats network failures and
// 5xx responses. All failures come back as *apperr.Error values.
package api

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
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"hazardwatch/internal/apperr"
	"hazardwatch/internal/config"
	"hazardwatch/internal/metrics"
	"hazardwatch/pkg/utils"
)

const (
	HeaderRequestID = "X-Request-Id"
	maxBodyBytes    = 4 << 20
)

// TokenSource supplies the bearer token and is told when the server
// rejected it.
type TokenSource interface {
	Token() string
	Invalidate()
}

// Client calls the REST API. It is safe for concurrent use.
type Client struct {
	cfg     config.APIConfig
	base    *url.URL
	http    *http.Client
	tokens  TokenSource
	limiter *rate.Limiter
	logger  logrus.FieldLogger
	metrics *metrics.Metrics
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying *http.Client, e.g. with one from
// httptest.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithMetrics records request counts and latency on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// NewClient validates cfg and builds a Client. tokens may be nil for
// unauthenticated use.
func NewClient(cfg config.APIConfig, tokens TokenSource, logger logrus.FieldLogger, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid api base url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	c := &Client{
		cfg:     cfg,
		base:    base,
		http:    &http.Client{},
		tokens:  tokens,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.WithField("component", "api"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// call describes one logical REST call. endpoint is the route template used
// for logs and metric labels, path the concrete path.
type call struct {
	method   string
	endpoint string
	path     string
	query    url.Values
	body     any
	out      any
}

func (c *Client) do(ctx context.Context, cl call) error {
	op := cl.method + " " + cl.endpoint

	var payload []byte
	if cl.body != nil {
		var err error
		payload, err = json.Marshal(cl.body)
		if err != nil {
			return apperr.Wrap(apperr.Internal, op, fmt.Errorf("encode request: %w", err))
		}
	}

	requestID := utils.GenerateID()
	logger := c.logger.WithFields(logrus.Fields{
		"endpoint":   op,
		"request_id": requestID,
	})

	b := backoff.NewExponentialBackOff()
	if c.cfg.RetryBaseDelay > 0 {
		b.InitialInterval = c.cfg.RetryBaseDelay
	}
	if c.cfg.RetryMaxDelay > 0 {
		b.MaxInterval = c.cfg.RetryMaxDelay
	}

	start := time.Now()
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := c.attempt(ctx, cl, op, requestID, payload)
		if err == nil || apperr.IsRetryable(err) {
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.cfg.MaxRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.WithError(err).WithField("retry_in", next).Warn("request failed, retrying")
		}),
	)

	if c.metrics != nil {
		c.metrics.RESTLatency.WithLabelValues(cl.endpoint).Observe(time.Since(start).Seconds())
		outcome := "ok"
		if err != nil {
			outcome = apperr.KindOf(err).String()
		}
		c.metrics.RESTRequests.WithLabelValues(cl.endpoint, outcome).Inc()
	}

	if err != nil {
		var ae *apperr.Error
		if !errors.As(err, &ae) {
			// Retry gave up on the context rather than on a request.
			err = apperr.FromTransport(op, err)
		}
		logger.WithError(err).Debug("request failed")
		return err
	}
	return nil
}

func (c *Client) attempt(ctx context.Context, cl call, op, requestID string, payload []byte) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return apperr.Wrap(apperr.Internal, op, err)
	}

	actx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	u := *c.base
	u.Path = c.base.Path + cl.path
	if len(cl.query) > 0 {
		u.RawQuery = cl.query.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(actx, cl.method, u.String(), body)
	if err != nil {
		return apperr.Wrap(apperr.Internal, op, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(HeaderRequestID, requestID)
	if c.tokens != nil {
		if tok := c.tokens.Token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return apperr.Wrap(apperr.Internal, op, ctx.Err())
		}
		return apperr.FromTransport(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return apperr.FromTransport(op, err)
	}

	if resp.StatusCode == http.StatusUnauthorized && c.tokens != nil {
		c.tokens.Invalidate()
	}
	if resp.StatusCode >= 300 {
		return apperr.FromStatus(op, resp.StatusCode, errorMessage(raw))
	}

	if cl.out != nil && len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, cl.out); err != nil {
			return apperr.Wrap(apperr.Internal, op, fmt.Errorf("decode response: %w", err))
		}
	}
	return nil
}

// errorBody is the server's error envelope.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func errorMessage(raw []byte) string {
	var eb errorBody
	if err := json.Unmarshal(raw, &eb); err != nil {
		return ""
	}
	if eb.Message != "" {
		return eb.Message
	}
	return eb.Error
}
