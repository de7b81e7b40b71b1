// Package transport issues authenticated HTTP requests against the chat
// backend: bearer injection, bounded retries for idempotent reads and a single
// refresh-and-replay when the access token is rejected.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/capitalize-ai/persona-chat/internal/model"
	"github.com/capitalize-ai/persona-chat/pkg/logger"
	"github.com/capitalize-ai/persona-chat/pkg/metrics"
)

const (
	// MaxResponseSize caps buffered (non-stream) response bodies.
	MaxResponseSize = 10 * 1024 * 1024

	// DefaultRefreshPath is the token refresh endpoint.
	DefaultRefreshPath = "/auth/refresh"

	// refreshLeeway triggers a proactive refresh for JWTs this close to expiry.
	refreshLeeway = 30 * time.Second
)

// sharedTransport pools connections across clients.
var sharedTransport = &http.Transport{
	Proxy: http.ProxyFromEnvironment,
	DialContext: (&net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   10,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: time.Second,
}

// Config holds transport settings.
type Config struct {
	BaseURL       string
	Timeout       time.Duration // per attempt, idempotent requests only
	MaxRetries    int
	RetryDelay    time.Duration // first backoff delay, doubled per attempt
	MaxRetryDelay time.Duration
	RateLimit     float64 // requests per second; 0 disables
	Burst         int
	UserAgent     string
	RefreshPath   string

	HTTPClient *http.Client
}

// Request describes one API call.
type Request struct {
	Method string
	Path   string
	// Route labels metrics and spans; defaults to Path.
	Route  string
	Query  url.Values
	Body   BodyFunc
	Header http.Header

	// Idempotent requests get a per-attempt timeout and are retried on
	// network errors and 5xx responses.
	Idempotent bool
	// NoAuth skips bearer injection and the refresh flow.
	NoAuth bool
}

func (r *Request) route() string {
	if r.Route != "" {
		return r.Route
	}
	return r.Path
}

// Client is the backend HTTP client.
type Client struct {
	cfg     Config
	baseURL string
	http    *http.Client
	tokens  TokenStore
	limiter *rate.Limiter
	tracer  trace.Tracer
	logger  *logger.Logger

	refreshMu sync.Mutex
}

// New creates a transport client.
func New(cfg Config, tokens TokenStore, log *logger.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = 10 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RefreshPath == "" {
		cfg.RefreshPath = DefaultRefreshPath
	}
	if tokens == nil {
		tokens = NewMemoryTokens(Tokens{})
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Transport: sharedTransport}
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &Client{
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    httpClient,
		tokens:  tokens,
		limiter: limiter,
		tracer:  otel.Tracer("github.com/capitalize-ai/persona-chat/internal/transport"),
		logger:  logger.OrGlobal(log),
	}, nil
}

// Tokens returns the credential store the client reads.
func (c *Client) Tokens() TokenStore {
	return c.tokens
}

// Do performs r and decodes a JSON response body into out when out is
// non-nil. Idempotent requests are retried with exponential backoff on
// network errors and 5xx; any 4xx or cancellation stops immediately.
func (c *Client) Do(ctx context.Context, r *Request, out any) error {
	if !r.Idempotent {
		resp, err := c.send(ctx, r)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		return decode(resp, out)
	}

	attempt := 0
	op := func() error {
		attempt++
		if attempt > 1 {
			metrics.ClientRetriesTotal.WithLabelValues(r.route()).Inc()
			c.logger.Warn("retrying request",
				zap.String("method", r.Method),
				zap.String("route", r.route()),
				zap.Int("attempt", attempt),
			)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()

		resp, err := c.send(attemptCtx, r)
		if err == nil {
			err = decode(resp, out)
			resp.Body.Close()
		}
		if err != nil && (ctx.Err() != nil || !Retryable(err)) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), uint64(c.cfg.MaxRetries)), ctx))
	if err != nil && errors.Is(ctx.Err(), context.Canceled) && !IsCancelled(err) {
		return Cancelled(ctx.Err())
	}
	return err
}

// Stream performs r once and returns the open response for incremental
// reading. Streams are never retried and carry no transport timeout; the
// caller owns cancellation through ctx and must close the body.
func (c *Client) Stream(ctx context.Context, r *Request) (*http.Response, error) {
	return c.send(ctx, r)
}

func (c *Client) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = c.cfg.MaxRetryDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// send performs one logical attempt: the request plus at most one replay
// after a token refresh. Non-2xx responses come back as *Error.
func (c *Client) send(ctx context.Context, r *Request) (*http.Response, error) {
	token := ""
	if !r.NoAuth {
		token = c.tokens.Tokens().AccessToken
		if token != "" && expiresSoon(token) && c.tokens.Tokens().RefreshToken != "" {
			fresh, err := c.refresh(ctx, token)
			switch {
			case err == nil:
				token = fresh
			case IsCancelled(err):
				return nil, err
			default:
				c.logger.Debug("proactive token refresh failed", zap.Error(err))
			}
		}
	}

	resp, err := c.roundTrip(ctx, r, token)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized && !r.NoAuth && c.tokens.Tokens().RefreshToken != "" {
		drain(resp)
		fresh, err := c.refresh(ctx, token)
		if err != nil {
			return nil, err
		}
		resp, err = c.roundTrip(ctx, r, fresh)
		if err != nil {
			return nil, err
		}
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		body, _ := readBody(resp.Body)
		return nil, FromResponse(resp.StatusCode, body)
	}
	return resp, nil
}

// refresh exchanges the refresh token for a new access token. stale is the
// token the failed request carried; if another caller already replaced it the
// new token is returned without a second refresh.
func (c *Client) refresh(ctx context.Context, stale string) (string, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	cur := c.tokens.Tokens()
	if cur.AccessToken != "" && cur.AccessToken != stale {
		return cur.AccessToken, nil
	}
	if cur.RefreshToken == "" {
		return "", &Error{Kind: KindAuth, Status: http.StatusUnauthorized, Message: "session expired"}
	}

	req := &Request{
		Method: http.MethodPost,
		Path:   c.cfg.RefreshPath,
		Route:  "auth.refresh",
		Body:   JSONBody(map[string]string{"refresh_token": cur.RefreshToken}),
		NoAuth: true,
	}
	resp, err := c.roundTrip(ctx, req, "")
	if err != nil {
		metrics.TokenRefreshesTotal.WithLabelValues("error").Inc()
		return "", err
	}
	defer resp.Body.Close()

	body, err := readBody(resp.Body)
	if err != nil {
		metrics.TokenRefreshesTotal.WithLabelValues("error").Inc()
		return "", classifyNetErr(ctx, err)
	}

	if resp.StatusCode >= 500 {
		metrics.TokenRefreshesTotal.WithLabelValues("error").Inc()
		return "", FromResponse(resp.StatusCode, body)
	}
	if resp.StatusCode >= 300 {
		metrics.TokenRefreshesTotal.WithLabelValues("rejected").Inc()
		c.clearTokens()
		e := FromResponse(resp.StatusCode, body)
		e.Kind = KindAuth
		return "", e
	}

	var tw model.TokenWire
	if err := json.Unmarshal(body, &tw); err != nil || tw.AccessToken == "" {
		metrics.TokenRefreshesTotal.WithLabelValues("rejected").Inc()
		c.clearTokens()
		return "", &Error{Kind: KindAuth, Status: resp.StatusCode, Message: "refresh returned no access token", Err: err}
	}

	next := Tokens{AccessToken: tw.AccessToken, RefreshToken: cur.RefreshToken}
	if tw.RefreshToken != "" {
		next.RefreshToken = tw.RefreshToken
	}
	if err := c.tokens.SetTokens(next); err != nil {
		c.logger.Warn("failed to persist refreshed tokens", zap.Error(err))
	}

	metrics.TokenRefreshesTotal.WithLabelValues("success").Inc()
	c.logger.Debug("access token refreshed")
	return next.AccessToken, nil
}

func (c *Client) clearTokens() {
	if err := c.tokens.Clear(); err != nil {
		c.logger.Warn("failed to clear tokens", zap.Error(err))
	}
}

func (c *Client) roundTrip(ctx context.Context, r *Request, token string) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, classifyNetErr(ctx, err)
	}

	route := r.route()
	ctx, span := c.tracer.Start(ctx, r.Method+" "+route,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", route),
		),
	)
	defer span.End()

	var body io.Reader
	contentType := ""
	if r.Body != nil {
		var err error
		body, contentType, err = r.Body()
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, c.resolve(r.Path, r.Query), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	for k, v := range r.Header {
		req.Header[k] = v
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	elapsed := time.Since(start)

	if err != nil {
		metrics.RecordClientRequest(r.Method, route, 0, elapsed.Seconds())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, classifyNetErr(ctx, err)
	}

	metrics.RecordClientRequest(r.Method, route, resp.StatusCode, elapsed.Seconds())
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= 500 {
		span.SetStatus(codes.Error, resp.Status)
	}

	c.logger.Debug("request completed",
		zap.String("method", r.Method),
		zap.String("route", route),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", elapsed),
	)
	return resp, nil
}

func (c *Client) resolve(path string, query url.Values) string {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func classifyNetErr(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return Cancelled(err)
	}
	return &Error{Kind: KindNetwork, Message: "no response from server", Err: err}
}

func readBody(r io.Reader) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, MaxResponseSize+1))
	if err != nil {
		return nil, err
	}
	if len(body) > MaxResponseSize {
		return nil, fmt.Errorf("response exceeded maximum size of %d bytes", MaxResponseSize)
	}
	return body, nil
}

func decode(resp *http.Response, out any) error {
	body, err := readBody(resp.Body)
	if err != nil {
		return classifyNetErr(resp.Request.Context(), err)
	}
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, MaxResponseSize))
	resp.Body.Close()
}

// expiresSoon peeks at a JWT's exp claim without verifying the signature.
// Opaque tokens are never considered expiring.
func expiresSoon(token string) bool {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return time.Until(claims.ExpiresAt.Time) < refreshLeeway
}
