// Package backend calls the nutrition backend's day summary route,
// GET {base}/day/{user_id}/{day}.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"
)

// InternalTokenHeader authenticates internal callers to the backend.
const InternalTokenHeader = "X-Internal-Token"

const maxBodySize = 8 << 20

var dayPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// Option represents the options for the Client.
type Option func(*Client)

// Client issues day summary requests. One GET per call, no retries.
type Client struct {
	baseURL    *url.URL
	token      string
	httpClient *http.Client
	metrics    *Metrics
	logger     *slog.Logger
}

// NewClient creates a client for the backend rooted at baseURL, which must be an absolute
// http or https URL. A path prefix on baseURL is kept.
func NewClient(baseURL string, options ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse backend base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend base URL must be http or https, got %q", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("backend base URL has no host: %q", baseURL)
	}

	c := &Client{
		baseURL:    u,
		httpClient: http.DefaultClient,
		logger:     slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c, nil
}

// WithInternalToken attaches the X-Internal-Token header to every request. An empty token sends
// no header.
func WithInternalToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithHTTPClient replaces the HTTP client used for requests.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithTimeout bounds each request. Zero keeps the HTTP client's own behavior.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout <= 0 {
			return
		}
		hc := *c.httpClient
		hc.Timeout = timeout
		c.httpClient = &hc
	}
}

// WithMetrics sets the collectors updated on every request.
func WithMetrics(metrics *Metrics) Option {
	return func(c *Client) {
		c.metrics = metrics
	}
}

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger.With(
			slog.String("package", "backend"),
			slog.String("component", "client"),
		)
	}
}

// ValidateDay reports whether day has the YYYY-MM-DD shape the backend route expects.
func ValidateDay(day string) error {
	if !dayPattern.MatchString(day) {
		return fmt.Errorf("%w: day %q must match YYYY-MM-DD", ErrInvalidArgument, day)
	}
	return nil
}

// DayURL returns the day summary URL for the user and day.
func (c *Client) DayURL(userID int64, day string) string {
	return c.baseURL.JoinPath("day", strconv.FormatInt(userID, 10), day).String()
}

// DayContext fetches the day summary of userID for day and returns the backend's JSON body
// verbatim. A 2xx body that is not JSON is returned as a JSON string.
//
// Failures are *StatusError, *UnreachableError or *RequestError; invalid input wraps
// ErrInvalidArgument and never reaches the network.
func (c *Client) DayContext(ctx context.Context, userID int64, day string) (json.RawMessage, error) {
	if err := ValidateDay(day); err != nil {
		return nil, err
	}

	start := time.Now()
	body, err := c.get(ctx, c.DayURL(userID, day))
	c.metrics.observe(outcome(err), time.Since(start))
	if err != nil {
		c.logger.Warn("day context request failed",
			slog.Int64("userID", userID),
			slog.String("day", day),
			slog.String("err", err.Error()))
		return nil, err
	}

	if !json.Valid(body) {
		bs, mErr := json.Marshal(string(body))
		if mErr != nil {
			return nil, &RequestError{Err: fmt.Errorf("failed to encode response body: %w", mErr)}
		}
		return bs, nil
	}
	return body, nil
}

func (c *Client) get(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &RequestError{Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set(InternalTokenHeader, c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &UnreachableError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize+1))
	if err != nil {
		return nil, &RequestError{Err: fmt.Errorf("failed to read response body: %w", err)}
	}
	oversized := len(body) > maxBodySize
	if oversized {
		body = body[:maxBodySize]
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Status: resp.StatusCode, Body: body}
	}
	if oversized {
		return nil, &RequestError{Err: fmt.Errorf("response body exceeds %d bytes", maxBodySize)}
	}
	return body, nil
}

func outcome(err error) string {
	var statusErr *StatusError
	var unreachableErr *UnreachableError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &statusErr):
		return "status_" + strconv.Itoa(statusErr.Status/100) + "xx"
	case errors.As(err, &unreachableErr):
		return "unreachable"
	}
	return "request_error"
}
