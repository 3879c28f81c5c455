// Package api is the HTTP client for the OGD platform API (api.data.gov.in).
//
// Two endpoints are used:
//   - GET /lists              the resource catalog, paginated by offset/limit
//   - GET /resource/{index}   the records of one dataset, paginated the same way
//
// Responses are JSON documents with a "records" array and a "total" count.
// Errors are kinded with the apperrors sentinels: transport failures are
// ErrNetwork, non-2xx and undecodable responses are ErrRemoteAPI, and unknown
// identifiers are ErrNotFound. Requests are not retried unless Options.Retries
// asks for it.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/datagovindia/dgi/internal/apperrors"
)

const (
	// DefaultBaseURL is the production API root.
	DefaultBaseURL = "https://api.data.gov.in"

	// SampleAPIKey is the rate-limited public key published by data.gov.in.
	SampleAPIKey = "579b464db66ec23bdd000001cdd3946e44ce4aad7209ff7b23ac571b"

	// DefaultTimeout bounds a single request.
	DefaultTimeout = 30 * time.Second

	// maxBodySize caps how much of a response body is read.
	maxBodySize = 256 << 20
)

// Options configures a Client.
type Options struct {
	// BaseURL defaults to DefaultBaseURL.
	BaseURL string
	// APIKey is required.
	APIKey string
	// Timeout bounds each request (0 = DefaultTimeout).
	Timeout time.Duration
	// Retries is the number of additional attempts for network errors.
	// The default of 0 surfaces every failure to the caller.
	Retries int
	// RetryDelay is the initial backoff between attempts (0 = 500ms).
	RetryDelay time.Duration
	// HTTPClient overrides the transport; Timeout is ignored when set.
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Client talks to the OGD API. It is safe for sequential use by one caller.
type Client struct {
	base       *url.URL
	apiKey     string
	retries    int
	retryDelay time.Duration
	http       *http.Client
	logger     zerolog.Logger
}

// New validates opts and builds a client. It performs no I/O.
// A missing API key or malformed base URL is an apperrors.ErrConfig error.
func New(opts Options) (*Client, error) {
	const op = "api.New"

	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, apperrors.Errorf(apperrors.ErrConfig, op, "API key is required")
	}

	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	base, err := url.Parse(baseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, apperrors.Errorf(apperrors.ErrConfig, op, "invalid base URL %q", baseURL)
	}

	if opts.Retries < 0 {
		return nil, apperrors.Errorf(apperrors.ErrConfig, op, "retries must not be negative (got %d)", opts.Retries)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 500 * time.Millisecond
	}

	return &Client{
		base:       base,
		apiKey:     opts.APIKey,
		retries:    opts.Retries,
		retryDelay: retryDelay,
		http:       httpClient,
		logger:     opts.Logger,
	}, nil
}

// request describes one GET against the API.
type request struct {
	op    string
	path  string
	query url.Values
}

// get performs a GET and returns the validated JSON body.
func (c *Client) get(ctx context.Context, req request) (gjson.Result, error) {
	var body gjson.Result

	attempt := func() error {
		var err error
		body, err = c.do(ctx, req)
		return err
	}

	err := retry.Do(attempt,
		retry.Context(ctx),
		retry.Attempts(uint(c.retries+1)),
		retry.Delay(c.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(apperrors.IsRetryable),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn().Err(err).Uint("attempt", n+1).Str("path", req.path).Msg("retrying request")
		}),
	)
	if err != nil {
		// retry.Do may surface the bare context error before any attempt.
		if apperrors.KindOf(err) == nil {
			err = apperrors.E(apperrors.ErrNetwork, req.op, err)
		}
		return gjson.Result{}, err
	}
	return body, nil
}

func (c *Client) do(ctx context.Context, req request) (gjson.Result, error) {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + req.path

	q := url.Values{}
	for k, v := range req.query {
		q[k] = v
	}
	q.Set("api-key", c.apiKey)
	q.Set("format", "json")
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return gjson.Result{}, apperrors.Errorf(apperrors.ErrConfig, req.op, "build request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")

	c.logger.Debug().Str("path", req.path).Str("query", redact(q)).Msg("GET")
	start := time.Now()

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return gjson.Result{}, apperrors.E(apperrors.ErrNetwork, req.op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return gjson.Result{}, apperrors.Errorf(apperrors.ErrNetwork, req.op, "read response: %w", err)
	}

	c.logger.Debug().
		Str("path", req.path).
		Int("status", resp.StatusCode).
		Int("bytes", len(data)).
		Dur("elapsed", time.Since(start)).
		Msg("response")

	return decodeResponse(req.op, resp.StatusCode, data)
}

// decodeResponse classifies a response and returns its JSON body.
func decodeResponse(op string, status int, data []byte) (gjson.Result, error) {
	var body gjson.Result
	valid := gjson.ValidBytes(data)
	if valid {
		body = gjson.ParseBytes(data)
	}
	message := errorMessage(body, data)

	if status == http.StatusNotFound || (status >= 400 && isNotFoundMessage(message)) {
		return gjson.Result{}, apperrors.HTTP(apperrors.ErrNotFound, op, status, errors.New(message))
	}
	// A rejected key is fixed in the configuration, not by retrying.
	if status == http.StatusUnauthorized || status == http.StatusForbidden || (status >= 400 && isKeyRejectedMessage(message)) {
		return gjson.Result{}, apperrors.HTTP(apperrors.ErrConfig, op, status, fmt.Errorf("API key rejected: %s", message))
	}
	if status < 200 || status >= 300 {
		return gjson.Result{}, apperrors.HTTP(apperrors.ErrRemoteAPI, op, status, errors.New(message))
	}
	if !valid || !body.IsObject() {
		return gjson.Result{}, apperrors.HTTP(apperrors.ErrRemoteAPI, op, status,
			fmt.Errorf("malformed JSON response: %s", truncate(string(data), 200)))
	}
	if strings.EqualFold(body.Get("status").String(), "error") {
		if isNotFoundMessage(message) {
			return gjson.Result{}, apperrors.HTTP(apperrors.ErrNotFound, op, status, errors.New(message))
		}
		if isKeyRejectedMessage(message) {
			return gjson.Result{}, apperrors.HTTP(apperrors.ErrConfig, op, status, fmt.Errorf("API key rejected: %s", message))
		}
		return gjson.Result{}, apperrors.HTTP(apperrors.ErrRemoteAPI, op, status, errors.New(message))
	}
	return body, nil
}

func errorMessage(body gjson.Result, raw []byte) string {
	for _, key := range []string{"message", "error", "msg"} {
		if m := body.Get(key); m.Exists() && m.String() != "" {
			return m.String()
		}
	}
	if len(raw) == 0 {
		return "empty response"
	}
	return truncate(strings.TrimSpace(string(raw)), 200)
}

func isNotFoundMessage(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "not found")
}

func isKeyRejectedMessage(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "invalid api key") || strings.Contains(msg, "key not authorized")
}

// total reads the "total" field, which the API emits as a number or a string.
func total(body gjson.Result) int {
	t := body.Get("total")
	if !t.Exists() {
		return 0
	}
	if n, err := strconv.Atoi(strings.TrimSpace(t.String())); err == nil {
		return n
	}
	return int(t.Int())
}

// redact hides the API key in logged query strings.
func redact(q url.Values) string {
	clone := url.Values{}
	for k, v := range q {
		clone[k] = v
	}
	if clone.Has("api-key") {
		clone.Set("api-key", "REDACTED")
	}
	return clone.Encode()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
