package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/fxpulse/internal/domain"
)

const (
	defaultTimeout  = 5 * time.Second
	maxResponseSize = 4 << 20
)

// NewHTTPClient returns a client with an overall request timeout.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &http.Client{Timeout: timeout}
}

// Request describes one JSON call to a provider.
type Request struct {
	Provider string
	Method   string
	URL      string
	Body     any
	Header   http.Header
}

// Response is a decoded provider response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// DoJSON sends req and classifies failures: transport errors and 5xx are transient,
// 429 and an exhausted x-ratelimit-remaining header are rate limits, other non-2xx
// statuses are permanent.
func DoJSON(ctx context.Context, client *http.Client, req Request) (*Response, error) {
	var body io.Reader
	if req.Body != nil {
		payload, err := json.Marshal(req.Body)
		if err != nil {
			return nil, domain.Permanent(req.Provider, errors.Wrap(err, "marshal request"))
		}
		body = bytes.NewReader(payload)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, domain.Permanent(req.Provider, errors.Wrap(err, "create request"))
	}

	for k, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(req.Provider, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, domain.Transient(req.Provider, errors.Wrap(err, "read response body"))
	}

	out := &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: payload}

	if resp.StatusCode == http.StatusTooManyRequests || RateLimitExhausted(resp.Header) {
		return out, domain.RateLimited(req.Provider, ParseRetryAfter(resp.Header),
			fmt.Errorf("status %d", resp.StatusCode))
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return out, domain.Transient(req.Provider, fmt.Errorf("status %d: %s", resp.StatusCode, snippet(payload)))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return out, domain.Permanent(req.Provider, fmt.Errorf("status %d: %s", resp.StatusCode, snippet(payload)))
	}

	return out, nil
}

// Decode unmarshals a response body. Shape mismatches are permanent failures.
func Decode(provider string, body []byte, dst any) error {
	if err := json.Unmarshal(body, dst); err != nil {
		return domain.Permanent(provider, errors.Wrap(err, "malformed response"))
	}

	return nil
}

// ParseRetryAfter reads Retry-After as seconds or an HTTP date. Zero when absent.
func ParseRetryAfter(h http.Header) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}

	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}

	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}

	return 0
}

// RateLimitExhausted reports an x-ratelimit-remaining header equal to zero.
func RateLimitExhausted(h http.Header) bool {
	v := strings.TrimSpace(h.Get("X-Ratelimit-Remaining"))
	if v == "" {
		return false
	}

	n, err := strconv.Atoi(v)

	return err == nil && n <= 0
}

func classifyTransportError(provider string, err error) error {
	if errors.Is(err, context.Canceled) {
		return domain.Permanent(provider, err)
	}

	return domain.Transient(provider, errors.Wrap(err, "request failed"))
}

func snippet(b []byte) string {
	const limit = 200
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}

	return string(b)
}
