package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tollware/toll-go/retry"
)

// tokenSource mints per-request bearer tokens.
type tokenSource interface {
	Token(method, host, path string, body []byte) (string, error)
}

// Client talks to the wallet service REST API. It signs every request with
// a fresh bearer token, classifies failures into ServiceError and retries
// transient ones with bounded backoff.
//
// Client is safe for concurrent use.
type Client struct {
	baseURL    string
	host       string
	httpClient *http.Client
	auth       tokenSource
	policy     retry.Policy
}

// NewClient builds a Client for the wallet service at baseURL.
func NewClient(baseURL string, auth *Auth) (*Client, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("remote: invalid service URL %q", baseURL)
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		host:    parsed.Host,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		auth: auth,
		policy: retry.Policy{
			MaxAttempts: 4,
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    5 * time.Second,
			Multiplier:  2.0,
		},
	}, nil
}

// do executes one API call, retrying transient failures under the client's
// policy. The result pointer is only written on success.
func (c *Client) do(ctx context.Context, method, path string, body, result interface{}) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("remote: marshal request body: %w", err)
		}
	}

	_, err := retry.Do(ctx, c.policy, isTransient, func() (struct{}, error) {
		return struct{}{}, c.doOnce(ctx, method, path, bodyBytes, result)
	})
	return err
}

func (c *Client) doOnce(ctx context.Context, method, path string, bodyBytes []byte, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("remote: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	token, err := c.auth.Token(method, c.host, path, bodyBytes)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("remote: execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyResponse(resp)
	}

	if result != nil {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("remote: read response: %w", err)
		}
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("remote: decode response: %w", err)
		}
	}
	return nil
}

func isTransient(err error) bool {
	var svcErr *ServiceError
	return errors.As(err, &svcErr) && svcErr.Retryable
}

// classifyResponse maps a non-2xx response onto a ServiceError.
func classifyResponse(resp *http.Response) error {
	svcErr := &ServiceError{
		StatusCode: resp.StatusCode,
		RequestID:  resp.Header.Get("X-Request-ID"),
	}
	if data, _ := io.ReadAll(resp.Body); len(data) > 0 {
		svcErr.Message = strings.TrimSpace(string(data))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		svcErr.ErrorType = ErrorTypeRateLimit
		svcErr.Retryable = true
		svcErr.RetryAfter = parseRetryAfter(resp)
		if svcErr.Message == "" {
			svcErr.Message = "rate limit exceeded"
		}
	case resp.StatusCode >= 500:
		svcErr.ErrorType = ErrorTypeServerError
		svcErr.Retryable = true
		if svcErr.Message == "" {
			svcErr.Message = "wallet service error"
		}
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		svcErr.ErrorType = ErrorTypeAuthError
		if svcErr.Message == "" {
			svcErr.Message = "authentication failed"
		}
	default:
		svcErr.ErrorType = ErrorTypeClientError
		if svcErr.Message == "" {
			svcErr.Message = "invalid request"
		}
	}
	return svcErr
}

// parseRetryAfter reads the Retry-After header as either delay seconds or an
// HTTP date. Falls back to one minute.
func parseRetryAfter(resp *http.Response) time.Duration {
	retryAfter := resp.Header.Get("Retry-After")
	if retryAfter == "" {
		return time.Minute
	}
	if seconds, err := strconv.Atoi(retryAfter); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if at, err := time.Parse(time.RFC1123, retryAfter); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return time.Minute
}
