package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"authbridge/internal/domain"
)

// maxResponseBytes caps provider response bodies.
const maxResponseBytes = 10 << 20 // 10 MB

// NewHTTPClient returns an HTTP client with pooled connections tuned for
// repeated calls to a single provider host.
func NewHTTPClient(timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConns = 10
	transport.MaxIdleConnsPerHost = 10
	transport.IdleConnTimeout = 90 * time.Second

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// doJSONRequest sends a JSON POST and decodes the JSON response into out.
// Non-2xx statuses are mapped to domain sentinel errors.
func doJSONRequest(ctx context.Context, client *http.Client, url string, headers map[string]string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return domain.WrapOp("oracle.request", domain.ErrTimeout)
		}
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return mapHTTPError(resp.StatusCode, data)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

// mapHTTPError converts provider HTTP statuses into domain sentinels so
// callers can branch with errors.Is.
func mapHTTPError(status int, body []byte) error {
	detail := truncate(string(body), 200)
	switch {
	case status == http.StatusTooManyRequests:
		return domain.NewDomainError("oracle.request", domain.ErrRateLimit, detail)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return domain.NewDomainError("oracle.request", domain.ErrAuthInvalid, detail)
	case status >= 500:
		return domain.NewDomainError("oracle.request", domain.ErrProviderError,
			fmt.Sprintf("status %d: %s", status, detail))
	default:
		return domain.NewDomainError("oracle.request", domain.ErrInvalidInput,
			fmt.Sprintf("status %d: %s", status, detail))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
