// Package results pushes call outcomes to the backend service that owns
// the prior-authorization records.
package results

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"authbridge/internal/domain"
	"authbridge/internal/infra/config"
)

// Client talks to the backend REST API. Transient failures (transport
// errors and 5xx) are retried once before giving up.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Member is the backend's member record, fetched to seed call inputs.
type Member struct {
	ID          string `json:"id"`
	MemberID    string `json:"member_id"`
	Name        string `json:"name,omitempty"`
	DateOfBirth string `json:"date_of_birth,omitempty"`
	InsurerID   string `json:"insurer_id,omitempty"`
}

// CallRecord is the backend's view of a call.
type CallRecord struct {
	ID         string                         `json:"id"`
	Status     string                         `json:"status"`
	MemberID   string                         `json:"member_id,omitempty"`
	CPTCode    string                         `json:"cpt_code,omitempty"`
	Extraction *domain.ExtractedAuthorization `json:"extraction,omitempty"`
}

// NewClient creates a backend client.
func NewClient(cfg config.BackendConfig, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With("component", "results"),
	}
}

// PostExtraction delivers the structured authorization result for a call.
func (c *Client) PostExtraction(ctx context.Context, callID string, ext domain.Extraction) error {
	return c.send(ctx, http.MethodPost,
		fmt.Sprintf("/api/calls/%s/extraction", url.PathEscape(callID)), ext)
}

// UpdateCallStatus sets the backend's call status field.
func (c *Client) UpdateCallStatus(ctx context.Context, callID, status string) error {
	payload := map[string]string{"status": status}
	return c.send(ctx, http.MethodPut,
		fmt.Sprintf("/api/calls/%s", url.PathEscape(callID)), payload)
}

// PostFailure reports a terminal failure with the transcript for triage.
func (c *Client) PostFailure(ctx context.Context, callID string, reason domain.FailureReason, transcript string) error {
	payload := map[string]string{
		"failure_reason": string(reason),
		"transcript":     transcript,
	}
	return c.send(ctx, http.MethodPost,
		fmt.Sprintf("/api/calls/%s/failure", url.PathEscape(callID)), payload)
}

// GetMember fetches a member record, or nil if the backend has none.
func (c *Client) GetMember(ctx context.Context, memberID string) (*Member, error) {
	var m Member
	found, err := c.get(ctx, fmt.Sprintf("/api/members/%s", url.PathEscape(memberID)), &m)
	if err != nil || !found {
		return nil, err
	}
	return &m, nil
}

// GetCall fetches a call record, or nil if the backend has none.
func (c *Client) GetCall(ctx context.Context, callID string) (*CallRecord, error) {
	var rec CallRecord
	found, err := c.get(ctx, fmt.Sprintf("/api/calls/%s", url.PathEscape(callID)), &rec)
	if err != nil || !found {
		return nil, err
	}
	return &rec, nil
}

// send delivers a JSON payload, retrying once on transient failures.
func (c *Client) send(ctx context.Context, method, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			c.logger.Warn("retrying backend request", "method", method, "path", path, "error", lastErr)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = c.doOnce(ctx, method, path, body)
		if lastErr == nil {
			return nil
		}
		if !domain.IsRetryableError(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (c *Client) doOnce(ctx context.Context, method, path string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return domain.NewDomainError("results.send", domain.ErrProviderError, err.Error())
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500:
		return domain.NewDomainError("results.send", domain.ErrProviderError,
			fmt.Sprintf("status %d: %s", resp.StatusCode, truncate(string(data), 200)))
	default:
		return fmt.Errorf("backend rejected %s %s: status %d: %s",
			method, path, resp.StatusCode, truncate(string(data), 200))
	}
}

// get fetches JSON into out. A 404 is reported as found=false, not an error.
func (c *Client) get(ctx context.Context, path string, out any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("backend get %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Errorf("backend get %s: status %d", path, resp.StatusCode)
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return false, fmt.Errorf("decode response: %w", err)
	}
	return true, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
