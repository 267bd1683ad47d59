package telephony

import (
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

const twilioAPIBase = "https://api.twilio.com"

// TwilioDialer places outbound calls through the Twilio REST API.
type TwilioDialer struct {
	accountSID string
	authToken  string
	fromNumber string
	baseURL    string
	client     *http.Client
	logger     *slog.Logger
}

// NewTwilioDialer creates a dialer from telephony config.
func NewTwilioDialer(cfg config.TelephonyConfig, logger *slog.Logger) *TwilioDialer {
	return &TwilioDialer{
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		fromNumber: cfg.FromNumber,
		baseURL:    twilioAPIBase,
		client:     &http.Client{Timeout: 30 * time.Second},
		logger:     logger.With("component", "dialer", "provider", "twilio"),
	}
}

// Configured reports whether credentials are present.
func (d *TwilioDialer) Configured() bool {
	return d.accountSID != "" && d.authToken != "" && d.fromNumber != ""
}

// CreateCall places an outbound call. The provider fetches its call
// instructions from req.InstructionURL once the callee answers.
func (d *TwilioDialer) CreateCall(ctx context.Context, req domain.DialRequest) (domain.DialResult, error) {
	if !d.Configured() {
		return domain.DialResult{}, domain.WrapOp("dialer.create", domain.ErrNotConfigured)
	}

	apiURL := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls.json", d.baseURL, d.accountSID)

	from := req.From
	if from == "" {
		from = d.fromNumber
	}

	form := url.Values{
		"To":                   {req.To},
		"From":                 {from},
		"Url":                  {req.InstructionURL},
		"StatusCallbackEvent":  {"initiated ringing answered completed"},
		"StatusCallbackMethod": {"POST"},
	}
	if req.StatusCallback != "" {
		form.Set("StatusCallback", req.StatusCallback)
	}
	if req.Timeout > 0 {
		form.Set("Timeout", fmt.Sprintf("%d", int(req.Timeout.Seconds())))
	}

	body, err := d.postForm(ctx, apiURL, form)
	if err != nil {
		return domain.DialResult{}, err
	}

	var result struct {
		SID    string `json:"sid"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return domain.DialResult{}, fmt.Errorf("parse twilio response: %w", err)
	}

	d.logger.Info("outbound call placed", "call_sid", result.SID, "status", result.Status)
	return domain.DialResult{CallSid: result.SID, Status: result.Status}, nil
}

// Hangup terminates an in-progress call.
func (d *TwilioDialer) Hangup(ctx context.Context, callSid string) error {
	apiURL := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls/%s.json", d.baseURL, d.accountSID, callSid)

	form := url.Values{"Status": {"completed"}}
	if _, err := d.postForm(ctx, apiURL, form); err != nil {
		return err
	}

	d.logger.Info("call hung up", "call_sid", callSid)
	return nil
}

func (d *TwilioDialer) postForm(ctx context.Context, apiURL string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(d.accountSID, d.authToken)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("twilio api call: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("twilio api error (HTTP %d): %s", resp.StatusCode, string(body))
	}
	return body, nil
}
