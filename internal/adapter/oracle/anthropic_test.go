package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"authbridge/internal/domain"
	"authbridge/internal/infra/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOracleConfig(baseURL string) config.OracleConfig {
	return config.OracleConfig{
		Provider:  "anthropic",
		APIKey:    "test-key",
		Model:     "claude-3-5-haiku-latest",
		BaseURL:   baseURL,
		MaxTokens: 500,
		Timeout:   5 * time.Second,
	}
}

func anthropicTextResponse(text string) string {
	resp := anthropicResponse{
		ID:      "msg_1",
		Model:   "claude-3-5-haiku-latest",
		Content: []anthropicContent{{Type: "text", Text: text}},
		Usage:   anthropicUsage{InputTokens: 100, OutputTokens: 50},
	}
	data, _ := json.Marshal(resp)
	return string(data)
}

func TestAnthropicDecide(t *testing.T) {
	var gotReq anthropicRequest
	var gotHeaders http.Header

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, anthropicTextResponse(
			`{"type":"dtmf","value":"2","confidence":0.95,"reasoning":"authorizations menu"}`))
	}))
	defer srv.Close()

	nav, err := NewAnthropicNavigator(testOracleConfig(srv.URL), testLogger())
	if err != nil {
		t.Fatalf("NewAnthropicNavigator: %v", err)
	}

	dec, err := nav.Decide(context.Background(), domain.NavigatorQuery{
		Prompt: "Press 1 for claims, press 2 for authorizations",
		Inputs: domain.CallInputs{MemberID: "ABC123", CPTCode: "27447", DateOfBirth: "03/15/1965"},
	})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if dec.Type != domain.DecisionDTMF || dec.Value != "2" {
		t.Errorf("decision = %+v", dec)
	}

	if gotHeaders.Get("x-api-key") != "test-key" {
		t.Error("missing x-api-key header")
	}
	if gotHeaders.Get("anthropic-version") != anthropicVersion {
		t.Error("missing anthropic-version header")
	}
	if gotReq.MaxTokens != 500 {
		t.Errorf("max_tokens = %d", gotReq.MaxTokens)
	}
	if !strings.Contains(gotReq.System, "IVR") {
		t.Error("system prompt not sent")
	}
	if len(gotReq.Messages) != 1 || !strings.Contains(gotReq.Messages[0].Content[0].Text, "CURRENT IVR PROMPT:") {
		t.Errorf("user message malformed: %+v", gotReq.Messages)
	}
}

func TestAnthropicDecideUnparseableOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, anthropicTextResponse("I cannot determine the right option here."))
	}))
	defer srv.Close()

	nav, _ := NewAnthropicNavigator(testOracleConfig(srv.URL), testLogger())
	dec, err := nav.Decide(context.Background(), domain.NavigatorQuery{Prompt: "p"})
	if err != nil {
		t.Fatalf("parse failures must degrade, not error: %v", err)
	}
	if dec.Type != domain.DecisionUncertain || dec.Confidence != 0.0 {
		t.Errorf("decision = %+v", dec)
	}
	if !strings.HasPrefix(dec.Reasoning, "Error analyzing prompt:") {
		t.Errorf("reasoning = %q", dec.Reasoning)
	}
}

func TestAnthropicDecideHTTPErrors(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, domain.ErrRateLimit},
		{http.StatusUnauthorized, domain.ErrAuthInvalid},
		{http.StatusInternalServerError, domain.ErrProviderError},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))

		nav, _ := NewAnthropicNavigator(testOracleConfig(srv.URL), testLogger())
		_, err := nav.Decide(context.Background(), domain.NavigatorQuery{Prompt: "p"})
		if !errors.Is(err, tc.want) {
			t.Errorf("status %d: error = %v, want %v", tc.status, err, tc.want)
		}
		srv.Close()
	}
}

func TestAnthropicRequiresAPIKey(t *testing.T) {
	_, err := NewAnthropicNavigator(config.OracleConfig{Provider: "anthropic"}, testLogger())
	if !errors.Is(err, domain.ErrNotConfigured) {
		t.Errorf("error = %v, want ErrNotConfigured", err)
	}
}

type scriptedNavigator struct {
	name      string
	decisions []domain.NavigatorDecision
	errs      []error
	calls     int
}

func (s *scriptedNavigator) Name() string { return s.name }

func (s *scriptedNavigator) Decide(ctx context.Context, q domain.NavigatorQuery) (domain.NavigatorDecision, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return domain.NavigatorDecision{}, s.errs[i]
	}
	if i < len(s.decisions) {
		return s.decisions[i], nil
	}
	return domain.Uncertain("script exhausted"), nil
}

func TestBreakerDegradesToUncertain(t *testing.T) {
	inner := &scriptedNavigator{
		name: "flaky",
		errs: []error{errors.New("boom")},
	}
	nav := NewBreakerNavigator(inner, BreakerSettings{MaxFailures: 3}, testLogger())

	dec, err := nav.Decide(context.Background(), domain.NavigatorQuery{Prompt: "p"})
	if err != nil {
		t.Fatalf("breaker must not surface errors: %v", err)
	}
	if dec.Type != domain.DecisionUncertain {
		t.Errorf("decision = %+v", dec)
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	inner := &scriptedNavigator{
		name: "down",
		errs: []error{errors.New("boom"), errors.New("boom"), errors.New("boom"), errors.New("boom")},
	}
	nav := NewBreakerNavigator(inner, BreakerSettings{MaxFailures: 2, Timeout: time.Minute}, testLogger())

	for i := 0; i < 4; i++ {
		dec, err := nav.Decide(context.Background(), domain.NavigatorQuery{Prompt: "p"})
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if dec.Type != domain.DecisionUncertain {
			t.Errorf("call %d: decision = %+v", i, dec)
		}
	}

	// After two consecutive failures the breaker is open and stops
	// reaching the provider.
	if inner.calls != 2 {
		t.Errorf("inner calls = %d, want 2", inner.calls)
	}
}
