package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"testing"
	"time"

	"authbridge/internal/adapter/telephony"
	"authbridge/internal/domain"
	"authbridge/internal/infra/config"
	"authbridge/internal/infra/middleware"
	"authbridge/internal/usecase"
)

type staticNavigator struct{}

func (staticNavigator) Name() string { return "static" }
func (staticNavigator) Decide(context.Context, domain.NavigatorQuery) (domain.NavigatorDecision, error) {
	return domain.Uncertain("static"), nil
}

type nopSink struct{}

func (nopSink) PostExtraction(context.Context, string, domain.Extraction) error { return nil }
func (nopSink) UpdateCallStatus(context.Context, string, string) error          { return nil }
func (nopSink) PostFailure(context.Context, string, domain.FailureReason, string) error {
	return nil
}

type deadDialer struct{}

func (deadDialer) Configured() bool { return false }
func (deadDialer) CreateCall(context.Context, domain.DialRequest) (domain.DialResult, error) {
	return domain.DialResult{}, domain.WrapOp("dial", domain.ErrNotConfigured)
}
func (deadDialer) Hangup(context.Context, string) error { return nil }

func newAPIServer(t *testing.T, dialer domain.Dialer, limit func(http.Handler) http.Handler, opts ...func(*config.Config)) (*Server, string) {
	t.Helper()

	cfg := config.Defaults()
	cfg.Agent.PublicURL = "https://agent.test"
	cfg.Agent.WebSocketURL = "wss://agent.test/ws"
	cfg.Agent.IVRPhoneNumber = "+18005550100"
	for _, opt := range opts {
		opt(cfg)
	}

	pending, err := usecase.NewPendingCalls(time.Hour, "", testLogger())
	if err != nil {
		t.Fatalf("pending calls: %v", err)
	}
	t.Cleanup(pending.Stop)

	controller := usecase.NewTurnController(
		staticNavigator{}, dialer, nopSink{},
		usecase.NewRetryGovernor(10*time.Second, 2, 2, testLogger()),
		usecase.NewSessionRegistry(), pending, cfg.Agent, testLogger(),
	)
	t.Cleanup(controller.Shutdown)

	srv := NewServer(controller, "127.0.0.1:0", testLogger())
	NewAPI(controller, cfg, testLogger()).Register(srv, limit)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for srv.BoundAddr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("server did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return srv, "http://" + srv.BoundAddr()
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode
}

func TestRootAndHealth(t *testing.T) {
	_, base := newAPIServer(t, telephony.NewMockDialer(), nil)

	var root map[string]string
	if code := getJSON(t, base+"/", &root); code != http.StatusOK {
		t.Fatalf("GET /: status %d", code)
	}
	if root["service"] != "authbridge" {
		t.Errorf("root = %v", root)
	}

	var health map[string]any
	if code := getJSON(t, base+"/health", &health); code != http.StatusOK {
		t.Fatalf("GET /health: status %d", code)
	}
	if health["telephony_configured"] != true {
		t.Errorf("health = %v", health)
	}
	if _, ok := health["active_sessions"]; !ok {
		t.Errorf("health missing active_sessions: %v", health)
	}
}

func TestOutboundCallFlow(t *testing.T) {
	_, base := newAPIServer(t, telephony.NewMockDialer(), nil)

	body := strings.NewReader(`{"member_id":"ABC123456","cpt_code":"27447","date_of_birth":"03151965"}`)
	resp, err := http.Post(base+"/outbound-call", "application/json", body)
	if err != nil {
		t.Fatalf("POST /outbound-call: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("status %d: %s", resp.StatusCode, raw)
	}

	var out usecase.OutboundCallResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.CallID == "" || out.CallSid == "" {
		t.Fatalf("response = %+v", out)
	}

	// The call instructions are served for the registered call_id.
	twimlResp, err := http.Get(base + "/twiml/" + out.CallID)
	if err != nil {
		t.Fatalf("GET twiml: %v", err)
	}
	defer twimlResp.Body.Close()
	if twimlResp.StatusCode != http.StatusOK {
		t.Fatalf("twiml status %d", twimlResp.StatusCode)
	}
	if ct := twimlResp.Header.Get("Content-Type"); ct != "text/xml" {
		t.Errorf("content type = %s", ct)
	}
	xml, _ := io.ReadAll(twimlResp.Body)
	if !strings.Contains(string(xml), `<ConversationRelay url="wss://agent.test/ws"`) {
		t.Errorf("twiml = %s", xml)
	}
	if !strings.Contains(string(xml), out.CallID) {
		t.Errorf("twiml missing call_id: %s", xml)
	}

	// Provider status callbacks update the pending call.
	statusResp, err := http.PostForm(base+"/call-status/"+out.CallID,
		url.Values{"CallSid": {out.CallSid}, "CallStatus": {"answered"}})
	if err != nil {
		t.Fatalf("POST call-status: %v", err)
	}
	statusResp.Body.Close()
	if statusResp.StatusCode != http.StatusNoContent {
		t.Errorf("call-status status %d", statusResp.StatusCode)
	}
}

func TestTwiMLUnknownCall(t *testing.T) {
	_, base := newAPIServer(t, telephony.NewMockDialer(), nil)

	if code := getJSON(t, base+"/twiml/unknown-id", nil); code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", code)
	}

	resp, err := http.PostForm(base+"/call-status/unknown-id", url.Values{"CallStatus": {"completed"}})
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("call-status status = %d, want 404", resp.StatusCode)
	}
}

func TestOutboundCallErrors(t *testing.T) {
	_, base := newAPIServer(t, telephony.NewMockDialer(), nil)

	// Malformed body.
	resp, err := http.Post(base+"/outbound-call", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed body: status %d", resp.StatusCode)
	}

	// Missing member_id.
	resp, err = http.Post(base+"/outbound-call", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing member: status %d", resp.StatusCode)
	}
}

func TestOutboundCallUnconfiguredTelephony(t *testing.T) {
	_, base := newAPIServer(t, deadDialer{}, nil)

	body := strings.NewReader(`{"member_id":"ABC123456"}`)
	resp, err := http.Post(base+"/outbound-call", "application/json", body)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestCallStatusSignatureVerification(t *testing.T) {
	const token = "secret-token"
	_, base := newAPIServer(t, telephony.NewMockDialer(), nil, func(cfg *config.Config) {
		cfg.Telephony.AuthToken = token
		cfg.Telephony.VerifyCallbacks = true
	})

	resp, err := http.Post(base+"/outbound-call", "application/json",
		strings.NewReader(`{"member_id":"ABC123456"}`))
	if err != nil {
		t.Fatalf("POST /outbound-call: %v", err)
	}
	var out usecase.OutboundCallResponse
	json.NewDecoder(resp.Body).Decode(&out)
	resp.Body.Close()

	form := url.Values{"CallSid": {out.CallSid}, "CallStatus": {"answered"}}
	path := "/call-status/" + out.CallID

	// Unsigned callbacks are rejected.
	unsigned, err := http.PostForm(base+path, form)
	if err != nil {
		t.Fatalf("POST unsigned: %v", err)
	}
	unsigned.Body.Close()
	if unsigned.StatusCode != http.StatusForbidden {
		t.Errorf("unsigned: status %d, want 403", unsigned.StatusCode)
	}

	// A correctly signed callback is accepted. The signature covers the
	// public URL the provider was given, not the loopback address.
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte("https://agent.test" + path))
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		mac.Write([]byte(k + form.Get(k)))
	}
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequest(http.MethodPost, base+path, strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", sig)
	signed, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST signed: %v", err)
	}
	signed.Body.Close()
	if signed.StatusCode != http.StatusNoContent {
		t.Errorf("signed: status %d, want 204", signed.StatusCode)
	}
}

func TestOutboundCallRateLimited(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	limit := middleware.RateLimit(ctx, middleware.RateLimitConfig{RequestsPerMin: 1, BurstSize: 1})

	_, base := newAPIServer(t, telephony.NewMockDialer(), limit)

	body := `{"member_id":"ABC123456"}`
	first, err := http.Post(base+"/outbound-call", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	first.Body.Close()
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first request: status %d", first.StatusCode)
	}

	second, err := http.Post(base+"/outbound-call", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	second.Body.Close()
	if second.StatusCode != http.StatusTooManyRequests {
		t.Errorf("second request: status %d, want 429", second.StatusCode)
	}
}
