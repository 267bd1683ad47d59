package gateway

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"authbridge/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubHandler records every frame it receives.
type stubHandler struct {
	mu          sync.Mutex
	setups      []string
	params      map[string]string
	prompts     []string
	digits      []string
	interrupted int
	errors      []string
	disconnects []string
	action      *domain.AgentAction // returned for every prompt
	sender      domain.ActionSender
}

func (h *stubHandler) HandleSetup(_ context.Context, sender domain.ActionSender, callSid string, params map[string]string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.setups = append(h.setups, callSid)
	h.params = params
	h.sender = sender
	return nil
}

func (h *stubHandler) HandlePrompt(_ context.Context, callSid, prompt string) (*domain.AgentAction, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prompts = append(h.prompts, callSid+"|"+prompt)
	return h.action, nil
}

func (h *stubHandler) HandleDTMF(_ context.Context, callSid, digit string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.digits = append(h.digits, digit)
	return nil
}

func (h *stubHandler) HandleInterrupted(_ context.Context, _ string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.interrupted++
	return nil
}

func (h *stubHandler) HandleError(_ context.Context, _, description string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errors = append(h.errors, description)
	return nil
}

func (h *stubHandler) HandleDisconnect(callSid string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnects = append(h.disconnects, callSid)
}

func (h *stubHandler) snapshot() stubHandler {
	h.mu.Lock()
	defer h.mu.Unlock()
	return stubHandler{
		setups:      append([]string(nil), h.setups...),
		params:      h.params,
		prompts:     append([]string(nil), h.prompts...),
		digits:      append([]string(nil), h.digits...),
		interrupted: h.interrupted,
		errors:      append([]string(nil), h.errors...),
		disconnects: append([]string(nil), h.disconnects...),
	}
}

// startServer runs a gateway on an ephemeral port and returns its address.
func startServer(t *testing.T, handler TurnHandler) *Server {
	t.Helper()

	srv := NewServer(handler, "127.0.0.1:0", testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() {
		if err := srv.Start(ctx); err != nil {
			t.Logf("server exited: %v", err)
		}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for srv.BoundAddr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("server did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return srv
}

func dialWS(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, "ws://"+srv.BoundAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close(websocket.StatusNormalClosure, "") })
	return ws
}

func writeFrame(t *testing.T, ws *websocket.Conn, frame InboundFrame) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, ws, frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readFrame(t *testing.T, ws *websocket.Conn) OutboundFrame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var frame OutboundFrame
	if err := wsjson.Read(ctx, ws, &frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRelaySessionLifecycle(t *testing.T) {
	handler := &stubHandler{action: domain.DigitsAction("2")}
	srv := startServer(t, handler)
	ws := dialWS(t, srv)

	writeFrame(t, ws, InboundFrame{
		Type:             FrameSetup,
		CallSid:          "CA1",
		CustomParameters: map[string]string{"call_id": "call-1"},
	})
	waitFor(t, func() bool { return len(handler.snapshot().setups) == 1 })
	snap := handler.snapshot()
	if snap.params["call_id"] != "call-1" {
		t.Errorf("custom parameters not delivered: %v", snap.params)
	}

	// A prompt produces exactly one outbound frame, tagged with the
	// call SID remembered from setup.
	writeFrame(t, ws, InboundFrame{Type: FramePrompt, VoicePrompt: "Press 2 for prior authorization."})
	out := readFrame(t, ws)
	if out.Type != FrameSendDigits || out.Digits != "2" {
		t.Errorf("outbound = %+v", out)
	}
	waitFor(t, func() bool { return len(handler.snapshot().prompts) == 1 })
	if got := handler.snapshot().prompts[0]; got != "CA1|Press 2 for prior authorization." {
		t.Errorf("prompt dispatch = %q", got)
	}

	writeFrame(t, ws, InboundFrame{Type: FrameDTMF, Digit: "5"})
	writeFrame(t, ws, InboundFrame{Type: FrameInterrupted})
	writeFrame(t, ws, InboundFrame{Type: FrameError, Description: "stream lost"})
	waitFor(t, func() bool {
		s := handler.snapshot()
		return len(s.digits) == 1 && s.interrupted == 1 && len(s.errors) == 1
	})

	// Unknown frame types are ignored without killing the connection.
	writeFrame(t, ws, InboundFrame{Type: "info"})
	writeFrame(t, ws, InboundFrame{Type: FramePrompt, VoicePrompt: "Still there?"})
	readFrame(t, ws)

	ws.Close(websocket.StatusNormalClosure, "")
	waitFor(t, func() bool {
		d := handler.snapshot().disconnects
		return len(d) == 1 && d[0] == "CA1"
	})
}

func TestSenderDeliversAsyncFrames(t *testing.T) {
	handler := &stubHandler{}
	srv := startServer(t, handler)
	ws := dialWS(t, srv)

	writeFrame(t, ws, InboundFrame{Type: FrameSetup, CallSid: "CA2"})
	waitFor(t, func() bool { return handler.snapshot().setups != nil })

	handler.mu.Lock()
	sender := handler.sender
	handler.mu.Unlock()

	if err := sender.SendAction(context.Background(), *domain.DigitsAction("9")); err != nil {
		t.Fatalf("SendAction: %v", err)
	}
	out := readFrame(t, ws)
	if out.Type != FrameSendDigits || out.Digits != "9" {
		t.Errorf("outbound = %+v", out)
	}

	if err := sender.SendAction(context.Background(), *domain.EndAction()); err != nil {
		t.Fatalf("SendAction end: %v", err)
	}
	out = readFrame(t, ws)
	if out.Type != FrameEnd {
		t.Errorf("outbound = %+v", out)
	}
}

func TestFrameFromAction(t *testing.T) {
	cases := []struct {
		action domain.AgentAction
		want   OutboundFrame
	}{
		{*domain.SpeakAction("hello"), OutboundFrame{Type: FrameText, Token: "hello", Last: true}},
		{*domain.DigitsAction("123"), OutboundFrame{Type: FrameSendDigits, Digits: "123"}},
		{*domain.EndAction(), OutboundFrame{Type: FrameEnd}},
	}
	for _, tc := range cases {
		if got := FrameFromAction(tc.action); got != tc.want {
			t.Errorf("FrameFromAction(%+v) = %+v, want %+v", tc.action, got, tc.want)
		}
	}
}
