package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"authbridge/internal/domain"
	"authbridge/internal/infra/middleware"
)

// TurnHandler receives inbound relay frames. One handler serves all
// connections; per-call serialization is the handler's concern.
type TurnHandler interface {
	HandleSetup(ctx context.Context, sender domain.ActionSender, callSid string, params map[string]string) error
	HandlePrompt(ctx context.Context, callSid, prompt string) (*domain.AgentAction, error)
	HandleDTMF(ctx context.Context, callSid, digit string) error
	HandleInterrupted(ctx context.Context, callSid string) error
	HandleError(ctx context.Context, callSid, description string) error
	HandleDisconnect(callSid string)
}

// relayConn tracks a single relay WebSocket connection.
type relayConn struct {
	ws        *websocket.Conn
	sendCh    chan OutboundFrame // buffered outbound queue
	done      chan struct{}
	closeOnce sync.Once
	callSid   string // set on the setup frame
}

// SendAction implements domain.ActionSender for out-of-turn frames.
func (cc *relayConn) SendAction(ctx context.Context, action domain.AgentAction) error {
	frame := FrameFromAction(action)
	select {
	case cc.sendCh <- frame:
		return nil
	case <-cc.done:
		return fmt.Errorf("connection closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Server is the HTTP/WebSocket edge: it owns the relay socket at /ws and
// the REST surface registered through RegisterHTTPRoute.
type Server struct {
	handler    TurnHandler
	logger     *slog.Logger
	addr       string
	httpSrv    *http.Server
	boundAddr  string
	conns      sync.Map // connID (uint64) -> *relayConn
	nextID     atomic.Uint64
	httpRoutes []httpRoute
}

type httpRoute struct {
	pattern string
	handler http.HandlerFunc
}

// NewServer creates the edge server.
func NewServer(handler TurnHandler, addr string, logger *slog.Logger) *Server {
	return &Server{
		handler: handler,
		logger:  logger.With("component", "gateway"),
		addr:    addr,
	}
}

// RegisterHTTPRoute adds an HTTP handler to the server's mux.
// Must be called before Start().
func (s *Server) RegisterHTTPRoute(pattern string, handler http.HandlerFunc) {
	s.httpRoutes = append(s.httpRoutes, httpRoute{pattern: pattern, handler: handler})
}

// Start begins serving. Blocks until ctx is cancelled or the listener
// fails.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	for _, route := range s.httpRoutes {
		mux.HandleFunc(route.pattern, route.handler)
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.boundAddr = listener.Addr().String()

	s.httpSrv = &http.Server{Handler: middleware.SecurityHeaders(mux)}

	s.logger.Info("gateway started", "addr", s.boundAddr)

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop closes all relay connections and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.conns.Range(func(key, value any) bool {
		cc := value.(*relayConn)
		cc.closeOnce.Do(func() { close(cc.done) })
		cc.ws.Close(websocket.StatusGoingAway, "server shutting down")
		s.conns.Delete(key)
		return true
	})

	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// BoundAddr returns the actual listen address. Only valid after Start.
func (s *Server) BoundAddr() string { return s.boundAddr }

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The relay connects server-to-server without an Origin header;
		// browser origins are only expected in local development.
		OriginPatterns: []string{
			"localhost",
			"localhost:*",
			"127.0.0.1",
			"127.0.0.1:*",
		},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	connID := s.nextID.Add(1)
	cc := &relayConn{
		ws:     ws,
		sendCh: make(chan OutboundFrame, 64),
		done:   make(chan struct{}),
	}
	s.conns.Store(connID, cc)
	s.logger.Info("relay connected", "conn_id", connID)

	go s.writeLoop(cc)

	s.readLoop(r.Context(), cc)

	cc.closeOnce.Do(func() { close(cc.done) })
	s.conns.Delete(connID)
	ws.Close(websocket.StatusNormalClosure, "")
	if cc.callSid != "" {
		s.handler.HandleDisconnect(cc.callSid)
	}
	s.logger.Info("relay disconnected", "conn_id", connID, "call_sid", cc.callSid)
}

// readLoop processes inbound frames strictly in arrival order. Each frame
// is handled to completion before the next is read, which preserves the
// one-outbound-per-inbound contract.
func (s *Server) readLoop(ctx context.Context, cc *relayConn) {
	for {
		select {
		case <-cc.done:
			return
		default:
		}

		var frame InboundFrame
		if err := wsjson.Read(ctx, cc.ws, &frame); err != nil {
			return // connection closed or error
		}

		s.handleFrame(ctx, cc, frame)
	}
}

func (s *Server) handleFrame(ctx context.Context, cc *relayConn, frame InboundFrame) {
	switch frame.Type {
	case FrameSetup:
		cc.callSid = frame.CallSid
		if err := s.handler.HandleSetup(ctx, cc, frame.CallSid, frame.CustomParameters); err != nil {
			s.logger.Error("setup failed", "call_sid", frame.CallSid, "error", err)
		}
	case FramePrompt:
		action, err := s.handler.HandlePrompt(ctx, cc.callSid, frame.VoicePrompt)
		if err != nil {
			s.logger.Warn("prompt handling failed", "call_sid", cc.callSid, "error", err)
			return
		}
		if action != nil {
			s.enqueue(cc, FrameFromAction(*action))
		}
	case FrameDTMF:
		if err := s.handler.HandleDTMF(ctx, cc.callSid, frame.Digit); err != nil {
			s.logger.Warn("dtmf handling failed", "call_sid", cc.callSid, "error", err)
		}
	case FrameInterrupted:
		if err := s.handler.HandleInterrupted(ctx, cc.callSid); err != nil {
			s.logger.Warn("interrupted handling failed", "call_sid", cc.callSid, "error", err)
		}
	case FrameError:
		s.logger.Error("relay reported error", "call_sid", cc.callSid, "description", frame.Description)
		if err := s.handler.HandleError(ctx, cc.callSid, frame.Description); err != nil {
			s.logger.Warn("error handling failed", "call_sid", cc.callSid, "error", err)
		}
	default:
		s.logger.Debug("unknown frame type ignored", "type", frame.Type)
	}
}

func (s *Server) enqueue(cc *relayConn, frame OutboundFrame) {
	select {
	case cc.sendCh <- frame:
	default:
		s.logger.Warn("outbound queue full, dropping frame", "call_sid", cc.callSid, "type", frame.Type)
	}
}

func (s *Server) writeLoop(cc *relayConn) {
	for {
		select {
		case <-cc.done:
			return
		case frame := <-cc.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := wsjson.Write(ctx, cc.ws, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
