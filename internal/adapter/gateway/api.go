package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"authbridge/internal/adapter/telephony"
	"authbridge/internal/domain"
	"authbridge/internal/infra/config"
	"authbridge/internal/usecase"
)

// API is the REST surface: dial-out orders, call instructions, provider
// status callbacks, and probes.
type API struct {
	controller *usecase.TurnController
	cfg        *config.Config
	logger     *slog.Logger
}

// NewAPI creates the REST surface.
func NewAPI(controller *usecase.TurnController, cfg *config.Config, logger *slog.Logger) *API {
	return &API{
		controller: controller,
		cfg:        cfg,
		logger:     logger.With("component", "api"),
	}
}

// Register mounts the routes on the server. The rate limiter, when
// non-nil, guards dial-out only.
func (a *API) Register(s *Server, limit func(http.Handler) http.Handler) {
	s.RegisterHTTPRoute("GET /{$}", a.handleRoot)
	s.RegisterHTTPRoute("GET /health", a.handleHealth)

	outbound := http.Handler(http.HandlerFunc(a.handleOutboundCall))
	if limit != nil {
		outbound = limit(outbound)
	}
	s.RegisterHTTPRoute("POST /outbound-call", outbound.ServeHTTP)

	s.RegisterHTTPRoute("GET /twiml/{call_id}", a.handleTwiML)
	s.RegisterHTTPRoute("POST /twiml/{call_id}", a.handleTwiML)
	s.RegisterHTTPRoute("POST /call-status/{call_id}", a.handleCallStatus)
}

func (a *API) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "authbridge",
		"status":  "ok",
	})
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":               "healthy",
		"active_sessions":      a.controller.ActiveSessions(),
		"telephony_configured": a.controller.TelephonyConfigured(),
		"oracle_configured":    a.cfg.Oracle.Configured(),
		"environment":          a.cfg.Agent.Environment,
	})
}

func (a *API) handleOutboundCall(w http.ResponseWriter, r *http.Request) {
	var req usecase.OutboundCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	resp, err := a.controller.StartOutboundCall(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotConfigured):
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "telephony is not configured"})
		case errors.Is(err, domain.ErrInvalidInput):
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		default:
			a.logger.Error("outbound call failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to place call"})
		}
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleTwiML(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("call_id")
	if !a.controller.PendingExists(callID) {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(telephony.RelayTwiML(a.cfg.Agent.WebSocketURL, callID)))
}

func (a *API) handleCallStatus(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("call_id")
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form body", http.StatusBadRequest)
		return
	}

	if a.cfg.Telephony.VerifyCallbacks {
		cbURL := a.cfg.Agent.PublicURL + r.URL.Path
		sig := r.Header.Get("X-Twilio-Signature")
		if !telephony.VerifySignature(a.cfg.Telephony.AuthToken, cbURL, r.PostForm, sig) {
			a.logger.Warn("callback signature rejected", "call_id", callID)
			http.Error(w, "invalid signature", http.StatusForbidden)
			return
		}
	}

	status := r.PostForm.Get("CallStatus")
	if !a.controller.RecordCallStatus(callID, status) {
		http.NotFound(w, r)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
