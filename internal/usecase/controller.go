package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"authbridge/internal/domain"
	"authbridge/internal/infra/config"
	"authbridge/internal/infra/tracer"
)

// silenceTickInterval is how often the per-session monitor samples the
// silence timer. Variable so tests can tighten it.
var silenceTickInterval = time.Second

var (
	// menuPromptRe recognizes an IVR that is enumerating menu options.
	menuPromptRe = regexp.MustCompile(`press \d|say .+ or press`)
	// menuOptionRe extracts the digits a menu offers.
	menuOptionRe = regexp.MustCompile(`press (\d)`)
)

// TurnController owns the per-call decision loop: it consumes inbound
// frames, consults the navigator oracle, applies governor policy, and
// produces at most one outbound action per inbound frame.
type TurnController struct {
	navigator domain.Navigator
	dialer    domain.Dialer
	sink      domain.ResultsSink
	governor  *RetryGovernor
	sessions  *SessionRegistry
	pending   *PendingCalls

	cfg    config.AgentConfig
	logger *slog.Logger
}

// NewTurnController wires the controller.
func NewTurnController(
	navigator domain.Navigator,
	dialer domain.Dialer,
	sink domain.ResultsSink,
	governor *RetryGovernor,
	sessions *SessionRegistry,
	pending *PendingCalls,
	cfg config.AgentConfig,
	logger *slog.Logger,
) *TurnController {
	return &TurnController{
		navigator: navigator,
		dialer:    dialer,
		sink:      sink,
		governor:  governor,
		sessions:  sessions,
		pending:   pending,
		cfg:       cfg,
		logger:    logger.With("component", "controller"),
	}
}

// ActiveSessions reports the number of live call sessions.
func (tc *TurnController) ActiveSessions() int { return tc.sessions.Len() }

// TelephonyConfigured reports whether dial-out is possible.
func (tc *TurnController) TelephonyConfigured() bool { return tc.dialer.Configured() }

// PendingExists reports whether a call_id has a pending dial-out.
func (tc *TurnController) PendingExists(callID string) bool {
	_, ok := tc.pending.Get(callID)
	return ok
}

// OutboundCallRequest is the dial-out order from the edge.
type OutboundCallRequest struct {
	MemberID       string `json:"member_id"`
	CPTCode        string `json:"cpt_code"`
	DateOfBirth    string `json:"date_of_birth"`
	IVRPhoneNumber string `json:"ivr_phone_number,omitempty"`
}

// OutboundCallResponse acknowledges a placed call.
type OutboundCallResponse struct {
	CallID   string `json:"call_id"`
	CallSid  string `json:"call_sid"`
	Status   string `json:"status"`
	TwiMLURL string `json:"twiml_url"`
	Message  string `json:"message"`
}

// StartOutboundCall places a call into the IVR and registers the pending
// call so the WebSocket setup can claim it by call_id. Member-sensitive
// inputs never leave the process.
func (tc *TurnController) StartOutboundCall(ctx context.Context, req OutboundCallRequest) (OutboundCallResponse, error) {
	if !tc.dialer.Configured() {
		return OutboundCallResponse{}, domain.WrapOp("controller.dial", domain.ErrNotConfigured)
	}

	target := req.IVRPhoneNumber
	if target == "" {
		target = tc.cfg.IVRPhoneNumber
	}
	if target == "" {
		return OutboundCallResponse{}, domain.NewDomainError("controller.dial", domain.ErrInvalidInput, "no target phone number")
	}
	if req.MemberID == "" {
		return OutboundCallResponse{}, domain.NewDomainError("controller.dial", domain.ErrInvalidInput, "member_id is required")
	}

	callID := uuid.NewString()
	twimlURL := tc.cfg.PublicURL + "/twiml/" + callID

	result, err := tc.dialer.CreateCall(ctx, domain.DialRequest{
		To:             target,
		InstructionURL: twimlURL,
		StatusCallback: tc.cfg.PublicURL + "/call-status/" + callID,
		Timeout:        tc.cfg.DialTimeout,
	})
	if err != nil {
		return OutboundCallResponse{}, fmt.Errorf("place call: %w", err)
	}

	tc.pending.Put(callID, PendingCall{
		CallSid: result.CallSid,
		Status:  result.Status,
		Inputs: domain.CallInputs{
			MemberID:    req.MemberID,
			CPTCode:     req.CPTCode,
			DateOfBirth: req.DateOfBirth,
		},
	})

	tc.logger.Info("outbound call started", "call_id", callID, "call_sid", result.CallSid)
	return OutboundCallResponse{
		CallID:   callID,
		CallSid:  result.CallSid,
		Status:   result.Status,
		TwiMLURL: twimlURL,
		Message:  "Call initiated",
	}, nil
}

// RecordCallStatus consumes a provider status callback. Unknown call IDs
// are reported false so the edge can 404.
func (tc *TurnController) RecordCallStatus(callID, status string) bool {
	if !tc.pending.SetStatus(callID, status) {
		return false
	}
	tc.logger.Info("call status update", "call_id", callID, "status", status)

	// Mirror to the backend; never on the hot path.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := tc.sink.UpdateCallStatus(ctx, callID, status); err != nil {
			tc.logger.Warn("status mirror failed", "call_id", callID, "error", err)
		}
	}()
	return true
}

// HandleSetup claims the pending call named by the call_id custom
// parameter and opens the session. Inputs fall back to custom parameters
// for sessions the process did not dial itself.
func (tc *TurnController) HandleSetup(ctx context.Context, sender domain.ActionSender, callSid string, params map[string]string) error {
	callID := params["call_id"]

	var inputs domain.CallInputs
	if pc, ok := tc.pending.Get(callID); ok {
		inputs = pc.Inputs
	} else {
		inputs = domain.CallInputs{
			MemberID:    params["member_id"],
			CPTCode:     params["cpt_code"],
			DateOfBirth: params["date_of_birth"],
		}
	}
	if callID == "" {
		callID = callSid
	}

	cctx := domain.NewCallContext(callID, callSid, inputs, tc.logger)
	if err := cctx.TransitionTo(domain.StateConnected); err != nil {
		return err
	}

	sess := tc.sessions.NewSession(callSid, cctx, sender)
	tc.governor.RecordActivity(callID, time.Now())
	go tc.monitorSilence(sess)

	tc.logger.Info("session established", "session_id", sess.ID, "call_id", callID, "call_sid", callSid)
	return nil
}

// HandlePrompt runs the decision pipeline for one transcribed IVR
// utterance and returns the outbound action, if any.
func (tc *TurnController) HandlePrompt(ctx context.Context, callSid, prompt string) (*domain.AgentAction, error) {
	sess := tc.sessions.Get(callSid)
	if sess == nil {
		tc.logger.Warn("prompt for unknown session", "call_sid", callSid)
		return nil, domain.WrapOp("controller.prompt", domain.ErrSessionNotFound)
	}

	sess.Lock()
	defer sess.Unlock()

	cctx := sess.Context
	if cctx.State().IsTerminal() {
		return nil, nil
	}

	ctx, span := tracer.StartSpan(ctx, "controller.turn")
	defer span.End()
	span.SetAttributes(
		tracer.StringAttr("call.id", cctx.CallID()),
		tracer.StringAttr("call.state", string(cctx.State())),
	)

	tc.governor.RecordActivity(cctx.CallID(), time.Now())
	cctx.AddIVREntry(prompt)

	// Turn arbitration: while awaiting the result of our last action,
	// swallow prompts that are still part of the same exchange. The
	// action is captured before it is cleared so a repeated prompt can
	// still be charged against the budget of the input that went unheard.
	prior := cctx.LastAction()
	if cctx.State() == domain.StateAwaitingIVRResult {
		if tc.shouldBuffer(prior, prompt) {
			tc.logger.Debug("prompt buffered", "call_id", cctx.CallID(), "last_action", prior.Kind)
			return nil, nil
		}
		if err := cctx.TransitionTo(domain.StateConnected); err != nil {
			return tc.failTurn(ctx, sess, domain.FailureAgentError), nil
		}
		cctx.ClearLastAction()
	}

	// A re-heard prompt means our last input did not land.
	alternate := false
	if repeated, res := tc.governor.CheckRepeatedPrompt(cctx.CallID(), prompt); repeated {
		if !tc.chargeRetry(cctx, prior) {
			return tc.failTurn(ctx, sess, cctx.FailureReason()), nil
		}
		if res.Action == domain.AdvisoryAlternative {
			alternate = true
			cctx.AddSystemEntry("Prompt repeated, switching input modality")
		}
	}

	decision, err := tc.navigator.Decide(ctx, domain.NavigatorQuery{
		Prompt:  prompt,
		Inputs:  cctx.Inputs(),
		History: cctx.OracleTranscript(),
	})
	if err != nil {
		decision = domain.Uncertain(fmt.Sprintf("Error analyzing prompt: %v", err))
	}
	cctx.AddAgentEntry(agentEntryText(decision), string(decision.Type), decision.Confidence)

	if decision.Confidence < cctx.ConfidenceThreshold() {
		return tc.handleUncertain(ctx, sess, decision.Confidence), nil
	}

	switch decision.Type {
	case domain.DecisionDTMF:
		return tc.emitInput(sess, domain.LastActionDTMF, decision.Value, alternate), nil
	case domain.DecisionSpeak:
		return tc.emitInput(sess, domain.LastActionSpeak, decision.Value, alternate), nil
	case domain.DecisionExtract:
		return tc.completeCall(ctx, sess, decision.ExtractedData), nil
	case domain.DecisionWait:
		if err := cctx.TransitionTo(domain.StateWaitingResponse); err != nil {
			return tc.failTurn(ctx, sess, domain.FailureAgentError), nil
		}
		return nil, nil
	default: // uncertain with confidence above threshold still burns budget
		return tc.handleUncertain(ctx, sess, 0.0), nil
	}
}

// HandleDTMF records a digit the IVR itself emitted.
func (tc *TurnController) HandleDTMF(_ context.Context, callSid, digit string) error {
	sess := tc.sessions.Get(callSid)
	if sess == nil {
		return domain.WrapOp("controller.dtmf", domain.ErrSessionNotFound)
	}
	sess.Lock()
	defer sess.Unlock()

	tc.governor.RecordActivity(sess.Context.CallID(), time.Now())
	sess.Context.AddIVREntry(fmt.Sprintf("[DTMF: %s]", digit))
	return nil
}

// HandleInterrupted records that the IVR spoke over our utterance.
func (tc *TurnController) HandleInterrupted(_ context.Context, callSid string) error {
	sess := tc.sessions.Get(callSid)
	if sess == nil {
		return domain.WrapOp("controller.interrupted", domain.ErrSessionNotFound)
	}
	sess.Lock()
	defer sess.Unlock()

	sess.Context.AddSystemEntry("Agent speech interrupted")
	return nil
}

// HandleError marks the call failed on a provider-reported error.
func (tc *TurnController) HandleError(ctx context.Context, callSid, description string) error {
	sess := tc.sessions.Get(callSid)
	if sess == nil {
		return domain.WrapOp("controller.error", domain.ErrSessionNotFound)
	}
	sess.Lock()
	defer sess.Unlock()

	sess.Context.AddSystemEntry("Provider error: " + description)
	tc.failTurn(ctx, sess, domain.FailureAgentError)
	return nil
}

// HandleDisconnect reclaims everything keyed to the call.
func (tc *TurnController) HandleDisconnect(callSid string) {
	sess := tc.sessions.Remove(callSid)
	if sess == nil {
		return
	}
	callID := sess.Context.CallID()
	tc.governor.ResetAllTracking(callID)
	tc.pending.Remove(callID)
	tc.logger.Info("session closed", "call_id", callID, "call_sid", callSid,
		"state", sess.Context.State(), "duration", sess.Context.Duration())
}

// Shutdown closes all sessions and stops background work.
func (tc *TurnController) Shutdown() {
	tc.sessions.CloseAll()
	tc.pending.Stop()
}

// shouldBuffer decides whether a prompt heard in AWAITING_IVR_RESULT is
// still part of the exchange we already acted on.
//
// After a DTMF, a menu that keeps counting past the digit we pressed is
// the same enumeration still being read out; a menu that restarts below
// it is a fresh one and goes through the pipeline. After speaking, an
// echo of what we said is buffered.
func (tc *TurnController) shouldBuffer(last domain.LastAction, prompt string) bool {
	lower := strings.ToLower(prompt)

	switch last.Kind {
	case domain.LastActionDTMF:
		if !menuPromptRe.MatchString(lower) {
			return false
		}
		pressed, err := strconv.Atoi(strings.TrimSpace(last.Value))
		if err != nil {
			return true
		}
		for _, m := range menuOptionRe.FindAllStringSubmatch(lower, -1) {
			n, _ := strconv.Atoi(m[1])
			if n <= pressed {
				return false
			}
		}
		return true
	case domain.LastActionSpeak:
		return keywordOverlap(last.Value, lower)
	default:
		return false
	}
}

// keywordOverlap reports whether the prompt mentions what we just spoke,
// comparing on leading three-character fragments.
func keywordOverlap(value, lowerPrompt string) bool {
	candidates := strings.Fields(strings.ToLower(value))
	candidates = append(candidates, strings.ReplaceAll(strings.ToLower(value), " ", ""))
	for _, w := range candidates {
		if len(w) >= 3 && strings.Contains(lowerPrompt, w[:3]) {
			return true
		}
	}
	return false
}

// chargeRetry charges a repeated prompt against the retry budget matching
// the modality of the input that went unheard. Returns false when the
// budget is gone, with the failure reason already recorded.
func (tc *TurnController) chargeRetry(cctx *domain.CallContext, last domain.LastAction) bool {
	var res RetryResult
	if last.Kind == domain.LastActionSpeak || cctx.PreviousState() == domain.StateProvidingInfo {
		res = tc.governor.CheckInfoRetry(cctx)
	} else {
		res = tc.governor.CheckMenuRetry(cctx)
	}
	if !res.ShouldContinue {
		cctx.MarkFailed(domain.FailureReason(res.Reason))
		return false
	}
	return true
}

// handleUncertain burns one unit of uncertainty budget and either prods
// the IVR to repeat or ends the call.
func (tc *TurnController) handleUncertain(ctx context.Context, sess *Session, confidence float64) *domain.AgentAction {
	cctx := sess.Context
	res := tc.governor.CheckUncertainty(cctx, confidence)
	if !res.ShouldContinue {
		cctx.MarkFailed(domain.FailureMaxUncertain)
		tc.publishOutcome(sess)
		return domain.EndAction()
	}

	cctx.AddAgentEntry("9", string(domain.DecisionDTMF), confidence)
	tc.logger.Info("low confidence, requesting repeat",
		"call_id", cctx.CallID(), "uncertain_count", res.RetryCount)
	return domain.DigitsAction("9")
}

// emitInput sends a dtmf or speak input and moves the call into
// AWAITING_IVR_RESULT. When the governor advised an alternative, the same
// content is delivered through the other modality.
func (tc *TurnController) emitInput(sess *Session, kind domain.LastActionKind, value string, alternate bool) *domain.AgentAction {
	cctx := sess.Context

	if alternate {
		if kind == domain.LastActionDTMF {
			kind = domain.LastActionSpeak
		} else {
			kind = domain.LastActionDTMF
		}
	}

	intermediate := domain.StateNavigatingMenu
	if kind == domain.LastActionSpeak {
		intermediate = domain.StateProvidingInfo
	}
	if cctx.Machine().CanTransition(intermediate) {
		if err := cctx.TransitionTo(intermediate); err != nil {
			return tc.failTurn(context.Background(), sess, domain.FailureAgentError)
		}
	}
	if err := cctx.TransitionTo(domain.StateAwaitingIVRResult); err != nil {
		return tc.failTurn(context.Background(), sess, domain.FailureAgentError)
	}
	cctx.SetLastAction(kind, value)

	if kind == domain.LastActionDTMF {
		return domain.DigitsAction(value)
	}
	return domain.SpeakAction(value)
}

// completeCall records the extraction and finishes the call.
func (tc *TurnController) completeCall(ctx context.Context, sess *Session, data *domain.ExtractedAuthorization) *domain.AgentAction {
	cctx := sess.Context

	if err := cctx.TransitionTo(domain.StateExtractingData); err != nil {
		return tc.failTurn(ctx, sess, domain.FailureAgentError)
	}
	if data != nil {
		cctx.SetExtractedAuth(*data)
	}
	if err := cctx.MarkComplete(); err != nil {
		return tc.failTurn(ctx, sess, domain.FailureAgentError)
	}

	tc.logger.Info("call complete", "call_id", cctx.CallID(), "duration", cctx.Duration())
	tc.publishOutcome(sess)
	return domain.EndAction()
}

// failTurn marks the call failed, publishes the outcome, and hangs up.
func (tc *TurnController) failTurn(_ context.Context, sess *Session, reason domain.FailureReason) *domain.AgentAction {
	sess.Context.MarkFailed(reason)
	tc.publishOutcome(sess)
	return domain.EndAction()
}

// publishOutcome writes the terminal result to the results sink. Sink
// errors never roll back the call; the sink client already retries once.
func (tc *TurnController) publishOutcome(sess *Session) {
	cctx := sess.Context
	callID := cctx.CallID()
	transcript := renderTranscript(cctx.Transcript())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch cctx.State() {
	case domain.StateComplete:
		ext := domain.Extraction{Transcript: transcript}
		if auth := cctx.ExtractedAuth(); auth != nil {
			ext.AuthNumber = auth.AuthNumber
			ext.Status = auth.Status
			ext.ValidThrough = auth.ValidThrough
			ext.DenialReason = auth.DenialReason
		}
		if err := tc.sink.PostExtraction(ctx, callID, ext); err != nil {
			tc.logger.Error("extraction post failed", "call_id", callID, "error", err)
		}
		if err := tc.sink.UpdateCallStatus(ctx, callID, "completed"); err != nil {
			tc.logger.Warn("status update failed", "call_id", callID, "error", err)
		}
	case domain.StateFailed:
		if err := tc.sink.PostFailure(ctx, callID, cctx.FailureReason(), transcript); err != nil {
			tc.logger.Error("failure post failed", "call_id", callID, "error", err)
		}
		if err := tc.sink.UpdateCallStatus(ctx, callID, "failed"); err != nil {
			tc.logger.Warn("status update failed", "call_id", callID, "error", err)
		}
	}
}

// monitorSilence samples the silence timer for the life of the session
// and prods or ends the call per governor policy.
func (tc *TurnController) monitorSilence(sess *Session) {
	ticker := time.NewTicker(silenceTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.Done():
			return
		case now := <-ticker.C:
			sess.Lock()
			cctx := sess.Context
			if cctx.State().IsTerminal() {
				sess.Unlock()
				return
			}

			res := tc.governor.CheckSilence(cctx.CallID(), now)
			switch {
			case !res.ShouldContinue:
				cctx.AddSystemEntry("Silence timeout, ending call")
				cctx.MarkFailed(domain.FailureIVRTimeout)
				tc.publishOutcome(sess)
				sess.Unlock()
				tc.sendAsync(sess, domain.EndAction())
				sess.Close()
				return
			case res.Action == domain.AdvisoryDTMF9:
				cctx.AddSystemEntry("Silence timeout, prompting IVR")
				sess.Unlock()
				tc.sendAsync(sess, domain.DigitsAction("9"))
			default:
				sess.Unlock()
			}
		}
	}
}

func (tc *TurnController) sendAsync(sess *Session, action *domain.AgentAction) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sess.Sender.SendAction(ctx, *action); err != nil {
		tc.logger.Warn("async send failed", "call_id", sess.Context.CallID(), "error", err)
	}
}

// agentEntryText chooses what to put in the transcript for a verdict.
func agentEntryText(dec domain.NavigatorDecision) string {
	if dec.Value != "" {
		return dec.Value
	}
	return fmt.Sprintf("[%s] %s", dec.Type, dec.Reasoning)
}

// renderTranscript flattens the transcript for the results sink.
func renderTranscript(entries []domain.TranscriptEntry) string {
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(e.Speaker)
		b.WriteString(": ")
		b.WriteString(e.Text)
		b.WriteByte('\n')
	}
	return b.String()
}
