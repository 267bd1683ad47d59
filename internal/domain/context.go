package domain

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Transcript speakers.
const (
	SpeakerIVR    = "IVR"
	SpeakerAgent  = "Agent"
	SpeakerSystem = "System"
)

// TranscriptEntry is one line of the call transcript. The transcript is
// strictly append-only within a call.
type TranscriptEntry struct {
	Speaker    string    `json:"speaker"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
	ActionType string    `json:"action_type,omitempty"` // agent entries: "dtmf", "speak", ...
	Confidence *float64  `json:"confidence,omitempty"`  // agent entries only
}

// LastActionKind classifies the most recent agent action, for turn
// arbitration.
type LastActionKind string

const (
	LastActionNone  LastActionKind = "none"
	LastActionDTMF  LastActionKind = "dtmf"
	LastActionSpeak LastActionKind = "speak"
)

// LastAction records what the agent last emitted on the wire.
type LastAction struct {
	Kind  LastActionKind `json:"kind"`
	Value string         `json:"value,omitempty"`
}

// CallInputs are the member-sensitive parameters the agent supplies to the
// IVR. Populated at dial-out, consumed at session setup.
type CallInputs struct {
	MemberID     string `json:"member_id"`
	CPTCode      string `json:"cpt_code"`
	DateOfBirth  string `json:"date_of_birth"` // MMDDYYYY
	ProviderName string `json:"provider_name,omitempty"`
}

// Retry bounds and the confidence threshold applied per call.
const (
	DefaultMaxMenuRetries      = 3
	DefaultMaxInfoRetries      = 2
	DefaultMaxUncertainTotal   = 5
	DefaultConfidenceThreshold = 0.6
)

// CallContext is the per-call session record: identifiers, transcript,
// counters, last action, state, and the extraction. It is owned by the
// session that created it and safe for concurrent use.
type CallContext struct {
	mu sync.Mutex

	callID  string
	callSid string
	inputs  CallInputs

	machine       *StateMachine
	previousState CallState

	transcript    []TranscriptEntry
	lastIVRPrompt string
	lastAction    LastAction

	menuRetries    int
	infoRetries    int
	uncertainCount int

	maxMenuRetries      int
	maxInfoRetries      int
	maxUncertainTotal   int
	confidenceThreshold float64

	startedAt     time.Time
	endedAt       time.Time
	extractedAuth *ExtractedAuthorization
	failureReason FailureReason
}

// NewCallContext creates a context in StateIdle with default bounds.
func NewCallContext(callID, callSid string, inputs CallInputs, logger *slog.Logger) *CallContext {
	return &CallContext{
		callID:              callID,
		callSid:             callSid,
		inputs:              inputs,
		machine:             NewStateMachine(logger),
		previousState:       StateIdle,
		lastAction:          LastAction{Kind: LastActionNone},
		maxMenuRetries:      DefaultMaxMenuRetries,
		maxInfoRetries:      DefaultMaxInfoRetries,
		maxUncertainTotal:   DefaultMaxUncertainTotal,
		confidenceThreshold: DefaultConfidenceThreshold,
		startedAt:           time.Now(),
	}
}

func (c *CallContext) CallID() string         { return c.callID }
func (c *CallContext) CallSid() string        { return c.callSid }
func (c *CallContext) Inputs() CallInputs     { return c.inputs }
func (c *CallContext) Machine() *StateMachine { return c.machine }

// State returns the current call state.
func (c *CallContext) State() CallState { return c.machine.State() }

// PreviousState returns the state before the most recent transition.
func (c *CallContext) PreviousState() CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.previousState
}

// ConfidenceThreshold returns the per-call verdict confidence floor.
func (c *CallContext) ConfidenceThreshold() float64 { return c.confidenceThreshold }

// Bounds returns (maxMenuRetries, maxInfoRetries, maxUncertainTotal).
func (c *CallContext) Bounds() (int, int, int) {
	return c.maxMenuRetries, c.maxInfoRetries, c.maxUncertainTotal
}

// TransitionTo validates and performs a state transition, recording a
// diagnostic system entry on success.
func (c *CallContext) TransitionTo(target CallState) error {
	from := c.machine.State()
	if err := c.machine.Transition(target); err != nil {
		return err
	}
	if from == target {
		return nil
	}
	c.mu.Lock()
	c.previousState = from
	c.appendLocked(TranscriptEntry{
		Speaker:   SpeakerSystem,
		Text:      fmt.Sprintf("State: %s -> %s", from, target),
		Timestamp: time.Now(),
	})
	c.mu.Unlock()
	return nil
}

// AddIVREntry appends a transcribed IVR utterance and updates the last
// prompt.
func (c *CallContext) AddIVREntry(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastIVRPrompt = text
	c.appendLocked(TranscriptEntry{Speaker: SpeakerIVR, Text: text, Timestamp: time.Now()})
}

// AddAgentEntry appends an agent turn with its action type and confidence.
func (c *CallContext) AddAgentEntry(text, actionType string, confidence float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conf := confidence
	c.appendLocked(TranscriptEntry{
		Speaker:    SpeakerAgent,
		Text:       text,
		Timestamp:  time.Now(),
		ActionType: actionType,
		Confidence: &conf,
	})
}

// AddSystemEntry appends a diagnostic entry. System entries never reach the
// oracle.
func (c *CallContext) AddSystemEntry(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.appendLocked(TranscriptEntry{Speaker: SpeakerSystem, Text: text, Timestamp: time.Now()})
}

func (c *CallContext) appendLocked(e TranscriptEntry) {
	c.transcript = append(c.transcript, e)
}

// LastIVRPrompt returns the most recent transcribed IVR utterance.
func (c *CallContext) LastIVRPrompt() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastIVRPrompt
}

// SetLastAction records the most recent outbound action for arbitration.
func (c *CallContext) SetLastAction(kind LastActionKind, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastAction = LastAction{Kind: kind, Value: value}
}

// ClearLastAction resets the last action to none.
func (c *CallContext) ClearLastAction() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastAction = LastAction{Kind: LastActionNone}
}

// LastAction returns the recorded last action.
func (c *CallContext) LastAction() LastAction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastAction
}

// Transcript returns a copy of the transcript.
func (c *CallContext) Transcript() []TranscriptEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]TranscriptEntry, len(c.transcript))
	copy(cp, c.transcript)
	return cp
}

// OracleTranscript returns only the IVR and Agent entries, in order. The
// oracle never sees system diagnostics.
func (c *CallContext) OracleTranscript() []TranscriptEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]TranscriptEntry, 0, len(c.transcript))
	for _, e := range c.transcript {
		if e.Speaker == SpeakerIVR || e.Speaker == SpeakerAgent {
			out = append(out, e)
		}
	}
	return out
}

// IncrementMenuRetries bumps the menu counter and returns the new value.
func (c *CallContext) IncrementMenuRetries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.menuRetries++
	return c.menuRetries
}

// IncrementInfoRetries bumps the info counter and returns the new value.
func (c *CallContext) IncrementInfoRetries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.infoRetries++
	return c.infoRetries
}

// IncrementUncertain bumps the uncertainty counter and returns the new value.
func (c *CallContext) IncrementUncertain() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uncertainCount++
	return c.uncertainCount
}

// Counters returns (menuRetries, infoRetries, uncertainCount).
func (c *CallContext) Counters() (int, int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.menuRetries, c.infoRetries, c.uncertainCount
}

// SetExtractedAuth records the extraction. The first write wins; later
// writes are ignored and reported false.
func (c *CallContext) SetExtractedAuth(auth ExtractedAuthorization) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.extractedAuth != nil {
		return false
	}
	cp := auth
	c.extractedAuth = &cp
	c.appendLocked(TranscriptEntry{
		Speaker:   SpeakerSystem,
		Text:      fmt.Sprintf("Extracted authorization (status: %s)", auth.Status),
		Timestamp: time.Now(),
	})
	return true
}

// ExtractedAuth returns the extraction, or nil if none was recorded.
func (c *CallContext) ExtractedAuth() *ExtractedAuthorization {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.extractedAuth == nil {
		return nil
	}
	cp := *c.extractedAuth
	return &cp
}

// MarkComplete transitions to StateComplete and stamps the end time.
func (c *CallContext) MarkComplete() error {
	if err := c.TransitionTo(StateComplete); err != nil {
		return err
	}
	c.mu.Lock()
	c.endedAt = time.Now()
	c.mu.Unlock()
	return nil
}

// MarkFailed forces the call into StateFailed with a typed reason. Safe to
// call from any state; the first recorded reason sticks.
func (c *CallContext) MarkFailed(reason FailureReason) {
	c.mu.Lock()
	if c.failureReason == "" {
		c.failureReason = reason
	}
	c.appendLocked(TranscriptEntry{
		Speaker:   SpeakerSystem,
		Text:      fmt.Sprintf("Failed: %s", reason),
		Timestamp: time.Now(),
	})
	c.endedAt = time.Now()
	c.mu.Unlock()
	_ = c.machine.Transition(StateFailed) // always permitted
}

// FailureReason returns the typed failure, or "" for non-failed calls.
func (c *CallContext) FailureReason() FailureReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failureReason
}

// StartedAt returns the session start time.
func (c *CallContext) StartedAt() time.Time { return c.startedAt }

// Duration returns elapsed call time; for finished calls, the final
// duration.
func (c *CallContext) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.endedAt.IsZero() {
		return c.endedAt.Sub(c.startedAt)
	}
	return time.Since(c.startedAt)
}

// ContextSnapshot is the JSON-serializable form of a CallContext.
// Snapshot followed by RestoreContext yields an equivalent context.
type ContextSnapshot struct {
	CallID         string                  `json:"call_id"`
	CallSid        string                  `json:"call_sid"`
	Inputs         CallInputs              `json:"inputs"`
	State          CallState               `json:"state"`
	PreviousState  CallState               `json:"previous_state"`
	Transcript     []TranscriptEntry       `json:"transcript"`
	LastIVRPrompt  string                  `json:"last_ivr_prompt,omitempty"`
	LastAction     LastAction              `json:"last_action"`
	MenuRetries    int                     `json:"menu_retries"`
	InfoRetries    int                     `json:"info_retries"`
	UncertainCount int                     `json:"uncertain_count"`
	StartedAt      time.Time               `json:"started_at"`
	EndedAt        *time.Time              `json:"ended_at,omitempty"`
	ExtractedAuth  *ExtractedAuthorization `json:"extracted_auth,omitempty"`
	FailureReason  FailureReason           `json:"failure_reason,omitempty"`
}

// Snapshot captures the context for serialization or diagnostics.
func (c *CallContext) Snapshot() ContextSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := ContextSnapshot{
		CallID:         c.callID,
		CallSid:        c.callSid,
		Inputs:         c.inputs,
		State:          c.machine.State(),
		PreviousState:  c.previousState,
		Transcript:     append([]TranscriptEntry(nil), c.transcript...),
		LastIVRPrompt:  c.lastIVRPrompt,
		LastAction:     c.lastAction,
		MenuRetries:    c.menuRetries,
		InfoRetries:    c.infoRetries,
		UncertainCount: c.uncertainCount,
		StartedAt:      c.startedAt,
		FailureReason:  c.failureReason,
	}
	if !c.endedAt.IsZero() {
		t := c.endedAt
		snap.EndedAt = &t
	}
	if c.extractedAuth != nil {
		cp := *c.extractedAuth
		snap.ExtractedAuth = &cp
	}
	return snap
}

// MarshalJSON serializes the context via its snapshot.
func (c *CallContext) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Snapshot())
}

// RestoreContext rebuilds a context from a snapshot. The state machine is
// re-seated at the snapshot state without replaying the walk.
func RestoreContext(snap ContextSnapshot, logger *slog.Logger) *CallContext {
	c := NewCallContext(snap.CallID, snap.CallSid, snap.Inputs, logger)
	c.transcript = append([]TranscriptEntry(nil), snap.Transcript...)
	c.lastIVRPrompt = snap.LastIVRPrompt
	c.lastAction = snap.LastAction
	c.previousState = snap.PreviousState
	c.menuRetries = snap.MenuRetries
	c.infoRetries = snap.InfoRetries
	c.uncertainCount = snap.UncertainCount
	c.startedAt = snap.StartedAt
	if snap.EndedAt != nil {
		c.endedAt = *snap.EndedAt
	}
	if snap.ExtractedAuth != nil {
		cp := *snap.ExtractedAuth
		c.extractedAuth = &cp
	}
	c.failureReason = snap.FailureReason
	c.machine.state = snap.State
	c.machine.history = []CallState{snap.State}
	return c
}
