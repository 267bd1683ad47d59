package domain

// DecisionType is the tagged variant of a navigator verdict.
type DecisionType string

const (
	DecisionDTMF      DecisionType = "dtmf"
	DecisionSpeak     DecisionType = "speak"
	DecisionWait      DecisionType = "wait"
	DecisionExtract   DecisionType = "extract"
	DecisionUncertain DecisionType = "uncertain"
)

// Valid reports whether t is one of the five known decision types.
func (t DecisionType) Valid() bool {
	switch t {
	case DecisionDTMF, DecisionSpeak, DecisionWait, DecisionExtract, DecisionUncertain:
		return true
	}
	return false
}

// AuthStatus is the outcome of a prior-authorization lookup.
type AuthStatus string

const (
	AuthApproved AuthStatus = "approved"
	AuthDenied   AuthStatus = "denied"
	AuthPending  AuthStatus = "pending"
	AuthNotFound AuthStatus = "not_found"
	AuthExpired  AuthStatus = "expired"
)

// ExtractedAuthorization is the structured result pulled from the IVR.
// At most one per call.
type ExtractedAuthorization struct {
	AuthNumber   string     `json:"auth_number,omitempty"`
	Status       AuthStatus `json:"status,omitempty"`
	ValidThrough string     `json:"valid_through,omitempty"`
	DenialReason string     `json:"denial_reason,omitempty"`
	RawText      string     `json:"raw_text,omitempty"`
}

// NavigatorDecision is the oracle's verdict for one IVR prompt.
// Value is required for dtmf (digit string) and speak (utterance);
// ExtractedData is required for extract. Confidence is in [0, 1].
type NavigatorDecision struct {
	Type          DecisionType            `json:"type"`
	Value         string                  `json:"value,omitempty"`
	Confidence    float64                 `json:"confidence"`
	Reasoning     string                  `json:"reasoning,omitempty"`
	ExtractedData *ExtractedAuthorization `json:"extracted_data,omitempty"`
}

// Uncertain builds the fallback verdict used whenever the oracle cannot be
// consulted or returns something unusable.
func Uncertain(reason string) NavigatorDecision {
	return NavigatorDecision{Type: DecisionUncertain, Confidence: 0.0, Reasoning: reason}
}

// Advisory is a governor recommendation. The turn controller stays
// authoritative over what actually goes out on the wire.
type Advisory string

const (
	AdvisoryNone        Advisory = "none"
	AdvisoryDTMF9       Advisory = "dtmf_9"
	AdvisorySpeakRepeat Advisory = "speak_repeat"
	AdvisoryRetrySame   Advisory = "retry_same"
	AdvisoryAlternative Advisory = "alternative"
	AdvisoryEndCall     Advisory = "end_call"
)

// ActionKind classifies an outbound wire action.
type ActionKind string

const (
	ActionText       ActionKind = "text"
	ActionSendDigits ActionKind = "sendDigits"
	ActionEnd        ActionKind = "end"
)

// AgentAction is a single outbound action produced by the turn controller.
// The gateway translates it into the provider's wire frame.
type AgentAction struct {
	Kind  ActionKind
	Value string
}

// SpeakAction returns a text action carrying the utterance.
func SpeakAction(utterance string) *AgentAction {
	return &AgentAction{Kind: ActionText, Value: utterance}
}

// DigitsAction returns a sendDigits action.
func DigitsAction(digits string) *AgentAction {
	return &AgentAction{Kind: ActionSendDigits, Value: digits}
}

// EndAction returns a hang-up action.
func EndAction() *AgentAction {
	return &AgentAction{Kind: ActionEnd}
}
