package domain

import (
	"context"
	"time"
)

// NavigatorQuery is everything the oracle needs to decide one turn.
// History carries IVR/Agent entries only; adapters trim it to their own
// window.
type NavigatorQuery struct {
	Prompt  string
	Inputs  CallInputs
	History []TranscriptEntry
}

// Navigator is the decision oracle consulted once per IVR prompt.
// Provider adapters may return transport errors so wrappers can observe
// them; the composed navigator handed to the turn controller converts
// every failure into an uncertain verdict with zero confidence.
type Navigator interface {
	Decide(ctx context.Context, q NavigatorQuery) (NavigatorDecision, error)
	Name() string
}

// ActionSender delivers outbound actions to the live audio leg. Used for
// actions produced outside the request-reply turn loop, such as silence
// prods.
type ActionSender interface {
	SendAction(ctx context.Context, action AgentAction) error
}

// DialRequest asks the telephony provider to place an outbound call.
type DialRequest struct {
	To             string
	From           string
	InstructionURL string // provider fetches call instructions here
	StatusCallback string
	Timeout        time.Duration
}

// DialResult is the provider's acknowledgement of a placed call.
type DialResult struct {
	CallSid string
	Status  string
}

// Dialer places and tears down calls through the telephony provider.
type Dialer interface {
	CreateCall(ctx context.Context, req DialRequest) (DialResult, error)
	Hangup(ctx context.Context, callSid string) error
	Configured() bool
}

// Extraction is the terminal payload pushed to the results sink.
// Empty fields are elided on the wire.
type Extraction struct {
	AuthNumber    string        `json:"auth_number,omitempty"`
	Status        AuthStatus    `json:"status,omitempty"`
	ValidThrough  string        `json:"valid_through,omitempty"`
	DenialReason  string        `json:"denial_reason,omitempty"`
	Transcript    string        `json:"transcript,omitempty"`
	FailureReason FailureReason `json:"failure_reason,omitempty"`
}

// ResultsSink receives call outcomes. Implementations retry transient
// failures once; persistent failures are logged by the caller, never
// propagated into the call outcome.
type ResultsSink interface {
	PostExtraction(ctx context.Context, callID string, ext Extraction) error
	UpdateCallStatus(ctx context.Context, callID, status string) error
	PostFailure(ctx context.Context, callID string, reason FailureReason, transcript string) error
}
