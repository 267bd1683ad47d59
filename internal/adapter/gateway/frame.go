package gateway

import "authbridge/internal/domain"

// Inbound frame types from the speech relay.
const (
	FrameSetup       = "setup"
	FramePrompt      = "prompt"
	FrameDTMF        = "dtmf"
	FrameInterrupted = "interrupted"
	FrameError       = "error"
)

// Outbound frame types to the speech relay.
const (
	FrameText       = "text"
	FrameSendDigits = "sendDigits"
	FrameEnd        = "end"
)

// InboundFrame is one JSON document from the relay. Fields are populated
// according to Type.
type InboundFrame struct {
	Type             string            `json:"type"`
	CallSid          string            `json:"callSid,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
	VoicePrompt      string            `json:"voicePrompt,omitempty"`
	Digit            string            `json:"digit,omitempty"`
	Description      string            `json:"description,omitempty"`
}

// OutboundFrame is one JSON document to the relay.
type OutboundFrame struct {
	Type   string `json:"type"`
	Token  string `json:"token,omitempty"`
	Digits string `json:"digits,omitempty"`
	Last   bool   `json:"last,omitempty"`
}

// FrameFromAction translates a controller action onto the wire.
func FrameFromAction(a domain.AgentAction) OutboundFrame {
	switch a.Kind {
	case domain.ActionText:
		return OutboundFrame{Type: FrameText, Token: a.Value, Last: true}
	case domain.ActionSendDigits:
		return OutboundFrame{Type: FrameSendDigits, Digits: a.Value}
	default:
		return OutboundFrame{Type: FrameEnd}
	}
}
