package oracle

import (
	"strings"
	"testing"

	"authbridge/internal/domain"
)

func TestParseDecisionStrict(t *testing.T) {
	raw := `{"type":"dtmf","value":"2","confidence":0.95,"reasoning":"Option 2 is prior authorization"}`
	dec, err := ParseDecision(raw)
	if err != nil {
		t.Fatalf("ParseDecision: %v", err)
	}
	if dec.Type != domain.DecisionDTMF || dec.Value != "2" {
		t.Errorf("got %+v", dec)
	}
	if dec.Confidence != 0.95 {
		t.Errorf("confidence = %v", dec.Confidence)
	}
}

func TestParseDecisionEmbeddedInProse(t *testing.T) {
	raw := `Here is my decision:
{"type": "speak", "value": "A B C 1 2 3", "confidence": 0.9, "reasoning": "member id requested"}
Let me know if you need anything else.`
	dec, err := ParseDecision(raw)
	if err != nil {
		t.Fatalf("ParseDecision: %v", err)
	}
	if dec.Type != domain.DecisionSpeak || dec.Value != "A B C 1 2 3" {
		t.Errorf("got %+v", dec)
	}
}

func TestParseDecisionCodeFenced(t *testing.T) {
	raw := "```json\n{\"type\":\"wait\",\"confidence\":0.8,\"reasoning\":\"still listing options\"}\n```"
	dec, err := ParseDecision(raw)
	if err != nil {
		t.Fatalf("ParseDecision: %v", err)
	}
	if dec.Type != domain.DecisionWait {
		t.Errorf("type = %s", dec.Type)
	}
}

func TestParseDecisionExtract(t *testing.T) {
	raw := `{"type":"extract","confidence":0.92,"reasoning":"heard result",
		"extracted_data":{"auth_number":"PA-12345","status":"approved","valid_through":"2026-12-31"}}`
	dec, err := ParseDecision(raw)
	if err != nil {
		t.Fatalf("ParseDecision: %v", err)
	}
	if dec.ExtractedData == nil {
		t.Fatal("nil extracted data")
	}
	if dec.ExtractedData.AuthNumber != "PA-12345" || dec.ExtractedData.Status != domain.AuthApproved {
		t.Errorf("got %+v", dec.ExtractedData)
	}
}

func TestParseDecisionDefaults(t *testing.T) {
	dec, err := ParseDecision(`{"type":"uncertain","confidence":0.3}`)
	if err != nil {
		t.Fatalf("ParseDecision: %v", err)
	}
	if dec.Reasoning != "No reasoning provided" {
		t.Errorf("reasoning = %q", dec.Reasoning)
	}
}

func TestParseDecisionClampsConfidence(t *testing.T) {
	dec, err := ParseDecision(`{"type":"wait","confidence":1.7,"reasoning":"x"}`)
	if err != nil {
		t.Fatalf("ParseDecision: %v", err)
	}
	if dec.Confidence != 1.0 {
		t.Errorf("confidence = %v, want clamped 1.0", dec.Confidence)
	}

	dec, err = ParseDecision(`{"type":"wait","confidence":-0.2,"reasoning":"x"}`)
	if err != nil {
		t.Fatalf("ParseDecision: %v", err)
	}
	if dec.Confidence != 0.0 {
		t.Errorf("confidence = %v, want clamped 0.0", dec.Confidence)
	}
}

func TestParseDecisionRejects(t *testing.T) {
	cases := map[string]string{
		"no json":            "I am not sure what to do here.",
		"unknown type":       `{"type":"hangup","confidence":0.9,"reasoning":"x"}`,
		"dtmf without value": `{"type":"dtmf","confidence":0.9,"reasoning":"x"}`,
		"speak empty value":  `{"type":"speak","value":"  ","confidence":0.9,"reasoning":"x"}`,
		"extract no data":    `{"type":"extract","confidence":0.9,"reasoning":"x"}`,
		"missing type":       `{"confidence":0.9,"reasoning":"x"}`,
	}
	for name, raw := range cases {
		if _, err := ParseDecision(raw); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestBuildUserMessageLayout(t *testing.T) {
	q := domain.NavigatorQuery{
		Prompt: "Press 1 for claims, press 2 for authorizations",
		Inputs: domain.CallInputs{MemberID: "ABC123456", CPTCode: "27447", DateOfBirth: "03/15/1965"},
		History: []domain.TranscriptEntry{
			{Speaker: domain.SpeakerIVR, Text: "Welcome to Acme Insurance"},
			{Speaker: domain.SpeakerAgent, Text: "[DTMF] 2"},
		},
	}
	msg := buildUserMessage(q)

	for _, want := range []string{
		"CALL CONTEXT:",
		"- Member ID: ABC123456",
		"- CPT Code: 27447",
		"CONVERSATION HISTORY:",
		"IVR: Welcome to Acme Insurance",
		"CURRENT IVR PROMPT:\nPress 1 for claims, press 2 for authorizations",
		"provide your decision as JSON",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}
}

func TestBuildUserMessageWindowsHistory(t *testing.T) {
	q := domain.NavigatorQuery{Prompt: "p", Inputs: domain.CallInputs{MemberID: "M"}}
	for i := 0; i < 15; i++ {
		q.History = append(q.History, domain.TranscriptEntry{
			Speaker: domain.SpeakerIVR,
			Text:    strings.Repeat("x", i+1),
		})
	}
	msg := buildUserMessage(q)

	if strings.Contains(msg, "IVR: xxxxx\n") {
		t.Error("entry outside the trailing window should be dropped")
	}
	if !strings.Contains(msg, "IVR: "+strings.Repeat("x", 15)) {
		t.Error("latest entry missing")
	}
}
