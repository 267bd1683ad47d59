package oracle

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/kaptinlin/jsonschema"

	"authbridge/internal/domain"
)

// decisionSchemaJSON validates the verdict shape before it reaches the
// state machine. Confidence bounds are deliberately absent here; out of
// range values are clamped rather than rejected.
const decisionSchemaJSON = `{
	"type": "object",
	"required": ["type", "confidence"],
	"properties": {
		"type": {
			"type": "string",
			"enum": ["dtmf", "speak", "wait", "extract", "uncertain"]
		},
		"value": {"type": ["string", "null"]},
		"confidence": {"type": "number"},
		"reasoning": {"type": ["string", "null"]},
		"extracted_data": {"type": ["object", "null"]}
	}
}`

var (
	schemaOnce     sync.Once
	decisionSchema *jsonschema.Schema
	schemaErr      error

	// Fallback for models that wrap the JSON in prose. Matches the first
	// brace-delimited object without nesting.
	jsonObjectRe = regexp.MustCompile(`(?s)\{[^{}]*\}`)
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		decisionSchema, schemaErr = compiler.Compile([]byte(decisionSchemaJSON))
	})
	return decisionSchema, schemaErr
}

// decisionWire is the JSON shape the oracle is instructed to produce.
type decisionWire struct {
	Type          string                         `json:"type"`
	Value         *string                        `json:"value"`
	Confidence    *float64                       `json:"confidence"`
	Reasoning     string                         `json:"reasoning"`
	ExtractedData *domain.ExtractedAuthorization `json:"extracted_data"`
}

// ParseDecision turns raw oracle output into a validated NavigatorDecision.
// It tries a strict parse of the whole payload first, then falls back to
// the first JSON object embedded in surrounding text.
func ParseDecision(raw string) (domain.NavigatorDecision, error) {
	payload := stripCodeFences(raw)

	candidate := payload
	if !json.Valid([]byte(candidate)) {
		match := jsonObjectRe.FindString(payload)
		if match == "" {
			return domain.NavigatorDecision{}, fmt.Errorf("no JSON object in oracle output")
		}
		candidate = match
	}

	if schema, err := compiledSchema(); err == nil {
		result := schema.Validate([]byte(candidate))
		if !result.IsValid() {
			return domain.NavigatorDecision{}, fmt.Errorf("oracle output failed schema validation")
		}
	}

	var wire decisionWire
	if err := json.Unmarshal([]byte(candidate), &wire); err != nil {
		return domain.NavigatorDecision{}, fmt.Errorf("unmarshal oracle output: %w", err)
	}

	return toDecision(wire)
}

// toDecision applies the structural rules the schema cannot express.
func toDecision(wire decisionWire) (domain.NavigatorDecision, error) {
	dt := domain.DecisionType(wire.Type)
	if !dt.Valid() {
		return domain.NavigatorDecision{}, fmt.Errorf("unknown decision type %q", wire.Type)
	}

	dec := domain.NavigatorDecision{
		Type:      dt,
		Reasoning: wire.Reasoning,
	}
	if dec.Reasoning == "" {
		dec.Reasoning = "No reasoning provided"
	}

	if wire.Confidence != nil {
		dec.Confidence = clamp01(*wire.Confidence)
	} else {
		dec.Confidence = 0.5
	}

	switch dt {
	case domain.DecisionDTMF, domain.DecisionSpeak:
		if wire.Value == nil || strings.TrimSpace(*wire.Value) == "" {
			return domain.NavigatorDecision{}, fmt.Errorf("decision type %q requires a value", wire.Type)
		}
		dec.Value = strings.TrimSpace(*wire.Value)
	case domain.DecisionExtract:
		if wire.ExtractedData == nil {
			return domain.NavigatorDecision{}, fmt.Errorf("extract decision missing extracted_data")
		}
		data := *wire.ExtractedData
		dec.ExtractedData = &data
	}

	return dec, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// stripCodeFences removes markdown code fences some models wrap JSON in.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
