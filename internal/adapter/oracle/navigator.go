package oracle

import (
	"fmt"
	"strings"

	"authbridge/internal/domain"
)

// historyWindow is the number of trailing transcript entries the oracle sees.
const historyWindow = 10

// systemPrompt describes the IVR-navigation task and the required JSON
// verdict shape.
const systemPrompt = `You are an AI agent navigating an insurance company's IVR (Interactive Voice Response) system to check prior authorization status.

Your role is to analyze IVR prompts and decide the appropriate action. You will receive:
1. The current IVR prompt (what the system just said)
2. Call context (member ID, CPT code, date of birth)
3. Conversation history

You must respond with a JSON object containing:
- type: One of "dtmf" (press digit), "speak" (say something), "wait" (listen more), "extract" (found authorization data), "uncertain" (need help)
- value: The DTMF digit to press OR the text to speak (null for wait/extract/uncertain)
- confidence: A score from 0.0 to 1.0 indicating your confidence in this decision
- reasoning: Brief explanation of why you chose this action
- extracted_data: (Only for type="extract") Object with auth_number, status, valid_through fields

Guidelines:
1. For menu navigation, identify which option leads to "prior authorization" or "authorization status"
2. When asked for member ID, spell it out clearly (e.g., "A B C 1 2 3 4 5 6")
3. When asked for date of birth, provide as 8 digits MMDDYYYY
4. When asked for CPT code, provide the 5-digit code
5. When you hear authorization results, extract: auth_number, status (approved/denied/pending/not_found), valid_through date
6. If uncertain, set type="uncertain" with confidence < 0.6

Common IVR patterns:
- "Press 1 for X, press 2 for Y" -> Identify the right option and send DTMF
- "Enter your member ID" -> Speak the member ID
- "Enter date of birth" -> Speak DOB as MMDDYYYY
- "Authorization PA-XXXX is approved through DATE" -> Extract data
- "No authorization found" -> Extract with status="not_found"

Always respond with valid JSON only, no additional text.`

// buildUserMessage assembles the per-turn message: call context, the
// trailing history window, and the current prompt.
func buildUserMessage(q domain.NavigatorQuery) string {
	var b strings.Builder

	fmt.Fprintf(&b, "CALL CONTEXT:\n- Member ID: %s\n- CPT Code: %s\n- Date of Birth: %s\n",
		q.Inputs.MemberID, q.Inputs.CPTCode, q.Inputs.DateOfBirth)
	if q.Inputs.ProviderName != "" {
		fmt.Fprintf(&b, "- Provider: %s\n", q.Inputs.ProviderName)
	}

	history := q.History
	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}
	if len(history) > 0 {
		b.WriteString("\nCONVERSATION HISTORY:\n")
		for _, e := range history {
			fmt.Fprintf(&b, "%s: %s\n", e.Speaker, e.Text)
		}
	}

	fmt.Fprintf(&b, "\nCURRENT IVR PROMPT:\n%s\n\nAnalyze this prompt and provide your decision as JSON.", q.Prompt)
	return b.String()
}
