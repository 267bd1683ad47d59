package telephony

import (
	"fmt"
	"strings"
)

// RelayTwiML renders the call instructions that hand the audio leg over to
// the speech-relay WebSocket. The call_id parameter lets the session be
// matched back to the pending call record when the socket opens.
func RelayTwiML(wsURL, callID string) string {
	return fmt.Sprintf(
		`<?xml version="1.0" encoding="UTF-8"?>
<Response>
  <Connect>
    <ConversationRelay url="%s" dtmfDetection="true">
      <Parameter name="call_id" value="%s"/>
    </ConversationRelay>
  </Connect>
</Response>`,
		xmlEscape(wsURL), xmlEscape(callID))
}

func xmlEscape(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&apos;")
	return s
}
