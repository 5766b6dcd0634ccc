package thread

import (
	"strings"
)

// FormatHistory renders a thread as the plain conversation block injected
// into group-chat and council-review prompts. Bodies are verbatim except for
// one leading "<sender>:" prefix, which is stripped so recursive injection
// does not double-prefix.
func FormatHistory(messages []Message, target string) string {
	var b strings.Builder
	b.WriteString("[Previous conversation]\n")
	for _, msg := range messages {
		body := stripSenderPrefix(msg.Body, msg.From)
		b.WriteString(msg.From)
		b.WriteString(": ")
		b.WriteString(body)
		b.WriteString("\n\n")
	}
	b.WriteString("---\n")
	b.WriteString("You are ")
	b.WriteString(target)
	b.WriteString(". Continue the discussion. Respond to the points raised above.")
	return b.String()
}

func stripSenderPrefix(body, sender string) string {
	prefix := sender + ":"
	if strings.HasPrefix(body, prefix) {
		return strings.TrimLeft(strings.TrimPrefix(body, prefix), " ")
	}
	return body
}
