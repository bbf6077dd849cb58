package outbound

import (
	"fmt"
	"strings"

	kit "timerquiz/internal/transport"
	"timerquiz/pkg/tgui"
)

// FallbackText renders a poll as a plain message: the question, every
// option once with a letter label, and the timer hint.
func FallbackText(p kit.Poll) string {
	q, opts := p.Question, p.Options
	if p.FallbackQuestion != "" {
		q = p.FallbackQuestion
	}
	if len(p.FallbackOptions) > 0 {
		opts = p.FallbackOptions
	}

	var b strings.Builder
	b.WriteString("❓ ")
	b.WriteString(q)
	b.WriteString("\n\nOptions:")
	for i, o := range opts {
		fmt.Fprintf(&b, "\n%s. %s", tgui.Letter(i), o)
	}
	b.WriteString("\n\n")
	if p.OpenPeriod > 0 {
		fmt.Fprintf(&b, "⏰ Timer: %d seconds\n", p.OpenPeriod)
	}
	b.WriteString("⚠️ Poll failed due to server issues - please answer in chat.")
	return b.String()
}
