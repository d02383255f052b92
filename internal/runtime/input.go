package runtime

import (
	"strings"

	"agenthub/internal/ansi"
)

// enterEquivalents normalizes keypad-enter and CRLF into a bare CR before
// the ANSI stripper would swallow the escape form.
var enterEquivalents = strings.NewReplacer("\x1bOM", "\r", "\r\n", "\r")

// PromptParser watches the byte stream written to a chat's PTY and emits the
// prompts the user submits. Editing keys are honored so the emitted prompt
// matches what the agent actually received.
type PromptParser struct {
	stripper ansi.Stripper
	line     []rune
}

// Feed consumes one input chunk and returns any prompts completed by it.
func (p *PromptParser) Feed(b []byte) []string {
	text := p.stripper.Strip(enterEquivalents.Replace(string(b)))
	var prompts []string
	for _, r := range text {
		switch {
		case r == '\r' || r == '\n':
			if prompt := compactWhitespace(string(p.line)); prompt != "" {
				prompts = append(prompts, prompt)
			}
			p.line = p.line[:0]
		case r == 0x08 || r == 0x7f: // BS / DEL
			if len(p.line) > 0 {
				p.line = p.line[:len(p.line)-1]
			}
		case r == 0x15: // Ctrl+U
			p.line = p.line[:0]
		case r < 0x20:
			// other control bytes are not prompt text
		default:
			p.line = append(p.line, r)
		}
	}
	return prompts
}

func compactWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
