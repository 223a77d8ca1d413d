package relay

import (
	"fmt"
	"html"
	"strings"

	"github.com/asheshgoplani/agent-relay/internal/phase"
	"github.com/asheshgoplani/agent-relay/internal/process"
	"github.com/asheshgoplani/agent-relay/internal/screen"
	"github.com/asheshgoplani/agent-relay/internal/session"
	"github.com/asheshgoplani/agent-relay/internal/stream"
)

const approvalPrefix = "ap"

// ApprovalData is the callback payload of an approval button.
func ApprovalData(sessionID string, d phase.Decision) string {
	return approvalPrefix + ":" + sessionID + ":" + d.String()
}

// ParseApprovalData reverses ApprovalData. ok is false for payloads that
// are not approval buttons.
func ParseApprovalData(data string) (sessionID string, d phase.Decision, ok bool) {
	parts := strings.Split(data, ":")
	if len(parts) != 3 || parts[0] != approvalPrefix || parts[1] == "" {
		return "", 0, false
	}
	d, err := phase.ParseDecision(parts[2])
	if err != nil {
		return "", 0, false
	}
	return parts[1], d, true
}

func approvalMarkup(sessionID string) *stream.Markup {
	return &stream.Markup{Rows: [][]stream.Button{
		{
			{Text: "✅ Allow", Data: ApprovalData(sessionID, phase.Allow)},
			{Text: "♾ Always", Data: ApprovalData(sessionID, phase.AllowAlways)},
		},
		{
			{Text: "❌ Deny", Data: ApprovalData(sessionID, phase.Deny)},
		},
	}}
}

// approvalContent renders the prompt message. outcome is appended once the
// prompt has been answered.
func approvalContent(s *session.Session, a *screen.Approval, outcome string) stream.Content {
	var b strings.Builder
	fmt.Fprintf(&b, "🔐 <b>%s</b> needs approval\n", html.EscapeString(s.Name))
	if a.Tool != "" {
		fmt.Fprintf(&b, "<b>%s</b>\n", html.EscapeString(a.Tool))
	}
	if a.Question != "" {
		b.WriteString(html.EscapeString(a.Question))
		b.WriteString("\n")
	}
	for _, o := range a.Options {
		fmt.Fprintf(&b, "<code>%d.</code> %s\n", o.Number, html.EscapeString(o.Label))
	}
	if outcome != "" {
		fmt.Fprintf(&b, "\n<i>%s</i>", html.EscapeString(outcome))
	}
	return stream.Content{Text: strings.TrimRight(b.String(), "\n"), HTML: true}
}

func decisionOutcome(d phase.Decision) string {
	switch d {
	case phase.AllowAlways:
		return "Allowed (always)"
	case phase.Deny:
		return "Denied"
	default:
		return "Allowed"
	}
}

// decisionKey picks the menu key for a decision. Menus are matched by
// label; without a usable menu the usual numbering is assumed and a deny
// falls back to Escape, which dismisses the prompt.
func decisionKey(a *screen.Approval, d phase.Decision) process.Key {
	var opts []screen.Option
	if a != nil {
		opts = a.Options
	}
	find := func(match func(label string) bool) (process.Key, bool) {
		for _, o := range opts {
			if match(strings.ToLower(o.Label)) {
				return process.Digit(o.Number), true
			}
		}
		return "", false
	}
	always := func(l string) bool {
		return strings.Contains(l, "don't ask again") || strings.Contains(l, "always")
	}

	switch d {
	case phase.AllowAlways:
		if k, ok := find(always); ok {
			return k
		}
		if len(opts) == 0 {
			return process.Digit(2)
		}
		fallthrough
	case phase.Allow:
		if k, ok := find(func(l string) bool { return strings.HasPrefix(l, "yes") && !always(l) }); ok {
			return k
		}
		return process.Digit(1)
	default:
		if k, ok := find(func(l string) bool { return strings.HasPrefix(l, "no") }); ok {
			return k
		}
		return process.KeyEscape
	}
}

// approvalKey identifies a menu so its lingering echo can be recognized.
func approvalKey(a *screen.Approval) string {
	if a == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(a.Tool)
	b.WriteByte(0)
	b.WriteString(a.Question)
	for _, o := range a.Options {
		b.WriteByte(0)
		b.WriteString(o.Label)
	}
	return b.String()
}
