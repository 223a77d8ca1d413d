package telegram

import (
	"fmt"
	"html"
	"strings"

	"github.com/asheshgoplani/agent-relay/internal/session"
	"github.com/asheshgoplani/agent-relay/internal/statedb"
)

func formatList(infos []session.Info) string {
	if len(infos) == 0 {
		return "No sessions. Start one with /new [dir]."
	}
	var b strings.Builder
	for _, in := range infos {
		mark := "•"
		if in.Selected {
			mark = "▶"
		}
		fmt.Fprintf(&b, "%s <b>%s</b> <code>%s</code> %s\n   %s\n",
			mark, html.EscapeString(in.Name), in.ID, in.Phase, html.EscapeString(in.WorkDir))
	}
	return strings.TrimRight(b.String(), "\n")
}

// formatScreen renders a screen dump, keeping the bottom of the screen
// when it is too long for one message.
func formatScreen(name, text string) string {
	if strings.TrimSpace(text) == "" {
		text = "(blank screen)"
	}
	if r := []rune(text); len(r) > maxScreenChars {
		text = "…" + string(r[len(r)-maxScreenChars:])
	}
	return fmt.Sprintf("🖥 <b>%s</b>\n<pre>%s</pre>", html.EscapeString(name), html.EscapeString(text))
}

func formatSessions(rows []*statedb.SessionRow) string {
	if len(rows) == 0 {
		return "No past sessions."
	}
	var b strings.Builder
	for _, r := range rows {
		state := "running"
		if !r.EndedAt.IsZero() {
			state = "ended " + r.EndedAt.Format("Jan 2 15:04")
			if r.EndReason != "" {
				state += " (" + r.EndReason + ")"
			}
		}
		fmt.Fprintf(&b, "• <b>%s</b> <code>%s</code> started %s, %s\n",
			html.EscapeString(r.Name), r.ID, r.CreatedAt.Format("Jan 2 15:04"), html.EscapeString(state))
	}
	b.WriteString("\n/history &lt;id&gt; shows a session's events.")
	return b.String()
}

func formatEvents(sessionID string, events []*statedb.EventRow) string {
	if len(events) == 0 {
		return fmt.Sprintf("No events for <code>%s</code>.", html.EscapeString(sessionID))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Events of <code>%s</code>\n", html.EscapeString(sessionID))
	for _, ev := range events {
		line := ev.Kind
		if ev.FromPhase != "" || ev.ToPhase != "" {
			line += " " + ev.FromPhase + " → " + ev.ToPhase
		}
		if ev.Detail != "" {
			line += ": " + ev.Detail
		}
		fmt.Fprintf(&b, "<code>%s</code> %s\n", ev.At.Format("15:04:05"), html.EscapeString(line))
	}
	return strings.TrimRight(b.String(), "\n")
}
