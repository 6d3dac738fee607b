package workflow

import (
	"fmt"
	"strings"

	"github.com/stationhq/conductor/internal/session"
)

// Reply is the user-visible outcome of a turn.
type Reply struct {
	Text      string
	Suspended bool
}

// composeReply merges the answer text with anything still waiting on the
// user: open questions, pending approvals, and execution failures. Failures
// are always surfaced in the text, never left silent.
func composeReply(answer string, questions []session.UserQuestion, approvals []session.ApprovalRequest, failures []string, outstanding []session.Obligation) Reply {
	var b strings.Builder

	if answer != "" {
		b.WriteString(answer)
	}

	if len(failures) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("Some steps failed:\n")
		for _, f := range failures {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}

	if len(outstanding) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("Still in progress:\n")
		for _, o := range outstanding {
			fmt.Fprintf(&b, "- %s\n", o.Description)
		}
	}

	if len(questions) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		for _, q := range questions {
			fmt.Fprintf(&b, "%s\n", q.Question)
		}
	}

	if len(approvals) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("Waiting on your approval:\n")
		for _, a := range approvals {
			if a.RiskLevel != "" {
				fmt.Fprintf(&b, "- [%s] %s\n", a.RiskLevel, a.Description)
			} else {
				fmt.Fprintf(&b, "- %s\n", a.Description)
			}
		}
	}

	return Reply{
		Text:      strings.TrimRight(b.String(), "\n"),
		Suspended: len(questions) > 0 || len(approvals) > 0,
	}
}
