package reconcile

import (
	"fmt"
	"strings"
)

// RenderHuman produces the deterministic human-readable rendering of a
// report: totals, then one line per session in scan order.
func RenderHuman(r *Report) string {
	var b strings.Builder

	fmt.Fprintf(&b, "reconcile (%s): %d scanned, %d matched, %d skipped\n", r.Mode, r.SessionsScanned, r.SessionsMatched, r.SessionsSkipped)
	fmt.Fprintf(&b, "  messages=%d toolCalls=%d requestsSent=%d\n", r.Messages, r.ToolCalls, r.RequestsSent)

	for _, s := range r.Sessions {
		status := "skip"
		if s.Matched {
			status = "match"
		}
		fmt.Fprintf(&b, "  [%s] %s/%s -> %s", status, s.AgentID, s.SessionID, s.SessionKey)
		if s.Matched {
			fmt.Fprintf(&b, " (%s %s) messages=%d toolCalls=%d", s.EntityType, s.ExternalID, s.Messages, s.ToolCalls)
			if s.FirstAt != nil && s.LastAt != nil {
				fmt.Fprintf(&b, " span=[%s..%s]", *s.FirstAt, *s.LastAt)
			}
		}
		b.WriteString("\n")
		for _, p := range s.Preview {
			occurred := ""
			if p.OccurredAt != nil {
				occurred = " @ " + *p.OccurredAt
			}
			fmt.Fprintf(&b, "      %s %s%s\n", p.Kind, p.Key, occurred)
		}
	}

	return b.String()
}
