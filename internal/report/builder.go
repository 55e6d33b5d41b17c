// Package report merges heterogeneous analyzer outcomes into one Markdown
// document. Rendering is deterministic: identical input produces
// byte-identical output, in a fixed analyzer order independent of
// completion order.
package report

import (
	"errors"
	"fmt"
	"strings"

	"github.com/reviewdesk/internal/analyzer"
)

const header = "## Code Review Report"

// Build renders one section per requested analyzer, in the given order.
// A failed analyzer renders a short failure note; a clean analyzer renders
// an explicit "no issues found" line. Every requested analyzer appears
// exactly once, so silence is never ambiguous.
func Build(order []string, outcomes map[string]analyzer.Outcome) string {
	var b strings.Builder
	b.WriteString(header)
	b.WriteString("\n\n")
	b.WriteString(summaryLine(order, outcomes))
	b.WriteString("\n")

	for _, name := range order {
		b.WriteString("\n<details>\n")
		out, ok := outcomes[name]
		switch {
		case !ok:
			fmt.Fprintf(&b, "<summary><b>%s</b> — not run</summary>\n\n", displayName(name))
			b.WriteString("_This analyzer produced no outcome._\n")
		case out.Err != nil:
			fmt.Fprintf(&b, "<summary><b>%s</b> — failed</summary>\n\n", displayName(name))
			fmt.Fprintf(&b, "_%s_\n", failureNote(out.Err))
		case len(out.Result.Findings) == 0:
			fmt.Fprintf(&b, "<summary><b>%s</b> — no issues found</summary>\n\n", displayName(name))
			fmt.Fprintf(&b, "%s\n\nNo issues found.\n", out.Result.Summary)
		default:
			fmt.Fprintf(&b, "<summary><b>%s</b> — %d finding(s)</summary>\n\n", displayName(name), len(out.Result.Findings))
			fmt.Fprintf(&b, "%s\n\n", out.Result.Summary)
			for _, f := range out.Result.Findings {
				b.WriteString(renderFinding(f))
			}
		}
		b.WriteString("</details>\n")
	}
	return b.String()
}

func summaryLine(order []string, outcomes map[string]analyzer.Outcome) string {
	total, failed := 0, 0
	for _, name := range order {
		out, ok := outcomes[name]
		switch {
		case !ok || out.Err != nil:
			failed++
		default:
			total += len(out.Result.Findings)
		}
	}
	line := fmt.Sprintf("**%d finding(s) across %d analyzer(s).**", total, len(order))
	if failed > 0 {
		line = fmt.Sprintf("**%d finding(s) across %d analyzer(s) (%d analyzer(s) did not complete).**", total, len(order), failed)
	}
	return line
}

func renderFinding(f analyzer.Finding) string {
	loc := "general"
	if f.File != "" {
		loc = fmt.Sprintf("%s:%d", f.File, f.Line)
	}
	if f.Severity != "" {
		return fmt.Sprintf("- `%s` — %s _(%s)_\n", loc, f.Description, f.Severity)
	}
	return fmt.Sprintf("- `%s` — %s\n", loc, f.Description)
}

// failureNote distinguishes "tool crashed or hung" from "tool ran and
// errored".
func failureNote(err error) string {
	var aerr *analyzer.Error
	if errors.As(err, &aerr) && aerr.Timeout {
		return "This analyzer timed out before producing a result."
	}
	return fmt.Sprintf("This analyzer failed: %v.", err)
}

func displayName(name string) string {
	if name == "" {
		return name
	}
	return strings.ToUpper(name[:1]) + name[1:]
}
