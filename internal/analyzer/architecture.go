package analyzer

import (
	"context"
	"fmt"
	"strings"

	"github.com/reviewdesk/internal/diff"
)

// ArchitectureAnalyzer runs structural heuristics over the change: lock
// discipline, goroutine lifecycle, sleep-based synchronization, and change
// size. It is deliberately conservative; every rule flags a pattern that is
// wrong often enough to be worth a human look.
type ArchitectureAnalyzer struct {
	// maxAddedLines is the per-file threshold above which a change is
	// flagged as too large to review safely.
	maxAddedLines int
}

func NewArchitectureAnalyzer() *ArchitectureAnalyzer {
	return &ArchitectureAnalyzer{maxAddedLines: 400}
}

func (a *ArchitectureAnalyzer) Name() string { return "architecture" }

func (a *ArchitectureAnalyzer) Analyze(ctx context.Context, p Payload) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var findings []Finding
	switch p.Kind {
	case PayloadDiff:
		for _, fd := range diff.Parse(p.Text) {
			findings = append(findings, a.inspectFile(fd.Path, fd.AddedLines())...)
		}
	default:
		for path, lines := range splitSourcePayload(p.Text) {
			findings = append(findings, a.inspectFile(path, lines)...)
		}
	}

	summary := "No architecture or concurrency concerns found."
	if len(findings) > 0 {
		summary = fmt.Sprintf("%d architecture concern(s) flagged.", len(findings))
	}
	return &Result{Findings: findings, Summary: summary}, nil
}

func (a *ArchitectureAnalyzer) inspectFile(path string, lines []string) []Finding {
	var findings []Finding

	locks, unlocks, deferredUnlocks := 0, 0, 0
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)

		if strings.Contains(trimmed, ".Lock()") && !strings.Contains(trimmed, "defer") {
			locks++
		}
		if strings.Contains(trimmed, ".Unlock()") {
			if strings.Contains(trimmed, "defer") {
				deferredUnlocks++
			} else {
				unlocks++
			}
		}

		if strings.Contains(trimmed, "go func(") && !containsAny(lines, "ctx", "context.", "done", "Done()") {
			findings = append(findings, Finding{
				File: path, Line: i + 1, Severity: "medium",
				Description: "goroutine launched with no visible cancellation path; a hung worker will leak",
			})
		}

		if strings.Contains(trimmed, "time.Sleep(") {
			findings = append(findings, Finding{
				File: path, Line: i + 1, Severity: "low",
				Description: "sleep-based synchronization; prefer channels or sync primitives",
			})
		}
	}

	if locks > unlocks+deferredUnlocks {
		findings = append(findings, Finding{
			File: path, Line: 1, Severity: "high",
			Description: fmt.Sprintf("%d lock acquisition(s) but only %d release(s) in this change; possible deadlock or unreleased lock", locks, unlocks+deferredUnlocks),
		})
	}

	if len(lines) > a.maxAddedLines {
		findings = append(findings, Finding{
			File: path, Line: 1, Severity: "low",
			Description: fmt.Sprintf("change adds %d lines to this file; consider splitting for reviewability", len(lines)),
		})
	}

	return findings
}

func containsAny(lines []string, subs ...string) bool {
	for _, line := range lines {
		for _, s := range subs {
			if strings.Contains(line, s) {
				return true
			}
		}
	}
	return false
}

// splitSourcePayload splits a flattened source payload back into per-file
// line slices using the "// file: <path>" markers.
func splitSourcePayload(text string) map[string][]string {
	files := make(map[string][]string)
	current := ""
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(line, "// file: ") {
			current = strings.TrimPrefix(line, "// file: ")
			continue
		}
		if current != "" {
			files[current] = append(files[current], line)
		}
	}
	return files
}
