package analyzer

import (
	"context"
	"fmt"
	"strings"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// SecurityAnalyzer scans the payload for leaked secrets and credentials
// with the gitleaks ruleset.
type SecurityAnalyzer struct {
	detector *detect.Detector
}

func NewSecurityAnalyzer() (*SecurityAnalyzer, error) {
	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("load gitleaks rules: %w", err)
	}
	return &SecurityAnalyzer{detector: d}, nil
}

func (a *SecurityAnalyzer) Name() string { return "security" }

func (a *SecurityAnalyzer) Analyze(ctx context.Context, p Payload) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	leaks := a.detector.DetectString(p.Text)

	findings := make([]Finding, 0, len(leaks))
	for _, leak := range leaks {
		// The rule match carries the secret itself; report the rule, never
		// the matched value.
		findings = append(findings, Finding{
			File:        fileForLine(p, leak.StartLine+1),
			Line:        leak.StartLine + 1,
			Description: fmt.Sprintf("%s (rule %s)", leak.Description, leak.RuleID),
			Severity:    "high",
		})
	}

	summary := "No leaked credentials detected."
	if len(findings) > 0 {
		summary = fmt.Sprintf("%d potential leaked credential(s) detected.", len(findings))
	}
	return &Result{Findings: findings, Summary: summary}, nil
}

// fileForLine attributes a payload line number back to a file by walking
// the file markers: "+++ b/<path>" in diffs, "// file: <path>" in flattened
// source payloads.
func fileForLine(p Payload, line int) string {
	lines := strings.Split(p.Text, "\n")
	if line > len(lines) {
		line = len(lines)
	}
	current := ""
	for i := 0; i < line && i < len(lines); i++ {
		switch {
		case strings.HasPrefix(lines[i], "+++ b/"):
			current = strings.TrimPrefix(lines[i], "+++ b/")
		case strings.HasPrefix(lines[i], "// file: "):
			current = strings.TrimPrefix(lines[i], "// file: ")
		}
	}
	return current
}
