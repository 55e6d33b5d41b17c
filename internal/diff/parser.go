// Package diff parses unified git diff output into per-file structures the
// analyzers can walk.
package diff

import (
	"regexp"
	"strconv"
	"strings"
)

// Hunk is one change block inside a file diff.
type Hunk struct {
	Header   string
	Content  string
	NewStart int
	NewCount int
}

// FileDiff is the set of hunks touching one file.
type FileDiff struct {
	Path  string
	Hunks []Hunk
}

// AddedLines returns the lines this file diff introduces, without the
// leading '+'.
func (f FileDiff) AddedLines() []string {
	var out []string
	for _, h := range f.Hunks {
		for _, line := range strings.Split(h.Content, "\n") {
			if strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++") {
				out = append(out, line[1:])
			}
		}
	}
	return out
}

var (
	filePathRe = regexp.MustCompile(`diff --git a/(.*) b/(.*)`)
	hunkRe     = regexp.MustCompile(`@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)
)

// Parse splits a unified diff into per-file structures. Files whose header
// cannot be parsed are skipped rather than failing the whole diff.
func Parse(diffText string) []FileDiff {
	if strings.TrimSpace(diffText) == "" {
		return nil
	}

	var result []FileDiff
	for _, fileChunk := range splitByFile(diffText) {
		m := filePathRe.FindStringSubmatch(fileChunk)
		if m == nil {
			continue
		}
		fd := FileDiff{Path: m[2]}

		idxs := hunkRe.FindAllStringSubmatchIndex(fileChunk, -1)
		for i, loc := range idxs {
			end := len(fileChunk)
			if i+1 < len(idxs) {
				end = idxs[i+1][0]
			}
			sub := hunkRe.FindStringSubmatch(fileChunk[loc[0]:loc[1]])
			newStart, _ := strconv.Atoi(sub[3])
			newCount := 1
			if sub[4] != "" {
				newCount, _ = strconv.Atoi(sub[4])
			}
			fd.Hunks = append(fd.Hunks, Hunk{
				Header:   fileChunk[loc[0]:loc[1]],
				Content:  strings.TrimSuffix(fileChunk[loc[1]:end], "\n"),
				NewStart: newStart,
				NewCount: newCount,
			})
		}
		result = append(result, fd)
	}
	return result
}

func splitByFile(diffText string) []string {
	parts := strings.Split(diffText, "diff --git ")
	out := make([]string, 0, len(parts))
	for i, p := range parts {
		if i == 0 {
			continue
		}
		out = append(out, "diff --git "+p)
	}
	return out
}
