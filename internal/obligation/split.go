// Package obligation derives and resolves the units of work the system still
// owes the user, from free-text requests and worker delegations.
package obligation

import (
	"regexp"
	"strings"
)

const (
	maxLineClauses        = 6
	maxConjunctionClauses = 6
	minSentenceLength     = 12
)

var (
	bulletPrefix   = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s+`)
	conjunctionSep = regexp.MustCompile(`(?i)\s+(?:and|then)\s+`)
	sentenceSep    = regexp.MustCompile(`[.;]`)
)

// splitClauses breaks a raw request into obligation clauses. Strategies apply
// in priority order: explicit lines/bullets, conjunctions, sentences, and
// finally the whole text as a single clause. Exact duplicates (after
// normalization) within one request collapse to the first occurrence.
func splitClauses(raw string) []string {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil
	}

	if clauses := lineClauses(text); len(clauses) >= 2 {
		return dedupeNormalized(clauses)
	}
	if clauses := conjunctionClauses(text); len(clauses) >= 2 {
		return dedupeNormalized(clauses)
	}
	if clauses := sentenceClauses(text); len(clauses) >= 2 {
		return dedupeNormalized(clauses)
	}
	return []string{text}
}

func lineClauses(text string) []string {
	var clauses []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(bulletPrefix.ReplaceAllString(line, ""))
		if line == "" {
			continue
		}
		clauses = append(clauses, line)
		if len(clauses) == maxLineClauses {
			break
		}
	}
	return clauses
}

func conjunctionClauses(text string) []string {
	var clauses []string
	for _, part := range conjunctionSep.Split(text, -1) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		clauses = append(clauses, part)
		if len(clauses) == maxConjunctionClauses {
			break
		}
	}
	return clauses
}

func sentenceClauses(text string) []string {
	var clauses []string
	for _, part := range sentenceSep.Split(text, -1) {
		part = strings.TrimSpace(part)
		if len(part) < minSentenceLength {
			continue
		}
		clauses = append(clauses, part)
	}
	return clauses
}

// normalize produces the stable form used for fingerprints: lowercase with
// collapsed whitespace.
func normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

func dedupeNormalized(clauses []string) []string {
	seen := make(map[string]struct{}, len(clauses))
	out := clauses[:0]
	for _, c := range clauses {
		key := normalize(c)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, c)
	}
	return out
}
