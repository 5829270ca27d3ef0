package ingest

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/HendryAvila/recall/internal/lexical"
	"github.com/HendryAvila/recall/internal/memory"
)

// Fixed importance tiers of generated code records.
const (
	importanceCodeSymbol   = 0.6
	importanceCodeEndpoint = 0.7
)

var (
	camelCasePattern  = regexp.MustCompile(`[a-z][A-Z]`)
	snakeCasePattern  = regexp.MustCompile(`[a-zA-Z0-9]_[a-zA-Z0-9]`)
	pathPattern       = regexp.MustCompile(`[\w.-]+/[\w./-]+|\w+\.(go|py|ts|tsx|js|java|rs|kt|rb|yaml|yml|json|toml|sql|md)\b`)
	digitPattern      = regexp.MustCompile(`\d`)
	codeSpanPattern   = regexp.MustCompile("`[^`]+`|\\w+\\(\\)")
	constraintPattern = regexp.MustCompile(`(?i)\b(must|never|always|should|do not|don't|required|forbidden|only)\b`)
)

// genericWords carry no project-specific information on their own.
var genericWords = map[string]struct{}{
	"ok": {}, "okay": {}, "done": {}, "thanks": {}, "yes": {}, "no": {},
	"good": {}, "fine": {}, "works": {}, "fixed": {}, "updated": {},
}

// Importance scores how much long-term weight a statement deserves. Code
// symbols and endpoints get fixed tiers; everything else starts at a base and
// gains from length, specificity (identifiers, paths, numbers) and
// constraint wording. Short generic text stays low.
func Importance(kind memory.Kind, text string) float64 {
	switch kind {
	case memory.KindCodeSymbol:
		return importanceCodeSymbol
	case memory.KindCodeEndpoint:
		return importanceCodeEndpoint
	}

	terms := lexical.Terms(text)
	if len(terms) == 0 {
		return 0.1
	}
	generic := 0
	for _, t := range terms {
		if _, ok := genericWords[t]; ok {
			generic++
		}
	}
	if len(terms) <= 3 && generic == len(terms) {
		return 0.1
	}

	score := 0.3

	// Length: saturates around 120 characters.
	n := utf8.RuneCountInString(text)
	score += 0.15 * min(float64(n)/120, 1)

	// Specificity signals, each counted once.
	if camelCasePattern.MatchString(text) || snakeCasePattern.MatchString(text) {
		score += 0.1
	}
	if pathPattern.MatchString(text) {
		score += 0.1
	}
	if digitPattern.MatchString(text) {
		score += 0.05
	}
	if codeSpanPattern.MatchString(text) {
		score += 0.05
	}
	if constraintPattern.MatchString(text) {
		score += 0.15
	}

	if len(terms) < 4 {
		score = min(score, 0.35)
	}
	return clamp01(score)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// lowerWords lowercases and collapses whitespace for statement comparison.
func lowerWords(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
