package ingest

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/HendryAvila/recall/internal/memory"
)

// Statement limits for capture.
const (
	maxCaptured        = 3
	minStatementLength = 6
	maxStatementLength = 120
	minLearningLength  = 20
)

// Turn is one finished conversation turn.
type Turn struct {
	UserInput string
	Answer    string
	SessionID string
}

// CaptureResult reports what Capture did with a turn.
type CaptureResult struct {
	Extracted  int      `json:"extracted"`
	Saved      int      `json:"saved"`
	Duplicates int      `json:"duplicates"`
	IDs        []string `json:"ids"`
}

// learningHeaderPattern matches section headers for learnings in both English and Spanish.
var learningHeaderPattern = regexp.MustCompile(
	`(?im)^#{2,3}\s+(?:Aprendizajes(?:\s+Clave)?|Key\s+Learnings?|Learnings?):?\s*$`,
)

var (
	nextHeaderPattern   = regexp.MustCompile(`\n#{1,3} `)
	numberedItemPattern = regexp.MustCompile(`(?m)^\s*\d+[.)]\s+(.+)`)
	bulletItemPattern   = regexp.MustCompile(`(?m)^\s*[-*]\s+(.+)`)
	sentenceSplit       = regexp.MustCompile(`[。.!?；;]`)
	boldPattern         = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	inlineCodePattern   = regexp.MustCompile("`([^`]+)`")
	italicPattern       = regexp.MustCompile(`\*([^*]+)\*`)
	headingPattern      = regexp.MustCompile(`^#{1,6}\s+`)
)

// ExtractStatements picks at most three short statements worth remembering
// from a final answer. A "Key Learnings" section wins when present;
// otherwise lines are split into sentences and segments of 6 to 120
// characters are kept in order.
func ExtractStatements(answer string) []string {
	if learnings := ExtractLearnings(answer); len(learnings) > 0 {
		return firstDistinct(learnings, maxCaptured)
	}

	text := strings.TrimSpace(answer)
	if text == "" {
		return nil
	}
	var parts []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.Trim(line, " -•*\t"))
		if line == "" || strings.HasPrefix(line, "```") || headingPattern.MatchString(line) {
			continue
		}
		for _, seg := range sentenceSplit.Split(cleanMarkdown(line), -1) {
			seg = strings.TrimSpace(seg)
			if n := utf8.RuneCountInString(seg); n >= minStatementLength && n <= maxStatementLength {
				parts = append(parts, seg)
			}
		}
	}
	return firstDistinct(parts, maxCaptured)
}

// ExtractLearnings parses structured learning items from text.
// Looks for "## Key Learnings:" or "## Aprendizajes Clave:" sections and
// returns numbered items, falling back to bullets. The last valid section
// wins.
func ExtractLearnings(text string) []string {
	matches := learningHeaderPattern.FindAllStringIndex(text, -1)
	for i := len(matches) - 1; i >= 0; i-- {
		section := text[matches[i][1]:]
		if next := nextHeaderPattern.FindStringIndex(section); next != nil {
			section = section[:next[0]]
		}

		var learnings []string
		for _, m := range numberedItemPattern.FindAllStringSubmatch(section, -1) {
			if cleaned := cleanMarkdown(m[1]); len(cleaned) >= minLearningLength {
				learnings = append(learnings, cleaned)
			}
		}
		if len(learnings) == 0 {
			for _, m := range bulletItemPattern.FindAllStringSubmatch(section, -1) {
				if cleaned := cleanMarkdown(m[1]); len(cleaned) >= minLearningLength {
					learnings = append(learnings, cleaned)
				}
			}
		}
		if len(learnings) > 0 {
			return learnings
		}
	}
	return nil
}

// cleanMarkdown strips basic markdown formatting.
func cleanMarkdown(text string) string {
	text = boldPattern.ReplaceAllString(text, "$1")
	text = inlineCodePattern.ReplaceAllString(text, "$1")
	text = italicPattern.ReplaceAllString(text, "$1")
	return strings.TrimSpace(strings.Join(strings.Fields(text), " "))
}

func firstDistinct(items []string, n int) []string {
	seen := make(map[string]struct{}, len(items))
	var out []string
	for _, it := range items {
		key := lowerWords(it)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, it)
		if len(out) == n {
			break
		}
	}
	return out
}

// Capture extracts up to three statements from a finished turn and ingests
// each as a memory fact tagged with the session.
func (p *Pipeline) Capture(ctx context.Context, turn Turn) (*CaptureResult, error) {
	statements := ExtractStatements(turn.Answer)
	result := &CaptureResult{Extracted: len(statements)}

	ref := ""
	if turn.SessionID != "" {
		ref = "session:" + turn.SessionID
	}
	for _, st := range statements {
		res, err := p.Ingest(ctx, Request{Text: st, Kind: memory.KindMemoryFact, SourceRef: ref})
		if err != nil {
			return result, fmt.Errorf("ingest: capture: %w", err)
		}
		if res.Duplicate {
			result.Duplicates++
			continue
		}
		result.Saved++
		result.IDs = append(result.IDs, res.ID)
	}
	return result, nil
}
