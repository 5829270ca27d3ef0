// Package lexical provides the exact-token index of the retrieval engine and
// the tokenizer shared by every component that extracts keywords.
package lexical

import (
	"regexp"
	"strings"
)

// tokenPattern matches word-boundary tokens: letters, digits and underscore.
var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}_]+`)

// stopWords is deliberately small: identifiers and error codes must survive.
var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"but": {}, "by": {}, "for": {}, "from": {}, "has": {}, "have": {},
	"in": {}, "into": {}, "is": {}, "it": {}, "its": {}, "of": {}, "on": {},
	"or": {}, "that": {}, "the": {}, "this": {}, "to": {}, "was": {},
	"were": {}, "will": {}, "with": {},
}

// IsStopWord reports whether the lowercased token is ignored by the index.
func IsStopWord(tok string) bool {
	_, ok := stopWords[tok]
	return ok
}

// Tokenize lowercases text and splits it on word boundaries, dropping stop
// words. Order and repeats are preserved.
func Tokenize(text string) []string {
	raw := tokenPattern.FindAllString(strings.ToLower(text), -1)
	tokens := raw[:0]
	for _, t := range raw {
		if IsStopWord(t) {
			continue
		}
		tokens = append(tokens, t)
	}
	return tokens
}

// Terms returns the distinct tokens of text in order of first appearance.
func Terms(text string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, t := range Tokenize(text) {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// TermSet returns the distinct tokens of text as a set.
func TermSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, t := range Tokenize(text) {
		set[t] = struct{}{}
	}
	return set
}

// StemSet returns the distinct stemmed tokens of text. It is used for
// near-duplicate comparison only; lexical matching stays exact.
func StemSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, t := range Tokenize(text) {
		set[Stem(t)] = struct{}{}
	}
	return set
}

// Stem strips common English inflection suffixes from a lowercased token.
// "spaces" and "space" stem alike; "handleLogin" is left untouched.
func Stem(tok string) string {
	n := len(tok)
	switch {
	case n > 4 && strings.HasSuffix(tok, "ies"):
		return tok[:n-3] + "y"
	case n > 4 && strings.HasSuffix(tok, "sses"):
		return tok[:n-2]
	case n > 4 && (strings.HasSuffix(tok, "ches") || strings.HasSuffix(tok, "shes") || strings.HasSuffix(tok, "xes")):
		return tok[:n-2]
	case n > 5 && strings.HasSuffix(tok, "ing"):
		return tok[:n-3]
	case n > 4 && strings.HasSuffix(tok, "ed") && !strings.HasSuffix(tok, "eed"):
		return tok[:n-2]
	case n > 3 && strings.HasSuffix(tok, "s") &&
		!strings.HasSuffix(tok, "ss") && !strings.HasSuffix(tok, "us") && !strings.HasSuffix(tok, "is"):
		return tok[:n-1]
	}
	return tok
}
