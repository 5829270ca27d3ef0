package codeindex

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Chunk is a window of lines from one file.
type Chunk struct {
	RelPath     string
	Language    string
	StartLine   int
	EndLine     int
	Identifiers []string
	Body        string
}

// SourceRef points back at the chunk's line range.
func (c Chunk) SourceRef() string {
	return fmt.Sprintf("%s:%d-%d", c.RelPath, c.StartLine, c.EndLine)
}

// Text is what gets indexed: a header naming the file and the chunk's most
// frequent identifiers, followed by the lines themselves.
func (c Chunk) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s:%d-%d (%s)\n", c.RelPath, c.StartLine, c.EndLine, c.Language)
	if len(c.Identifiers) > 0 {
		b.WriteString("identifiers: ")
		b.WriteString(strings.Join(c.Identifiers, " "))
		b.WriteByte('\n')
	}
	b.WriteString(c.Body)
	return b.String()
}

// SplitLines splits content into lines without their terminators.
func SplitLines(content string) []string {
	content = strings.TrimSuffix(strings.ReplaceAll(content, "\r\n", "\n"), "\n")
	if content == "" {
		return nil
	}
	return strings.Split(content, "\n")
}

// ChunkLines cuts lines into windows of size lines overlapping by overlap.
// The last window always ends at the last line.
func ChunkLines(relPath, language string, lines []string, size, overlap int) []Chunk {
	n := len(lines)
	if n == 0 {
		return nil
	}
	if size <= 0 {
		size = 300
	}
	step := size - max(0, overlap)
	if step < 1 {
		step = 1
	}

	var chunks []Chunk
	for start := 0; start < n; start += step {
		end := min(n, start+size)
		body := strings.Join(lines[start:end], "\n")
		if strings.TrimSpace(body) != "" {
			chunks = append(chunks, Chunk{
				RelPath:     relPath,
				Language:    language,
				StartLine:   start + 1,
				EndLine:     end,
				Identifiers: Identifiers(body, maxIdentifiers),
				Body:        body,
			})
		}
		if end == n {
			break
		}
	}
	return chunks
}

const maxIdentifiers = 20

var identifierPattern = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_\-]{2,}`)

// keywordStop are language keywords that say nothing about a chunk.
var keywordStop = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "from": {}, "that": {}, "this": {},
	"else": {}, "true": {}, "false": {}, "null": {}, "none": {}, "nil": {},
	"return": {}, "class": {}, "def": {}, "func": {}, "function": {}, "var": {},
	"let": {}, "const": {}, "import": {}, "export": {}, "public": {}, "private": {},
	"protected": {}, "elif": {}, "while": {}, "switch": {}, "case": {}, "break": {},
	"continue": {}, "try": {}, "except": {}, "catch": {}, "finally": {}, "new": {},
	"static": {}, "package": {}, "type": {}, "struct": {}, "string": {}, "err": {},
}

// Identifiers returns the n most frequent identifiers of text, lowercased,
// ties in order of first appearance.
func Identifiers(text string, n int) []string {
	freq := make(map[string]int)
	var order []string
	for _, tok := range identifierPattern.FindAllString(text, -1) {
		tok = strings.ToLower(tok)
		if _, stop := keywordStop[tok]; stop {
			continue
		}
		if freq[tok] == 0 {
			order = append(order, tok)
		}
		freq[tok]++
	}
	sort.SliceStable(order, func(i, j int) bool { return freq[order[i]] > freq[order[j]] })
	if len(order) > n {
		order = order[:n]
	}
	return order
}
