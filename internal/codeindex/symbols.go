package codeindex

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Symbol is a declaration found in a source file.
type Symbol struct {
	Name     string
	Kind     string
	Language string
	RelPath  string
	Line     int
	Decl     string
}

// SourceRef points back at the declaration line.
func (s Symbol) SourceRef() string {
	return fmt.Sprintf("%s:%d", s.RelPath, s.Line)
}

// Text is the indexed form: a sentence naming the symbol, then its
// declaration line.
func (s Symbol) Text() string {
	return fmt.Sprintf("%s %s in %s (%s)\n%s", s.Kind, s.Name, s.RelPath, s.Language, s.Decl)
}

type symbolRule struct {
	kind string
	re   *regexp.Regexp
}

func rule(kind, pattern string) symbolRule {
	return symbolRule{kind: kind, re: regexp.MustCompile(pattern)}
}

var (
	jsRules = []symbolRule{
		rule("function", `^\s*(?:export\s+)?(?:default\s+)?(?:async\s+)?function\s*\*?\s*([A-Za-z_$][\w$]*)\s*[(<]`),
		rule("class", `^\s*(?:export\s+)?(?:default\s+)?(?:abstract\s+)?class\s+([A-Za-z_$][\w$]*)`),
		rule("function", `^\s*(?:export\s+)?(?:const|let)\s+([A-Za-z_$][\w$]*)\s*(?::[^=]+)?=\s*(?:async\s+)?(?:\([^)]*\)|[A-Za-z_$][\w$]*)\s*(?::[^=]+)?=>`),
	}
	tsRules = append([]symbolRule{
		rule("interface", `^\s*(?:export\s+)?interface\s+([A-Za-z_$][\w$]*)`),
		rule("type", `^\s*(?:export\s+)?type\s+([A-Za-z_$][\w$]*)\s*(?:<[^>]*>)?\s*=`),
	}, jsRules...)

	symbolRules = map[string][]symbolRule{
		"go": {
			rule("method", `^func\s+\([^)]*\)\s*([A-Za-z_]\w*)\s*[\[(]`),
			rule("func", `^func\s+([A-Za-z_]\w*)\s*[\[(]`),
			rule("type", `^type\s+([A-Za-z_]\w*)\b`),
		},
		"python": {
			rule("class", `^\s*class\s+([A-Za-z_]\w*)`),
			rule("def", `^\s*(?:async\s+)?def\s+([A-Za-z_]\w*)\s*\(`),
		},
		"javascript": jsRules,
		"typescript": tsRules,
		"java": {
			rule("class", `^\s*(?:(?:public|private|protected|abstract|final|static|sealed)\s+)*(?:class|interface|enum|record|@interface)\s+([A-Za-z_]\w*)`),
			rule("method", `^\s*(?:(?:public|private|protected|static|final|synchronized|abstract|native|default)\s+)+(?:<[^>]+>\s+)?[\w<>\[\],.?\s]+?\s+([a-zA-Z_]\w*)\s*\([^;]*$`),
		},
		"kotlin": {
			rule("class", `^\s*(?:(?:public|private|protected|internal|abstract|final|open|sealed|data|enum|inner|annotation)\s+)*(?:class|interface|object)\s+([A-Za-z_]\w*)`),
			rule("fun", `^\s*(?:(?:public|private|protected|internal|override|suspend|inline|open|operator|infix|tailrec)\s+)*fun\s+(?:<[^>]+>\s*)?(?:[\w.]+\.)?([A-Za-z_]\w*)\s*\(`),
		},
		"rust": {
			rule("fn", `^\s*(?:pub(?:\([^)]*\))?\s+)?(?:const\s+)?(?:async\s+)?(?:unsafe\s+)?(?:extern\s+"[^"]*"\s+)?fn\s+([A-Za-z_]\w*)`),
			rule("struct", `^\s*(?:pub(?:\([^)]*\))?\s+)?struct\s+([A-Za-z_]\w*)`),
			rule("enum", `^\s*(?:pub(?:\([^)]*\))?\s+)?enum\s+([A-Za-z_]\w*)`),
			rule("trait", `^\s*(?:pub(?:\([^)]*\))?\s+)?(?:unsafe\s+)?trait\s+([A-Za-z_]\w*)`),
		},
	}
)

// maxDeclLength caps the stored declaration line.
const maxDeclLength = 200

// cutAtRune shortens s to at most n bytes without splitting a rune.
func cutAtRune(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// ExtractSymbols finds declarations in lines. Languages without rules yield
// nothing.
func ExtractSymbols(relPath, language string, lines []string) []Symbol {
	rules := symbolRules[language]
	if len(rules) == 0 {
		return nil
	}
	var out []Symbol
	for i, line := range lines {
		for _, r := range rules {
			m := r.re.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			decl := strings.TrimSpace(line)
			decl = cutAtRune(decl, maxDeclLength)
			out = append(out, Symbol{
				Name:     m[1],
				Kind:     r.kind,
				Language: language,
				RelPath:  relPath,
				Line:     i + 1,
				Decl:     decl,
			})
			break
		}
	}
	return out
}
