package codeindex

import (
	"fmt"
	"regexp"
	"strings"
)

// Endpoint is an HTTP route registration.
type Endpoint struct {
	Method    string
	Route     string
	Handler   string
	Framework string
	RelPath   string
	Line      int
}

// SourceRef points back at the registration line.
func (e Endpoint) SourceRef() string {
	return fmt.Sprintf("%s:%d", e.RelPath, e.Line)
}

// Text is the indexed form, e.g. "GET /users -> listUsers (go-gin) in api/routes.go".
func (e Endpoint) Text() string {
	handler := e.Handler
	if handler == "" {
		handler = "?"
	}
	return fmt.Sprintf("%s %s -> %s (%s) in %s", e.Method, e.Route, handler, e.Framework, e.RelPath)
}

var (
	fastapiPattern  = regexp.MustCompile(`(?i)^@[A-Za-z_]\w*\.(get|post|put|delete|patch|options|head)\(\s*['"]([^'"]+)['"]`)
	flaskPattern    = regexp.MustCompile(`^@[A-Za-z_]\w*\.route\(\s*['"]([^'"]+)['"](.*)\)`)
	flaskMethods    = regexp.MustCompile(`methods\s*=\s*[\[(]([^\])]+)[\])]`)
	djangoPattern   = regexp.MustCompile(`\b(?:re_path|path)\(\s*r?['"]([^'"]*)['"]\s*,\s*([^),]+)`)
	pythonDef       = regexp.MustCompile(`^\s*(?:async\s+)?def\s+([A-Za-z_]\w*)\s*\(`)
	ginPattern      = regexp.MustCompile(`\.\s*(GET|POST|PUT|DELETE|PATCH|OPTIONS|HEAD|Any)\(\s*"([^"]+)"\s*,\s*(?:[^,]+,\s*)*([A-Za-z0-9_.]+)\s*\)`)
	chiPattern      = regexp.MustCompile(`\.\s*(Get|Post|Put|Delete|Patch|Options|Head)\(\s*"(/[^"]*)"\s*,\s*(?:[^,]+,\s*)*([A-Za-z0-9_.]+)\s*\)`)
	netHTTPPattern  = regexp.MustCompile(`\bHandleFunc\(\s*"([^"]+)"\s*,\s*([A-Za-z0-9_.]+)\s*\)`)
	springMapping   = regexp.MustCompile(`@((?:Get|Post|Put|Delete|Patch)Mapping)\(\s*(?:(?:value|path)\s*=\s*)?"([^"]*)"`)
	springRequest   = regexp.MustCompile(`@RequestMapping\(.*?(?:value|path)\s*=\s*"([^"]*)".*?method\s*=\s*RequestMethod\.([A-Z]+)`)
	javaMethodDecl  = regexp.MustCompile(`\b([A-Za-z_]\w*)\s*\([^)]*\)\s*(?:throws\s+[\w.,\s]+)?\{?\s*$`)
	stripQuotesRepl = strings.NewReplacer(`"`, "", `'`, "")
)

// ExtractEndpoints scans lines for route registrations of common Python, Go
// and Java frameworks.
func ExtractEndpoints(relPath, language string, lines []string) []Endpoint {
	var out []Endpoint
	add := func(line int, method, route, handler, framework string) {
		out = append(out, Endpoint{
			Method:    strings.ToUpper(method),
			Route:     route,
			Handler:   handler,
			Framework: framework,
			RelPath:   relPath,
			Line:      line + 1,
		})
	}

	for i, raw := range lines {
		s := strings.TrimSpace(raw)
		switch language {
		case "python":
			if m := fastapiPattern.FindStringSubmatch(s); m != nil {
				add(i, m[1], m[2], nextMatch(lines, i+1, 10, pythonDef), "python-fastapi")
				continue
			}
			if m := flaskPattern.FindStringSubmatch(s); m != nil {
				handler := nextMatch(lines, i+1, 10, pythonDef)
				methods := []string{"ANY"}
				if mm := flaskMethods.FindStringSubmatch(m[2]); mm != nil {
					methods = methods[:0]
					for _, part := range strings.Split(mm[1], ",") {
						if method := strings.TrimSpace(stripQuotesRepl.Replace(part)); method != "" {
							methods = append(methods, method)
						}
					}
				}
				for _, method := range methods {
					add(i, method, m[1], handler, "python-flask")
				}
				continue
			}
			if m := djangoPattern.FindStringSubmatch(s); m != nil {
				route := m[1]
				if route == "" {
					route = "/"
				}
				add(i, "ANY", route, strings.TrimSpace(m[2]), "python-django")
			}
		case "go":
			if m := ginPattern.FindStringSubmatch(s); m != nil {
				add(i, m[1], m[2], m[3], "go-gin")
				continue
			}
			if m := chiPattern.FindStringSubmatch(s); m != nil {
				add(i, m[1], m[2], m[3], "go-chi")
				continue
			}
			if m := netHTTPPattern.FindStringSubmatch(s); m != nil {
				add(i, "ANY", m[1], m[2], "go-nethttp")
			}
		case "java", "kotlin":
			if m := springMapping.FindStringSubmatch(s); m != nil {
				add(i, strings.TrimSuffix(m[1], "Mapping"), m[2], nextJavaMethod(lines, i+1), "java-spring")
				continue
			}
			if m := springRequest.FindStringSubmatch(s); m != nil {
				add(i, m[2], m[1], nextJavaMethod(lines, i+1), "java-spring")
			}
		}
	}
	return out
}

// nextMatch returns the first capture of re within window lines from start.
func nextMatch(lines []string, start, window int, re *regexp.Regexp) string {
	for j := start; j < len(lines) && j < start+window; j++ {
		if m := re.FindStringSubmatch(lines[j]); m != nil {
			return m[1]
		}
	}
	return ""
}

func nextJavaMethod(lines []string, start int) string {
	for j := start; j < len(lines) && j < start+20; j++ {
		line := strings.TrimSpace(lines[j])
		if strings.HasPrefix(line, "@") || strings.Contains(line, " class ") {
			continue
		}
		if m := javaMethodDecl.FindStringSubmatch(line); m != nil {
			return m[1]
		}
	}
	return ""
}
