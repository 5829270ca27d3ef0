// Package codeindex turns a project tree into code records: line-window
// chunks, declared symbols and HTTP endpoints, all ingested through the
// pipeline so they share dedup, importance and indexing with memory facts.
package codeindex

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ignoredDirs are never descended into.
var ignoredDirs = map[string]struct{}{
	".git": {}, ".hg": {}, ".svn": {}, "node_modules": {}, ".venv": {},
	"venv": {}, "vendor": {}, "dist": {}, "build": {}, "out": {},
	"__pycache__": {}, ".idea": {}, ".vscode": {}, ".recall": {},
}

// languages maps indexable extensions to a language name.
var languages = map[string]string{
	".py": "python", ".ts": "typescript", ".tsx": "typescript",
	".js": "javascript", ".jsx": "javascript", ".go": "go",
	".rs": "rust", ".java": "java", ".kt": "kotlin", ".swift": "swift",
	".c": "c", ".h": "c", ".cpp": "cpp", ".hpp": "cpp",
	".cs": "csharp", ".rb": "ruby", ".php": "php",
	".yml": "yaml", ".yaml": "yaml", ".toml": "toml", ".ini": "ini",
	".cfg": "ini", ".sh": "shell", ".bash": "shell", ".zsh": "shell",
	".sql": "sql", ".json": "json", ".md": "markdown", ".txt": "text",
	".csv": "csv",
}

// File is an indexable text file under the project root.
type File struct {
	Path     string    `json:"path"`
	RelPath  string    `json:"relpath"`
	Size     int64     `json:"size"`
	ModTime  time.Time `json:"mtime"`
	Language string    `json:"language"`
}

// Language returns the language of path, or "" when it is not indexed.
func Language(path string) string {
	return languages[strings.ToLower(filepath.Ext(path))]
}

// IsIgnoredDir reports whether a directory name is skipped.
func IsIgnoredDir(name string) bool {
	_, ok := ignoredDirs[name]
	return ok
}

// Walk lists the indexable files under root, or under root/scope when scope
// is set. Files larger than maxSize bytes are skipped. Results are ordered
// by relative path.
func Walk(root, scope string, maxSize int64) ([]File, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("codeindex: root: %w", err)
	}
	start := root
	if scope != "" {
		start = filepath.Join(root, scope)
		if !within(root, start) {
			return nil, fmt.Errorf("codeindex: scope %q escapes the project root", scope)
		}
	}
	if _, err := os.Stat(start); err != nil {
		return nil, fmt.Errorf("codeindex: %w", err)
	}

	var files []File
	err = filepath.WalkDir(start, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrPermission) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if path != start && IsIgnoredDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		f, ok := stat(root, path, maxSize)
		if ok {
			files = append(files, f)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("codeindex: walk: %w", err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].RelPath < files[j].RelPath })
	return files, nil
}

// stat describes path when it is an indexable file inside root.
func stat(root, path string, maxSize int64) (File, bool) {
	lang := Language(path)
	if lang == "" || !within(root, path) {
		return File{}, false
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return File{}, false
	}
	if maxSize > 0 && info.Size() > maxSize {
		return File{}, false
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return File{}, false
	}
	return File{
		Path:     path,
		RelPath:  filepath.ToSlash(rel),
		Size:     info.Size(),
		ModTime:  info.ModTime().UTC(),
		Language: lang,
	}, true
}

// within reports whether path is root or below it.
func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
