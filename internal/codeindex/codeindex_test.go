package codeindex_test

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/HendryAvila/recall/internal/codeindex"
	"github.com/HendryAvila/recall/internal/embedder"
	"github.com/HendryAvila/recall/internal/embedder/hash"
	"github.com/HendryAvila/recall/internal/ingest"
	"github.com/HendryAvila/recall/internal/lexical"
	"github.com/HendryAvila/recall/internal/memory"
	"github.com/HendryAvila/recall/internal/vectorindex"
)

// writeFile creates root/rel with content, making parent directories.
func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

type fixture struct {
	store *memory.Store
	pipe  *ingest.Pipeline
	ix    *codeindex.Indexer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := memory.New(memory.Config{DataDir: t.TempDir(), Scope: "code"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	lex, err := lexical.New(context.Background(), s.DB())
	if err != nil {
		t.Fatalf("lexical.New: %v", err)
	}
	emb := hash.NewEmbedder(embedder.WithDimensions(128))
	active := vectorindex.NewActive(&vectorindex.Generation{
		Version:  emb.Version(),
		Index:    vectorindex.NewFlat(emb.Version()),
		Embedder: emb,
		Ready:    true,
	})
	pipe := ingest.New(s, lex, active, ingest.DefaultConfig())
	return &fixture{
		store: s,
		pipe:  pipe,
		ix:    codeindex.New(pipe, s, codeindex.Config{Concurrency: 2}),
	}
}

func (f *fixture) liveBySource(t *testing.T, rel string) []memory.Record {
	t.Helper()
	recs, err := f.store.LiveBySource(context.Background(), rel, memory.CodeKinds()...)
	if err != nil {
		t.Fatalf("LiveBySource(%s): %v", rel, err)
	}
	return recs
}

// ─── Walk ───────────────────────────────────────────────────────────────────

func TestWalk_SkipsIgnoredUnknownAndLarge(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "main.go", "package main\n")
	writeFile(t, root, "svc/app.py", "print('hi')\n")
	writeFile(t, root, "node_modules/lib/index.js", "module.exports = {}\n")
	writeFile(t, root, ".git/config", "[core]\n")
	writeFile(t, root, "logo.png", "not really a png")
	writeFile(t, root, "big.txt", strings.Repeat("x", 2048))

	files, err := codeindex.Walk(root, "", 1024)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	var got []string
	for _, f := range files {
		got = append(got, f.RelPath)
	}
	want := []string{"main.go", "svc/app.py"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Walk = %v, want %v", got, want)
	}
	if files[1].Language != "python" {
		t.Errorf("Language = %q, want python", files[1].Language)
	}
}

func TestWalk_Scope(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a/one.go", "package a\n")
	writeFile(t, root, "b/two.go", "package b\n")

	files, err := codeindex.Walk(root, "b", 0)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if len(files) != 1 || files[0].RelPath != "b/two.go" {
		t.Errorf("Walk(scope=b) = %+v, want only b/two.go", files)
	}

	if _, err := codeindex.Walk(root, "../outside", 0); err == nil {
		t.Error("Walk with escaping scope should fail")
	}
}

// ─── Chunks ─────────────────────────────────────────────────────────────────

func TestChunkLines_Overlap(t *testing.T) {
	lines := make([]string, 700)
	for i := range lines {
		lines[i] = "line"
	}
	chunks := codeindex.ChunkLines("big.go", "go", lines, 300, 50)

	want := [][2]int{{1, 300}, {251, 550}, {501, 700}}
	if len(chunks) != len(want) {
		t.Fatalf("chunks = %d, want %d", len(chunks), len(want))
	}
	for i, c := range chunks {
		if c.StartLine != want[i][0] || c.EndLine != want[i][1] {
			t.Errorf("chunk %d = %d-%d, want %d-%d", i, c.StartLine, c.EndLine, want[i][0], want[i][1])
		}
	}
	if ref := chunks[1].SourceRef(); ref != "big.go:251-550" {
		t.Errorf("SourceRef = %q, want %q", ref, "big.go:251-550")
	}
}

func TestChunkLines_SmallFileAndBlank(t *testing.T) {
	chunks := codeindex.ChunkLines("a.py", "python", codeindex.SplitLines("x = 1\ny = 2\n"), 300, 50)
	if len(chunks) != 1 || chunks[0].EndLine != 2 {
		t.Fatalf("chunks = %+v, want one chunk 1-2", chunks)
	}
	if got := codeindex.ChunkLines("e.py", "python", codeindex.SplitLines("\n\n  \n"), 300, 50); len(got) != 0 {
		t.Errorf("blank file chunks = %d, want 0", len(got))
	}
}

func TestChunk_TextHeader(t *testing.T) {
	c := codeindex.ChunkLines("auth/login.go", "go",
		codeindex.SplitLines("func handleLogin() {\n\tvalidateSession()\n\tvalidateSession()\n}"), 300, 50)[0]
	text := c.Text()
	if !strings.HasPrefix(text, "auth/login.go:1-4 (go)\n") {
		t.Errorf("Text header = %q", strings.SplitN(text, "\n", 2)[0])
	}
	if !strings.Contains(text, "identifiers: validatesession handlelogin") {
		t.Errorf("Text identifiers line missing or misordered:\n%s", text)
	}
}

func TestIdentifiers_FrequencyThenAppearance(t *testing.T) {
	got := codeindex.Identifiers("alpha beta beta gamma return alpha beta ab", 3)
	want := []string{"beta", "alpha", "gamma"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Identifiers = %v, want %v", got, want)
	}
}

// ─── Symbols ────────────────────────────────────────────────────────────────

func TestExtractSymbols(t *testing.T) {
	tests := []struct {
		lang string
		src  string
		want []string // "kind name"
	}{
		{"go", "package api\n\ntype Server struct {\n}\n\nfunc (s *Server) Start(ctx context.Context) error {\n}\n\nfunc handleLogin(w http.ResponseWriter) {\n}\n",
			[]string{"type Server", "method Start", "func handleLogin"}},
		{"python", "class UserService:\n    def get_user(self, id):\n        pass\n\nasync def main():\n    pass\n",
			[]string{"class UserService", "def get_user", "def main"}},
		{"typescript", "export interface User {\n}\nexport class Api {\n}\nexport async function fetchUser(id: string) {\n}\nexport const listUsers = async (req) => {\n}\n",
			[]string{"interface User", "class Api", "function fetchUser", "function listUsers"}},
		{"rust", "pub struct Config {\n}\nenum Mode {\n}\npub trait Store {\n}\npub fn parse(input: &str) -> Config {\n}\n",
			[]string{"struct Config", "enum Mode", "trait Store", "fn parse"}},
		{"java", "public class UserController {\n    public ResponseEntity<User> getUser(@PathVariable Long id) {\n    }\n}\n",
			[]string{"class UserController", "method getUser"}},
		{"kotlin", "data class Point(val x: Int)\nsuspend fun load(id: String): Point {\n}\n",
			[]string{"class Point", "fun load"}},
		{"markdown", "# func notCode()\n", nil},
	}
	for _, tt := range tests {
		t.Run(tt.lang, func(t *testing.T) {
			var got []string
			for _, s := range codeindex.ExtractSymbols("src/file", tt.lang, codeindex.SplitLines(tt.src)) {
				got = append(got, s.Kind+" "+s.Name)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("symbols = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExtractSymbols_LongDeclKeepsValidUTF8(t *testing.T) {
	// 195 ASCII bytes then two-byte runes straddle the 200 byte cap.
	line := "func render(" + strings.Repeat("a", 195-len("func render(")) + strings.Repeat("é", 10) + ") {"
	syms := codeindex.ExtractSymbols("ui/render.go", "go", []string{line})
	if len(syms) != 1 {
		t.Fatalf("symbols = %d, want 1", len(syms))
	}
	decl := syms[0].Decl
	if !utf8.ValidString(decl) {
		t.Errorf("Decl is not valid UTF-8: %q", decl)
	}
	if len(decl) > 200 || len(decl) < 199 {
		t.Errorf("len(Decl) = %d, want 199 or 200", len(decl))
	}
	if !strings.HasPrefix(line, decl) {
		t.Errorf("Decl = %q, want a prefix of the line", decl)
	}
}

func TestSymbol_TextAndSourceRef(t *testing.T) {
	syms := codeindex.ExtractSymbols("api/auth.go", "go", codeindex.SplitLines("package api\n\nfunc handleLogin(w http.ResponseWriter, r *http.Request) {\n}\n"))
	if len(syms) != 1 {
		t.Fatalf("symbols = %d, want 1", len(syms))
	}
	s := syms[0]
	if ref := s.SourceRef(); ref != "api/auth.go:3" {
		t.Errorf("SourceRef = %q, want %q", ref, "api/auth.go:3")
	}
	want := "func handleLogin in api/auth.go (go)\nfunc handleLogin(w http.ResponseWriter, r *http.Request) {"
	if got := s.Text(); got != want {
		t.Errorf("Text = %q, want %q", got, want)
	}
}

// ─── Endpoints ──────────────────────────────────────────────────────────────

func TestExtractEndpoints(t *testing.T) {
	tests := []struct {
		name string
		lang string
		src  string
		want []string
	}{
		{"fastapi", "python", "@app.get(\"/users/{id}\")\nasync def get_user(id: int):\n    pass\n",
			[]string{"GET /users/{id} -> get_user (python-fastapi) in f"}},
		{"flask", "python", "@bp.route(\"/login\", methods=[\"GET\", \"POST\"])\ndef login():\n    pass\n",
			[]string{"GET /login -> login (python-flask) in f", "POST /login -> login (python-flask) in f"}},
		{"flask default", "python", "@app.route('/health')\ndef health():\n    return 'ok'\n",
			[]string{"ANY /health -> health (python-flask) in f"}},
		{"django", "python", "urlpatterns = [\n    path(\"users/\", views.user_list, name=\"user-list\"),\n]\n",
			[]string{"ANY users/ -> views.user_list (python-django) in f"}},
		{"gin", "go", "r.GET(\"/users/:id\", handlers.GetUser)\nr.POST(\"/login\", auth.Limit, h.Login)\n",
			[]string{"GET /users/:id -> handlers.GetUser (go-gin) in f", "POST /login -> h.Login (go-gin) in f"}},
		{"chi", "go", "r.Get(\"/health\", healthHandler)\nv := os.Getenv(\"HOME\")\n",
			[]string{"GET /health -> healthHandler (go-chi) in f"}},
		{"net/http", "go", "mux.HandleFunc(\"/metrics\", metricsHandler)\n",
			[]string{"ANY /metrics -> metricsHandler (go-nethttp) in f"}},
		{"spring", "java", "@GetMapping(\"/users/{id}\")\npublic User getUser(@PathVariable Long id) {\n}\n",
			[]string{"GET /users/{id} -> getUser (java-spring) in f"}},
		{"spring request", "java", "@RequestMapping(value = \"/orders\", method = RequestMethod.POST)\n@ResponseBody\npublic Order create(@RequestBody Order o) throws IOException {\n}\n",
			[]string{"POST /orders -> create (java-spring) in f"}},
		{"no handler", "python", "@app.delete(\"/items\")\n",
			[]string{"DELETE /items -> ? (python-fastapi) in f"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, e := range codeindex.ExtractEndpoints("f", tt.lang, codeindex.SplitLines(tt.src)) {
				got = append(got, e.Text())
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("endpoints = %q, want %q", got, tt.want)
			}
		})
	}
}

// ─── Indexer ────────────────────────────────────────────────────────────────

const authV1 = `package api

func handleLogin() {}

func handleLogout() {}
`

const authV2 = `package api

func handleLogin() {}
`

func TestIndexer_IndexProject(t *testing.T) {
	f := newFixture(t)
	root := t.TempDir()
	writeFile(t, root, "api/auth.go", authV1)
	writeFile(t, root, "app/main.py", "@app.get(\"/users\")\ndef list_users():\n    return []\n")
	writeFile(t, root, "vendor/dep/dep.go", "package dep\n\nfunc Hidden() {}\n")

	st, err := f.ix.Index(context.Background(), root, "")
	if err != nil {
		t.Fatalf("Index: %v", err)
	}
	if st.Files != 2 {
		t.Errorf("Files = %d, want 2", st.Files)
	}
	if st.Symbols != 3 {
		t.Errorf("Symbols = %d, want 3", st.Symbols)
	}
	if st.Endpoints != 1 {
		t.Errorf("Endpoints = %d, want 1", st.Endpoints)
	}
	if st.Chunks != 2 {
		t.Errorf("Chunks = %d, want 2", st.Chunks)
	}
	if st.Duplicates != 0 || st.Superseded != 0 {
		t.Errorf("first run Duplicates=%d Superseded=%d, want 0/0", st.Duplicates, st.Superseded)
	}

	recs := f.liveBySource(t, "app/main.py")
	kinds := map[memory.Kind]int{}
	for _, r := range recs {
		kinds[r.Kind]++
	}
	if kinds[memory.KindCodeEndpoint] != 1 || kinds[memory.KindCodeSymbol] != 1 || kinds[memory.KindCodeChunk] != 1 {
		t.Errorf("main.py record kinds = %v", kinds)
	}
	for _, r := range recs {
		if r.Kind == memory.KindCodeEndpoint && r.Importance != 0.7 {
			t.Errorf("endpoint importance = %v, want 0.7", r.Importance)
		}
	}

	saved, err := codeindex.LoadStats(context.Background(), f.store)
	if err != nil {
		t.Fatalf("LoadStats: %v", err)
	}
	if saved == nil || saved.Files != 2 || saved.UpdatedAt.IsZero() {
		t.Errorf("LoadStats = %+v, want the run's stats", saved)
	}
}

func TestIndexer_ReindexSupersedesStaleRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := t.TempDir()
	writeFile(t, root, "api/auth.go", authV1)

	if _, err := f.ix.Index(ctx, root, ""); err != nil {
		t.Fatalf("Index: %v", err)
	}
	if n := len(f.liveBySource(t, "api/auth.go")); n != 3 {
		t.Fatalf("live records after first run = %d, want 3", n)
	}

	writeFile(t, root, "api/auth.go", authV2)
	st, err := f.ix.IndexFiles(ctx, root, []string{"api/auth.go", "api/auth.go", "missing.go"})
	if err != nil {
		t.Fatalf("IndexFiles: %v", err)
	}
	if st.Files != 1 {
		t.Errorf("Files = %d, want 1", st.Files)
	}
	if st.Duplicates != 1 {
		t.Errorf("Duplicates = %d, want 1 (handleLogin unchanged)", st.Duplicates)
	}
	if st.Superseded != 2 {
		t.Errorf("Superseded = %d, want 2 (handleLogout and the old chunk)", st.Superseded)
	}

	live := f.liveBySource(t, "api/auth.go")
	if len(live) != 2 {
		t.Fatalf("live records = %d, want 2", len(live))
	}
	for _, r := range live {
		if strings.Contains(r.Text, "handleLogout") {
			t.Errorf("stale record still live: %q", r.Text)
		}
	}

	again, err := f.ix.IndexFiles(ctx, root, []string{"api/auth.go"})
	if err != nil {
		t.Fatalf("IndexFiles: %v", err)
	}
	if again.Duplicates != 2 || again.Superseded != 0 {
		t.Errorf("unchanged re-index Duplicates=%d Superseded=%d, want 2/0", again.Duplicates, again.Superseded)
	}
}

func TestIndexer_CanceledContext(t *testing.T) {
	f := newFixture(t)
	root := t.TempDir()
	writeFile(t, root, "a.go", "package a\n")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.ix.Index(ctx, root, ""); err == nil {
		t.Error("Index with canceled context should fail")
	}
}

// ─── Watcher ────────────────────────────────────────────────────────────────

func TestWatcher_ReindexesChangedFiles(t *testing.T) {
	f := newFixture(t)
	root := t.TempDir()
	writeFile(t, root, "pkg/keep.txt", "placeholder\n")

	w, err := codeindex.NewWatcher(f.ix, root, 20*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	writeFile(t, root, "pkg/handler.go", "package pkg\n\nfunc ServeUsers() {}\n")
	writeFile(t, root, "pkg/image.bin", "ignored")

	deadline := time.Now().Add(5 * time.Second)
	for len(f.liveBySource(t, "pkg/handler.go")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("watcher did not index pkg/handler.go")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if n := len(f.liveBySource(t, "pkg/image.bin")); n != 0 {
		t.Errorf("records for unindexed extension = %d, want 0", n)
	}
}

func TestWatcher_FlushesPendingChangesOnShutdown(t *testing.T) {
	f := newFixture(t)
	root := t.TempDir()
	writeFile(t, root, "jobs/keep.txt", "placeholder\n")

	// The debounce never fires during the test; only shutdown can flush.
	w, err := codeindex.NewWatcher(f.ix, root, time.Hour, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	writeFile(t, root, "jobs/worker.go", "package jobs\n\nfunc RunWorker() {}\n")

	deadline := time.Now().Add(5 * time.Second)
	for w.Pending() == 0 {
		if time.Now().After(deadline) {
			cancel()
			<-done
			t.Fatal("watcher never queued jobs/worker.go")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if n := len(f.liveBySource(t, "jobs/worker.go")); n != 0 {
		t.Fatalf("records before shutdown = %d, want 0", n)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := len(f.liveBySource(t, "jobs/worker.go")); n == 0 {
		t.Error("pending change dropped on shutdown")
	}
	if n := w.Pending(); n != 0 {
		t.Errorf("Pending after shutdown = %d, want 0", n)
	}
}
