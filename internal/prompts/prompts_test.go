package prompts_test

import (
	"context"
	"strings"
	"testing"

	"github.com/HendryAvila/recall/internal/prompts"
	"github.com/mark3labs/mcp-go/mcp"
)

func promptText(t *testing.T, res *mcp.GetPromptResult) string {
	t.Helper()
	if len(res.Messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(res.Messages))
	}
	tc, ok := res.Messages[0].Content.(mcp.TextContent)
	if !ok {
		t.Fatalf("content type = %T, want mcp.TextContent", res.Messages[0].Content)
	}
	return tc.Text
}

// ─── recall-context ─────────────────────────────────────────────────────────

func TestRecallPrompt_Definition(t *testing.T) {
	def := prompts.NewRecallPrompt().Definition()
	if def.Name != "recall-context" {
		t.Errorf("Name = %q, want %q", def.Name, "recall-context")
	}
	if len(def.Arguments) != 2 || !def.Arguments[0].Required {
		t.Errorf("Arguments = %+v, want required task + optional code", def.Arguments)
	}
}

func TestRecallPrompt_Handle(t *testing.T) {
	p := prompts.NewRecallPrompt()
	req := mcp.GetPromptRequest{}
	req.Params.Arguments = map[string]string{"task": "add rate limiting to login"}

	res, err := p.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	text := promptText(t, res)
	for _, want := range []string{"add rate limiting to login", "mem_retrieve", "code_search", "mem_capture"} {
		if !strings.Contains(text, want) {
			t.Errorf("prompt missing %q:\n%s", want, text)
		}
	}
}

func TestRecallPrompt_WithoutCode(t *testing.T) {
	req := mcp.GetPromptRequest{}
	req.Params.Arguments = map[string]string{"task": "write docs", "code": "no"}

	res, err := prompts.NewRecallPrompt().Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if text := promptText(t, res); strings.Contains(text, "code_search") {
		t.Errorf("code=no should skip code_search:\n%s", text)
	}
}

func TestRecallPrompt_MissingTask(t *testing.T) {
	if _, err := prompts.NewRecallPrompt().Handle(context.Background(), mcp.GetPromptRequest{}); err == nil {
		t.Error("expected error without task")
	}
}

// ─── recall-status ──────────────────────────────────────────────────────────

func TestStatusPrompt(t *testing.T) {
	p := prompts.NewStatusPrompt()
	if got := p.Definition().Name; got != "recall-status" {
		t.Errorf("Name = %q, want %q", got, "recall-status")
	}
	res, err := p.Handle(context.Background(), mcp.GetPromptRequest{})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if text := promptText(t, res); !strings.Contains(text, "mem_stats") {
		t.Errorf("status prompt should mention mem_stats:\n%s", text)
	}
}
