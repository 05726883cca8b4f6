package anyllm

import (
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/voicechat/pkg/provider/llm"
)

// ── convertMessage ────────────────────────────────────────────────────────────

func TestConvertMessage_Roles(t *testing.T) {
	for _, role := range []string{"system", "user", "assistant"} {
		t.Run(role, func(t *testing.T) {
			got := convertMessage(llm.Message{Role: role, Content: "打开空调"})
			if got.Role != role {
				t.Errorf("role = %q, want %q", got.Role, role)
			}
			if got.ContentString() != "打开空调" {
				t.Errorf("content = %q", got.ContentString())
			}
		})
	}
}

func TestConvertMessage_AssistantWithToolCalls(t *testing.T) {
	got := convertMessage(llm.Message{
		Role:      "assistant",
		ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "set_ac", Arguments: `{"on":true}`}},
	})
	if len(got.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(got.ToolCalls))
	}
	tc := got.ToolCalls[0]
	if tc.ID != "call_1" || tc.Function.Name != "set_ac" || tc.Type != "function" {
		t.Errorf("unexpected tool call: %+v", tc)
	}
}

func TestConvertMessage_Tool(t *testing.T) {
	got := convertMessage(llm.Message{Role: "tool", Content: "done", ToolCallID: "call_1"})
	if got.ToolCallID != "call_1" {
		t.Errorf("tool call id = %q", got.ToolCallID)
	}
}

// ── buildParams ───────────────────────────────────────────────────────────────

func TestBuildParams(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	params := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "be brief",
		Messages:     []llm.Message{{Role: "user", Content: "hi"}},
		Tools:        []llm.ToolDefinition{{Name: "set_ac", Parameters: map[string]any{"type": "object"}}},
		Temperature:  0.5,
		MaxTokens:    64,
	})
	if len(params.Messages) != 2 || params.Messages[0].Role != anyllmlib.RoleSystem {
		t.Fatalf("expected system + user messages, got %+v", params.Messages)
	}
	if params.Temperature == nil || *params.Temperature != 0.5 {
		t.Errorf("temperature not propagated: %v", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 64 {
		t.Errorf("max tokens not propagated: %v", params.MaxTokens)
	}
	if len(params.Tools) != 1 || params.Tools[0].Function.Name != "set_ac" {
		t.Errorf("tools = %+v", params.Tools)
	}
}

func TestBuildParams_ZeroValuesLeaveDefaults(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	params := p.buildParams(llm.CompletionRequest{Messages: []llm.Message{{Role: "user", Content: "hi"}}})
	if params.Temperature != nil || params.MaxTokens != nil {
		t.Errorf("expected nil temperature and max tokens, got %v %v", params.Temperature, params.MaxTokens)
	}
}

// ── modelCapabilities ─────────────────────────────────────────────────────────

func TestModelCapabilities(t *testing.T) {
	tests := []struct {
		model   string
		context int
		tools   bool
	}{
		{"gpt-4o-mini", 128_000, true},
		{"gpt-3.5-turbo", 16_385, true},
		{"o1-mini", 128_000, false},
		{"claude-3-5-haiku-latest", 200_000, true},
		{"Claude-3-Opus", 200_000, true},
		{"gemini-1.5-pro", 2_097_152, true},
		{"gemini-2.0-flash", 1_048_576, true},
		{"my-local-model", 128_000, true},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			caps := modelCapabilities(tt.model)
			if caps.ContextWindow != tt.context {
				t.Errorf("context window = %d, want %d", caps.ContextWindow, tt.context)
			}
			if caps.SupportsToolCalling != tt.tools {
				t.Errorf("tool calling = %v, want %v", caps.SupportsToolCalling, tt.tools)
			}
		})
	}
}

// ── Constructor ───────────────────────────────────────────────────────────────

func TestNew_Validation(t *testing.T) {
	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("expected error for empty backend name")
	}
	if _, err := New("openai", ""); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := New("fakecloud", "m", anyllmlib.WithAPIKey("dummy")); err == nil {
		t.Error("expected error for unsupported backend")
	}
}

func TestNew_Backends(t *testing.T) {
	tests := []struct {
		backend string
		model   string
		opts    []anyllmlib.Option
	}{
		{"openai", "gpt-4o", []anyllmlib.Option{anyllmlib.WithAPIKey("sk-test")}},
		{"anthropic", "claude-3-5-haiku-latest", []anyllmlib.Option{anyllmlib.WithAPIKey("sk-ant-test")}},
		{"ollama", "llama3", nil},
	}
	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			p, err := New(tt.backend, tt.model, tt.opts...)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if p.model != tt.model {
				t.Errorf("model = %q, want %q", p.model, tt.model)
			}
		})
	}
}

func TestNew_OpenAIMissingAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := New("openai", "gpt-4o"); err == nil {
		t.Fatal("expected error for missing API key")
	}
}
