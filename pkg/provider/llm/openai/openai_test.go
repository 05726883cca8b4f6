package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voicechat/pkg/provider/llm"
)

func TestConvertMessage_Roles(t *testing.T) {
	tests := []struct {
		role  string
		check func(t *testing.T, m llm.Message)
	}{
		{"system", func(t *testing.T, m llm.Message) {
			p, err := convertMessage(m)
			if err != nil || p.OfSystem == nil {
				t.Fatalf("system: param=%+v err=%v", p, err)
			}
		}},
		{"user", func(t *testing.T, m llm.Message) {
			p, err := convertMessage(m)
			if err != nil || p.OfUser == nil {
				t.Fatalf("user: param=%+v err=%v", p, err)
			}
		}},
		{"assistant", func(t *testing.T, m llm.Message) {
			p, err := convertMessage(m)
			if err != nil || p.OfAssistant == nil {
				t.Fatalf("assistant: param=%+v err=%v", p, err)
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			tt.check(t, llm.Message{Role: tt.role, Content: "hi"})
		})
	}
}

func TestConvertMessage_AssistantWithToolCalls(t *testing.T) {
	msg := llm.Message{
		Role: "assistant",
		ToolCalls: []llm.ToolCall{
			{ID: "call_1", Name: "set_ac", Arguments: `{"on":true}`},
		},
	}
	param, err := convertMessage(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.OfAssistant == nil || len(param.OfAssistant.ToolCalls) != 1 {
		t.Fatalf("expected one assistant tool call, got %+v", param.OfAssistant)
	}
	tc := param.OfAssistant.ToolCalls[0]
	if tc.ID != "call_1" || tc.Function.Name != "set_ac" || tc.Function.Arguments != `{"on":true}` {
		t.Errorf("unexpected tool call: %+v", tc)
	}
}

func TestConvertMessage_Tool(t *testing.T) {
	param, err := convertMessage(llm.Message{Role: "tool", Content: "ok", ToolCallID: "call_1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.OfTool == nil || param.OfTool.ToolCallID != "call_1" {
		t.Fatalf("expected tool message for call_1, got %+v", param.OfTool)
	}
}

func TestConvertMessage_UnknownRole(t *testing.T) {
	if _, err := convertMessage(llm.Message{Role: "narrator"}); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestModelCapabilities(t *testing.T) {
	if caps := modelCapabilities("gpt-3.5-turbo"); caps.ContextWindow != 16_385 {
		t.Errorf("gpt-3.5-turbo: context window = %d", caps.ContextWindow)
	}
	if caps := modelCapabilities("qwen-plus"); caps.MaxOutputTokens != 8_192 {
		t.Errorf("qwen-plus: max output = %d", caps.MaxOutputTokens)
	}
	caps := modelCapabilities("my-custom-model")
	if caps.ContextWindow <= 0 || caps.MaxOutputTokens <= 0 || !caps.SupportsStreaming {
		t.Errorf("unknown model: unexpected defaults %+v", caps)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("expected error for empty API key")
	}
	if _, err := New("sk-test", ""); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := New("sk-test", "gpt-4o", WithBaseURL("https://example.com"), WithToolModel("gpt-4.1")); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestBuildParams_ToolModel(t *testing.T) {
	p, err := New("sk-test", "qwen-turbo-latest", WithToolModel("qwen-plus"))
	if err != nil {
		t.Fatal(err)
	}
	plain, err := p.buildParams(llm.CompletionRequest{Messages: []llm.Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatal(err)
	}
	if plain.Model != "qwen-turbo-latest" {
		t.Errorf("plain request model = %q", plain.Model)
	}
	withTools, err := p.buildParams(llm.CompletionRequest{
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
		Tools:    []llm.ToolDefinition{{Name: "set_ac"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if withTools.Model != "qwen-plus" {
		t.Errorf("tool request model = %q", withTools.Model)
	}
	if len(withTools.Tools) != 1 {
		t.Errorf("expected 1 tool param, got %d", len(withTools.Tools))
	}
}

func sseChunk(content, finish string, toolCalls string) string {
	fr := "null"
	if finish != "" {
		fr = fmt.Sprintf("%q", finish)
	}
	delta := fmt.Sprintf(`{"role":"assistant","content":%q}`, content)
	if toolCalls != "" {
		delta = fmt.Sprintf(`{"role":"assistant","content":"","tool_calls":%s}`, toolCalls)
	}
	return fmt.Sprintf(`data: {"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":%s,"finish_reason":%s}]}`+"\n\n", delta, fr)
}

func TestStreamCompletion_TextAndToolCalls(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)
		w.Header().Set("Content-Type", "text/event-stream")
		var sb strings.Builder
		sb.WriteString(sseChunk("好", "", ""))
		sb.WriteString(sseChunk("", "", `[{"index":0,"id":"call_1","type":"function","function":{"name":"set_ac","arguments":"{\"on\""}}]`))
		sb.WriteString(sseChunk("", "", `[{"index":0,"function":{"arguments":":true}"}}]`))
		sb.WriteString(sseChunk("", "tool_calls", ""))
		sb.WriteString("data: [DONE]\n\n")
		_, _ = io.WriteString(w, sb.String())
	}))
	defer srv.Close()

	p, err := New("sk-test", "qwen-turbo-latest", WithBaseURL(srv.URL), WithExtraBody("enable_search", true))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := p.StreamCompletion(ctx, llm.CompletionRequest{
		SystemPrompt: "be brief",
		Messages:     []llm.Message{{Role: "user", Content: "打开空调"}},
	})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}

	var text string
	var last llm.Chunk
	for c := range ch {
		text += c.Text
		if c.FinishReason != "" {
			last = c
		}
	}
	if text != "好" {
		t.Errorf("text = %q, want %q", text, "好")
	}
	if last.FinishReason != "tool_calls" || !last.Finished() {
		t.Fatalf("last chunk = %+v", last)
	}
	if len(last.ToolCalls) != 1 || last.ToolCalls[0].Arguments != `{"on":true}` {
		t.Errorf("tool calls = %+v", last.ToolCalls)
	}
	if gotBody["enable_search"] != true {
		t.Errorf("expected enable_search in request body, got %v", gotBody["enable_search"])
	}
}
