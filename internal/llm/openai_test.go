package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOpenAIChatRequestShape(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("auth header = %q", got)
		}

		var req openaiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != "qwen3" {
			t.Errorf("model = %q", req.Model)
		}
		if req.ToolChoice != "auto" {
			t.Errorf("tool_choice = %q", req.ToolChoice)
		}
		// System instruction is prepended as the first message.
		if len(req.Messages) != 2 || req.Messages[0].Role != RoleSystem {
			t.Errorf("messages = %+v", req.Messages)
		}

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"hi there"}}]}`)
	}))
	defer server.Close()

	client := NewOpenAIClient(server.URL, "test-key", testLogger())
	resp, err := client.Chat(context.Background(), ChatRequest{
		Model:    "qwen3",
		System:   "be helpful",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
		Tools:    []map[string]any{{"type": "function"}},
	})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if resp.Content != "hi there" {
		t.Errorf("Content = %q", resp.Content)
	}
}

func TestOpenAIChatNoToolsOmitsToolChoice(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openaiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.ToolChoice != "" {
			t.Errorf("tool_choice = %q, want empty without tools", req.ToolChoice)
		}
		io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`)
	}))
	defer server.Close()

	client := NewOpenAIClient(server.URL, "test-key", testLogger())
	if _, err := client.Chat(context.Background(), ChatRequest{Model: "qwen3"}); err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
}

func TestOpenAIChatToolCalls(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"","tool_calls":[
			{"id":"call_1","type":"function","function":{"name":"search_email","arguments":"{\"query\":\"invoice\"}"}},
			{"id":"call_2","type":"function","function":{"name":"list_events","arguments":"not json"}}
		]}}]}`)
	}))
	defer server.Close()

	client := NewOpenAIClient(server.URL, "test-key", testLogger())
	resp, err := client.Chat(context.Background(), ChatRequest{Model: "qwen3"})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if len(resp.ToolCalls) != 2 {
		t.Fatalf("ToolCalls = %+v", resp.ToolCalls)
	}
	first := resp.ToolCalls[0]
	if first.ID != "call_1" || first.Name != "search_email" || first.Args["query"] != "invoice" {
		t.Errorf("first call = %+v", first)
	}
	// Malformed arguments decode as an empty map, not an error.
	second := resp.ToolCalls[1]
	if second.Name != "list_events" || len(second.Args) != 0 {
		t.Errorf("second call = %+v", second)
	}
}

func TestOpenAIChatHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, "bad request")
	}))
	defer server.Close()

	client := NewOpenAIClient(server.URL, "test-key", testLogger())
	_, err := client.Chat(context.Background(), ChatRequest{Model: "qwen3"})

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest {
		t.Errorf("StatusCode = %d", apiErr.StatusCode)
	}
	if StatusCode(err) != http.StatusBadRequest {
		t.Errorf("StatusCode(err) = %d", StatusCode(err))
	}
}

func TestOpenAIChatEmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"choices":[]}`)
	}))
	defer server.Close()

	client := NewOpenAIClient(server.URL, "test-key", testLogger())
	_, err := client.Chat(context.Background(), ChatRequest{Model: "qwen3"})
	if !errors.Is(err, ErrResponseShape) {
		t.Errorf("error = %v, want ErrResponseShape", err)
	}
}

func TestOpenAIConvertMessagesToolCalls(t *testing.T) {
	client := NewOpenAIClient("http://unused", "k", testLogger())
	out := client.convertMessages(ChatRequest{
		Messages: []Message{
			{Role: RoleAssistant, ToolCalls: []ToolCall{
				{ID: "call_1", Name: "add_event", Args: map[string]any{"summary": "Standup"}},
			}},
			{Role: RoleTool, ToolCallID: "call_1", Name: "add_event", Content: `{"success":true}`},
		},
	})

	if len(out) != 2 {
		t.Fatalf("got %d messages", len(out))
	}
	tc := out[0].ToolCalls[0]
	if tc.Type != "function" || tc.Function.Name != "add_event" {
		t.Errorf("tool call = %+v", tc)
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil || args["summary"] != "Standup" {
		t.Errorf("arguments = %q (%v)", tc.Function.Arguments, err)
	}
	if out[1].ToolCallID != "call_1" || out[1].Name != "add_event" {
		t.Errorf("tool message = %+v", out[1])
	}
}
