package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oslund/steward/internal/config"
	"github.com/oslund/steward/internal/intent"
	"github.com/oslund/steward/internal/llm"
	"github.com/oslund/steward/internal/metrics"
	"github.com/oslund/steward/internal/provider"
	"github.com/oslund/steward/internal/registry"
)

// scriptedBackend replays a fixed sequence of model responses and
// records every request it receives.
type scriptedBackend struct {
	steps []backendStep

	calls    int
	requests []llm.ChatRequest
}

type backendStep struct {
	resp *llm.ChatResponse
	err  error
}

func (b *scriptedBackend) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	b.requests = append(b.requests, req)
	if b.calls >= len(b.steps) {
		return nil, errors.New("unexpected extra model call")
	}
	step := b.steps[b.calls]
	b.calls++
	return step.resp, step.err
}

func textStep(content string) backendStep {
	return backendStep{resp: &llm.ChatResponse{Content: content}}
}

func toolStep(calls ...llm.ToolCall) backendStep {
	return backendStep{resp: &llm.ChatResponse{ToolCalls: calls}}
}

// fakeProvider is an in-memory tool provider with canned outputs.
type fakeProvider struct {
	name    string
	tools   []provider.ToolDefinition
	listErr error
	results map[string]string
	errs    map[string]error

	calls []string
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) ListTools(context.Context) ([]provider.ToolDefinition, error) {
	return p.tools, p.listErr
}

func (p *fakeProvider) CallTool(_ context.Context, name string, _ map[string]any) (string, error) {
	p.calls = append(p.calls, name)
	if err := p.errs[name]; err != nil {
		return "", err
	}
	return p.results[name], nil
}

func (p *fakeProvider) Close() error { return nil }

func simpleTool(name string) provider.ToolDefinition {
	return provider.ToolDefinition{
		Name:        name,
		Description: name,
		InputSchema: map[string]any{"type": "object"},
	}
}

// recordingSink captures metrics records for assertions.
type recordingSink struct {
	mu      sync.Mutex
	records []metrics.Record
}

func (s *recordingSink) Log(rec metrics.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
}

func newTestService(t *testing.T, backend llm.Backend, providers ...provider.Provider) (*Service, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &Service{
		cfg:      config.Default(),
		logger:   logger,
		sink:     sink,
		policies: intent.NewPolicyCatalog(t.TempDir()),
		backend:  backend,
		gemini:   backend,
		discover: func(ctx context.Context, _ *config.Config, lg *slog.Logger) *registry.Registry {
			return registry.NewFromProviders(ctx, lg, providers...)
		},
		now: func() time.Time { return time.Date(2026, 2, 13, 9, 0, 0, 0, time.UTC) },
	}, sink
}

func collect(t *testing.T, svc *Service, message string, history []llm.Message, model string) [][]llm.Message {
	t.Helper()
	var snapshots [][]llm.Message
	for snap := range svc.Chat(context.Background(), message, history, model) {
		snapshots = append(snapshots, snap)
	}
	return snapshots
}

func finalAnswer(t *testing.T, snapshots [][]llm.Message) string {
	t.Helper()
	if len(snapshots) == 0 {
		t.Fatal("no snapshots yielded")
	}
	last := snapshots[len(snapshots)-1]
	if len(last) == 0 {
		t.Fatal("empty final snapshot")
	}
	return last[len(last)-1].Content
}

func TestChatEmptyInput(t *testing.T) {
	backend := &scriptedBackend{}
	svc, sink := newTestService(t, backend)

	history := []llm.Message{{Role: llm.RoleUser, Content: "earlier"}}
	snapshots := collect(t, svc, "   ", history, "glm-5")

	if len(snapshots) != 1 {
		t.Fatalf("got %d snapshots, want 1", len(snapshots))
	}
	if len(snapshots[0]) != 1 || snapshots[0][0].Content != "earlier" {
		t.Errorf("history changed: %+v", snapshots[0])
	}
	if backend.calls != 0 {
		t.Errorf("backend called %d times for empty input", backend.calls)
	}
	if len(sink.records) != 0 {
		t.Errorf("metrics emitted for empty input: %+v", sink.records)
	}
}

func TestChatEndToEnd(t *testing.T) {
	contacts := &fakeProvider{
		name:    "contacts",
		tools:   []provider.ToolDefinition{simpleTool("search_contacts")},
		results: map[string]string{"search_contacts": "tool-output"},
	}
	backend := &scriptedBackend{steps: []backendStep{
		toolStep(llm.ToolCall{ID: "call-1", Name: "search_contacts", Args: map[string]any{"query": "Alice"}}),
		textStep("Final answer"),
	}}
	svc, sink := newTestService(t, backend, contacts)

	snapshots := collect(t, svc, "search contacts Alice", nil, "glm-5")

	if got := finalAnswer(t, snapshots); got != "Final answer" {
		t.Errorf("final answer = %q", got)
	}
	if backend.calls != 2 {
		t.Errorf("backend calls = %d, want 2", backend.calls)
	}

	// The tool reply fed back to the model carries the normalized contract.
	second := backend.requests[1]
	toolMsg := second.Messages[len(second.Messages)-1]
	if toolMsg.Role != llm.RoleTool || toolMsg.Name != "search_contacts" {
		t.Fatalf("unexpected tool message: %+v", toolMsg)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(toolMsg.Content), &payload); err != nil {
		t.Fatalf("tool reply not JSON: %v", err)
	}
	if payload["success"] != true {
		t.Errorf("tool reply success = %v", payload["success"])
	}

	if len(sink.records) != 1 {
		t.Fatalf("got %d metrics records, want 1", len(sink.records))
	}
	rec := sink.records[0]
	if rec.Status != "success" {
		t.Errorf("status = %q", rec.Status)
	}
	if len(rec.InvokedTools) != 1 || rec.InvokedTools[0] != "search_contacts" {
		t.Errorf("invoked_tools = %v", rec.InvokedTools)
	}
	if len(rec.InvokedServers) != 1 || rec.InvokedServers[0] != "contacts" {
		t.Errorf("invoked_servers = %v", rec.InvokedServers)
	}
	if rec.ErrorMessage != nil {
		t.Errorf("error_message = %q", *rec.ErrorMessage)
	}
	if rec.UserQuestion != "search contacts Alice" {
		t.Errorf("user_question = %q", rec.UserQuestion)
	}
}

// backendFunc adapts a function to the llm.Backend interface.
type backendFunc func(context.Context, llm.ChatRequest) (*llm.ChatResponse, error)

func (f backendFunc) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	return f(ctx, req)
}

func TestChatKeywordMissKeepsDiscoveredTools(t *testing.T) {
	t.Run("requested domain undiscovered leaves registry whole", func(t *testing.T) {
		mail := &fakeProvider{
			name:  "mail",
			tools: []provider.ToolDefinition{simpleTool("send_email")},
		}
		backend := &scriptedBackend{steps: []backendStep{textStep("Nothing I can help with there.")}}
		svc, _ := newTestService(t, backend, mail)

		// Maps keywords only; no maps provider is configured.
		collect(t, svc, "find a nearby place to eat", nil, "glm-5")

		if len(backend.requests) != 1 {
			t.Fatalf("backend requests = %d, want 1", len(backend.requests))
		}
		if got := len(backend.requests[0].Tools); got != 1 {
			t.Errorf("model offered %d tools, want the full discovered set", got)
		}
	})

	t.Run("matching domain still narrows", func(t *testing.T) {
		mail := &fakeProvider{
			name:  "mail",
			tools: []provider.ToolDefinition{simpleTool("send_email")},
		}
		contacts := &fakeProvider{
			name:  "contacts",
			tools: []provider.ToolDefinition{simpleTool("search_contacts")},
		}
		backend := &scriptedBackend{steps: []backendStep{textStep("Found Alice.")}}
		svc, _ := newTestService(t, backend, mail, contacts)

		collect(t, svc, "search contacts Alice", nil, "glm-5")

		tools := backend.requests[0].Tools
		if len(tools) != 1 {
			t.Fatalf("model offered %d tools, want contacts only", len(tools))
		}
		fn := tools[0]["function"].(map[string]any)
		if fn["name"] != "search_contacts" {
			t.Errorf("offered tool = %v", fn["name"])
		}
	})
}

func TestChatDurationUsesInjectedClock(t *testing.T) {
	base := time.Date(2026, 2, 13, 9, 0, 0, 0, time.UTC)
	current := base
	backend := backendFunc(func(context.Context, llm.ChatRequest) (*llm.ChatResponse, error) {
		current = base.Add(2 * time.Second)
		return &llm.ChatResponse{Content: "Done."}, nil
	})

	svc, sink := newTestService(t, backend)
	svc.now = func() time.Time { return current }

	collect(t, svc, "hello", nil, "glm-5")

	rec := sink.records[0]
	if rec.DurationSeconds != 2 {
		t.Errorf("duration_seconds = %v, want 2", rec.DurationSeconds)
	}
	if rec.Timestamp != "2026-02-13T09:00:02Z" {
		t.Errorf("timestamp = %q", rec.Timestamp)
	}
}

func TestChatRepeatedToolFailuresAbort(t *testing.T) {
	files := &fakeProvider{
		name:    "drive",
		tools:   []provider.ToolDefinition{simpleTool("list_files")},
		results: map[string]string{"list_files": "Error: permission denied"},
	}
	failingCall := llm.ToolCall{ID: "c", Name: "list_files", Args: map[string]any{}}
	backend := &scriptedBackend{steps: []backendStep{
		toolStep(failingCall),
		toolStep(failingCall),
		toolStep(failingCall), // must never be reached
	}}
	svc, sink := newTestService(t, backend, files)

	snapshots := collect(t, svc, "list my drive files", nil, "glm-5")

	if backend.calls != 2 {
		t.Errorf("backend calls = %d, want exactly 2", backend.calls)
	}
	if got := finalAnswer(t, snapshots); !strings.HasPrefix(got, "Error: Tool execution failed repeatedly.") {
		t.Errorf("final answer = %q", got)
	}

	rec := sink.records[0]
	if rec.Status != "error_tool_repeated_failures" {
		t.Errorf("status = %q", rec.Status)
	}
	if len(rec.ToolErrors) != 2 {
		t.Errorf("tool_errors = %v", rec.ToolErrors)
	}
}

func TestChatAutoFollowupSendsInvites(t *testing.T) {
	calendar := &fakeProvider{
		name:    "calendar",
		tools:   []provider.ToolDefinition{simpleTool("add_event")},
		results: map[string]string{"add_event": "Successfully added event: 'Planning' on 2026-02-14 10:00"},
	}
	mail := &fakeProvider{
		name:    "mail",
		tools:   []provider.ToolDefinition{simpleTool("send_email")},
		results: map[string]string{"send_email": "Email successfully sent to bob@example.com"},
	}
	backend := &scriptedBackend{steps: []backendStep{
		toolStep(llm.ToolCall{ID: "c1", Name: "add_event", Args: map[string]any{
			"summary":    "Planning",
			"start_time": "2026-02-14 10:00",
		}}),
		textStep("Event created."),
	}}
	svc, sink := newTestService(t, backend, calendar, mail)

	snapshots := collect(t, svc, "Invite bob@example.com to a planning meeting tomorrow at 10:00", nil, "glm-5")

	final := finalAnswer(t, snapshots)
	if !strings.Contains(final, "Event created.") {
		t.Errorf("final answer lost model text: %q", final)
	}
	if !strings.Contains(final, "Invitation delivery result(s):") {
		t.Errorf("missing delivery block: %q", final)
	}
	if !strings.Contains(final, "- bob@example.com: Email successfully sent to bob@example.com") {
		t.Errorf("missing per-invitee line: %q", final)
	}

	if len(mail.calls) != 1 || mail.calls[0] != "send_email" {
		t.Errorf("mail provider calls = %v, want one send_email", mail.calls)
	}

	rec := sink.records[0]
	if rec.Status != "success" {
		t.Errorf("status = %q", rec.Status)
	}
	want := []string{"add_event", "send_email"}
	if len(rec.InvokedTools) != len(want) {
		t.Fatalf("invoked_tools = %v", rec.InvokedTools)
	}
	for i, name := range want {
		if rec.InvokedTools[i] != name {
			t.Errorf("invoked_tools[%d] = %q, want %q", i, rec.InvokedTools[i], name)
		}
	}
}

func TestAutoFollowupRunsOnce(t *testing.T) {
	mail := &fakeProvider{
		name:    "mail",
		tools:   []provider.ToolDefinition{simpleTool("send_email")},
		results: map[string]string{"send_email": "Email successfully sent to bob@example.com"},
	}
	svc, _ := newTestService(t, &scriptedBackend{}, mail)

	tn := svc.newTurn(context.Background(), "please invite bob@example.com", nil, "glm-5")
	tn.reg = registry.NewFromProviders(context.Background(), svc.logger, mail)
	tn.lastAddedEventArgs = map[string]any{"summary": "Sync", "start_time": "2026-02-14 10:00"}

	first := tn.maybeAutoSendInvites("Done.")
	second := tn.maybeAutoSendInvites(first)

	if first != second {
		t.Errorf("second run changed the answer:\nfirst:  %q\nsecond: %q", first, second)
	}
	if len(mail.calls) != 1 {
		t.Errorf("invites sent %d times, want 1", len(mail.calls))
	}
}

func TestChatGeminiMissingHandlerAborts(t *testing.T) {
	docs := &fakeProvider{
		name:  "docs",
		tools: []provider.ToolDefinition{simpleTool("fetch_doc_text")},
	}
	backend := &scriptedBackend{steps: []backendStep{
		toolStep(llm.ToolCall{ID: "x", Name: "delete_everything", Args: map[string]any{}}),
	}}
	svc, sink := newTestService(t, backend, docs)

	snapshots := collect(t, svc, "summarize the quarterly report", nil, "gemini-2.5-pro")

	if got := finalAnswer(t, snapshots); got != "Error: Tool 'delete_everything' is not available from any provider." {
		t.Errorf("final answer = %q", got)
	}
	if backend.calls != 1 {
		t.Errorf("backend calls = %d, want 1", backend.calls)
	}
	rec := sink.records[0]
	if rec.Status != "error_tool_session_not_found" {
		t.Errorf("status = %q", rec.Status)
	}
}

func TestChatCompletionsMissingHandlerRecovers(t *testing.T) {
	docs := &fakeProvider{
		name:  "docs",
		tools: []provider.ToolDefinition{simpleTool("fetch_doc_text")},
	}
	backend := &scriptedBackend{steps: []backendStep{
		toolStep(llm.ToolCall{ID: "x", Name: "imaginary_tool", Args: map[string]any{}}),
		textStep("Recovered"),
	}}
	svc, sink := newTestService(t, backend, docs)

	snapshots := collect(t, svc, "summarize the quarterly report", nil, "glm-5")

	if got := finalAnswer(t, snapshots); got != "Recovered" {
		t.Errorf("final answer = %q", got)
	}
	rec := sink.records[0]
	if rec.Status != "success_with_tool_errors" {
		t.Errorf("status = %q", rec.Status)
	}
	if len(rec.ToolErrors) != 1 || !strings.Contains(rec.ToolErrors[0], "handler not found") {
		t.Errorf("tool_errors = %v", rec.ToolErrors)
	}
}

func TestChatGeminiRoundLimit(t *testing.T) {
	docs := &fakeProvider{
		name:    "docs",
		tools:   []provider.ToolDefinition{simpleTool("fetch_doc_text")},
		results: map[string]string{"fetch_doc_text": "ok"},
	}
	var calls []llm.ToolCall
	for range 7 {
		calls = append(calls, llm.ToolCall{ID: "c", Name: "fetch_doc_text", Args: map[string]any{}})
	}
	backend := &scriptedBackend{steps: []backendStep{toolStep(calls...)}}
	svc, sink := newTestService(t, backend, docs)

	collect(t, svc, "read everything", nil, "gemini-2.5-pro")

	if sink.records[0].Status != "error_tool_round_limit" {
		t.Errorf("status = %q", sink.records[0].Status)
	}
	if len(docs.calls) != 0 {
		t.Errorf("tools executed despite round-limit abort: %v", docs.calls)
	}
}

func TestChatGeminiLoopLimit(t *testing.T) {
	docs := &fakeProvider{
		name:    "docs",
		tools:   []provider.ToolDefinition{simpleTool("fetch_doc_text")},
		results: map[string]string{"fetch_doc_text": "ok"},
	}
	var calls []llm.ToolCall
	for range 6 {
		calls = append(calls, llm.ToolCall{ID: "c", Name: "fetch_doc_text", Args: map[string]any{}})
	}
	backend := &scriptedBackend{steps: []backendStep{
		toolStep(calls...),
		toolStep(calls...),
	}}
	svc, sink := newTestService(t, backend, docs)

	collect(t, svc, "read everything", nil, "gemini-2.5-pro")

	if backend.calls != 2 {
		t.Errorf("backend calls = %d, want 2", backend.calls)
	}
	if sink.records[0].Status != "error_tool_loop_limit" {
		t.Errorf("status = %q", sink.records[0].Status)
	}
	if len(docs.calls) != 12 {
		t.Errorf("tool executions = %d, want 12", len(docs.calls))
	}
}

func TestChatUnavailableDomainNotice(t *testing.T) {
	broken := &fakeProvider{
		name:    "calendar",
		listErr: errors.New("connection refused"),
	}
	backend := &scriptedBackend{steps: []backendStep{textStep("Sure.")}}
	svc, sink := newTestService(t, backend, broken)

	snapshots := collect(t, svc, "schedule a meeting for friday", nil, "glm-5")

	final := finalAnswer(t, snapshots)
	if !strings.Contains(final, "Sure.") {
		t.Errorf("final answer lost model text: %q", final)
	}
	if !strings.Contains(final, "unavailable for this request: calendar") {
		t.Errorf("missing unavailable notice: %q", final)
	}
	if sink.records[0].Status != "success" {
		t.Errorf("status = %q", sink.records[0].Status)
	}
}

func TestChatTimeoutAfterToolSurfacesPartialProgress(t *testing.T) {
	contacts := &fakeProvider{
		name:    "contacts",
		tools:   []provider.ToolDefinition{simpleTool("search_contacts")},
		results: map[string]string{"search_contacts": "Alice <alice@example.com>"},
	}
	backend := &scriptedBackend{steps: []backendStep{
		toolStep(llm.ToolCall{ID: "c", Name: "search_contacts", Args: map[string]any{"query": "Alice"}}),
		{err: context.DeadlineExceeded},
	}}
	svc, sink := newTestService(t, backend, contacts)

	snapshots := collect(t, svc, "search contacts Alice", nil, "glm-5")

	final := finalAnswer(t, snapshots)
	if !strings.Contains(final, "timed out after tool execution") {
		t.Errorf("missing timeout warning: %q", final)
	}
	if !strings.Contains(final, "Alice <alice@example.com>") {
		t.Errorf("missing last tool result: %q", final)
	}
	if sink.records[0].Status != "error_http_timeout_after_tool" {
		t.Errorf("status = %q", sink.records[0].Status)
	}
}

func TestChatMissingBackendKey(t *testing.T) {
	svc, sink := newTestService(t, &scriptedBackend{})
	svc.backend = nil

	snapshots := collect(t, svc, "hello", nil, "glm-5")

	if got := finalAnswer(t, snapshots); !strings.HasPrefix(got, "Error:") {
		t.Errorf("final answer = %q", got)
	}
	if sink.records[0].Status != "error_missing_api_key" {
		t.Errorf("status = %q", sink.records[0].Status)
	}
}
