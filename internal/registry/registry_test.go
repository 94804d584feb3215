package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"testing"

	"github.com/oslund/steward/internal/provider"
)

type fakeProvider struct {
	name    string
	tools   []provider.ToolDefinition
	listErr error
	closed  bool
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) ListTools(context.Context) ([]provider.ToolDefinition, error) {
	return p.tools, p.listErr
}

func (p *fakeProvider) CallTool(_ context.Context, name string, _ map[string]any) (string, error) {
	return "called " + name, nil
}

func (p *fakeProvider) Close() error {
	p.closed = true
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func tool(name string) provider.ToolDefinition {
	return provider.ToolDefinition{
		Name:        name,
		Description: "does " + name,
		InputSchema: map[string]any{"type": "object"},
	}
}

func TestNewFromProviders(t *testing.T) {
	mail := &fakeProvider{name: "mail", tools: []provider.ToolDefinition{tool("send_email")}}
	broken := &fakeProvider{name: "calendar", listErr: errors.New("spawn failed")}
	empty := &fakeProvider{name: "docs"}

	r := NewFromProviders(context.Background(), testLogger(), mail, broken, empty)

	if got := r.Unavailable(); !reflect.DeepEqual(got, []string{"calendar", "docs"}) {
		t.Errorf("Unavailable() = %v", got)
	}
	if len(r.Tools()) != 1 {
		t.Fatalf("Tools() = %v", r.Tools())
	}
	if owner := r.Owner("send_email"); owner != "mail" {
		t.Errorf("Owner(send_email) = %q", owner)
	}
	if _, ok := r.Handler("send_email"); !ok {
		t.Error("Handler(send_email) not found")
	}
	if _, ok := r.Handler("missing"); ok {
		t.Error("Handler(missing) should not exist")
	}

	r.Close()
	for _, p := range []*fakeProvider{mail, broken, empty} {
		if !p.closed {
			t.Errorf("provider %s not closed", p.name)
		}
	}
}

func TestFilterDomains(t *testing.T) {
	mail := &fakeProvider{name: "mail", tools: []provider.ToolDefinition{tool("send_email")}}
	calendar := &fakeProvider{name: "calendar", tools: []provider.ToolDefinition{tool("add_event")}}

	r := NewFromProviders(context.Background(), testLogger(), mail, calendar)

	filtered := r.FilterDomains(map[string]bool{"calendar": true})
	if len(filtered.Tools()) != 1 || filtered.Tools()[0].Name != "add_event" {
		t.Errorf("filtered tools = %v", filtered.Tools())
	}
	if _, ok := filtered.Handler("send_email"); ok {
		t.Error("send_email should be filtered out")
	}

	// Empty filter returns the registry unchanged.
	if got := r.FilterDomains(nil); got != r {
		t.Error("nil filter should return the same registry")
	}
	if got := r.FilterDomains(map[string]bool{}); got != r {
		t.Error("empty filter should return the same registry")
	}
}

func TestToolFormats(t *testing.T) {
	mail := &fakeProvider{name: "mail", tools: []provider.ToolDefinition{{
		Name:        "send_email",
		Description: "sends mail",
		InputSchema: map[string]any{
			"type":  "object",
			"title": "SendEmail",
			"properties": map[string]any{
				"to": map[string]any{"type": "string", "default": ""},
			},
		},
	}}}

	r := NewFromProviders(context.Background(), testLogger(), mail)

	openai := r.OpenAITools()
	if len(openai) != 1 || openai[0]["type"] != "function" {
		t.Fatalf("OpenAITools() = %v", openai)
	}
	fn := openai[0]["function"].(map[string]any)
	params := fn["parameters"].(map[string]any)
	if _, ok := params["title"]; !ok {
		t.Error("OpenAI schema must pass through untouched")
	}

	gemini := r.GeminiDeclarations()
	if len(gemini) != 1 || gemini[0]["name"] != "send_email" {
		t.Fatalf("GeminiDeclarations() = %v", gemini)
	}
	sanitized := gemini[0]["parameters"].(map[string]any)
	if _, ok := sanitized["title"]; ok {
		t.Error("Gemini schema must drop title")
	}
	to := sanitized["properties"].(map[string]any)["to"].(map[string]any)
	if _, ok := to["default"]; ok {
		t.Error("Gemini schema must drop nested default")
	}
}

func TestSanitizeSchemaDoesNotMutate(t *testing.T) {
	schema := map[string]any{
		"type":  "object",
		"title": "Thing",
		"items": []any{
			map[string]any{"default": 1, "type": "integer"},
		},
	}

	out := SanitizeSchema(schema).(map[string]any)

	if _, ok := out["title"]; ok {
		t.Error("title survived sanitization")
	}
	item := out["items"].([]any)[0].(map[string]any)
	if _, ok := item["default"]; ok {
		t.Error("nested default survived sanitization")
	}

	// Original untouched.
	if _, ok := schema["title"]; !ok {
		t.Error("input schema was mutated")
	}
	origItem := schema["items"].([]any)[0].(map[string]any)
	if _, ok := origItem["default"]; !ok {
		t.Error("input schema items were mutated")
	}
}
