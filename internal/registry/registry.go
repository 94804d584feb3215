// Package registry discovers domain tool providers at turn start and
// exposes their tools in the formats each model backend expects. A
// provider that fails to start, or that yields zero tools, is recorded
// as unavailable rather than failing the turn.
package registry

import (
	"context"
	"log/slog"
	"sort"

	"github.com/oslund/steward/internal/config"
	"github.com/oslund/steward/internal/provider"
	"github.com/oslund/steward/internal/provider/calendar"
	"github.com/oslund/steward/internal/provider/contacts"
	"github.com/oslund/steward/internal/provider/docs"
	"github.com/oslund/steward/internal/provider/mail"
)

// Registry holds the discovered tool surface for one conversation turn.
type Registry struct {
	logger    *slog.Logger
	providers []provider.Provider

	tools       []provider.ToolDefinition
	handlers    map[string]provider.Provider
	owners      map[string]string
	unavailable []string
}

// Discover starts every configured provider and collects its tools.
// Per-provider failures are tolerated: the domain is recorded as
// unavailable and discovery continues. Builtin kinds use the matching
// top-level config sections; kind "stdio" spawns an external server.
func Discover(ctx context.Context, cfg *config.Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{
		logger:   logger,
		handlers: make(map[string]provider.Provider),
		owners:   make(map[string]string),
	}

	for _, pc := range cfg.Providers {
		p := newProvider(pc, cfg, logger)
		if p == nil {
			logger.Error("unknown provider kind", "name", pc.Name, "kind", pc.Kind)
			r.unavailable = append(r.unavailable, pc.Name)
			continue
		}
		r.collect(ctx, pc.Name, p)
	}

	sort.Strings(r.unavailable)
	return r
}

// NewFromProviders builds a registry from already-constructed providers,
// keyed by their own Name. Used by callers that assemble providers
// outside the config-driven path.
func NewFromProviders(ctx context.Context, logger *slog.Logger, providers ...provider.Provider) *Registry {
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{
		logger:   logger,
		handlers: make(map[string]provider.Provider),
		owners:   make(map[string]string),
	}
	for _, p := range providers {
		r.collect(ctx, p.Name(), p)
	}

	sort.Strings(r.unavailable)
	return r
}

// collect lists a provider's tools and records them under domain, or
// marks the domain unavailable when listing fails or yields nothing.
func (r *Registry) collect(ctx context.Context, domain string, p provider.Provider) {
	r.providers = append(r.providers, p)

	tools, err := p.ListTools(ctx)
	if err != nil {
		r.logger.Error("failed to start provider", "name", domain, "error", err)
		r.unavailable = append(r.unavailable, domain)
		return
	}
	if len(tools) == 0 {
		r.logger.Warn("provider exposes no tools", "name", domain)
		r.unavailable = append(r.unavailable, domain)
		return
	}

	for _, t := range tools {
		r.tools = append(r.tools, t)
		r.handlers[t.Name] = p
		r.owners[t.Name] = domain
	}
	r.logger.Info("provider discovered", "name", domain, "tools", len(tools))
}

// newProvider constructs a provider for the given config entry, or nil
// if the kind is unknown.
func newProvider(pc config.ProviderConfig, cfg *config.Config, logger *slog.Logger) provider.Provider {
	switch pc.Kind {
	case "stdio":
		return provider.NewStdioProvider(pc.Name, pc.Command, pc.Args, pc.Env, logger)
	case "mail":
		return mail.New(cfg.Mail, logger)
	case "contacts":
		return contacts.New(cfg.Contacts, logger)
	case "calendar":
		return calendar.New(cfg.Calendar, logger)
	case "docs":
		return docs.New(logger)
	default:
		return nil
	}
}

// Handler returns the provider owning the named tool.
func (r *Registry) Handler(name string) (provider.Provider, bool) {
	p, ok := r.handlers[name]
	return p, ok
}

// Owner returns the domain name that owns the given tool, or "".
func (r *Registry) Owner(name string) string {
	return r.owners[name]
}

// Tools returns the discovered tool definitions in discovery order.
func (r *Registry) Tools() []provider.ToolDefinition {
	return r.tools
}

// Unavailable returns the sorted list of domains that failed to start
// or exposed no tools.
func (r *Registry) Unavailable() []string {
	return r.unavailable
}

// OpenAITools renders the tool surface as chat-completions tool specs.
// The canonical schemas pass through untouched.
func (r *Registry) OpenAITools() []map[string]any {
	out := make([]map[string]any, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.InputSchema,
			},
		})
	}
	return out
}

// GeminiDeclarations renders the tool surface as Gemini function
// declarations with sanitized schemas.
func (r *Registry) GeminiDeclarations() []map[string]any {
	out := make([]map[string]any, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, map[string]any{
			"name":        t.Name,
			"description": t.Description,
			"parameters":  SanitizeSchema(t.InputSchema),
		})
	}
	return out
}

// FilterDomains returns a narrowed view containing only tools owned by
// the given domains. A nil or empty filter returns the registry
// unchanged. The view shares providers with the parent; Close must be
// called on the parent only.
func (r *Registry) FilterDomains(domains map[string]bool) *Registry {
	if len(domains) == 0 {
		return r
	}

	filtered := &Registry{
		logger:      r.logger,
		providers:   r.providers,
		handlers:    make(map[string]provider.Provider),
		owners:      make(map[string]string),
		unavailable: r.unavailable,
	}
	for _, t := range r.tools {
		owner := r.owners[t.Name]
		if !domains[owner] {
			continue
		}
		filtered.tools = append(filtered.tools, t)
		filtered.handlers[t.Name] = r.handlers[t.Name]
		filtered.owners[t.Name] = owner
	}
	return filtered
}

// Close tears down every provider, including ones that failed
// discovery. Errors are logged, not returned: turn teardown must not
// fail.
func (r *Registry) Close() {
	for _, p := range r.providers {
		if err := p.Close(); err != nil {
			r.logger.Warn("provider close failed", "name", p.Name(), "error", err)
		}
	}
}

// SanitizeSchema returns a deep copy of a JSON schema with "title" and
// "default" keys removed at every level. The Gemini API rejects
// schemas carrying them. The input is never mutated.
func SanitizeSchema(schema any) any {
	switch v := schema.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, value := range v {
			if key == "title" || key == "default" {
				continue
			}
			out[key] = SanitizeSchema(value)
		}
		return out
	case []any:
		out := make([]any, 0, len(v))
		for _, item := range v {
			out = append(out, SanitizeSchema(item))
		}
		return out
	default:
		return schema
	}
}
