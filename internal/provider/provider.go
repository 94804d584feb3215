// Package provider defines the tool provider abstraction. A provider
// owns a set of named tools within a single domain (mail, calendar,
// contacts, drive, maps, docs) and executes them on request. Providers
// are either builtin (implemented in-process) or external MCP servers
// spawned as subprocesses.
package provider

import "context"

// ToolDefinition describes a single callable tool exposed by a provider.
// InputSchema is a JSON Schema object describing the tool's arguments.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Provider exposes a domain's tools for discovery and execution.
type Provider interface {
	// Name returns the provider's domain name (e.g. "mail", "calendar").
	Name() string

	// ListTools returns the tools this provider exposes.
	ListTools(ctx context.Context) ([]ToolDefinition, error)

	// CallTool executes a tool by name. The returned string is the raw
	// tool output; errors indicate execution failure.
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)

	// Close releases any resources held by the provider.
	Close() error
}
