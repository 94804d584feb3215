package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/oslund/steward/internal/mcp"
)

// StdioProvider adapts an external MCP server subprocess to the
// Provider interface. The handshake is performed lazily on first use.
type StdioProvider struct {
	name   string
	client *mcp.Client

	mu          sync.Mutex
	initialized bool
}

// NewStdioProvider creates a provider backed by an MCP server launched
// with the given command. The subprocess is not started until the first
// tool listing or call.
func NewStdioProvider(name, command string, args, env []string, logger *slog.Logger) *StdioProvider {
	transport := mcp.NewStdioTransport(mcp.StdioConfig{
		Command: command,
		Args:    args,
		Env:     env,
		Logger:  logger,
	})
	return &StdioProvider{
		name:   name,
		client: mcp.NewClient(name, transport, logger),
	}
}

// Name returns the provider's domain name.
func (p *StdioProvider) Name() string {
	return p.name
}

// ensureInitialized performs the MCP handshake once.
func (p *StdioProvider) ensureInitialized(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return nil
	}
	if err := p.client.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize provider %s: %w", p.name, err)
	}
	p.initialized = true
	return nil
}

// ListTools returns the tools exposed by the MCP server.
func (p *StdioProvider) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	if err := p.ensureInitialized(ctx); err != nil {
		return nil, err
	}

	raw, err := p.client.ListTools(ctx)
	if err != nil {
		return nil, err
	}

	defs := make([]ToolDefinition, 0, len(raw))
	for _, t := range raw {
		defs = append(defs, ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return defs, nil
}

// CallTool executes a tool on the MCP server.
func (p *StdioProvider) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if err := p.ensureInitialized(ctx); err != nil {
		return "", err
	}
	return p.client.CallTool(ctx, name, args)
}

// Close terminates the MCP server subprocess.
func (p *StdioProvider) Close() error {
	return p.client.Close()
}
