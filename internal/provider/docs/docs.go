// Package docs implements the builtin document provider. Its single
// tool downloads a URL and reduces the HTML to readable text so the
// model can quote from shared documents without seeing markup.
package docs

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/oslund/steward/internal/httpkit"
	"github.com/oslund/steward/internal/provider"
)

const (
	// fetchTimeout bounds a single document download.
	fetchTimeout = 30 * time.Second

	// maxBodyBytes is the maximum response body size (5 MB).
	maxBodyBytes int64 = 5 * 1024 * 1024

	// maxChars limits the extracted text returned to the caller.
	maxChars = 50000
)

// Provider is the builtin docs domain provider.
type Provider struct {
	client *http.Client
	logger *slog.Logger
}

// New creates the builtin docs provider.
func New(logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		client: httpkit.NewClient(httpkit.WithTimeout(fetchTimeout)),
		logger: logger.With("provider", "docs"),
	}
}

// Name returns the provider's domain name.
func (p *Provider) Name() string { return "docs" }

// ListTools returns the docs tool definitions.
func (p *Provider) ListTools(_ context.Context) ([]provider.ToolDefinition, error) {
	return []provider.ToolDefinition{
		{
			Name:        "fetch_doc_text",
			Description: "Downloads a document URL and returns its readable text content.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url": map[string]any{"type": "string", "description": "Document URL to fetch."},
				},
				"required": []any{"url"},
			},
		},
	}, nil
}

// CallTool dispatches a docs tool invocation.
func (p *Provider) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if name != "fetch_doc_text" {
		return "", fmt.Errorf("unknown docs tool: %s", name)
	}

	rawURL, _ := args["url"].(string)
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", fmt.Errorf("url is required")
	}
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		rawURL = "https://" + rawURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,text/plain;q=0.8,*/*;q=0.7")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		httpkit.DrainAndClose(resp.Body, 4096)
		return "", fmt.Errorf("fetch failed: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")

	var title, content string
	switch {
	case strings.Contains(contentType, "text/html"), strings.Contains(contentType, "xhtml"):
		title, content = extractHTML(string(body))
	case strings.HasPrefix(contentType, "text/"):
		content = string(body)
	default:
		if !utf8.Valid(body) {
			return "", fmt.Errorf("unsupported content type %s", contentType)
		}
		content = string(body)
	}

	if len(content) > maxChars {
		content = truncateUTF8(content, maxChars) + "\n\n[Content truncated]"
	}

	p.logger.Debug("document fetched", "url", rawURL, "title", title, "chars", len(content))

	if title != "" {
		return fmt.Sprintf("Title: %s\n\n%s", title, content), nil
	}
	return content, nil
}

// Close releases resources.
func (p *Provider) Close() error { return nil }

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
