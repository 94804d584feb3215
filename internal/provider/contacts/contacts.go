// Package contacts implements the builtin contacts provider over
// CardDAV. Contact lookups issue addressbook-query REPORTs with a
// PROPFIND fallback for servers that reject filtered queries.
package contacts

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-vcard"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/carddav"

	"github.com/oslund/steward/internal/config"
	"github.com/oslund/steward/internal/httpkit"
	"github.com/oslund/steward/internal/provider"
)

// Provider is the builtin contacts domain provider.
type Provider struct {
	cfg    config.ContactsConfig
	logger *slog.Logger

	mu       sync.Mutex
	client   *carddav.Client
	bookPath string
}

// New creates the builtin contacts provider. The CardDAV endpoint is
// contacted lazily on first use.
func New(cfg config.ContactsConfig, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		cfg:    cfg,
		logger: logger.With("provider", "contacts"),
	}
}

// Name returns the provider's domain name.
func (p *Provider) Name() string { return "contacts" }

// ListTools returns the contacts tool definitions.
func (p *Provider) ListTools(_ context.Context) ([]provider.ToolDefinition, error) {
	return []provider.ToolDefinition{
		{
			Name:        "search_contacts",
			Description: "Searches for contacts by name and returns name, email, and phone for each match.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string", "description": "Name or partial name to search for."},
				},
				"required": []any{"query"},
			},
		},
		{
			Name:        "get_contact",
			Description: "Returns full details for a single contact matched by name.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name": map[string]any{"type": "string", "description": "Contact name to look up."},
				},
				"required": []any{"name"},
			},
		},
		{
			Name:        "list_contacts",
			Description: "Lists names and email addresses from the address book.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"limit": map[string]any{"type": "integer", "description": "Maximum number of contacts (default 10)."},
				},
			},
		},
	}, nil
}

// CallTool dispatches a contacts tool invocation.
func (p *Provider) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	switch name {
	case "search_contacts":
		return p.searchContacts(ctx, args)
	case "get_contact":
		return p.getContact(ctx, args)
	case "list_contacts":
		return p.listContacts(ctx, args)
	default:
		return "", fmt.Errorf("unknown contacts tool: %s", name)
	}
}

// Close releases resources. The CardDAV client is stateless HTTP.
func (p *Provider) Close() error { return nil }

// contact is a flattened view of one vCard.
type contact struct {
	Name  string
	Email string
	Phone string
}

// ensureClient lazily creates the CardDAV client and resolves the
// address book path. Falls back to the configured endpoint path when
// principal discovery is unsupported.
func (p *Provider) ensureClient(ctx context.Context) (*carddav.Client, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		return p.client, p.bookPath, nil
	}

	hc := httpkit.NewClient(httpkit.WithTimeout(15 * time.Second))
	authClient := webdav.HTTPClientWithBasicAuth(hc, p.cfg.Username, p.cfg.Password)

	client, err := carddav.NewClient(authClient, p.cfg.Endpoint)
	if err != nil {
		return nil, "", fmt.Errorf("create CardDAV client: %w", err)
	}

	bookPath := p.discoverAddressBook(ctx, client)
	p.client = client
	p.bookPath = bookPath
	return client, bookPath, nil
}

// discoverAddressBook walks principal -> home set -> first address
// book. Any failure falls back to the raw endpoint path.
func (p *Provider) discoverAddressBook(ctx context.Context, client *carddav.Client) string {
	principal, err := client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		p.logger.Debug("principal discovery failed, using endpoint directly", "error", err)
		return p.cfg.Endpoint
	}

	homeSet, err := client.FindAddressBookHomeSet(ctx, principal)
	if err != nil {
		p.logger.Debug("home set discovery failed, using endpoint directly", "error", err)
		return p.cfg.Endpoint
	}

	books, err := client.FindAddressBooks(ctx, homeSet)
	if err != nil || len(books) == 0 {
		p.logger.Debug("address book discovery failed, using endpoint directly", "error", err)
		return p.cfg.Endpoint
	}

	p.logger.Info("address book resolved", "path", books[0].Path, "name", books[0].Name)
	return books[0].Path
}

// query runs an addressbook-query REPORT. When nameFilter is non-empty
// the server filters on FN; results are additionally filtered
// client-side since text-match support varies between servers.
func (p *Provider) query(ctx context.Context, nameFilter string, limit int) ([]contact, error) {
	client, bookPath, err := p.ensureClient(ctx)
	if err != nil {
		return nil, err
	}

	q := &carddav.AddressBookQuery{
		DataRequest: carddav.AddressDataRequest{
			Props: []string{
				vcard.FieldFormattedName,
				vcard.FieldEmail,
				vcard.FieldTelephone,
			},
		},
	}
	if nameFilter != "" {
		q.PropFilters = []carddav.PropFilter{{
			Name: vcard.FieldFormattedName,
			TextMatches: []carddav.TextMatch{{
				Text:      nameFilter,
				MatchType: carddav.MatchContains,
			}},
		}}
	}
	if limit > 0 {
		q.Limit = limit
	}

	objects, err := client.QueryAddressBook(ctx, bookPath, q)
	if err != nil {
		return nil, fmt.Errorf("addressbook query: %w", err)
	}

	lower := strings.ToLower(nameFilter)
	var results []contact
	for _, obj := range objects {
		c := flattenCard(obj.Card)
		if lower != "" && !strings.Contains(strings.ToLower(c.Name), lower) {
			continue
		}
		results = append(results, c)
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	return results, nil
}

// flattenCard extracts the display fields from a vCard.
func flattenCard(card vcard.Card) contact {
	c := contact{
		Name:  card.PreferredValue(vcard.FieldFormattedName),
		Email: card.PreferredValue(vcard.FieldEmail),
		Phone: card.PreferredValue(vcard.FieldTelephone),
	}
	if c.Email == "" {
		c.Email = "No Email"
	}
	if c.Phone == "" {
		c.Phone = "No Phone"
	}
	return c
}

func (p *Provider) searchContacts(ctx context.Context, args map[string]any) (string, error) {
	query := strings.TrimSpace(stringArg(args, "query"))
	if query == "" {
		return "", fmt.Errorf("query is required")
	}

	results, err := p.query(ctx, query, 5)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return fmt.Sprintf("No match for '%s'", query), nil
	}

	entries := make([]string, 0, len(results))
	for _, c := range results {
		name := c.Name
		if name == "" {
			name = "Unknown"
		}
		entries = append(entries, fmt.Sprintf("Name: %s\nEmail: %s\nPhone: %s", name, c.Email, c.Phone))
	}
	return "Search Results:\n\n" + strings.Join(entries, "\n---\n"), nil
}

func (p *Provider) getContact(ctx context.Context, args map[string]any) (string, error) {
	name := strings.TrimSpace(stringArg(args, "name"))
	if name == "" {
		return "", fmt.Errorf("name is required")
	}

	results, err := p.query(ctx, name, 1)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return fmt.Sprintf("No match for '%s'", name), nil
	}

	c := results[0]
	display := c.Name
	if display == "" {
		display = "Unknown"
	}
	return fmt.Sprintf("Name: %s\nEmail: %s\nPhone: %s", display, c.Email, c.Phone), nil
}

func (p *Provider) listContacts(ctx context.Context, args map[string]any) (string, error) {
	limit := intArg(args, "limit", 10)

	results, err := p.query(ctx, "", limit)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "No contacts found.", nil
	}

	lines := make([]string, 0, len(results))
	for _, c := range results {
		name := c.Name
		if name == "" {
			name = "Unknown"
		}
		lines = append(lines, fmt.Sprintf("- %s: %s", name, c.Email))
	}
	return fmt.Sprintf("Contacts (showing %d):\n%s", len(lines), strings.Join(lines, "\n")), nil
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}
