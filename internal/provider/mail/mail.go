// Package mail implements the builtin mail provider. Outbound messages
// go over SMTP as multipart MIME (markdown body rendered to both plain
// text and HTML); calendar invites carry an additional text/calendar
// part. Mailbox queries go over IMAP.
package mail

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oslund/steward/internal/config"
	"github.com/oslund/steward/internal/provider"
)

// Provider is the builtin mail domain provider.
type Provider struct {
	cfg    config.MailConfig
	logger *slog.Logger
	imap   *imapClient
	now    func() time.Time
}

// New creates the builtin mail provider. The IMAP connection is
// established lazily on the first mailbox query.
func New(cfg config.MailConfig, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("provider", "mail")
	return &Provider{
		cfg:    cfg,
		logger: logger,
		imap:   newIMAPClient(cfg.IMAP, logger),
		now:    time.Now,
	}
}

// Name returns the provider's domain name.
func (p *Provider) Name() string { return "mail" }

// ListTools returns the mail tool definitions.
func (p *Provider) ListTools(_ context.Context) ([]provider.ToolDefinition, error) {
	return []provider.ToolDefinition{
		{
			Name:        "send_email",
			Description: "Sends an email to a specified recipient. The body may use markdown formatting.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"to_email": map[string]any{"type": "string", "description": "Recipient email address."},
					"subject":  map[string]any{"type": "string", "description": "Message subject line."},
					"body":     map[string]any{"type": "string", "description": "Message body in markdown."},
				},
				"required": []any{"to_email", "subject"},
			},
		},
		{
			Name:        "send_calendar_invite_email",
			Description: "Sends an email carrying an iCalendar meeting invitation the recipient's mail client can accept.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"to_email":         map[string]any{"type": "string", "description": "Recipient email address."},
					"subject":          map[string]any{"type": "string", "description": "Message subject line."},
					"body":             map[string]any{"type": "string", "description": "Message body in markdown."},
					"summary":          map[string]any{"type": "string", "description": "Event title."},
					"start_time":       map[string]any{"type": "string", "description": "Event start in 'YYYY-MM-DD HH:MM' format."},
					"duration_minutes": map[string]any{"type": "integer", "description": "Event duration in minutes (default 60)."},
					"description":      map[string]any{"type": "string", "description": "Optional event description."},
					"location":         map[string]any{"type": "string", "description": "Optional event location."},
				},
				"required": []any{"to_email", "subject", "summary", "start_time"},
			},
		},
		{
			Name:        "search_email",
			Description: "Searches the inbox for messages matching a free-text query.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string", "description": "Text to match against message content."},
					"count": map[string]any{"type": "integer", "description": "Maximum number of results (default 5)."},
				},
				"required": []any{"query"},
			},
		},
		{
			Name:        "list_recent_email",
			Description: "Lists the subjects and senders of the most recent inbox messages.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"count": map[string]any{"type": "integer", "description": "Number of messages to list (default 5)."},
				},
			},
		},
	}, nil
}

// CallTool dispatches a mail tool invocation.
func (p *Provider) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	switch name {
	case "send_email":
		return p.sendEmail(ctx, args)
	case "send_calendar_invite_email":
		return p.sendInvite(ctx, args)
	case "search_email":
		return p.searchEmail(ctx, args)
	case "list_recent_email":
		return p.listRecent(ctx, args)
	default:
		return "", fmt.Errorf("unknown mail tool: %s", name)
	}
}

// Close shuts down the IMAP connection.
func (p *Provider) Close() error {
	return p.imap.Close()
}

func (p *Provider) sendEmail(ctx context.Context, args map[string]any) (string, error) {
	to := strings.TrimSpace(stringArg(args, "to_email"))
	subject := strings.TrimSpace(stringArg(args, "subject"))
	body := stringArg(args, "body")

	if to == "" {
		return "", fmt.Errorf("to_email is required")
	}
	if subject == "" {
		return "", fmt.Errorf("subject is required")
	}

	msg, err := composeMessage(composeOptions{
		From:    p.cfg.From,
		To:      []string{to},
		Subject: subject,
		Body:    body,
	})
	if err != nil {
		return "", fmt.Errorf("compose message: %w", err)
	}

	from := extractAddress(p.cfg.From)
	if err := sendMail(ctx, p.cfg.SMTP, from, []string{to}, msg); err != nil {
		return "", fmt.Errorf("send to %s: %w", to, err)
	}

	p.logger.Info("email sent", "to", to, "subject", subject)
	return fmt.Sprintf("Email successfully sent to %s", to), nil
}

func (p *Provider) sendInvite(ctx context.Context, args map[string]any) (string, error) {
	to := strings.TrimSpace(stringArg(args, "to_email"))
	subject := strings.TrimSpace(stringArg(args, "subject"))
	body := stringArg(args, "body")
	summary := strings.TrimSpace(stringArg(args, "summary"))
	startTime := strings.TrimSpace(stringArg(args, "start_time"))
	duration := intArg(args, "duration_minutes", 60)
	description := stringArg(args, "description")
	location := strings.TrimSpace(stringArg(args, "location"))

	if to == "" {
		return "", fmt.Errorf("to_email is required")
	}
	if summary == "" {
		return "", fmt.Errorf("summary is required")
	}

	start, err := time.ParseInLocation("2006-01-02 15:04", startTime, time.Local)
	if err != nil {
		return "", fmt.Errorf("parse start_time %q (want 'YYYY-MM-DD HH:MM'): %w", startTime, err)
	}
	if duration <= 0 {
		duration = 60
	}

	organizer := extractAddress(p.cfg.From)
	ics, err := buildInvite(inviteOptions{
		UID:         fmt.Sprintf("%d@steward", p.now().UnixNano()),
		Summary:     summary,
		Description: description,
		Location:    location,
		Organizer:   organizer,
		Attendee:    to,
		Start:       start,
		End:         start.Add(time.Duration(duration) * time.Minute),
		Stamp:       p.now(),
	})
	if err != nil {
		return "", fmt.Errorf("build invite: %w", err)
	}

	if subject == "" {
		subject = fmt.Sprintf("Invitation: %s", summary)
	}
	if body == "" {
		body = fmt.Sprintf("You are invited to **%s** on %s.", summary, startTime)
	}

	msg, err := composeMessage(composeOptions{
		From:    p.cfg.From,
		To:      []string{to},
		Subject: subject,
		Body:    body,
		Invite:  ics,
	})
	if err != nil {
		return "", fmt.Errorf("compose invite message: %w", err)
	}

	if err := sendMail(ctx, p.cfg.SMTP, organizer, []string{to}, msg); err != nil {
		return "", fmt.Errorf("send invite to %s: %w", to, err)
	}

	p.logger.Info("calendar invite sent", "to", to, "summary", summary, "start", startTime)
	return fmt.Sprintf("Calendar invitation for '%s' successfully sent to %s", summary, to), nil
}

func (p *Provider) searchEmail(ctx context.Context, args map[string]any) (string, error) {
	query := strings.TrimSpace(stringArg(args, "query"))
	if query == "" {
		return "", fmt.Errorf("query is required")
	}
	count := intArg(args, "count", 5)

	envelopes, err := p.imap.Search(ctx, query, count)
	if err != nil {
		return "", fmt.Errorf("search mailbox: %w", err)
	}
	if len(envelopes) == 0 {
		return fmt.Sprintf("No emails found matching '%s'.", query), nil
	}
	return formatEnvelopes(envelopes), nil
}

func (p *Provider) listRecent(ctx context.Context, args map[string]any) (string, error) {
	count := intArg(args, "count", 5)

	envelopes, err := p.imap.ListRecent(ctx, count)
	if err != nil {
		return "", fmt.Errorf("list mailbox: %w", err)
	}
	if len(envelopes) == 0 {
		return "No emails found.", nil
	}
	return formatEnvelopes(envelopes), nil
}

// formatEnvelopes renders envelopes as a compact newest-first listing.
func formatEnvelopes(envelopes []envelope) string {
	var b strings.Builder
	for i, env := range envelopes {
		if i > 0 {
			b.WriteByte('\n')
		}
		date := ""
		if !env.Date.IsZero() {
			date = env.Date.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(&b, "%d. [%s] From: %s | Subject: %s", i+1, date, env.From, env.Subject)
	}
	return b.String()
}

// stringArg extracts a string argument, tolerating missing keys.
func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

// intArg extracts an integer argument. JSON numbers decode as float64,
// so both representations are accepted.
func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}
