// Package calendar implements the builtin calendar provider over
// CalDAV. Events are stored as single-VEVENT iCalendar objects; range
// queries use calendar-query REPORTs with a time-range filter.
package calendar

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"

	"github.com/oslund/steward/internal/config"
	"github.com/oslund/steward/internal/httpkit"
	"github.com/oslund/steward/internal/provider"
)

// startTimeLayout is the wire format for event start times.
const startTimeLayout = "2006-01-02 15:04"

// Provider is the builtin calendar domain provider.
type Provider struct {
	cfg    config.CalendarConfig
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	client  *caldav.Client
	calPath string
	loc     *time.Location
}

// New creates the builtin calendar provider. The CalDAV endpoint is
// contacted lazily on first use.
func New(cfg config.CalendarConfig, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		cfg:    cfg,
		logger: logger.With("provider", "calendar"),
		now:    time.Now,
	}
}

// Name returns the provider's domain name.
func (p *Provider) Name() string { return "calendar" }

// ListTools returns the calendar tool definitions.
func (p *Provider) ListTools(_ context.Context) ([]provider.ToolDefinition, error) {
	return []provider.ToolDefinition{
		{
			Name:        "add_event",
			Description: "Adds a new event to the calendar.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"summary":          map[string]any{"type": "string", "description": "Title of the event."},
					"start_time":       map[string]any{"type": "string", "description": "Start time in 'YYYY-MM-DD HH:MM' format."},
					"duration_minutes": map[string]any{"type": "integer", "description": "Duration in minutes (default 60)."},
					"description":      map[string]any{"type": "string", "description": "Optional description."},
				},
				"required": []any{"summary", "start_time"},
			},
		},
		{
			Name:        "list_events",
			Description: "Lists calendar events for the next specified number of days.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"days": map[string]any{"type": "integer", "description": "Number of days to look ahead (default 7)."},
				},
			},
		},
		{
			Name:        "delete_event",
			Description: "Deletes the first upcoming event whose title matches the given text.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string", "description": "Text to match against event titles."},
				},
				"required": []any{"query"},
			},
		},
	}, nil
}

// CallTool dispatches a calendar tool invocation.
func (p *Provider) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	switch name {
	case "add_event":
		return p.addEvent(ctx, args)
	case "list_events":
		return p.listEvents(ctx, args)
	case "delete_event":
		return p.deleteEvent(ctx, args)
	default:
		return "", fmt.Errorf("unknown calendar tool: %s", name)
	}
}

// Close releases resources. The CalDAV client is stateless HTTP.
func (p *Provider) Close() error { return nil }

// location resolves the configured timezone once, defaulting to the
// system local zone.
func (p *Provider) location() *time.Location {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.loc != nil {
		return p.loc
	}
	loc := time.Local
	if p.cfg.Timezone != "" {
		parsed, err := time.LoadLocation(p.cfg.Timezone)
		if err != nil {
			p.logger.Warn("invalid timezone, using local", "timezone", p.cfg.Timezone, "error", err)
		} else {
			loc = parsed
		}
	}
	p.loc = loc
	return loc
}

// ensureClient lazily creates the CalDAV client and resolves the
// calendar collection path, falling back to the configured endpoint.
func (p *Provider) ensureClient(ctx context.Context) (*caldav.Client, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		return p.client, p.calPath, nil
	}

	hc := httpkit.NewClient(httpkit.WithTimeout(15 * time.Second))
	authClient := webdav.HTTPClientWithBasicAuth(hc, p.cfg.Username, p.cfg.Password)

	client, err := caldav.NewClient(authClient, p.cfg.Endpoint)
	if err != nil {
		return nil, "", fmt.Errorf("create CalDAV client: %w", err)
	}

	calPath := p.discoverCalendar(ctx, client)
	p.client = client
	p.calPath = calPath
	return client, calPath, nil
}

// discoverCalendar walks principal -> home set -> first calendar that
// supports VEVENT. Any failure falls back to the raw endpoint path.
func (p *Provider) discoverCalendar(ctx context.Context, client *caldav.Client) string {
	principal, err := client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		p.logger.Debug("principal discovery failed, using endpoint directly", "error", err)
		return p.cfg.Endpoint
	}

	homeSet, err := client.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		p.logger.Debug("home set discovery failed, using endpoint directly", "error", err)
		return p.cfg.Endpoint
	}

	cals, err := client.FindCalendars(ctx, homeSet)
	if err != nil || len(cals) == 0 {
		p.logger.Debug("calendar discovery failed, using endpoint directly", "error", err)
		return p.cfg.Endpoint
	}

	for _, cal := range cals {
		for _, comp := range cal.SupportedComponentSet {
			if comp == ical.CompEvent {
				p.logger.Info("calendar resolved", "path", cal.Path, "name", cal.Name)
				return cal.Path
			}
		}
	}
	return cals[0].Path
}

// event is a flattened view of one VEVENT.
type event struct {
	Path    string
	Summary string
	Start   time.Time
}

// queryRange returns events between start and end, sorted by start time.
func (p *Provider) queryRange(ctx context.Context, start, end time.Time) ([]event, error) {
	client, calPath, err := p.ensureClient(ctx)
	if err != nil {
		return nil, err
	}

	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name: ical.CompCalendar,
			Comps: []caldav.CalendarCompRequest{{
				Name:     ical.CompEvent,
				AllProps: true,
			}},
		},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name:  ical.CompEvent,
				Start: start,
				End:   end,
			}},
		},
	}

	objects, err := client.QueryCalendar(ctx, calPath, query)
	if err != nil {
		return nil, fmt.Errorf("calendar query: %w", err)
	}

	loc := p.location()
	var events []event
	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		for _, ev := range obj.Data.Events() {
			summary := "No Title"
			if prop := ev.Props.Get(ical.PropSummary); prop != nil && prop.Value != "" {
				summary = prop.Value
			}
			dtstart, err := ev.DateTimeStart(loc)
			if err != nil {
				continue
			}
			events = append(events, event{
				Path:    obj.Path,
				Summary: summary,
				Start:   dtstart,
			})
		}
	}

	sort.Slice(events, func(i, j int) bool { return events[i].Start.Before(events[j].Start) })
	return events, nil
}

func (p *Provider) addEvent(ctx context.Context, args map[string]any) (string, error) {
	summary := strings.TrimSpace(stringArg(args, "summary"))
	startTime := strings.TrimSpace(stringArg(args, "start_time"))
	duration := intArg(args, "duration_minutes", 60)
	description := stringArg(args, "description")

	if summary == "" {
		return "", fmt.Errorf("summary is required")
	}
	if duration <= 0 || duration > 1440 {
		duration = 60
	}

	loc := p.location()
	start, err := time.ParseInLocation(startTimeLayout, startTime, loc)
	if err != nil {
		return "", fmt.Errorf("parse start_time %q (want 'YYYY-MM-DD HH:MM'): %w", startTime, err)
	}
	end := start.Add(time.Duration(duration) * time.Minute)

	client, calPath, err := p.ensureClient(ctx)
	if err != nil {
		return "", err
	}

	uid := uuid.NewString()

	ev := ical.NewEvent()
	ev.Props.SetText(ical.PropUID, uid)
	ev.Props.SetDateTime(ical.PropDateTimeStamp, p.now().UTC())
	ev.Props.SetDateTime(ical.PropDateTimeStart, start)
	ev.Props.SetDateTime(ical.PropDateTimeEnd, end)
	ev.Props.SetText(ical.PropSummary, summary)
	if description != "" {
		ev.Props.SetText(ical.PropDescription, description)
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropProductID, "-//steward//calendar//EN")
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Children = append(cal.Children, ev.Component)

	objPath := strings.TrimSuffix(calPath, "/") + "/" + uid + ".ics"
	if _, err := client.PutCalendarObject(ctx, objPath, cal); err != nil {
		return "", fmt.Errorf("put calendar object: %w", err)
	}

	p.logger.Info("event added", "summary", summary, "start", startTime, "uid", uid)
	return fmt.Sprintf("Successfully added event: '%s' on %s", summary, startTime), nil
}

func (p *Provider) listEvents(ctx context.Context, args map[string]any) (string, error) {
	days := intArg(args, "days", 7)
	if days <= 0 || days > 365 {
		days = 7
	}

	now := p.now()
	events, err := p.queryRange(ctx, now.AddDate(0, 0, -1), now.AddDate(0, 0, days))
	if err != nil {
		return "", err
	}
	if len(events) == 0 {
		return fmt.Sprintf("No events found for the next %d days.", days), nil
	}

	lines := make([]string, 0, len(events))
	for _, ev := range events {
		lines = append(lines, fmt.Sprintf("- %s: %s", ev.Start.Format(startTimeLayout), ev.Summary))
	}
	return fmt.Sprintf("Events (Next %d days):\n%s", days, strings.Join(lines, "\n")), nil
}

func (p *Provider) deleteEvent(ctx context.Context, args map[string]any) (string, error) {
	query := strings.TrimSpace(stringArg(args, "query"))
	if query == "" {
		return "", fmt.Errorf("query is required")
	}

	now := p.now()
	events, err := p.queryRange(ctx, now.AddDate(0, 0, -30), now.AddDate(0, 0, 120))
	if err != nil {
		return "", err
	}

	lower := strings.ToLower(query)
	for _, ev := range events {
		if !strings.Contains(strings.ToLower(ev.Summary), lower) {
			continue
		}

		client, _, err := p.ensureClient(ctx)
		if err != nil {
			return "", err
		}
		if err := client.RemoveAll(ctx, ev.Path); err != nil {
			return "", fmt.Errorf("remove event %s: %w", ev.Path, err)
		}

		p.logger.Info("event deleted", "summary", ev.Summary, "path", ev.Path)
		return fmt.Sprintf("Successfully deleted event: '%s' on %s", ev.Summary, ev.Start.Format(startTimeLayout)), nil
	}

	return fmt.Sprintf("No event found matching '%s'.", query), nil
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
