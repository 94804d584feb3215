package mail

import (
	"strings"
	"testing"
	"time"
)

func TestBuildInvite(t *testing.T) {
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	got, err := buildInvite(inviteOptions{
		UID:         "evt-1@steward",
		Summary:     "Planning",
		Description: "Quarterly planning session",
		Location:    "Room 4",
		Organizer:   "steward@example.com",
		Attendee:    "alice@example.com",
		Start:       start,
		End:         start.Add(time.Hour),
		Stamp:       start,
	})
	if err != nil {
		t.Fatalf("buildInvite() error = %v", err)
	}

	ics := string(got)
	for _, want := range []string{
		"BEGIN:VCALENDAR",
		"METHOD:REQUEST",
		"BEGIN:VEVENT",
		"UID:evt-1@steward",
		"SUMMARY:Planning",
		"LOCATION:Room 4",
		"ORGANIZER:mailto:steward@example.com",
		"RSVP=TRUE",
		"mailto:alice@example.com",
		"END:VEVENT",
		"END:VCALENDAR",
	} {
		if !strings.Contains(ics, want) {
			t.Errorf("invite missing %q:\n%s", want, ics)
		}
	}
}

func TestBuildInviteOptionalFieldsOmitted(t *testing.T) {
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	got, err := buildInvite(inviteOptions{
		UID:       "evt-2@steward",
		Summary:   "Standup",
		Organizer: "steward@example.com",
		Attendee:  "alice@example.com",
		Start:     start,
		End:       start.Add(30 * time.Minute),
		Stamp:     start,
	})
	if err != nil {
		t.Fatal(err)
	}

	ics := string(got)
	if strings.Contains(ics, "DESCRIPTION") || strings.Contains(ics, "LOCATION") {
		t.Errorf("empty optional fields emitted:\n%s", ics)
	}
}
