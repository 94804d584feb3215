package mail

import (
	"bytes"
	"fmt"
	"time"

	"github.com/emersion/go-ical"
)

// inviteOptions describes a single-event meeting request.
type inviteOptions struct {
	UID         string
	Summary     string
	Description string
	Location    string
	Organizer   string
	Attendee    string
	Start       time.Time
	End         time.Time
	Stamp       time.Time
}

// buildInvite renders an iCalendar METHOD:REQUEST payload carrying one
// VEVENT. The output is suitable for a text/calendar MIME part.
func buildInvite(opts inviteOptions) ([]byte, error) {
	event := ical.NewEvent()
	event.Props.SetText(ical.PropUID, opts.UID)
	event.Props.SetDateTime(ical.PropDateTimeStamp, opts.Stamp.UTC())
	event.Props.SetDateTime(ical.PropDateTimeStart, opts.Start)
	event.Props.SetDateTime(ical.PropDateTimeEnd, opts.End)
	event.Props.SetText(ical.PropSummary, opts.Summary)
	if opts.Description != "" {
		event.Props.SetText(ical.PropDescription, opts.Description)
	}
	if opts.Location != "" {
		event.Props.SetText(ical.PropLocation, opts.Location)
	}

	org := ical.NewProp(ical.PropOrganizer)
	org.Value = "mailto:" + opts.Organizer
	event.Props.Set(org)

	att := ical.NewProp(ical.PropAttendee)
	att.Value = "mailto:" + opts.Attendee
	att.Params.Set(ical.ParamRole, "REQ-PARTICIPANT")
	att.Params.Set(ical.ParamParticipationStatus, "NEEDS-ACTION")
	att.Params.Set(ical.ParamRSVP, "TRUE")
	event.Props.Set(att)

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropProductID, "-//steward//invite//EN")
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropMethod, "REQUEST")
	cal.Children = append(cal.Children, event.Component)

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return nil, fmt.Errorf("encode calendar: %w", err)
	}
	return buf.Bytes(), nil
}
