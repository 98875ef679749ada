package ics

import (
	"bytes"
	"errors"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "klikocal/internal/log"
)

// ParsedEvent is a VEVENT of the target calendar file. Recurrence expansion
// operates on this type.
type ParsedEvent struct {
	CalendarID string

	UID string

	Summary     string
	Description string
	Location    string

	Start  time.Time
	End    time.Time
	AllDay bool

	RawRRule   string
	ExDates    []time.Time
	Recurrence *time.Time // RECURRENCE-ID (if present) in event's own timezone
	IsOverride bool       // true if this VEVENT is an override for a recurring instance
}

// ParseICS parses an iCalendar payload into ParsedEvents.
//
//   - TZID handling is left to golang-ical, which yields time.Time values
//     with their Location set.
//   - All-day events are detected from the DTSTART value form.
//   - RRULE/EXDATE/RECURRENCE-ID are recorded but not expanded; see
//     ExpandOccurrences.
//
// An empty calendarID is taken from the file's X-WR-CALNAME. A VEVENT that
// fails to parse is logged and skipped.
func ParseICS(calendarID string, body []byte) ([]ParsedEvent, error) {
	if len(body) == 0 {
		return nil, errors.New("empty ICS body")
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		appLog.Error("ics parse failed", err, "calendar", calendarID)
		return nil, err
	}
	if calendarID == "" {
		calendarID = calendarName(cal)
	}

	events := make([]ParsedEvent, 0)
	for _, comp := range cal.Events() {
		ev, perr := parseVEvent(calendarID, comp)
		if perr != nil {
			appLog.Error("ics vevent parse failed", perr, "calendar", calendarID)
			continue
		}
		events = append(events, ev)
	}

	appLog.Debug("ics parse completed", "calendar", calendarID, "event_count", len(events))
	return events, nil
}

// calendarName returns the X-WR-CALNAME of cal, or "" if it has none.
func calendarName(cal *ical.Calendar) string {
	for _, p := range cal.CalendarProperties {
		if p.IANAToken == string(ical.PropertyXWRCalName) {
			return p.Value
		}
	}
	return ""
}

func parseVEvent(calendarID string, ve *ical.VEvent) (ParsedEvent, error) {
	out := ParsedEvent{CalendarID: calendarID}

	out.UID = ve.Id()
	if out.UID == "" {
		return out, errors.New("missing UID")
	}

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = p.Value
	}

	start, err := ve.GetStartAt()
	if err != nil {
		return out, err
	}
	end, err := ve.GetEndAt()
	if err != nil {
		// DTEND is optional; a missing one means a zero-length event.
		end = start
	}
	out.Start = start
	out.End = end

	if dt := ve.GetProperty(ical.ComponentPropertyDtStart); dt != nil {
		if vs := dt.ICalParameters["VALUE"]; len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
			out.AllDay = true
		}
		if !strings.Contains(dt.Value, "T") {
			out.AllDay = true
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.RawRRule = p.Value
	}

	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if t, err := parseICSTime(part); err == nil {
				out.ExDates = append(out.ExDates, t)
			}
		}
	}

	if p := ve.GetProperty("RECURRENCE-ID"); p != nil {
		if t, err := parseICSTime(p.Value); err == nil {
			out.Recurrence = &t
			out.IsOverride = true
		}
	}

	return out, nil
}

// parseICSTime parses a bare DATE or DATE-TIME value (EXDATE, RECURRENCE-ID)
// where no parameter context is available.
func parseICSTime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	switch {
	case v == "":
		return time.Time{}, errors.New("empty time value")
	case strings.HasSuffix(v, "Z"):
		return time.Parse("20060102T150405Z", v)
	case strings.Contains(v, "T"):
		return time.ParseInLocation("20060102T150405", v, time.Local)
	default:
		return time.ParseInLocation("20060102", v, time.Local)
	}
}
