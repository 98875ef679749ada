package ics

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const userCalendar = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//test//EN
BEGIN:VEVENT
UID:weekly-1
DTSTAMP:20240101T000000Z
DTSTART:20240304T180000Z
DTEND:20240304T190000Z
RRULE:FREQ=WEEKLY;COUNT=4
EXDATE:20240311T180000Z
SUMMARY:Container buiten zetten
END:VEVENT
BEGIN:VEVENT
UID:single-1
DTSTAMP:20240101T000000Z
DTSTART:20240306T060000Z
DTEND:20240306T090000Z
SUMMARY:GFT
END:VEVENT
BEGIN:VEVENT
UID:single-2
DTSTAMP:20240101T000000Z
DTSTART;VALUE=DATE:20240401
SUMMARY:Out of range
END:VEVENT
END:VCALENDAR
`

func crlf(s string) []byte {
	return []byte(strings.ReplaceAll(s, "\n", "\r\n"))
}

func TestParseICS(t *testing.T) {
	events, err := ParseICS("user", crlf(userCalendar))
	require.NoError(t, err)
	require.Len(t, events, 3)

	assert.Equal(t, "weekly-1", events[0].UID)
	assert.Equal(t, "FREQ=WEEKLY;COUNT=4", events[0].RawRRule)
	require.Len(t, events[0].ExDates, 1)
	assert.True(t, events[0].ExDates[0].Equal(time.Date(2024, 3, 11, 18, 0, 0, 0, time.UTC)))
	assert.False(t, events[0].AllDay)
	assert.True(t, events[2].AllDay)
	assert.Equal(t, "user", events[1].CalendarID)
}

func TestParseICSEmpty(t *testing.T) {
	_, err := ParseICS("user", nil)
	assert.Error(t, err)
}

func TestExpandOccurrencesAppliesRRuleAndExDate(t *testing.T) {
	events, err := ParseICS("user", crlf(userCalendar))
	require.NoError(t, err)

	res, err := ExpandOccurrences(events, ExpandConfig{
		DisplayLocation: time.UTC,
		RangeStart:      time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		RangeEnd:        time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	days := make([]int, 0, len(res.Occurrences))
	for _, o := range res.Occurrences {
		days = append(days, o.Start.Day())
	}
	// Weekly on 4, 11 (excluded), 18, 25 plus the single event on the 6th.
	assert.Equal(t, []int{4, 6, 18, 25}, days)
	assert.Empty(t, res.TruncatedEvents)
}

func TestExpandOccurrencesCap(t *testing.T) {
	events, err := ParseICS("user", crlf(userCalendar))
	require.NoError(t, err)

	res, err := ExpandOccurrences(events[:1], ExpandConfig{
		RangeStart:             time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		RangeEnd:               time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC),
		MaxOccurrencesPerEvent: 1,
	})
	require.NoError(t, err)
	assert.Len(t, res.Occurrences, 1)
	assert.Equal(t, []string{"weekly-1"}, res.TruncatedEvents)
}

func TestExpandOccurrencesRejectsInvertedRange(t *testing.T) {
	_, err := ExpandOccurrences(nil, ExpandConfig{
		RangeStart: time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC),
		RangeEnd:   time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	assert.Error(t, err)
}
