// Package normalize turns the raw waste calendar of the Kliko API into
// pickup events.
package normalize

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"klikocal/internal/kliko"
	appLog "klikocal/internal/log"
	"klikocal/internal/model"
)

// ParseError reports a date key or entry that could not be interpreted.
// It is recoverable: the offending date (or entry) is skipped.
type ParseError struct {
	Date string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("normalize: date %q: %v", e.Date, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// dateLayouts are tried in order; the service sends plain dates, but a
// date-time key still identifies a day.
var dateLayouts = []string{
	model.DateLayout,
	time.RFC3339,
	"2006-01-02T15:04:05",
}

// Events builds one PickupEvent per non-empty entry of raw, with the pickup
// window placed in loc (time.Local if nil).
//
// Events keep the response order and are neither sorted nor deduplicated.
// Dates that do not parse are skipped and reported in warnings together
// with entries whose fraction id is not a number.
func Events(raw *kliko.CalendarResponse, loc *time.Location) (events []model.PickupEvent, warnings []error) {
	if raw == nil {
		return nil, nil
	}
	if loc == nil {
		loc = time.Local
	}

	names, warnings := fractionNames(raw.Fractions)

	events = make([]model.PickupEvent, 0, len(raw.Dates))
	for _, day := range raw.Dates {
		y, m, d, err := parseDate(day.Date)
		if err != nil {
			perr := &ParseError{Date: day.Date, Err: err}
			appLog.Warn("skipping malformed date in waste calendar", "date", day.Date, "err", err)
			warnings = append(warnings, perr)
			continue
		}

		start, end := model.PickupWindow(y, m, d, loc)

		for _, entry := range day.Entries {
			if len(entry) == 0 {
				continue
			}
			id, err := entry.FractionID()
			if err != nil {
				appLog.Warn("skipping malformed entry in waste calendar", "date", day.Date, "err", err)
				warnings = append(warnings, &ParseError{Date: day.Date, Err: err})
				continue
			}

			name, ok := names[id]
			if !ok {
				name = UnknownFractionName(id)
			}

			events = append(events, model.PickupEvent{
				Summary:      name,
				Start:        start,
				End:          end,
				FractionID:   id,
				FractionName: name,
			})
		}
	}

	return events, warnings
}

// UnknownFractionName is the display name for a fraction id missing from
// the fractions table.
func UnknownFractionName(id int) string {
	return "Fraction " + strconv.Itoa(id)
}

// fractionNames maps fraction ids to names. A fraction without a name is
// shown by its id.
func fractionNames(fractions []kliko.Fraction) (map[int]string, []error) {
	names := make(map[int]string, len(fractions))
	var warnings []error
	for _, f := range fractions {
		id, err := kliko.ParseID(f.ID)
		if err != nil {
			warnings = append(warnings, fmt.Errorf("normalize: fraction id %q: %w", f.ID.String(), err))
			continue
		}
		name := f.Name
		if name == "" {
			name = f.ID.String()
		}
		names[id] = name
	}
	return names, warnings
}

func parseDate(s string) (int, time.Month, int, error) {
	if s == "" {
		return 0, 0, 0, errors.New("empty date")
	}
	var lastErr error
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			y, m, d := t.Date()
			return y, m, d, nil
		}
		lastErr = err
	}
	return 0, 0, 0, lastErr
}
