package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the ISO calendar date format used by the remote service and
// by sync keys.
const DateLayout = "2006-01-02"

// Pickup window of a collection day, in the display timezone.
const (
	PickupStartHour = 6
	PickupEndHour   = 9
)

// PickupEvent is one waste collection of one fraction on one day.
type PickupEvent struct {
	Summary      string    `json:"summary"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	FractionID   int       `json:"fraction_id"`
	FractionName string    `json:"fraction_name"`
	Description  string    `json:"description,omitempty"`
}

// Key returns the sync key identifying this pickup instance.
func (e PickupEvent) Key() SyncKey {
	return SyncKey{Date: e.Start.Format(DateLayout), FractionID: e.FractionID}
}

// Overlaps reports whether the event intersects [start, end].
func (e PickupEvent) Overlaps(start, end time.Time) bool {
	return !e.End.Before(start) && !e.Start.After(end)
}

// SyncKey identifies a pickup instance for external calendar dedup.
type SyncKey struct {
	Date       string
	FractionID int
}

// String encodes the key as "{isoDate}|{fractionId}", the persisted form.
func (k SyncKey) String() string {
	return k.Date + "|" + strconv.Itoa(k.FractionID)
}

// ParseSyncKey decodes the persisted "{isoDate}|{fractionId}" form.
func ParseSyncKey(s string) (SyncKey, error) {
	date, id, ok := strings.Cut(s, "|")
	if !ok {
		return SyncKey{}, errors.New("sync key: missing separator")
	}
	if _, err := time.Parse(DateLayout, date); err != nil {
		return SyncKey{}, fmt.Errorf("sync key: date: %w", err)
	}
	n, err := strconv.Atoi(id)
	if err != nil {
		return SyncKey{}, fmt.Errorf("sync key: fraction id: %w", err)
	}
	return SyncKey{Date: date, FractionID: n}, nil
}

// PickupWindow returns the fixed pickup window for a calendar day in loc.
func PickupWindow(year int, month time.Month, day int, loc *time.Location) (start, end time.Time) {
	start = time.Date(year, month, day, PickupStartHour, 0, 0, 0, loc)
	end = time.Date(year, month, day, PickupEndHour, 0, 0, 0, loc)
	return start, end
}

// Occurrence represents a single concrete instance of an event read back
// from the target calendar (after recurrence expansion and timezone
// normalization).
type Occurrence struct {
	CalendarID string `json:"calendar_id"`
	UID        string `json:"uid"`

	// InstanceKey uniquely identifies a single occurrence of a recurring
	// event, derived from the local start time.
	InstanceKey string `json:"instance_key"`

	Summary     string `json:"summary"`
	Description string `json:"description"`
	Location    string `json:"location"`

	AllDay bool `json:"all_day"`

	// Start / End are in the configured display timezone.
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// CalendarEvent is a write request for the external calendar. Start and End
// are local times in the display timezone.
type CalendarEvent struct {
	CalendarID  string
	Key         string // sync key, used to derive a stable event UID
	Summary     string
	Description string
	Start       time.Time
	End         time.Time
}
