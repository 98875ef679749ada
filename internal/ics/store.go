package ics

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"sync"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/google/uuid"

	"klikocal/internal/filex"
	appLog "klikocal/internal/log"
	"klikocal/internal/model"
)

const productID = "-//klikocal//Afvalkalender//NL"

// uidNamespace scopes the name-based UUIDs of written events.
var uidNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://klikocontainermanager.com/klikocal"))

// Store is the target calendar: a single iCalendar file that pickups are
// written into and that can be read back as occurrences.
type Store struct {
	path string
	loc  *time.Location

	// mu serializes read-modify-write cycles on the file.
	mu sync.Mutex
	wg sync.WaitGroup

	now func() time.Time
}

// NewStore returns a Store backed by the file at path. Times are written
// and read back in loc (time.Local if nil).
func NewStore(path string, loc *time.Location) *Store {
	if loc == nil {
		loc = time.Local
	}
	return &Store{path: path, loc: loc, now: time.Now}
}

// Path returns the calendar file location.
func (s *Store) Path() string {
	return s.path
}

// CreateEvent schedules ev to be written and returns without waiting.
// Write failures are logged; callers that need completion use Wait.
// Nothing is scheduled once ctx is done.
func (s *Store) CreateEvent(ctx context.Context, ev model.CalendarEvent) {
	if err := ctx.Err(); err != nil {
		appLog.Debug("calendar write skipped", "calendar", ev.CalendarID, "key", ev.Key, "err", err)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Put(ev); err != nil {
			appLog.Error("calendar write failed", err, "calendar", ev.CalendarID, "key", ev.Key)
			return
		}
		appLog.Info("calendar event created",
			"calendar", ev.CalendarID,
			"summary", ev.Summary,
			"start", ev.Start.Format(time.RFC3339),
		)
	}()
}

// Wait blocks until every write scheduled by CreateEvent has finished.
func (s *Store) Wait() {
	s.wg.Wait()
}

// Put writes ev synchronously. An event with the same UID is replaced.
func (s *Store) Put(ev model.CalendarEvent) error {
	if ev.CalendarID == "" {
		return errors.New("calendar id is empty")
	}
	if ev.End.Before(ev.Start) {
		return errors.New("event ends before it starts")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cal, err := s.load(ev.CalendarID)
	if err != nil {
		return err
	}

	uid := EventUID(ev.CalendarID, ev.Key)
	removeEvent(cal, uid)

	ve := cal.AddEvent(uid)
	ve.SetDtStampTime(s.now().UTC())
	ve.SetSummary(ev.Summary)
	if ev.Description != "" {
		ve.SetDescription(ev.Description)
	}
	s.setLocalTime(ve, ical.ComponentPropertyDtStart, ev.Start)
	s.setLocalTime(ve, ical.ComponentPropertyDtEnd, ev.End)

	return filex.WriteAtomic(s.path, []byte(cal.Serialize()), ".klikocal-ics-*.tmp")
}

// Events returns the occurrences stored in the calendar file that overlap
// [rangeStart, rangeEnd], tagged with the calendar id the file was created
// for. A missing file yields no occurrences.
func (s *Store) Events(rangeStart, rangeEnd time.Time) (ExpandResult, error) {
	s.mu.Lock()
	body, err := os.ReadFile(s.path)
	s.mu.Unlock()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ExpandResult{Occurrences: nil}, nil
		}
		return ExpandResult{}, err
	}

	parsed, err := ParseICS("", body)
	if err != nil {
		return ExpandResult{}, err
	}
	return ExpandOccurrences(parsed, ExpandConfig{
		DisplayLocation: s.loc,
		RangeStart:      rangeStart,
		RangeEnd:        rangeEnd,
	})
}

// EventUID derives the UID of a written event from the calendar id and the
// sync key, so rewriting the same pickup replaces rather than duplicates.
func EventUID(calendarID, key string) string {
	return uuid.NewSHA1(uidNamespace, []byte(calendarID+"\x00"+key)).String() + "@klikocal"
}

func (s *Store) load(calendarID string) (*ical.Calendar, error) {
	body, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		cal := ical.NewCalendar()
		cal.SetProductId(productID)
		cal.SetMethod(ical.MethodPublish)
		cal.SetXWRCalName(calendarID)
		if tz := s.tzid(); tz != "" {
			cal.SetXWRTimezone(tz)
		}
		return cal, nil
	}
	return ical.ParseCalendar(bytes.NewReader(body))
}

func removeEvent(cal *ical.Calendar, uid string) {
	kept := cal.Components[:0]
	for _, c := range cal.Components {
		if ve, ok := c.(*ical.VEvent); ok && ve.Id() == uid {
			continue
		}
		kept = append(kept, c)
	}
	cal.Components = kept
}

// setLocalTime writes t as a local DATE-TIME with TZID when the store's
// location is a loadable IANA zone, and as UTC otherwise.
func (s *Store) setLocalTime(ve *ical.VEvent, prop ical.ComponentProperty, t time.Time) {
	tz := s.tzid()
	if tz == "" {
		ve.SetProperty(prop, t.UTC().Format("20060102T150405Z"))
		return
	}
	ve.SetProperty(prop, t.In(s.loc).Format("20060102T150405"),
		&ical.KeyValues{Key: string(ical.ParameterTzid), Value: []string{tz}})
}

func (s *Store) tzid() string {
	name := s.loc.String()
	if name == "" || name == "Local" || name == "UTC" {
		return ""
	}
	if _, err := time.LoadLocation(name); err != nil {
		return ""
	}
	return name
}
