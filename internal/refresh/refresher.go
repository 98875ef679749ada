// Package refresh drives the login → fetch → normalize → sync cycle and
// holds the last good set of pickup events.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"klikocal/internal/kliko"
	appLog "klikocal/internal/log"
	"klikocal/internal/model"
	"klikocal/internal/normalize"
)

var (
	// ErrNotReady wraps a failed first cycle: there is no data to serve yet.
	ErrNotReady = errors.New("not ready")

	// ErrRefreshFailed wraps every failed cycle.
	ErrRefreshFailed = errors.New("refresh failed")

	// ErrUnknown marks a failure that is neither an auth nor an API error.
	ErrUnknown = errors.New("unknown error")
)

// State is the step a cycle is in.
type State string

const (
	StateIdle             State = "idle"
	StateLoggingIn        State = "logging_in"
	StateFetchingCalendar State = "fetching_calendar"
	StateNormalizing      State = "normalizing"
	StateSyncing          State = "syncing"
)

// Remote is the Kliko API as used by a cycle.
type Remote interface {
	Login(ctx context.Context, creds kliko.Credentials) (kliko.LoginResult, error)
	FetchWasteCalendar(ctx context.Context, host, token, clientName, app string) (*kliko.CalendarResponse, error)
}

// Syncer writes new events through to the external calendar.
type Syncer interface {
	SyncNew(ctx context.Context, events []model.PickupEvent, now time.Time) []model.SyncKey
}

// Options configure a Refresher.
type Options struct {
	Credentials kliko.Credentials

	// Location is the zone pickup windows are built in.
	Location *time.Location

	// Syncer, if set, receives every successfully normalized event list.
	Syncer Syncer

	// Now is the clock, time.Now if nil.
	Now func() time.Time
}

// Status is a snapshot of the refresher for display.
type Status struct {
	Ready       bool      `json:"ready"`
	State       State     `json:"state"`
	Events      int       `json:"events"`
	LastAttempt time.Time `json:"last_attempt,omitempty"`
	LastSuccess time.Time `json:"last_success,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	AuthFailed  bool      `json:"auth_failed"`
	Warnings    int       `json:"warnings"`
	LastWritten int       `json:"last_written"`
}

// Refresher owns the refresh cycle of one account.
type Refresher struct {
	remote Remote
	opts   Options

	// cycleMu keeps cycles from overlapping; both the scheduler and manual
	// refreshes can trigger one.
	cycleMu sync.Mutex

	mu          sync.RWMutex
	events      []model.PickupEvent
	ready       bool
	state       State
	lastAttempt time.Time
	lastSuccess time.Time
	lastErr     error
	warnings    int
	lastWritten int
}

// New returns a Refresher that has not run a cycle yet.
func New(remote Remote, opts Options) *Refresher {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Refresher{remote: remote, opts: opts, state: StateIdle}
}

// Start runs the first cycle. A failure is returned wrapped in ErrNotReady
// so the caller can tell "no data yet" apart from a later failed refresh.
func (r *Refresher) Start(ctx context.Context) error {
	if err := r.Refresh(ctx); err != nil {
		if r.Ready() {
			return err
		}
		return fmt.Errorf("%w: %w", ErrNotReady, err)
	}
	return nil
}

// Refresh runs one cycle. On failure the previous event snapshot stays in
// place and the returned error wraps ErrRefreshFailed and the cause
// (kliko.ErrAuth, kliko.ErrAPI or ErrUnknown).
func (r *Refresher) Refresh(ctx context.Context) (err error) {
	r.cycleMu.Lock()
	defer r.cycleMu.Unlock()

	started := r.opts.Now()
	r.mu.Lock()
	r.lastAttempt = started
	r.mu.Unlock()

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %w: panic: %v", ErrRefreshFailed, ErrUnknown, p)
		}
		r.finish(err)
	}()

	events, warnings, err := r.collect(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRefreshFailed, classify(err))
	}

	written := r.sync(ctx, events)

	r.mu.Lock()
	r.events = events
	r.ready = true
	r.lastSuccess = r.opts.Now()
	r.warnings = warnings
	r.lastWritten = written
	r.mu.Unlock()

	appLog.Info("refresh completed",
		"events", len(events),
		"warnings", warnings,
		"written", written,
		"took", time.Since(started).String(),
	)
	return nil
}

// collect performs login, fetch and normalize.
func (r *Refresher) collect(ctx context.Context) ([]model.PickupEvent, int, error) {
	creds := r.opts.Credentials

	r.setState(StateLoggingIn)
	login, err := r.remote.Login(ctx, creds)
	if err != nil {
		return nil, 0, err
	}

	r.setState(StateFetchingCalendar)
	raw, err := r.remote.FetchWasteCalendar(ctx, creds.Host, login.Token, creds.ClientName, creds.App)
	if err != nil {
		return nil, 0, err
	}

	r.setState(StateNormalizing)
	events, warnings := normalize.Events(raw, r.opts.Location)
	return events, len(warnings), nil
}

// sync hands events to the Syncer. Sync problems never fail the cycle, so
// a panic here is logged and counts as nothing written.
func (r *Refresher) sync(ctx context.Context, events []model.PickupEvent) (written int) {
	if r.opts.Syncer == nil {
		return 0
	}
	r.setState(StateSyncing)

	defer func() {
		if p := recover(); p != nil {
			appLog.Error("sync panicked", fmt.Errorf("panic: %v", p), "events", len(events))
			written = 0
		}
	}()
	return len(r.opts.Syncer.SyncNew(ctx, events, r.opts.Now()))
}

func (r *Refresher) finish(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = StateIdle
	r.lastErr = err
	if err != nil {
		appLog.Error("refresh failed", err, "ready", r.ready, "cached_events", len(r.events))
	}
}

func (r *Refresher) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
	appLog.Debug("refresh state", "state", string(s))
}

// classify leaves auth and API errors as they are and marks anything else
// as unknown.
func classify(err error) error {
	if errors.Is(err, kliko.ErrAuth) || errors.Is(err, kliko.ErrAPI) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrUnknown, err)
}

// Ready reports whether at least one cycle has succeeded.
func (r *Refresher) Ready() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ready
}

// Snapshot returns a copy of the current event list.
func (r *Refresher) Snapshot() []model.PickupEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]model.PickupEvent(nil), r.events...)
}

// Events returns the events overlapping [rangeStart, rangeEnd], ordered by
// start.
func (r *Refresher) Events(rangeStart, rangeEnd time.Time) []model.PickupEvent {
	r.mu.RLock()
	out := make([]model.PickupEvent, 0)
	for _, ev := range r.events {
		if ev.Overlaps(rangeStart, rangeEnd) {
			out = append(out, ev)
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

// NextEvent returns the earliest-starting event that has not ended at now.
func (r *Refresher) NextEvent(now time.Time) (model.PickupEvent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var next model.PickupEvent
	found := false
	for _, ev := range r.events {
		if ev.End.Before(now) {
			continue
		}
		if !found || ev.Start.Before(next.Start) {
			next = ev
			found = true
		}
	}
	return next, found
}

// Status returns a snapshot for display.
func (r *Refresher) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st := Status{
		Ready:       r.ready,
		State:       r.state,
		Events:      len(r.events),
		LastAttempt: r.lastAttempt,
		LastSuccess: r.lastSuccess,
		Warnings:    r.warnings,
		LastWritten: r.lastWritten,
	}
	if r.lastErr != nil {
		st.LastError = r.lastErr.Error()
		st.AuthFailed = errors.Is(r.lastErr, kliko.ErrAuth)
	}
	return st
}
