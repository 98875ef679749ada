// Package ledger mirrors pickup events into an external calendar at most
// once per (date, fraction) key, remembering what was written across
// restarts.
package ledger

import (
	"context"
	"sort"
	"time"

	appLog "klikocal/internal/log"
	"klikocal/internal/model"
)

// DefaultHorizon is how far ahead of now events are written.
const DefaultHorizon = 60 * 24 * time.Hour

// Writer is the external calendar. CreateEvent must not block on the
// write; failures are the writer's to log.
type Writer interface {
	CreateEvent(ctx context.Context, ev model.CalendarEvent)
}

// KeyStore persists the encoded key set. SaveSyncedKeys replaces the
// previous value as a whole.
type KeyStore interface {
	SyncedKeys() []string
	SaveSyncedKeys(keys []string) error
}

// Options tune a Ledger. Zero values select the defaults.
type Options struct {
	// Horizon bounds how far ahead of now an event may start to be written.
	Horizon time.Duration

	// Retention, if positive, drops keys whose date is older than
	// now-Retention whenever the key set is persisted.
	Retention time.Duration

	// Location is the zone the written local start/end times use.
	Location *time.Location
}

// Ledger decides which events are new and in range, writes them through and
// records their keys. It is not safe for concurrent SyncNew calls; the
// refresh loop runs one cycle at a time.
type Ledger struct {
	calendarID string
	writer     Writer
	store      KeyStore
	opts       Options

	synced map[model.SyncKey]struct{}
}

// New builds a Ledger seeded from the keys currently persisted in store.
// Keys that do not decode are logged and dropped.
func New(calendarID string, writer Writer, store KeyStore, opts Options) *Ledger {
	if opts.Horizon <= 0 {
		opts.Horizon = DefaultHorizon
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}

	l := &Ledger{
		calendarID: calendarID,
		writer:     writer,
		store:      store,
		opts:       opts,
		synced:     make(map[model.SyncKey]struct{}),
	}
	for _, raw := range store.SyncedKeys() {
		k, err := model.ParseSyncKey(raw)
		if err != nil {
			appLog.Warn("dropping malformed synced event key", "key", raw, "err", err)
			continue
		}
		l.synced[k] = struct{}{}
	}
	return l
}

// Len returns the number of keys known as synced.
func (l *Ledger) Len() int {
	return len(l.synced)
}

// Has reports whether key was already synced.
func (l *Ledger) Has(key model.SyncKey) bool {
	_, ok := l.synced[key]
	return ok
}

// SyncNew writes every eligible event whose key is not yet synced and
// returns the keys written in this call.
//
// An event is eligible when end >= now and start <= now+horizon. Each key
// is reserved before its write is issued, so an event listed twice is
// written once. Write failures do not release the key. When at least one
// key was added the full key set is persisted; a persistence failure is
// logged and the keys stay reserved in memory for this process.
//
// SyncNew never fails: problems are logged per event.
func (l *Ledger) SyncNew(ctx context.Context, events []model.PickupEvent, now time.Time) []model.SyncKey {
	horizon := now.Add(l.opts.Horizon)
	written := make([]model.SyncKey, 0)

	for _, ev := range events {
		if ctx.Err() != nil {
			appLog.Info("sync interrupted", "written", len(written))
			break
		}
		if ev.End.Before(now) || ev.Start.After(horizon) {
			continue
		}

		key := ev.Key()
		if l.Has(key) {
			continue
		}
		l.synced[key] = struct{}{}

		l.write(ctx, key, ev)
		written = append(written, key)
	}

	pruned := l.prune(now)
	if len(written) > 0 || pruned > 0 {
		l.persist()
	}

	if len(written) > 0 {
		appLog.Info("synced new pickup events",
			"calendar", l.calendarID,
			"written", len(written),
			"known", len(l.synced),
		)
	}
	return written
}

func (l *Ledger) write(ctx context.Context, key model.SyncKey, ev model.PickupEvent) {
	defer func() {
		// A misbehaving writer must not stop the remaining events.
		if r := recover(); r != nil {
			appLog.Warn("calendar writer panicked", "key", key.String(), "panic", r)
		}
	}()

	l.writer.CreateEvent(ctx, model.CalendarEvent{
		CalendarID:  l.calendarID,
		Key:         key.String(),
		Summary:     ev.Summary,
		Description: Description(ev),
		Start:       ev.Start.In(l.opts.Location),
		End:         ev.End.In(l.opts.Location),
	})
}

// prune drops keys older than the retention window and returns how many.
func (l *Ledger) prune(now time.Time) int {
	if l.opts.Retention <= 0 {
		return 0
	}
	cutoff := now.Add(-l.opts.Retention).In(l.opts.Location).Format(model.DateLayout)
	n := 0
	for k := range l.synced {
		// ISO dates compare correctly as strings.
		if k.Date < cutoff {
			delete(l.synced, k)
			n++
		}
	}
	return n
}

func (l *Ledger) persist() {
	keys := l.Keys()
	if err := l.store.SaveSyncedKeys(keys); err != nil {
		appLog.Error("persisting synced event keys failed", err, "keys", len(keys))
	}
}

// Keys returns the encoded key set, sorted.
func (l *Ledger) Keys() []string {
	keys := make([]string, 0, len(l.synced))
	for k := range l.synced {
		keys = append(keys, k.String())
	}
	sort.Strings(keys)
	return keys
}

// Description is the text written into the external calendar entry.
func Description(ev model.PickupEvent) string {
	if ev.Description != "" {
		return ev.Description
	}
	return "Afvalinzameling: " + ev.FractionName
}
