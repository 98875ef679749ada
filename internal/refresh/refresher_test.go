package refresh

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klikocal/internal/kliko"
	"klikocal/internal/ledger"
	"klikocal/internal/model"
)

var cet = time.FixedZone("CET", 3600)

type fakeRemote struct {
	mu        sync.Mutex
	loginErr  error
	fetchErr  error
	body      string
	panicky   bool
	tokens    []string
	loginHits int
}

func (f *fakeRemote) Login(_ context.Context, creds kliko.Credentials) (kliko.LoginResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loginHits++
	if f.loginErr != nil {
		return kliko.LoginResult{}, f.loginErr
	}
	return kliko.LoginResult{Token: "tok-" + creds.CardNumber}, nil
}

func (f *fakeRemote) FetchWasteCalendar(_ context.Context, _, token, _, _ string) (*kliko.CalendarResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, token)
	if f.panicky {
		panic("boom")
	}
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	var raw kliko.CalendarResponse
	if err := json.Unmarshal([]byte(f.body), &raw); err != nil {
		return nil, err
	}
	return &raw, nil
}

type recordingSyncer struct {
	calls  int
	events []model.PickupEvent
}

func (s *recordingSyncer) SyncNew(_ context.Context, events []model.PickupEvent, _ time.Time) []model.SyncKey {
	s.calls++
	s.events = events
	keys := make([]model.SyncKey, 0, len(events))
	for _, ev := range events {
		keys = append(keys, ev.Key())
	}
	return keys
}

const twoPickups = `{"dates": {"2024-03-12": [[2,0]], "2024-03-05": [[1,0]]}, "fractions":[{"id":1,"name":"Paper"},{"id":2,"name":"GFT"}]}`

func newRefresher(remote Remote, syncer Syncer) *Refresher {
	return New(remote, Options{
		Credentials: kliko.Credentials{CardNumber: "42", Password: "pw", Host: "h", ClientName: "c", App: "a"},
		Location:    cet,
		Syncer:      syncer,
		Now:         func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, cet) },
	})
}

func TestRefreshSuccess(t *testing.T) {
	remote := &fakeRemote{body: twoPickups}
	syncer := &recordingSyncer{}
	r := newRefresher(remote, syncer)

	require.NoError(t, r.Start(context.Background()))
	assert.True(t, r.Ready())
	assert.Equal(t, []string{"tok-42"}, remote.tokens)
	assert.Equal(t, 1, syncer.calls)
	assert.Len(t, syncer.events, 2)

	st := r.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.Equal(t, 2, st.Events)
	assert.Equal(t, 2, st.LastWritten)
	assert.Empty(t, st.LastError)
}

func TestRefreshGetsFreshTokenEveryCycle(t *testing.T) {
	remote := &fakeRemote{body: twoPickups}
	r := newRefresher(remote, nil)

	require.NoError(t, r.Refresh(context.Background()))
	require.NoError(t, r.Refresh(context.Background()))
	assert.Equal(t, 2, remote.loginHits)
}

func TestStartFailureIsNotReady(t *testing.T) {
	remote := &fakeRemote{loginErr: &kliko.Error{Op: "loginWithPassword", Kind: kliko.ErrAuth}}
	r := newRefresher(remote, nil)

	err := r.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotReady))
	assert.True(t, errors.Is(err, ErrRefreshFailed))
	assert.True(t, errors.Is(err, kliko.ErrAuth))
	assert.False(t, r.Ready())
	assert.Empty(t, remote.tokens, "no token used after a failed login")
	assert.True(t, r.Status().AuthFailed)
}

func TestFailedRefreshKeepsPreviousSnapshot(t *testing.T) {
	remote := &fakeRemote{body: twoPickups}
	syncer := &recordingSyncer{}
	r := newRefresher(remote, syncer)
	require.NoError(t, r.Start(context.Background()))
	before := r.Snapshot()

	remote.fetchErr = &kliko.Error{Op: "getMyWasteCalendar", Kind: kliko.ErrAPI}
	err := r.Refresh(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRefreshFailed))
	assert.True(t, errors.Is(err, kliko.ErrAPI))
	assert.False(t, errors.Is(err, ErrNotReady))

	assert.True(t, r.Ready())
	assert.Equal(t, before, r.Snapshot())
	assert.Equal(t, 1, syncer.calls, "sync is skipped on a failed cycle")
	assert.NotEmpty(t, r.Status().LastError)
}

func TestUnknownErrorsAreWrapped(t *testing.T) {
	remote := &fakeRemote{fetchErr: errors.New("disk on fire")}
	r := newRefresher(remote, nil)

	err := r.Refresh(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknown))
	assert.Contains(t, err.Error(), "disk on fire")
}

func TestPanicInCycleIsRecovered(t *testing.T) {
	remote := &fakeRemote{panicky: true}
	r := newRefresher(remote, nil)

	err := r.Refresh(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknown))
	assert.Equal(t, StateIdle, r.Status().State)
}

type panickingSyncer struct{}

func (panickingSyncer) SyncNew(context.Context, []model.PickupEvent, time.Time) []model.SyncKey {
	panic("ledger exploded")
}

func TestSyncPanicDoesNotFailCycle(t *testing.T) {
	r := newRefresher(&fakeRemote{body: twoPickups}, panickingSyncer{})

	require.NoError(t, r.Start(context.Background()))
	assert.True(t, r.Ready())
	assert.Len(t, r.Snapshot(), 2)

	st := r.Status()
	assert.Empty(t, st.LastError)
	assert.Equal(t, 0, st.LastWritten)
	assert.Equal(t, StateIdle, st.State)
}

func TestEventsAndNextEvent(t *testing.T) {
	r := newRefresher(&fakeRemote{body: twoPickups}, nil)
	require.NoError(t, r.Refresh(context.Background()))

	got := r.Events(time.Date(2024, 3, 1, 0, 0, 0, 0, cet), time.Date(2024, 3, 31, 0, 0, 0, 0, cet))
	require.Len(t, got, 2)
	assert.Equal(t, 5, got[0].Start.Day(), "sorted by start")

	got = r.Events(time.Date(2024, 3, 5, 8, 0, 0, 0, cet), time.Date(2024, 3, 6, 0, 0, 0, 0, cet))
	require.Len(t, got, 1)
	assert.Equal(t, "Paper", got[0].Summary)

	next, ok := r.NextEvent(time.Date(2024, 3, 5, 8, 0, 0, 0, cet))
	require.True(t, ok)
	assert.Equal(t, "Paper", next.Summary, "a running pickup is still next")

	next, ok = r.NextEvent(time.Date(2024, 3, 5, 9, 30, 0, 0, cet))
	require.True(t, ok)
	assert.Equal(t, "GFT", next.Summary)

	_, ok = r.NextEvent(time.Date(2024, 4, 1, 0, 0, 0, 0, cet))
	assert.False(t, ok)
}

func TestRefreshCyclesDoNotOverlap(t *testing.T) {
	var inFlight, maxInFlight int32
	remote := &slowRemote{inFlight: &inFlight, max: &maxInFlight}
	r := newRefresher(remote, nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Refresh(context.Background())
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight))
}

type slowRemote struct {
	inFlight *int32
	max      *int32
}

func (s *slowRemote) Login(context.Context, kliko.Credentials) (kliko.LoginResult, error) {
	n := atomic.AddInt32(s.inFlight, 1)
	for {
		m := atomic.LoadInt32(s.max)
		if n <= m || atomic.CompareAndSwapInt32(s.max, m, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	atomic.AddInt32(s.inFlight, -1)
	return kliko.LoginResult{Token: "t"}, nil
}

func (s *slowRemote) FetchWasteCalendar(context.Context, string, string, string, string) (*kliko.CalendarResponse, error) {
	return &kliko.CalendarResponse{}, nil
}

// memKeys is an in-memory ledger.KeyStore.
type memKeys struct{ keys []string }

func (m *memKeys) SyncedKeys() []string               { return append([]string(nil), m.keys...) }
func (m *memKeys) SaveSyncedKeys(keys []string) error { m.keys = keys; return nil }

type countingWriter struct{ n int32 }

func (w *countingWriter) CreateEvent(context.Context, model.CalendarEvent) { atomic.AddInt32(&w.n, 1) }

// TestCycleAgainstFakeService runs full cycles through the real client and
// ledger against a TLS test server.
func TestCycleAgainstFakeService(t *testing.T) {
	var calendar atomic.Value
	calendar.Store(`{"dates": {"2024-03-05": [[1,0]]}, "fractions":[{"id":1,"name":"Paper"}]}`)

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case kliko.LoginPath:
			_, _ = w.Write([]byte(`{"success":true,"token":"abc"}`))
		case kliko.WasteCalendarPath:
			_, _ = w.Write([]byte(calendar.Load().(string)))
		}
	}))
	defer srv.Close()

	host := strings.TrimPrefix(srv.URL, "https://")
	keys := &memKeys{}
	writer := &countingWriter{}
	now := func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, cet) }

	build := func() *Refresher {
		return New(kliko.NewClient(srv.Client()), Options{
			Credentials: kliko.Credentials{CardNumber: "42", Password: "pw", Host: host, ClientName: "c", App: "a"},
			Location:    cet,
			Syncer:      ledger.New("afval", writer, keys, ledger.Options{Location: cet}),
			Now:         now,
		})
	}

	r := build()
	require.NoError(t, r.Start(context.Background()))
	assert.Equal(t, int32(1), atomic.LoadInt32(&writer.n))
	assert.Equal(t, []string{"2024-03-05|1"}, keys.keys)

	// The service drops the fractions key: the cycle fails, data stays.
	calendar.Store(`{"dates": {}}`)
	err := r.Refresh(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, kliko.ErrAPI))
	assert.Len(t, r.Snapshot(), 1)

	// A restart built from the persisted keys does not write again.
	calendar.Store(`{"dates": {"2024-03-05": [[1,0]]}, "fractions":[{"id":1,"name":"Paper"}]}`)
	require.NoError(t, build().Start(context.Background()))
	assert.Equal(t, int32(1), atomic.LoadInt32(&writer.n))
}
