package refresh

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klikocal/internal/kliko"
)

func TestNewSchedulerRejectsBadSpec(t *testing.T) {
	_, err := NewScheduler(newRefresher(&fakeRemote{}, nil), "every day", time.UTC)
	assert.Error(t, err)
}

func TestSchedulerRetriesUntilReady(t *testing.T) {
	remote := &fakeRemote{body: twoPickups, fetchErr: &kliko.Error{Op: "getMyWasteCalendar", Kind: kliko.ErrAPI}}
	r := newRefresher(remote, nil)

	s, err := NewScheduler(r, "0 5 * * *", time.UTC)
	require.NoError(t, err)
	s.RetryMin = 10 * time.Millisecond
	s.RetryMax = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		remote.mu.Lock()
		defer remote.mu.Unlock()
		return remote.loginHits >= 2
	}, time.Second, 5*time.Millisecond)
	assert.False(t, r.Ready())

	remote.mu.Lock()
	remote.fetchErr = nil
	remote.mu.Unlock()

	require.Eventually(t, r.Ready, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestSchedulerDoesNotRetryAuthFailure(t *testing.T) {
	remote := &fakeRemote{loginErr: &kliko.Error{Op: "loginWithPassword", Kind: kliko.ErrAuth}}
	r := newRefresher(remote, nil)

	s, err := NewScheduler(r, "0 5 * * *", time.UTC)
	require.NoError(t, err)
	s.RetryMin = 5 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	remote.mu.Lock()
	defer remote.mu.Unlock()
	assert.Equal(t, 1, remote.loginHits)
}
