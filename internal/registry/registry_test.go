package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/citiesmods/resource_downloader/internal/health"
	"github.com/citiesmods/resource_downloader/internal/metadata"
	"github.com/citiesmods/resource_downloader/internal/transport"
	"github.com/stretchr/testify/require"
)

// memStore implements metadata.Store in memory for tests.
type memStore struct {
	mu sync.Mutex
	m  map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{m: make(map[string][]byte)}
}

func (s *memStore) Get(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m[key], nil
}

func (s *memStore) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = append([]byte(nil), value...)
	return nil
}

func (s *memStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}

// fakeHandle implements transport.Handle for testing.
type fakeHandle struct {
	pauseFn  func()
	cancelFn func()
}

func (h *fakeHandle) Pause() {
	if h.pauseFn != nil {
		h.pauseFn()
	}
}

func (h *fakeHandle) Cancel() {
	if h.cancelFn != nil {
		h.cancelFn()
	}
}

// fakeTransport implements transport.Client with scriptable behavior.
// Scripts must deliver callbacks from their own goroutine, like the real
// transport does.
type fakeTransport struct {
	mu           sync.Mutex
	fetchCalls   int
	resumeCalls  int
	lastObserver transport.Observer
	onFetch      func(obs transport.Observer) transport.Handle
	onResume     func(token []byte, obs transport.Observer) (transport.Handle, error)
}

func (f *fakeTransport) Fetch(_ context.Context, _ string, obs transport.Observer) (transport.Handle, error) {
	f.mu.Lock()
	f.fetchCalls++
	f.lastObserver = obs
	f.mu.Unlock()

	if f.onFetch != nil {
		return f.onFetch(obs), nil
	}

	return &fakeHandle{}, nil
}

func (f *fakeTransport) ResumeFetch(_ context.Context, token []byte, obs transport.Observer) (transport.Handle, error) {
	f.mu.Lock()
	f.resumeCalls++
	f.lastObserver = obs
	f.mu.Unlock()

	if f.onResume != nil {
		return f.onResume(token, obs)
	}

	return &fakeHandle{}, nil
}

func (f *fakeTransport) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls, f.resumeCalls
}

func (f *fakeTransport) observer() transport.Observer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastObserver
}

func newTestRegistry(t *testing.T, tc transport.Client) (*Registry, *metadata.Table) {
	t.Helper()

	meta, err := metadata.NewTable(newMemStore())
	require.NoError(t, err)

	reg := NewRegistry(tc, meta, health.Static(health.StatusAvailable), health.Static(health.StatusAvailable), nil, 4)
	t.Cleanup(reg.Close)

	return reg, meta
}

// completeImmediately scripts a transfer that reports progress and finishes.
func completeImmediately(dest string, size int64) func(obs transport.Observer) transport.Handle {
	return func(obs transport.Observer) transport.Handle {
		go func() {
			obs.OnProgress(0, size)
			obs.OnProgress(size/2, size)
			obs.OnProgress(size, size)
			obs.OnComplete(dest)
		}()

		return &fakeHandle{}
	}
}

func TestStartCompletes(t *testing.T) {
	tc := &fakeTransport{onFetch: completeImmediately("/downloads/mod.zip", 100)}
	reg, meta := newTestRegistry(t, tc)

	dest, err := reg.Start(context.Background(), 1, "Mod", "https://example.com/mod.zip")
	require.NoError(t, err)
	require.Equal(t, "/downloads/mod.zip", dest)

	require.Equal(t, 1.0, reg.Progress(1))
	require.Equal(t, "Completed", reg.StatusText(1))
	require.False(t, reg.IsDownloading(1))
	require.False(t, reg.IsPaused(1))

	rec, ok := meta.Get(1)
	require.True(t, ok)
	require.Equal(t, "Mod", rec.Title)
	require.Equal(t, int64(100), rec.ExpectedSize)
	require.Empty(t, rec.LastError)
}

func TestStartNotConnected(t *testing.T) {
	tc := &fakeTransport{}

	meta, err := metadata.NewTable(newMemStore())
	require.NoError(t, err)

	reg := NewRegistry(tc, meta, health.Static(health.StatusUnavailable), health.Static(health.StatusAvailable), nil, 1)
	defer reg.Close()

	_, err = reg.Start(context.Background(), 1, "Mod", "https://example.com/mod.zip")
	require.ErrorIs(t, err, ErrNotConnected)

	fetches, _ := tc.calls()
	require.Zero(t, fetches, "no transfer must be issued when not connected")
}

func TestStartServiceUnavailable(t *testing.T) {
	tc := &fakeTransport{}

	meta, err := metadata.NewTable(newMemStore())
	require.NoError(t, err)

	reg := NewRegistry(tc, meta, health.Static(health.StatusAvailable), health.Static(health.StatusUnavailable), nil, 1)
	defer reg.Close()

	_, err = reg.Start(context.Background(), 1, "Mod", "https://example.com/mod.zip")
	require.ErrorIs(t, err, ErrServiceUnavailable)
}

func TestStartUnknownHealthTreatedAsAvailable(t *testing.T) {
	tc := &fakeTransport{onFetch: completeImmediately("/downloads/mod.zip", 10)}

	meta, err := metadata.NewTable(newMemStore())
	require.NoError(t, err)

	reg := NewRegistry(tc, meta, health.Static(health.StatusUnknown), health.Static(health.StatusUnknown), nil, 1)
	defer reg.Close()

	dest, err := reg.Start(context.Background(), 1, "Mod", "https://example.com/mod.zip")
	require.NoError(t, err)
	require.Equal(t, "/downloads/mod.zip", dest)
}

func TestConcurrentStartJoinsInFlightTransfer(t *testing.T) {
	release := make(chan struct{})

	tc := &fakeTransport{onFetch: func(obs transport.Observer) transport.Handle {
		go func() {
			<-release
			obs.OnComplete("/downloads/mod.zip")
		}()

		return &fakeHandle{}
	}}
	reg, _ := newTestRegistry(t, tc)

	results := make(chan string, 2)
	errs := make(chan error, 2)

	for i := 0; i < 2; i++ {
		go func() {
			dest, err := reg.Start(context.Background(), 1, "Mod", "https://example.com/mod.zip")
			results <- dest
			errs <- err
		}()
	}

	// Both callers must be waiting on the same attempt before it resolves.
	require.Eventually(t, func() bool {
		return reg.IsDownloading(1)
	}, time.Second, 5*time.Millisecond)

	close(release)

	for i := 0; i < 2; i++ {
		require.NoError(t, <-errs)
		require.Equal(t, "/downloads/mod.zip", <-results)
	}

	fetches, _ := tc.calls()
	require.Equal(t, 1, fetches, "a concurrent start must not issue a second transfer")
}

func TestStartAfterCompletionIssuesFreshTransfer(t *testing.T) {
	tc := &fakeTransport{onFetch: completeImmediately("/downloads/mod.zip", 10)}
	reg, _ := newTestRegistry(t, tc)

	_, err := reg.Start(context.Background(), 1, "Mod", "https://example.com/mod.zip")
	require.NoError(t, err)

	_, err = reg.Start(context.Background(), 1, "Mod", "https://example.com/mod.zip")
	require.NoError(t, err)

	fetches, _ := tc.calls()
	require.Equal(t, 2, fetches)
}

func TestPauseThenResumeCompletes(t *testing.T) {
	token := []byte(`{"offset":50}`)

	tc := &fakeTransport{}
	tc.onFetch = func(obs transport.Observer) transport.Handle {
		go obs.OnProgress(50, 100)

		return &fakeHandle{pauseFn: func() {
			go obs.OnPaused(token)
		}}
	}
	tc.onResume = func(got []byte, obs transport.Observer) (transport.Handle, error) {
		if string(got) != string(token) {
			return nil, fmt.Errorf("unexpected token %q", got)
		}

		go func() {
			obs.OnProgress(100, 100)
			obs.OnComplete("/downloads/mod.zip")
		}()

		return &fakeHandle{}, nil
	}

	reg, _ := newTestRegistry(t, tc)

	startErr := make(chan error, 1)

	go func() {
		_, err := reg.Start(context.Background(), 2, "B", "https://example.com/b.zip")
		startErr <- err
	}()

	require.Eventually(t, func() bool {
		return reg.IsDownloading(2)
	}, time.Second, 5*time.Millisecond)

	reg.Pause(2)

	require.Eventually(t, func() bool {
		return reg.IsPaused(2)
	}, time.Second, 5*time.Millisecond)

	require.False(t, reg.IsDownloading(2))
	require.Equal(t, "Paused", reg.StatusText(2))
	require.ErrorIs(t, <-startErr, ErrPaused)

	dest, err := reg.Resume(context.Background(), 2)
	require.NoError(t, err)
	require.Equal(t, "/downloads/mod.zip", dest)
	require.Equal(t, 1.0, reg.Progress(2))
	require.Equal(t, "Completed", reg.StatusText(2))
}

func TestResumeWithoutTokenFails(t *testing.T) {
	tc := &fakeTransport{onFetch: completeImmediately("/downloads/mod.zip", 10)}
	reg, _ := newTestRegistry(t, tc)

	_, err := reg.Start(context.Background(), 1, "Mod", "https://example.com/mod.zip")
	require.NoError(t, err)

	_, err = reg.Resume(context.Background(), 1)

	var stateErr *InvalidStateError
	require.ErrorAs(t, err, &stateErr)
	require.Equal(t, int64(1), stateErr.ID)

	// State unchanged.
	require.Equal(t, "Completed", reg.StatusText(1))
	require.Equal(t, 1.0, reg.Progress(1))
}

func TestResumeUnknownDownloadFails(t *testing.T) {
	reg, _ := newTestRegistry(t, &fakeTransport{})

	_, err := reg.Resume(context.Background(), 99)

	var stateErr *InvalidStateError
	require.ErrorAs(t, err, &stateErr)
}

func TestResumeUnresumableTokenFails(t *testing.T) {
	tc := &fakeTransport{}
	tc.onFetch = func(obs transport.Observer) transport.Handle {
		return &fakeHandle{pauseFn: func() {
			go obs.OnPaused([]byte(`{"offset":10}`))
		}}
	}
	tc.onResume = func([]byte, transport.Observer) (transport.Handle, error) {
		return nil, transport.ErrUnresumable
	}

	reg, meta := newTestRegistry(t, tc)

	go reg.Start(context.Background(), 3, "C", "https://example.com/c.zip") //nolint:errcheck

	require.Eventually(t, func() bool {
		return reg.IsDownloading(3)
	}, time.Second, 5*time.Millisecond)

	reg.Pause(3)

	require.Eventually(t, func() bool {
		return reg.IsPaused(3)
	}, time.Second, 5*time.Millisecond)

	_, err := reg.Resume(context.Background(), 3)
	require.ErrorIs(t, err, ErrUnresumable)

	rec, ok := meta.Get(3)
	require.True(t, ok)
	require.NotEmpty(t, rec.LastError)
}

func TestCancelRemovesAllState(t *testing.T) {
	tc := &fakeTransport{}
	tc.onFetch = func(transport.Observer) transport.Handle {
		return &fakeHandle{}
	}

	reg, meta := newTestRegistry(t, tc)

	startErr := make(chan error, 1)

	go func() {
		_, err := reg.Start(context.Background(), 1, "Mod", "https://example.com/mod.zip")
		startErr <- err
	}()

	require.Eventually(t, func() bool {
		return reg.IsDownloading(1)
	}, time.Second, 5*time.Millisecond)

	reg.Cancel(1)

	require.ErrorIs(t, <-startErr, ErrCanceled)
	require.Equal(t, "Idle", reg.StatusText(1))
	require.Zero(t, reg.Progress(1))

	_, ok := meta.Get(1)
	require.False(t, ok, "metadata must be removed by cancel")
}

func TestStaleCallbacksAreIgnoredAfterCancel(t *testing.T) {
	tc := &fakeTransport{}
	tc.onFetch = func(transport.Observer) transport.Handle {
		return &fakeHandle{}
	}

	reg, _ := newTestRegistry(t, tc)

	go reg.Start(context.Background(), 1, "Mod", "https://example.com/mod.zip") //nolint:errcheck

	require.Eventually(t, func() bool {
		return reg.IsDownloading(1)
	}, time.Second, 5*time.Millisecond)

	obs := tc.observer()

	reg.Cancel(1)

	// Callbacks from the cancelled attempt must be no-ops.
	obs.OnProgress(50, 100)
	obs.OnComplete("/downloads/mod.zip")

	require.Equal(t, "Idle", reg.StatusText(1))
	require.Zero(t, reg.Progress(1))
	require.False(t, reg.IsDownloading(1))
}

func TestProgressIsMonotonicWithinAGeneration(t *testing.T) {
	tc := &fakeTransport{}
	tc.onFetch = func(transport.Observer) transport.Handle {
		return &fakeHandle{}
	}

	reg, _ := newTestRegistry(t, tc)

	go reg.Start(context.Background(), 1, "Mod", "https://example.com/mod.zip") //nolint:errcheck

	require.Eventually(t, func() bool {
		return reg.IsDownloading(1)
	}, time.Second, 5*time.Millisecond)

	obs := tc.observer()

	obs.OnProgress(80, 100)
	require.Equal(t, 0.8, reg.Progress(1))

	// A lower report must not move progress backwards.
	obs.OnProgress(40, 100)
	require.Equal(t, 0.8, reg.Progress(1))

	obs.OnProgress(90, 100)
	require.Equal(t, 0.9, reg.Progress(1))
}

func TestFailureMirrorsLastError(t *testing.T) {
	tc := &fakeTransport{}
	tc.onFetch = func(obs transport.Observer) transport.Handle {
		go obs.OnFailure(errors.New("connection reset"))

		return &fakeHandle{}
	}

	reg, meta := newTestRegistry(t, tc)

	_, err := reg.Start(context.Background(), 1, "Mod", "https://example.com/mod.zip")

	var transferErr *TransferFailedError
	require.ErrorAs(t, err, &transferErr)

	rec, ok := meta.Get(1)
	require.True(t, ok)
	require.Equal(t, "connection reset", rec.LastError)
	require.Equal(t, "connection reset", reg.StatusText(1))
}

func TestClearRemovesTerminalEntry(t *testing.T) {
	tc := &fakeTransport{onFetch: completeImmediately("/downloads/mod.zip", 10)}
	reg, meta := newTestRegistry(t, tc)

	_, err := reg.Start(context.Background(), 1, "A", "https://example.com/a.zip")
	require.NoError(t, err)
	require.Equal(t, "Completed", reg.StatusText(1))

	reg.Clear(1)

	require.Equal(t, "Idle", reg.StatusText(1))

	_, ok := meta.Get(1)
	require.False(t, ok)
}

func TestClearDoesNotAffectInFlightTransfer(t *testing.T) {
	tc := &fakeTransport{}
	tc.onFetch = func(transport.Observer) transport.Handle {
		return &fakeHandle{}
	}

	reg, meta := newTestRegistry(t, tc)

	go reg.Start(context.Background(), 1, "Mod", "https://example.com/mod.zip") //nolint:errcheck

	require.Eventually(t, func() bool {
		return reg.IsDownloading(1)
	}, time.Second, 5*time.Millisecond)

	reg.Clear(1)

	require.True(t, reg.IsDownloading(1))

	_, ok := meta.Get(1)
	require.True(t, ok)
}

func TestClearDoesNotAffectPausedDownload(t *testing.T) {
	token := []byte(`{"offset":25}`)

	tc := &fakeTransport{}
	tc.onFetch = func(obs transport.Observer) transport.Handle {
		return &fakeHandle{pauseFn: func() {
			go obs.OnPaused(token)
		}}
	}
	tc.onResume = func(_ []byte, obs transport.Observer) (transport.Handle, error) {
		go obs.OnComplete("/downloads/mod.zip")

		return &fakeHandle{}, nil
	}

	reg, meta := newTestRegistry(t, tc)

	go reg.Start(context.Background(), 7, "Mod", "https://example.com/mod.zip") //nolint:errcheck

	require.Eventually(t, func() bool {
		return reg.IsDownloading(7)
	}, time.Second, 5*time.Millisecond)

	reg.Pause(7)

	require.Eventually(t, func() bool {
		return reg.IsPaused(7)
	}, time.Second, 5*time.Millisecond)

	reg.Clear(7)

	require.True(t, reg.IsPaused(7), "paused entry must survive Clear")

	_, ok := meta.Get(7)
	require.True(t, ok, "metadata must survive Clear while paused")

	// The retained token still resumes.
	dest, err := reg.Resume(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, "/downloads/mod.zip", dest)
}

func TestCallbackAfterCloseIsDropped(t *testing.T) {
	tc := &fakeTransport{}
	tc.onFetch = func(transport.Observer) transport.Handle {
		return &fakeHandle{}
	}

	reg, _ := newTestRegistry(t, tc)

	startErr := make(chan error, 1)

	go func() {
		_, err := reg.Start(context.Background(), 1, "Mod", "https://example.com/mod.zip")
		startErr <- err
	}()

	require.Eventually(t, func() bool {
		return reg.IsDownloading(1)
	}, time.Second, 5*time.Millisecond)

	obs := tc.observer()

	reg.Close()

	// A transfer resolving after shutdown must not panic on the closed
	// event channels; its state transition still lands.
	require.NotPanics(t, func() {
		obs.OnComplete("/downloads/mod.zip")
	})

	require.NoError(t, <-startErr)
	require.Equal(t, "Completed", reg.StatusText(1))
}

func TestResumeFailureKeepsRecordedError(t *testing.T) {
	tc := &fakeTransport{}
	tc.onFetch = func(obs transport.Observer) transport.Handle {
		return &fakeHandle{pauseFn: func() {
			go obs.OnPaused([]byte(`{"offset":10}`))
		}}
	}
	tc.onResume = func(_ []byte, obs transport.Observer) (transport.Handle, error) {
		// Fails as soon as the transfer is up.
		go obs.OnFailure(errors.New("boom"))

		return &fakeHandle{}, nil
	}

	reg, meta := newTestRegistry(t, tc)

	go reg.Start(context.Background(), 4, "D", "https://example.com/d.zip") //nolint:errcheck

	require.Eventually(t, func() bool {
		return reg.IsDownloading(4)
	}, time.Second, 5*time.Millisecond)

	reg.Pause(4)

	require.Eventually(t, func() bool {
		return reg.IsPaused(4)
	}, time.Second, 5*time.Millisecond)

	_, err := reg.Resume(context.Background(), 4)

	var transferErr *TransferFailedError
	require.ErrorAs(t, err, &transferErr)

	// The failure recorded by the resumed transfer survives; the pre-launch
	// error reset must not wipe it.
	rec, ok := meta.Get(4)
	require.True(t, ok)
	require.Equal(t, "boom", rec.LastError)
	require.Equal(t, "boom", reg.StatusText(4))
}

func TestPauseOnIdleEntryIsNoOp(t *testing.T) {
	reg, _ := newTestRegistry(t, &fakeTransport{})

	reg.Pause(42)

	require.False(t, reg.IsPaused(42))
	require.Equal(t, "Idle", reg.StatusText(42))
}

func TestStartManyDownloadsAll(t *testing.T) {
	var mu sync.Mutex

	dests := map[string]bool{}

	tc := &fakeTransport{}
	tc.onFetch = func(obs transport.Observer) transport.Handle {
		go func() {
			mu.Lock()
			dest := fmt.Sprintf("/downloads/file-%d", len(dests))
			dests[dest] = true
			mu.Unlock()

			obs.OnComplete(dest)
		}()

		return &fakeHandle{}
	}

	reg, _ := newTestRegistry(t, tc)

	err := reg.StartMany(context.Background(), []StartRequest{
		{ID: 1, Title: "A", URL: "https://example.com/a.zip"},
		{ID: 2, Title: "B", URL: "https://example.com/b.zip"},
		{ID: 3, Title: "C", URL: "https://example.com/c.zip"},
	})
	require.NoError(t, err)

	fetches, _ := tc.calls()
	require.Equal(t, 3, fetches)

	for _, id := range []int64{1, 2, 3} {
		require.Equal(t, "Completed", reg.StatusText(id))
	}
}

func TestSnapshotOrdersNewestFirst(t *testing.T) {
	tc := &fakeTransport{onFetch: completeImmediately("/downloads/a.zip", 10)}
	reg, meta := newTestRegistry(t, tc)

	_, err := reg.Start(context.Background(), 1, "Old", "https://example.com/a.zip")
	require.NoError(t, err)

	// Force distinct creation times without sleeping through real starts.
	require.NoError(t, meta.Upsert(1, func(rec *metadata.Record) { rec.CreatedAt = 100 }))
	require.NoError(t, meta.Upsert(2, func(rec *metadata.Record) {
		rec.Title = "New"
		rec.CreatedAt = 200
	}))

	snap := reg.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, int64(2), snap[0].ID)
	require.Equal(t, "New", snap[0].Title)
	require.Equal(t, int64(1), snap[1].ID)
	require.Equal(t, "Completed", snap[1].State)
}

func TestFinishedEventIsEmitted(t *testing.T) {
	tc := &fakeTransport{onFetch: completeImmediately("/downloads/mod.zip", 10)}
	reg, _ := newTestRegistry(t, tc)

	_, err := reg.Start(context.Background(), 1, "Mod", "https://example.com/mod.zip")
	require.NoError(t, err)

	select {
	case ev := <-reg.OnDownloadFinished:
		require.Equal(t, int64(1), ev.ID)
		require.Equal(t, "Mod", ev.Title)
		require.Equal(t, "/downloads/mod.zip", ev.Destination)
	case <-time.After(time.Second):
		t.Fatal("expected a finished event")
	}
}
