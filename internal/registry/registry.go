// Package registry is the single source of truth for download state. Every
// mutation, whether caller-driven (start, pause, resume, cancel, clear) or
// callback-driven (progress, terminal events), is serialized through one
// mutex so UI reads and transport callbacks can never race.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/citiesmods/resource_downloader/internal/health"
	"github.com/citiesmods/resource_downloader/internal/logctx"
	"github.com/citiesmods/resource_downloader/internal/metadata"
	"github.com/citiesmods/resource_downloader/internal/telemetry"
	"github.com/citiesmods/resource_downloader/internal/transport"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
)

const eventBuffer = 16

// Event carries a terminal notification for one download.
type Event struct {
	ID          int64
	Title       string
	Destination string
	Err         error
}

// DownloadStatus is a point-in-time snapshot of one download, combining
// live registry state with the persisted side table.
type DownloadStatus struct {
	ID           int64   `json:"id"`
	Title        string  `json:"title"`
	State        string  `json:"state"`
	Progress     float64 `json:"progress"`
	CreatedAt    int64   `json:"created_at"`
	ExpectedSize int64   `json:"expected_size,omitempty"`
	Destination  string  `json:"destination,omitempty"`
	Error        string  `json:"error,omitempty"`
}

// StartRequest names one download for StartMany.
type StartRequest struct {
	ID    int64
	Title string
	URL   string
}

// attempt is one transfer generation for an identifier. Its identity is the
// stale-callback guard: callbacks carrying a different attempt pointer than
// the entry's current one are dropped.
type attempt struct {
	handle    transport.Handle
	done      chan struct{}
	dest      string
	err       error
	startedAt time.Time
}

// entry is the registry's record of one download identifier.
type entry struct {
	url         string
	progress    float64
	downloading bool
	paused      bool
	attempt     *attempt
	resumeToken []byte
	destination string
	failure     error
}

// Registry owns all in-flight and terminal download entries.
type Registry struct {
	mu      sync.Mutex
	entries map[int64]*entry
	closed  bool

	tc           transport.Client
	meta         *metadata.Table
	connectivity health.Check
	service      health.Check
	tel          *telemetry.Telemetry
	maxParallel  int

	OnDownloadFinished chan Event
	OnDownloadFailed   chan Event
}

// NewRegistry creates a registry. Nil checks default to Unknown (treated as
// available); a nil telemetry disables instrumentation.
func NewRegistry(
	tc transport.Client,
	meta *metadata.Table,
	connectivity health.Check,
	service health.Check,
	tel *telemetry.Telemetry,
	maxParallel int,
) *Registry {
	if connectivity == nil {
		connectivity = health.Static(health.StatusUnknown)
	}

	if service == nil {
		service = health.Static(health.StatusUnknown)
	}

	if tel == nil {
		tel = &telemetry.Telemetry{}
	}

	if maxParallel <= 0 {
		maxParallel = 1
	}

	return &Registry{
		entries:            make(map[int64]*entry),
		tc:                 tc,
		meta:               meta,
		connectivity:       connectivity,
		service:            service,
		tel:                tel,
		maxParallel:        maxParallel,
		OnDownloadFinished: make(chan Event, eventBuffer),
		OnDownloadFailed:   make(chan Event, eventBuffer),
	}
}

// Close stops event delivery. Transfers detached from their callers may
// still resolve afterwards; their events are dropped rather than sent to
// the closed channels. Close is idempotent.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}

	r.closed = true

	close(r.OnDownloadFinished)
	close(r.OnDownloadFailed)
}

// Start begins a download and suspends the caller until the transfer reaches
// a terminal state, returning the destination path. A concurrent Start for an
// id that is already transferring joins the in-flight attempt instead of
// issuing a second transfer. A Start after completion begins a fresh attempt.
func (r *Registry) Start(ctx context.Context, id int64, title, url string) (string, error) {
	logger := logctx.LoggerFromContext(ctx).With("download_id", id)

	r.mu.Lock()
	if e, ok := r.entries[id]; ok && e.attempt != nil {
		a := e.attempt
		r.mu.Unlock()

		logger.Debug("joining in-flight download")

		return r.await(ctx, a)
	}
	r.mu.Unlock()

	// Unknown connectivity is treated as available.
	if r.connectivity(ctx) == health.StatusUnavailable {
		return "", ErrNotConnected
	}

	if r.service(ctx) == health.StatusUnavailable {
		return "", ErrServiceUnavailable
	}

	if err := r.meta.Upsert(id, func(rec *metadata.Record) {
		rec.Title = title
		rec.CreatedAt = time.Now().Unix()
		rec.LastError = ""
		rec.ExpectedSize = 0
	}); err != nil {
		return "", err
	}

	r.mu.Lock()

	// Re-check: another Start may have won the race while the lock was
	// released for the pre-checks.
	if e, ok := r.entries[id]; ok && e.attempt != nil {
		a := e.attempt
		r.mu.Unlock()

		return r.await(ctx, a)
	}

	e := &entry{url: url, downloading: true}
	a := &attempt{done: make(chan struct{}), startedAt: time.Now()}
	e.attempt = a
	r.entries[id] = e

	handle, err := r.tc.Fetch(context.WithoutCancel(ctx), url, r.observer(logger, id, a, url))
	if err != nil {
		e.attempt = nil
		e.downloading = false
		e.failure = err
		r.mu.Unlock()

		r.recordFailure(id, err)

		return "", &TransferFailedError{URL: url, Err: err}
	}

	a.handle = handle
	r.mu.Unlock()

	r.tel.IncrementActiveDownloads()

	logger.Info("download started", "url", url)

	return r.await(ctx, a)
}

// StartMany starts the given downloads with bounded parallelism, suspending
// until all of them reach a terminal state. A paused download does not fail
// the batch.
func (r *Registry) StartMany(ctx context.Context, reqs []StartRequest) error {
	wg, ctx := errgroup.WithContext(ctx)

	sem := make(chan struct{}, r.maxParallel)

	for i := range reqs {
		req := reqs[i]
		sem <- struct{}{}

		wg.Go(func() error {
			defer func() { <-sem }() // release the slot

			if _, err := r.Start(ctx, req.ID, req.Title, req.URL); err != nil && !errors.Is(err, ErrPaused) {
				return fmt.Errorf("failed to download %q: %w", req.Title, err)
			}

			return nil
		})
	}

	if err := wg.Wait(); err != nil {
		return fmt.Errorf("failed to download batch: %w", err)
	}

	return nil
}

// Resume restarts a paused download from its retained resume token and
// suspends the caller until the transfer reaches a terminal state. Without a
// token the call fails with InvalidStateError; a token the transport cannot
// honor fails with ErrUnresumable rather than restarting from zero.
func (r *Registry) Resume(ctx context.Context, id int64) (string, error) {
	logger := logctx.LoggerFromContext(ctx).With("download_id", id)

	r.mu.Lock()

	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()

		return "", &InvalidStateError{ID: id, Op: "resume", Reason: "unknown download"}
	}

	if e.resumeToken == nil {
		r.mu.Unlock()

		return "", &InvalidStateError{ID: id, Op: "resume", Reason: "no resume token retained"}
	}

	token := e.resumeToken
	e.resumeToken = nil
	e.paused = false
	e.downloading = true
	e.failure = nil

	a := &attempt{done: make(chan struct{}), startedAt: time.Now()}
	url := e.url

	// Cleared before the transfer launches so an instant failure's freshly
	// recorded error cannot be wiped afterwards.
	if err := r.meta.Upsert(id, func(rec *metadata.Record) {
		rec.LastError = ""
	}); err != nil {
		logger.Error("failed to clear last error", "err", err)
	}

	handle, err := r.tc.ResumeFetch(context.WithoutCancel(ctx), token, r.observer(logger, id, a, url))
	if err != nil {
		e.downloading = false
		e.failure = err
		r.mu.Unlock()

		r.recordFailure(id, err)
		r.tel.RecordResume("error")

		if errors.Is(err, ErrUnresumable) {
			return "", err
		}

		return "", &TransferFailedError{URL: url, Err: err}
	}

	e.attempt = a
	a.handle = handle
	r.mu.Unlock()

	r.tel.RecordResume("ok")
	r.tel.IncrementActiveDownloads()

	logger.Info("download resumed")

	return r.await(ctx, a)
}

// Pause asks the in-flight transfer to convert itself into a resume token.
// The call returns immediately; the entry transitions to paused once the
// token arrives. A caller awaiting Start or Resume is released with
// ErrPaused. Pausing an idle download is a no-op.
func (r *Registry) Pause(id int64) {
	r.mu.Lock()

	e, ok := r.entries[id]
	if !ok || e.attempt == nil || !e.downloading {
		r.mu.Unlock()

		return
	}

	h := e.attempt.handle
	r.mu.Unlock()

	r.tel.RecordPause()

	h.Pause()
}

// Cancel tears down any in-flight transfer for id and removes the entry and
// all its metadata. Best-effort: cancelling an unknown id is a no-op.
func (r *Registry) Cancel(id int64) {
	r.mu.Lock()

	e, ok := r.entries[id]

	var a *attempt
	if ok {
		a = e.attempt
		delete(r.entries, id)
	}
	r.mu.Unlock()

	if a != nil {
		// The entry is gone, so the stale-callback guard already drops
		// anything this attempt still delivers. Release waiters here.
		a.handle.Cancel()
		a.err = ErrCanceled
		close(a.done)

		r.tel.DecrementActiveDownloads()
	}

	if err := r.meta.Delete(id); err != nil {
		slog.Error("failed to delete download metadata", "download_id", id, "err", err)
	}
}

// Clear removes a terminal (completed or failed) entry and its metadata
// without affecting an in-flight one. A paused entry is in-flight: it holds
// a resume token that still references a staging file.
func (r *Registry) Clear(id int64) {
	r.mu.Lock()

	if e, ok := r.entries[id]; ok {
		if e.attempt != nil || e.paused {
			r.mu.Unlock()

			return
		}

		delete(r.entries, id)
	}
	r.mu.Unlock()

	if err := r.meta.Delete(id); err != nil {
		slog.Error("failed to delete download metadata", "download_id", id, "err", err)
	}
}

// Progress returns the download fraction in [0, 1] for id, 0 when unknown.
func (r *Registry) Progress(id int64) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[id]; ok {
		return e.progress
	}

	return 0
}

// IsDownloading reports whether id has a transfer in flight.
func (r *Registry) IsDownloading(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[id]; ok {
		return e.downloading
	}

	return false
}

// IsPaused reports whether id is paused with a retained resume token.
func (r *Registry) IsPaused(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[id]; ok {
		return e.paused
	}

	return false
}

// StatusText renders the display status for id: "Downloading", "Paused",
// "Completed", the last error text, or "Idle" for an unknown identifier.
func (r *Registry) StatusText(id int64) string {
	r.mu.Lock()

	if e, ok := r.entries[id]; ok {
		defer r.mu.Unlock()

		switch {
		case e.downloading:
			return "Downloading"
		case e.paused:
			return "Paused"
		case e.destination != "":
			return "Completed"
		case e.failure != nil:
			return e.failure.Error()
		}

		return "Idle"
	}
	r.mu.Unlock()

	// Terminal metadata can outlive the in-memory entry across restarts.
	if rec, ok := r.meta.Get(id); ok && rec.LastError != "" {
		return rec.LastError
	}

	return "Idle"
}

// Snapshot returns the status of every known download, newest first. It is
// the only way UI code observes the registry's mapping.
func (r *Registry) Snapshot() []DownloadStatus {
	records := r.meta.All()

	r.mu.Lock()

	ids := make(map[int64]struct{}, len(records)+len(r.entries))
	for id := range records {
		ids[id] = struct{}{}
	}

	for id := range r.entries {
		ids[id] = struct{}{}
	}

	out := make([]DownloadStatus, 0, len(ids))

	for id := range ids {
		st := DownloadStatus{ID: id, State: "Idle"}

		if rec, ok := records[id]; ok {
			st.Title = rec.Title
			st.CreatedAt = rec.CreatedAt
			st.ExpectedSize = rec.ExpectedSize
			st.Error = rec.LastError
		}

		if e, ok := r.entries[id]; ok {
			st.Progress = e.progress
			st.Destination = e.destination

			switch {
			case e.downloading:
				st.State = "Downloading"
			case e.paused:
				st.State = "Paused"
			case e.destination != "":
				st.State = "Completed"
			case e.failure != nil:
				st.State = "Failed"
				st.Error = e.failure.Error()
			}
		} else if st.Error != "" {
			st.State = "Failed"
		}

		out = append(out, st)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}

		return out[i].ID < out[j].ID
	})

	return out
}

// await suspends until the attempt resolves or the caller gives up waiting.
// An abandoned wait does not stop the transfer.
func (r *Registry) await(ctx context.Context, a *attempt) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-a.done:
		if a.err != nil {
			return "", a.err
		}

		return a.dest, nil
	}
}

// observer builds the transport callbacks for one attempt. Every callback
// re-checks that the entry still owns this attempt before mutating anything,
// which makes events from cancelled or superseded attempts no-ops.
func (r *Registry) observer(logger *slog.Logger, id int64, a *attempt, url string) transport.Observer {
	var lastReported int64

	var counting bool

	var sizeRecorded bool

	return transport.Observer{
		OnProgress: func(written, expected int64) {
			r.mu.Lock()

			e, ok := r.entries[id]
			if !ok || e.attempt != a {
				r.mu.Unlock()

				return
			}

			if expected > 0 {
				if p := float64(written) / float64(expected); p > e.progress {
					e.progress = p
				}
			}

			recordSize := expected > 0 && !sizeRecorded
			if recordSize {
				sizeRecorded = true
			}
			r.mu.Unlock()

			// The first report carries the resume offset, which was not
			// fetched during this attempt.
			if counting {
				r.tel.AddDownloadedBytes(written - lastReported)
			}
			counting = true
			lastReported = written

			if recordSize {
				if err := r.meta.Upsert(id, func(rec *metadata.Record) {
					rec.ExpectedSize = expected
				}); err != nil {
					logger.Error("failed to record expected size", "err", err)
				}
			}

			if expected > 0 {
				logger.Debug("download progress",
					"downloaded", humanize.Bytes(uint64(written)),
					"total", humanize.Bytes(uint64(expected)),
					"percent", humanize.FtoaWithDigits(float64(written)*100/float64(expected), 2))
			} else {
				logger.Debug("download progress", "downloaded", humanize.Bytes(uint64(written)))
			}
		},

		OnComplete: func(dest string) {
			r.mu.Lock()

			e, ok := r.entries[id]
			if !ok || e.attempt != a {
				r.mu.Unlock()

				return
			}

			e.attempt = nil
			e.downloading = false
			e.paused = false
			e.progress = 1.0
			e.destination = dest
			e.failure = nil
			r.mu.Unlock()

			a.dest = dest
			close(a.done)

			r.tel.DecrementActiveDownloads()
			r.tel.RecordDownload("success", time.Since(a.startedAt))

			logger.Info("download completed", "destination", dest)

			r.emit(r.OnDownloadFinished, Event{ID: id, Title: r.title(id), Destination: dest})
		},

		OnFailure: func(err error) {
			r.mu.Lock()

			e, ok := r.entries[id]
			if !ok || e.attempt != a {
				r.mu.Unlock()

				return
			}

			e.attempt = nil
			e.downloading = false
			e.paused = false
			e.failure = err
			r.mu.Unlock()

			r.recordFailure(id, err)

			if errors.Is(err, ErrUnresumable) {
				a.err = err
			} else {
				a.err = &TransferFailedError{URL: url, Err: err}
			}
			close(a.done)

			r.tel.DecrementActiveDownloads()
			r.tel.RecordDownload("error", time.Since(a.startedAt))

			logger.Error("download failed", "err", err)

			r.emit(r.OnDownloadFailed, Event{ID: id, Title: r.title(id), Err: err})
		},

		OnPaused: func(token []byte) {
			r.mu.Lock()

			e, ok := r.entries[id]
			if !ok || e.attempt != a {
				r.mu.Unlock()

				return
			}

			e.attempt = nil
			e.downloading = false
			e.paused = true
			e.resumeToken = token
			r.mu.Unlock()

			a.err = ErrPaused
			close(a.done)

			r.tel.DecrementActiveDownloads()

			logger.Info("download paused")
		},
	}
}

// recordFailure mirrors a transfer error into the metadata side table.
func (r *Registry) recordFailure(id int64, err error) {
	if upsertErr := r.meta.Upsert(id, func(rec *metadata.Record) {
		rec.LastError = err.Error()
	}); upsertErr != nil {
		slog.Error("failed to record last error", "download_id", id, "err", upsertErr)
	}
}

func (r *Registry) title(id int64) string {
	if rec, ok := r.meta.Get(id); ok {
		return rec.Title
	}

	return ""
}

// emit delivers an event without ever blocking a transport callback. Events
// are dropped when nobody consumes them or when the registry was closed.
func (r *Registry) emit(ch chan Event, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}

	select {
	case ch <- ev:
	default:
	}
}
