// Package transport adapts plain HTTP into the resumable transfer primitive
// the download registry builds on. A transfer streams into a staging file and
// is moved into the downloads directory on success. Pausing converts the
// in-flight transfer into an opaque resume token; resuming replays a ranged
// request against the retained staging file.
package transport

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/citiesmods/resource_downloader/internal/transport/progress"
)

const dirPerm = 0755

// ErrUnresumable is reported when a resume token cannot be honored: the
// server ignored the range request, the validator no longer matches, or the
// staging file is gone. The transfer is never silently restarted from zero.
var ErrUnresumable = errors.New("transport: transfer is not resumable")

var (
	errPauseRequested = errors.New("transport: pause requested")
	errCanceled       = errors.New("transport: canceled")
)

// Observer receives the callbacks for one transfer attempt. Expected is -1
// until the server declares a size. Exactly one of OnComplete, OnFailure or
// OnPaused fires last; a canceled attempt fires nothing further.
type Observer struct {
	OnProgress func(written, expected int64)
	OnComplete func(dest string)
	OnFailure  func(err error)
	OnPaused   func(token []byte)
}

// Handle controls an in-flight transfer.
type Handle interface {
	// Pause stops the transfer and produces a resume token via OnPaused.
	Pause()
	// Cancel tears the transfer down; the staging file is removed and no
	// further callbacks are delivered.
	Cancel()
}

// Client issues resumable transfers.
type Client interface {
	Fetch(ctx context.Context, rawURL string, obs Observer) (Handle, error)
	ResumeFetch(ctx context.Context, token []byte, obs Observer) (Handle, error)
}

// Downloader implements Client over net/http.
type Downloader struct {
	client           *http.Client
	downloadDir      string
	stagingDir       string
	progressInterval int64
}

// NewDownloader creates a Downloader that stages partial transfers under
// stagingDir and places finished files under downloadDir.
func NewDownloader(client *http.Client, downloadDir, stagingDir string, progressInterval int64) *Downloader {
	if client == nil {
		client = http.DefaultClient
	}

	if stagingDir == "" {
		stagingDir = filepath.Join(downloadDir, ".staging")
	}

	return &Downloader{
		client:           client,
		downloadDir:      downloadDir,
		stagingDir:       stagingDir,
		progressInterval: progressInterval,
	}
}

// Fetch starts a fresh transfer for rawURL.
func (d *Downloader) Fetch(ctx context.Context, rawURL string, obs Observer) (Handle, error) {
	if _, err := url.ParseRequestURI(rawURL); err != nil {
		return nil, fmt.Errorf("invalid download url: %w", err)
	}

	t := newTask(ctx, d, obs)

	go t.run(rawURL, "", 0)

	return t, nil
}

// ResumeFetch restarts a transfer from a token produced by Pause. Token and
// staging-file validation happen synchronously; the network part runs in the
// background like a fresh fetch.
func (d *Downloader) ResumeFetch(ctx context.Context, token []byte, obs Observer) (Handle, error) {
	tok, err := decodeResumeToken(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnresumable, err)
	}

	// A zero-offset token, from a pause that landed before any byte arrived,
	// resumes as a fresh unranged fetch and needs no staging file.
	if tok.Offset > 0 {
		info, err := os.Stat(tok.Staging)
		if err != nil || info.Size() < tok.Offset {
			return nil, fmt.Errorf("%w: staging file lost", ErrUnresumable)
		}
	}

	t := newTask(ctx, d, obs)

	go t.run(tok.URL, tok.ETag, tok.Offset)

	return t, nil
}

type task struct {
	d   *Downloader
	obs Observer

	ctx    context.Context
	cancel context.CancelFunc

	pauseRequested atomic.Bool
	canceled       atomic.Bool
}

func newTask(ctx context.Context, d *Downloader, obs Observer) *task {
	tctx, cancel := context.WithCancel(ctx)

	return &task{d: d, obs: obs, ctx: tctx, cancel: cancel}
}

func (t *task) Pause() {
	if t.pauseRequested.CompareAndSwap(false, true) {
		// Unblocks a read stalled on a slow connection.
		t.cancel()
	}
}

func (t *task) Cancel() {
	t.canceled.Store(true)
	t.cancel()
}

// run performs the transfer. offset > 0 means a resumed transfer appending to
// the existing staging file.
func (t *task) run(rawURL, etag string, offset int64) {
	staging := t.d.stagingPath(rawURL)

	resp, total, err := t.request(rawURL, etag, offset)
	if err != nil {
		t.abort(rawURL, etag, staging, offset, err)

		return
	}

	defer resp.Body.Close()

	out, err := openStaging(staging, offset)
	if err != nil {
		t.abort(rawURL, etag, staging, offset, err)

		return
	}

	if t.obs.OnProgress != nil {
		t.obs.OnProgress(offset, total)
	}

	pr := progress.NewReader(&controlReader{body: resp.Body, t: t}, remaining(total, offset), t.d.progressInterval,
		func(written, _ int64) {
			if t.obs.OnProgress != nil {
				t.obs.OnProgress(offset+written, total)
			}
		})

	_, copyErr := io.Copy(out, pr)

	syncErr := out.Sync()
	closeErr := out.Close()

	switch {
	case copyErr == nil && syncErr == nil && closeErr == nil:
		t.finishSuccess(rawURL, staging, offset+pr.Written(), total)
	case errors.Is(copyErr, errCanceled) || t.canceled.Load():
		os.Remove(staging)
	case errors.Is(copyErr, errPauseRequested) || t.pauseRequested.Load():
		t.finishPaused(rawURL, etag, staging, offset+pr.Written())
	default:
		err := copyErr
		if err == nil {
			err = errors.Join(syncErr, closeErr)
		}

		t.finishFailure(staging, offset, err)
	}
}

// request issues the GET, ranged when offset > 0, and validates the response.
// The returned total is the full expected size of the file, -1 when unknown.
func (t *task) request(rawURL, etag string, offset int64) (*http.Response, int64, error) {
	req, err := http.NewRequestWithContext(t.ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, err
	}

	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))

		if etag != "" {
			req.Header.Set("If-Range", etag)
		}
	}

	resp, err := t.d.client.Do(req)
	if err != nil {
		return nil, 0, err
	}

	if offset > 0 {
		if resp.StatusCode == http.StatusOK {
			// The server ignored the range request or the validator no
			// longer matches. Fail loudly instead of restarting from zero.
			resp.Body.Close()

			return nil, 0, ErrUnresumable
		}

		if resp.StatusCode != http.StatusPartialContent {
			resp.Body.Close()

			return nil, 0, fmt.Errorf("unexpected status %s", resp.Status)
		}

		return resp, totalFromContentRange(resp.Header.Get("Content-Range"), offset, resp.ContentLength), nil
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()

		return nil, 0, fmt.Errorf("unexpected status %s", resp.Status)
	}

	total := resp.ContentLength
	if total < 0 {
		total = -1
	}

	return resp, total, nil
}

func (t *task) finishSuccess(rawURL, staging string, written, total int64) {
	if t.canceled.Load() {
		os.Remove(staging)

		return
	}

	dest := filepath.Join(t.d.downloadDir, deriveFileName(rawURL))

	if err := os.MkdirAll(t.d.downloadDir, dirPerm); err != nil {
		t.finishFailure(staging, 0, fmt.Errorf("failed to create download directory: %w", err))

		return
	}

	if err := os.Rename(staging, dest); err != nil {
		t.finishFailure(staging, 0, fmt.Errorf("failed to finalize download: %w", err))

		return
	}

	if t.obs.OnProgress != nil && total > 0 {
		t.obs.OnProgress(total, total)
	}

	if t.obs.OnComplete != nil {
		t.obs.OnComplete(dest)
	}
}

func (t *task) finishPaused(rawURL, etag, staging string, offset int64) {
	if t.canceled.Load() {
		os.Remove(staging)

		return
	}

	token, err := encodeResumeToken(resumeToken{
		URL:     rawURL,
		ETag:    etag,
		Offset:  offset,
		Staging: staging,
	})
	if err != nil {
		t.finishFailure(staging, offset, err)

		return
	}

	if t.obs.OnPaused != nil {
		t.obs.OnPaused(token)
	}
}

// abort resolves a transfer that never reached the copy loop. A pause that
// lands during the request or staging phase still produces a resume token
// instead of a terminal failure; the request error it triggered is the
// context cancellation, not a transfer fault.
func (t *task) abort(rawURL, etag, staging string, offset int64, err error) {
	if t.pauseRequested.Load() && !t.canceled.Load() {
		t.finishPaused(rawURL, etag, staging, offset)

		return
	}

	t.finishFailure(staging, offset, err)
}

func (t *task) finishFailure(staging string, offset int64, err error) {
	// A failed fresh transfer leaves nothing to resume from.
	if offset == 0 {
		os.Remove(staging)
	}

	if t.canceled.Load() {
		return
	}

	if t.obs.OnFailure != nil {
		t.obs.OnFailure(err)
	}
}

// controlReader aborts reads once a pause or cancel was requested, mapping
// the abort to a distinguishable sentinel.
type controlReader struct {
	body io.Reader
	t    *task
}

func (r *controlReader) Read(p []byte) (int, error) {
	if r.t.canceled.Load() {
		return 0, errCanceled
	}

	if r.t.pauseRequested.Load() {
		return 0, errPauseRequested
	}

	n, err := r.body.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		// A context-cancel abort is reinterpreted as the request it served.
		if r.t.canceled.Load() {
			return n, errCanceled
		}

		if r.t.pauseRequested.Load() {
			return n, errPauseRequested
		}
	}

	return n, err
}

func (d *Downloader) stagingPath(rawURL string) string {
	sum := sha1.Sum([]byte(rawURL))

	return filepath.Join(d.stagingDir, hex.EncodeToString(sum[:])+".part")
}

func openStaging(path string, offset int64) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}

	if offset > 0 {
		f, err := os.OpenFile(path, os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrUnresumable, err)
		}

		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()

			return nil, err
		}

		return f, nil
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create staging file: %w", err)
	}

	return f, nil
}

// deriveFileName picks the destination name from the last URL path segment,
// falling back to a hash-derived name for opaque URLs.
func deriveFileName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err == nil && u.Path != "" && u.Path != "/" {
		segments := strings.Split(strings.TrimRight(u.Path, "/"), "/")
		if name := segments[len(segments)-1]; name != "" {
			return name
		}
	}

	sum := sha1.Sum([]byte(rawURL))

	return "download_" + hex.EncodeToString(sum[:4])
}

func remaining(total, offset int64) int64 {
	if total < 0 {
		return -1
	}

	return total - offset
}
