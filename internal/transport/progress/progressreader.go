package progress

import "io"

// Reader wraps an io.Reader and reports cumulative progress via a callback.
// The callback fires at most once per reportInterval bytes, so large
// transfers don't flood the observer.
type Reader struct {
	reader         io.Reader
	total          int64
	onProgress     func(written int64, total int64)
	totalRead      int64
	sinceReport    int64
	reportInterval int64
}

// NewReader wraps r. total may be -1 when the expected size is unknown.
func NewReader(r io.Reader, total int64, interval int64, cb func(written int64, total int64)) *Reader {
	if interval <= 0 {
		interval = 256 * 1024
	}

	return &Reader{
		reader:         r,
		total:          total,
		onProgress:     cb,
		reportInterval: interval,
	}
}

// Written returns the cumulative bytes read so far.
func (pr *Reader) Written() int64 {
	return pr.totalRead
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.totalRead += int64(n)
		pr.sinceReport += int64(n)

		if pr.sinceReport >= pr.reportInterval || pr.totalRead == pr.total {
			pr.onProgress(pr.totalRead, pr.total)
			pr.sinceReport = 0
		}
	}

	return n, err
}
