package registry

import (
	"errors"
	"fmt"

	"github.com/citiesmods/resource_downloader/internal/transport"
)

var (
	// ErrNotConnected is returned by Start when the connectivity check
	// reports the network as unreachable, before any transfer is issued.
	ErrNotConnected = errors.New("network is not reachable")

	// ErrServiceUnavailable is returned by Start when the forum availability
	// check reports the service as down, before any transfer is issued.
	ErrServiceUnavailable = errors.New("forum service is unavailable")

	// ErrPaused releases a caller awaiting Start or Resume when the download
	// was paused. It is not a failure and is never mirrored into the
	// metadata side table.
	ErrPaused = errors.New("download paused")

	// ErrCanceled releases a caller awaiting Start or Resume when the
	// download was canceled and removed.
	ErrCanceled = errors.New("download canceled")

	// ErrUnresumable is returned by Resume when the retained token cannot be
	// honored. The transfer is failed, never silently restarted from zero.
	ErrUnresumable = transport.ErrUnresumable
)

// InvalidStateError reports an operation that does not apply to the current
// state of a download, such as resuming without a retained resume token.
type InvalidStateError struct {
	ID     int64  // Download identifier the operation addressed
	Op     string // The operation that was rejected (e.g. "resume")
	Reason string // Human-readable explanation
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid state for download %d during %s: %s", e.ID, e.Op, e.Reason)
}

// TransferFailedError wraps a transport-layer failure. Its message is
// mirrored into the metadata side table as the download's last error.
type TransferFailedError struct {
	URL string // Source URL of the failed transfer
	Err error  // Underlying transport error
}

func (e *TransferFailedError) Error() string {
	return fmt.Sprintf("transfer failed for %s: %v", e.URL, e.Err)
}

func (e *TransferFailedError) Unwrap() error {
	return e.Err
}
