// Package health provides the reachability predicates consulted before any
// download is started. A check answers with a tri-state Status so callers can
// distinguish "probed and down" from "never probed".
package health

import (
	"context"
	"net"
	"net/http"
	"time"
)

// Status is the result of a reachability probe.
type Status int

const (
	// StatusUnknown means the check could not determine availability.
	// Callers treat Unknown as available.
	StatusUnknown Status = iota
	StatusAvailable
	StatusUnavailable
)

func (s Status) String() string {
	switch s {
	case StatusAvailable:
		return "available"
	case StatusUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Check is a reachability predicate.
type Check func(ctx context.Context) Status

// Static returns a check that always reports the given status. Used in tests
// and when a probe target is not configured.
func Static(s Status) Check {
	return func(context.Context) Status { return s }
}

// TCPCheck probes raw connectivity by dialing addr.
func TCPCheck(addr string, timeout time.Duration) Check {
	return func(ctx context.Context) Status {
		if addr == "" {
			return StatusUnknown
		}

		d := net.Dialer{Timeout: timeout}

		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return StatusUnavailable
		}

		conn.Close()

		return StatusAvailable
	}
}

// HTTPCheck probes service availability with a HEAD request against baseURL.
// Any response at all counts as available; the service answering 4xx/5xx is
// still a reachable service.
func HTTPCheck(baseURL string, client *http.Client) Check {
	if client == nil {
		client = http.DefaultClient
	}

	return func(ctx context.Context) Status {
		if baseURL == "" {
			return StatusUnknown
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodHead, baseURL, nil)
		if err != nil {
			return StatusUnknown
		}

		resp, err := client.Do(req)
		if err != nil {
			return StatusUnavailable
		}

		resp.Body.Close()

		return StatusAvailable
	}
}
