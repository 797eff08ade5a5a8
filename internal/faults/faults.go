// Package faults defines the error kinds shared across the bridge.
//
// Components classify failures into one of these kinds so that callers can
// react uniformly: the HTTP surface maps kinds to status codes, workers
// decide between retry and drop, and the session pool decides between
// reconnect and global backoff. Kinds are sentinel errors meant to be
// matched with errors.Is; concrete causes are attached by wrapping:
//
//	fmt.Errorf("%w: select %s: %v", faults.RemoteTransient, folder, err)
package faults

import "errors"

var (
	// AuthRequired means credentials are missing or were rejected by the
	// remote host. Surfaces to the UI as sync status ERROR.
	AuthRequired = errors.New("authentication required")

	// BridgeOffline means local storage or the hot cache is unreachable.
	// Fatal at startup, surfaced per-call otherwise.
	BridgeOffline = errors.New("bridge storage offline")

	// RemoteTransient covers transport resets, read timeouts and closed
	// connections. Triggers session reconnect and a job retry.
	RemoteTransient = errors.New("transient remote failure")

	// RemoteOverloaded is the "too many simultaneous connections" class of
	// replies. Arms the global connect backoff.
	RemoteOverloaded = errors.New("remote connection limit reached")

	// FetchTimeout means the read-path poll budget was exhausted before a
	// hydrated row appeared. Surfaces as HTTP 408.
	FetchTimeout = errors.New("fetch timed out")

	// NotFound means the requested id/uid is absent both locally and on the
	// remote host.
	NotFound = errors.New("message not found")

	// Validation means the request was malformed.
	Validation = errors.New("invalid request")
)
