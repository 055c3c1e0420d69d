package gateway

import "errors"

var (
	// ErrNotAuthenticated means no token is stored and the endpoint is not an
	// authentication endpoint. No network attempt is made.
	ErrNotAuthenticated = errors.New("gateway: not authenticated")

	// ErrAuthRejected means the backend answered 401; the stored token has
	// been invalidated and the user must log in again.
	ErrAuthRejected = errors.New("gateway: authentication rejected")

	// ErrRequestFailed wraps a non-2xx response other than 401. The server
	// message, when present, is attached via fmt.Errorf.
	ErrRequestFailed = errors.New("gateway: request failed")

	// ErrNetworkUnavailable means the call produced no response at all, or
	// connectivity is known to be down. Non-read methods are queued.
	ErrNetworkUnavailable = errors.New("gateway: network unavailable")
)
