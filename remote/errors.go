package remote

import "fmt"

// EmptyURIError means Connect was called with a blank target address.
// It is a configuration error, fatal to that connection attempt only, and
// is returned before any network call is attempted.
type EmptyURIError struct{}

func (e *EmptyURIError) Error() string {
	return "remote: empty store URI"
}

// TransportError wraps a transport-level failure (dial, TLS, timeout). The
// orchestrator branches on it to decide backoff vs. abort.
type TransportError struct {
	Message string
	Cause   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("remote: transport: %s", e.Message)
}

func (e *TransportError) Unwrap() error { return e.Cause }

// InfoFetchError means the store answered but the metadata probe failed.
// Name and Message carry the remote error's name and reason.
type InfoFetchError struct {
	Name    string
	Message string
}

func (e *InfoFetchError) Error() string {
	return fmt.Sprintf("remote: info fetch: %s: %s", e.Name, e.Message)
}
