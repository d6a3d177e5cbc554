package chat

import (
	stderrors "errors"

	"github.com/pkg/errors"
)

// Sentinel errors forming the engine-wide failure taxonomy. Adapters and
// stores wrap these with context via errors.Wrap so callers can classify
// failures with errors.Is regardless of backend-specific shapes.
var (
	// ErrConnection means the backend is unreachable or stopped responding.
	ErrConnection = errors.New("backend unreachable")
	// ErrAuth means a credential is missing or invalid.
	ErrAuth = errors.New("missing or invalid credential")
	// ErrRequest means the request was malformed or the model unsupported.
	ErrRequest = errors.New("bad request")
	// ErrStreamParse marks a malformed streaming chunk. Never fatal: the
	// adapter logs it, skips the chunk, and keeps reading.
	ErrStreamParse = errors.New("malformed stream chunk")
	// ErrStorage is a generic persistence failure. Logged and retried on
	// the next debounce cycle, never surfaced synchronously.
	ErrStorage = errors.New("storage failure")
	// ErrCancelled is the internal cancellation signal. Never user-facing.
	ErrCancelled = errors.New("generation cancelled")
)

// UserFacing reports whether an error should surface as a banner and rewrite
// the pending assistant message to an error marker.
func UserFacing(err error) bool {
	return stderrors.Is(err, ErrConnection) ||
		stderrors.Is(err, ErrAuth) ||
		stderrors.Is(err, ErrRequest)
}

// BannerText renders an error for display. Classified failures keep their
// message; anything else stays opaque to the user.
func BannerText(err error) string {
	if err == nil {
		return ""
	}
	if !UserFacing(err) {
		return "unexpected failure"
	}
	return err.Error()
}

// ErrorMarker renders the in-message error marker for a failed generation.
func ErrorMarker(err error) string {
	if err == nil {
		return ""
	}
	return "Error: " + BannerText(err)
}
