package providers

import (
	"net/http"

	"github.com/pkg/errors"

	"github.com/go-go-golems/jiminy/pkg/chat"
)

// ClassifyHTTPStatus maps an HTTP status from a backend onto the engine
// error taxonomy. Adapters use it so transport-specific failures surface in
// one fixed shape.
func ClassifyHTTPStatus(status int, detail string) error {
	if detail == "" {
		detail = http.StatusText(status)
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errors.Wrapf(chat.ErrAuth, "http %d: %s", status, detail)
	case status == http.StatusBadRequest || status == http.StatusNotFound ||
		status == http.StatusUnprocessableEntity:
		return errors.Wrapf(chat.ErrRequest, "http %d: %s", status, detail)
	default:
		return errors.Wrapf(chat.ErrConnection, "http %d: %s", status, detail)
	}
}
