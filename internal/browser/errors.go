// internal/browser/errors.go
package browser

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/xkilldash9x/webpilot/internal/agent"
)

// ErrElementNotFound is returned when a locator matches nothing before the element timeout.
var ErrElementNotFound = errors.New("element not found")

// netErrorStatus maps Chrome's net::ERR_* codes onto the taxonomy. Order matters: the first
// fragment contained in the error text wins.
var netErrorStatus = []struct {
	fragment string
	status   agent.Status
}{
	{"ERR_NAME_NOT_RESOLVED", agent.StatusNotFound},
	{"ERR_ADDRESS_UNREACHABLE", agent.StatusNotFound},
	{"ERR_FILE_NOT_FOUND", agent.StatusNotFound},
	{"ERR_CONNECTION_TIMED_OUT", agent.StatusTimeout},
	{"ERR_TIMED_OUT", agent.StatusTimeout},
	{"ERR_CONNECTION_REFUSED", agent.StatusServerError},
	{"ERR_CONNECTION_RESET", agent.StatusServerError},
	{"ERR_CONNECTION_CLOSED", agent.StatusServerError},
	{"ERR_EMPTY_RESPONSE", agent.StatusServerError},
	{"ERR_INTERNET_DISCONNECTED", agent.StatusServerError},
	{"ERR_CERT_", agent.StatusNotAuthorized},
	{"ERR_SSL_", agent.StatusNotAuthorized},
	{"ERR_BLOCKED_BY_", agent.StatusNotAuthorized},
	{"ERR_INVALID_URL", agent.StatusInvalidInput},
	{"ERR_UNKNOWN_URL_SCHEME", agent.StatusInvalidInput},
	{"ERR_ABORTED", agent.StatusError},
}

// ClassifyError maps chromedp and network failures onto the status taxonomy.
func ClassifyError(err error) agent.Status {
	if err == nil {
		return agent.StatusSuccess
	}
	if errors.Is(err, ErrElementNotFound) {
		return agent.StatusNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return agent.StatusTimeout
	}

	msg := err.Error()
	for _, m := range netErrorStatus {
		if strings.Contains(msg, m.fragment) {
			return m.status
		}
	}

	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "could not find node"), strings.Contains(lower, "no node"):
		return agent.StatusNotFound
	case strings.Contains(lower, "invalid selector"), strings.Contains(lower, "invalid xpath"):
		return agent.StatusInvalidInput
	}
	return agent.StatusOf(err)
}

// StatusForHTTP maps the main document's HTTP status onto the taxonomy.
func StatusForHTTP(code int) agent.Status {
	switch {
	case code == 0 || (code >= 200 && code < 400):
		return agent.StatusSuccess
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return agent.StatusNotAuthorized
	case code == http.StatusNotFound, code == http.StatusGone:
		return agent.StatusNotFound
	case code == http.StatusRequestTimeout, code == http.StatusGatewayTimeout:
		return agent.StatusTimeout
	case code >= 500:
		return agent.StatusServerError
	case code == http.StatusBadRequest:
		return agent.StatusInvalidInput
	default:
		return agent.StatusError
	}
}
