package llmclient

import (
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// defaultBackOff bounds the retries of a single Generate call. Transient provider failures are
// absorbed here so the session loop only ever sees a final answer or a final error.
func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 45 * time.Second
	return b
}

// isTransientStatus reports whether an HTTP status is worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
