package decision

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/agent"
	"github.com/xkilldash9x/webpilot/internal/llmutil"
)

// ClassifyError maps an LLM client or parsing failure onto the status taxonomy.
func ClassifyError(err error) agent.Status {
	if err == nil {
		return agent.StatusSuccess
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return agent.StatusTimeout
	}
	if errors.Is(err, llmutil.ErrMalformedResponse) {
		return agent.StatusInvalidInput
	}

	var apiErr *schemas.APIError
	if errors.As(err, &apiErr) {
		return statusFromHTTP(apiErr.StatusCode)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return agent.StatusTimeout
	}
	return agent.StatusOf(err)
}

func statusFromHTTP(code int) agent.Status {
	switch {
	case code == http.StatusBadRequest, code == http.StatusUnprocessableEntity:
		return agent.StatusInvalidInput
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return agent.StatusNotAuthorized
	case code == http.StatusNotFound:
		return agent.StatusNotFound
	case code == http.StatusRequestTimeout, code == http.StatusGatewayTimeout:
		return agent.StatusTimeout
	case code == http.StatusTooManyRequests, code >= 500:
		return agent.StatusServerError
	default:
		return agent.StatusError
	}
}
