package tts

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/book-expert/tts-batch/internal/core"
)

const maxErrorBody = 500

// errorResponse is the service's error envelope. detail is either a plain
// string or an object with status and message fields.
type errorResponse struct {
	Detail json.RawMessage `json:"detail"`
}

type errorDetail struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// classifyStatus maps an HTTP status to the failure kind the engine acts on.
func classifyStatus(status int) core.FailureKind {
	switch {
	case status == http.StatusTooManyRequests:
		return core.FailureRateLimited
	case status == http.StatusUnauthorized:
		return core.FailureAuthInvalid
	case status == http.StatusRequestTimeout, status >= http.StatusInternalServerError:
		return core.FailureTransient
	case status >= http.StatusBadRequest:
		return core.FailureFatal
	default:
		return core.FailureTransient
	}
}

// parseErrorResponse turns a non-200 response into a *core.SynthesisError,
// keeping whatever detail the body carries.
func parseErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	return core.NewSynthesisError(
		classifyStatus(resp.StatusCode),
		resp.StatusCode,
		fmt.Sprintf("HTTP %d: %s", resp.StatusCode, errorMessage(body)),
		nil,
	)
}

func errorMessage(body []byte) string {
	var envelope errorResponse

	if parseJSON(body, &envelope) == nil && len(envelope.Detail) > 0 {
		var detail errorDetail
		if parseJSON(envelope.Detail, &detail) == nil && detail.Message != "" {
			return detail.Message
		}

		var text string
		if parseJSON(envelope.Detail, &text) == nil && text != "" {
			return text
		}

		return string(envelope.Detail)
	}

	text := strings.TrimSpace(string(body))
	if text == "" {
		return "no response body"
	}

	return text
}
