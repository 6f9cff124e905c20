package poster

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

const maxErrorBody = 200

// PublishError is returned when a post could not be submitted.
type PublishError struct {
	Reason     string
	StatusCode int // 0 for transport failures
}

func (e *PublishError) Error() string {
	return "publish failed: " + e.Reason
}

// Retryable reports whether a later attempt may succeed.
func (e *PublishError) Retryable() bool {
	return retryableStatus(e.StatusCode)
}

// UploadError is returned when a media blob could not be uploaded.
type UploadError struct {
	Reason     string
	StatusCode int
}

func (e *UploadError) Error() string {
	return "media upload failed: " + e.Reason
}

// Retryable reports whether a later attempt may succeed.
func (e *UploadError) Retryable() bool {
	return retryableStatus(e.StatusCode)
}

func retryableStatus(code int) bool {
	return code == 0 || code == http.StatusTooManyRequests || code >= 500
}

// reasonForStatus turns a non-success API response into a short reason.
func reasonForStatus(status int, body []byte) string {
	detail := errorDetail(body)
	switch {
	case status == http.StatusTooManyRequests:
		return "rate limited"
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		if detail != "" {
			return "unauthorized: " + detail
		}
		return "unauthorized"
	case detail != "":
		return fmt.Sprintf("status %d: %s", status, detail)
	default:
		return fmt.Sprintf("status %d", status)
	}
}

// errorDetail extracts a message from a JSON error body, falling back to the
// truncated raw body.
func errorDetail(body []byte) string {
	var parsed struct {
		Detail  string `json:"detail"`
		Message string `json:"message"`
		Title   string `json:"title"`
		Error   string `json:"error"`
		Errors  []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		switch {
		case parsed.Detail != "":
			return parsed.Detail
		case parsed.Message != "":
			return parsed.Message
		case len(parsed.Errors) > 0 && parsed.Errors[0].Message != "":
			return parsed.Errors[0].Message
		case parsed.Error != "":
			return parsed.Error
		case parsed.Title != "":
			return parsed.Title
		}
	}

	text := strings.TrimSpace(string(body))
	if len(text) > maxErrorBody {
		text = text[:maxErrorBody] + "..."
	}
	return text
}
