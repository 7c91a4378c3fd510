package llm

import (
	"errors"
	"net/http"

	"github.com/sashabaranov/go-openai"
)

// SafeError wraps a provider failure with text that may be shown to users.
type SafeError struct {
	Message string
	Err     error
}

func (e *SafeError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *SafeError) Unwrap() error { return e.Err }

// SafeMessage returns the user-facing text.
func (e *SafeError) SafeMessage() string { return e.Message }

// wrapError classifies provider errors whose cause is worth telling the user.
// Anything else is returned unchanged and surfaces as a generic failure.
func wrapError(err error) error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
		if code, ok := apiErr.Code.(string); ok && code == "context_length_exceeded" {
			return &SafeError{Message: "This conversation is too long. Please start a new chat.", Err: err}
		}
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	switch {
	case status == http.StatusTooManyRequests:
		return &SafeError{Message: "The assistant is busy right now. Please try again shortly.", Err: err}
	case status >= 500:
		return &SafeError{Message: "The assistant is temporarily unavailable. Please try again.", Err: err}
	}
	return err
}
