package providers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	openai "github.com/openai/openai-go/v3"
)

// Failure categories raised by an Extractor. Use errors.Is to test an error
// against a category.
var (
	ErrTransient           = errors.New("transient extraction failure")
	ErrRateLimited         = errors.New("extraction rate limited")
	ErrInvalidCredential   = errors.New("invalid extraction credential")
	ErrInsufficientCredits = errors.New("insufficient extraction credits")
	ErrMissingCredential   = errors.New("no extraction credential configured")
)

// ExtractionError is a failure reported by the extraction backend.
type ExtractionError struct {
	Kind       error // one of the Err* category sentinels
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *ExtractionError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%v (status %d): %s", e.Kind, e.StatusCode, msg)
	}
	if msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%v: %s", e.Kind, msg)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Is matches the error's category sentinel.
func (e *ExtractionError) Is(target error) bool {
	return target == e.Kind
}

// Classify returns the category sentinel for err. Unrecognized errors are
// treated as transient.
func Classify(err error) error {
	for _, kind := range []error{ErrInsufficientCredits, ErrInvalidCredential, ErrRateLimited, ErrMissingCredential} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return ErrTransient
}

// IsRetryable reports whether a failure may succeed on a later attempt.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case ErrInvalidCredential, ErrInsufficientCredits:
		return false
	default:
		return true
	}
}

// mapOpenAIError converts SDK errors into the extraction taxonomy.
func mapOpenAIError(err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return &ExtractionError{Kind: ErrTransient, Message: err.Error(), Err: err}
	}

	detail := detailsOf(apiErr)
	out := &ExtractionError{
		Kind:       ErrTransient,
		StatusCode: apiErr.StatusCode,
		Message:    detail.Message,
		Err:        err,
	}
	if out.Message == "" {
		out.Message = http.StatusText(apiErr.StatusCode)
	}

	switch {
	case apiErr.StatusCode == http.StatusUnauthorized:
		out.Kind = ErrInvalidCredential
	case isInsufficientCredits(apiErr.StatusCode, detail):
		out.Kind = ErrInsufficientCredits
	case apiErr.StatusCode == http.StatusTooManyRequests:
		out.Kind = ErrRateLimited
		if apiErr.Response != nil {
			out.RetryAfter = parseRetryAfter(apiErr.Response.Header.Get("Retry-After"))
		}
	}
	return out
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

// detailsOf returns the backend's error fields, reading the response body
// envelope when the SDK left them empty.
func detailsOf(apiErr *openai.Error) errorDetail {
	d := errorDetail{Message: apiErr.Message, Type: apiErr.Type, Code: apiErr.Code}
	if d.Message != "" || apiErr.Response == nil || apiErr.Response.Body == nil {
		return d
	}
	body, err := io.ReadAll(io.LimitReader(apiErr.Response.Body, 64<<10))
	if err != nil {
		return d
	}
	var envelope struct {
		Error errorDetail `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.Error.Message != "" {
		return envelope.Error
	}
	return d
}

// isInsufficientCredits detects balance exhaustion. Backends disagree on how
// they report it: OpenRouter uses 402, OpenAI a 429 with insufficient_quota.
func isInsufficientCredits(status int, d errorDetail) bool {
	if status == http.StatusPaymentRequired {
		return true
	}
	for _, s := range []string{fmt.Sprint(d.Code), d.Type} {
		switch strings.ToLower(s) {
		case "insufficient_quota", "insufficient_balance", "insufficient_credits":
			return true
		}
	}
	// Message text is only trusted on statuses that can carry a balance
	// refusal.
	switch status {
	case http.StatusForbidden, http.StatusTooManyRequests:
		return strings.Contains(strings.ToLower(d.Message), "insufficient")
	}
	return false
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
