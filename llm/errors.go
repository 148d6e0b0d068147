package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a provider failure.
type Kind string

const (
	KindAuthentication Kind = "authentication"
	KindAccessDenied   Kind = "access_denied"
	KindNotFound       Kind = "not_found"
	KindRateLimit      Kind = "rate_limit"
	KindContextLength  Kind = "context_length"
	KindServer         Kind = "server"
	KindTimeout        Kind = "timeout"
	KindContentFilter  Kind = "content_filter"
	KindUnknown        Kind = "unknown"
)

// retryable lists the kinds that are worth another attempt, unknown
// failures included.
var retryable = map[Kind]bool{
	KindRateLimit: true,
	KindServer:    true,
	KindTimeout:   true,
	KindUnknown:   true,
}

// ProviderError is a classified failure from an LLM provider.
type ProviderError struct {
	Provider   string
	Kind       Kind
	StatusCode int
	Message    string
	Cause      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("[%s] %s: %s (status=%d)", e.Provider, e.Kind, e.Message, e.StatusCode)
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// Retryable reports whether the failure may succeed on retry.
func (e *ProviderError) Retryable() bool { return retryable[e.Kind] }

// IsRetryable reports whether err is worth retrying. Cancellation never is.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return true
}

// classifiers map substrings of provider error messages to a kind and the
// HTTP status they usually come with. Order matters: the first match wins.
var classifiers = []struct {
	needles []string
	kind    Kind
	status  int
}{
	{[]string{"401", "unauthorized", "invalid key", "invalid api key"}, KindAuthentication, 401},
	{[]string{"403", "forbidden"}, KindAccessDenied, 403},
	{[]string{"404", "not found"}, KindNotFound, 404},
	{[]string{"429", "rate limit"}, KindRateLimit, 429},
	{[]string{"context length", "too many tokens"}, KindContextLength, 413},
	{[]string{"500", "502", "503", "internal server", "overloaded"}, KindServer, 500},
	{[]string{"timeout", "timed out"}, KindTimeout, 0},
	{[]string{"content filter", "safety"}, KindContentFilter, 0},
}

// Classify wraps a raw provider error in a ProviderError. Context errors
// pass through unchanged.
func Classify(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	for _, c := range classifiers {
		for _, needle := range c.needles {
			if strings.Contains(lower, needle) {
				return &ProviderError{Provider: provider, Kind: c.kind, StatusCode: c.status, Message: msg, Cause: err}
			}
		}
	}
	return &ProviderError{Provider: provider, Kind: KindUnknown, Message: msg, Cause: err}
}
