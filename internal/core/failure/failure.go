// Package failure classifies raw failures into user-presentable error contexts.
package failure

import (
	"fmt"
	"time"
)

// Kind is the category of a failure.
type Kind string

const (
	KindNetwork        Kind = "NETWORK"
	KindTimeout        Kind = "TIMEOUT"
	KindAPILimit       Kind = "API_LIMIT"
	KindAuthentication Kind = "AUTHENTICATION"
	KindValidation     Kind = "VALIDATION"
	KindProcessing     Kind = "PROCESSING"
	KindUnknown        Kind = "UNKNOWN"
)

// Names attached to raw failures by FromError.
const (
	NameNetworkError = "NetworkError"
	NameTimeoutError = "TimeoutError"
)

// DefaultFallbackMessage is shown for failures nothing else matched.
const DefaultFallbackMessage = "An unexpected error occurred. Please try again."

// RawFailure is a failure before classification. A zero StatusCode means the
// failure carried no HTTP-like status.
type RawFailure struct {
	StatusCode int
	Name       string
	Message    string
	Cause      error
}

// ErrorContext is a classified failure. It is never modified after Classify
// returns it.
type ErrorContext struct {
	Kind        Kind      `json:"kind"`
	HTTPCode    int       `json:"httpCode,omitempty"`
	Retryable   bool      `json:"retryable"`
	RawMessage  string    `json:"rawMessage"`
	UserMessage string    `json:"userMessage"`
	OccurredAt  time.Time `json:"occurredAt"`

	cause error
}

func (e *ErrorContext) Error() string {
	if e.HTTPCode != 0 {
		return fmt.Sprintf("%s (HTTP %d): %s", e.Kind, e.HTTPCode, e.RawMessage)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.RawMessage)
}

func (e *ErrorContext) Unwrap() error {
	return e.cause
}

// KindSpec describes how a kind behaves.
type KindSpec struct {
	Retryable   bool
	UserMessage string
}

// DefaultKinds is the built-in kind table.
var DefaultKinds = map[Kind]KindSpec{
	KindNetwork: {
		Retryable:   true,
		UserMessage: "Network connection failed. Please check your connection and try again.",
	},
	KindTimeout: {
		Retryable:   true,
		UserMessage: "The request timed out. Please try again.",
	},
	KindAPILimit: {
		Retryable:   true,
		UserMessage: "Rate limit exceeded. Please wait a moment before trying again.",
	},
	KindAuthentication: {
		Retryable:   false,
		UserMessage: "Authentication failed. Please check your API credentials.",
	},
	KindValidation: {
		Retryable:   false,
		UserMessage: "Invalid request. Please check your input and try again.",
	},
	KindProcessing: {
		Retryable:   true,
		UserMessage: "Server error occurred. Please try again in a moment.",
	},
	KindUnknown: {
		Retryable:   false,
		UserMessage: "",
	},
}

// DefaultStatusKinds maps status codes to kinds. Codes not listed are UNKNOWN.
var DefaultStatusKinds = map[int]Kind{
	400: KindValidation,
	401: KindAuthentication,
	429: KindAPILimit,
	500: KindProcessing,
	502: KindProcessing,
	503: KindProcessing,
}

// Heuristic matches a failure without a status code. Needles and Names are
// substrings matched case-insensitively against the message and the name.
type Heuristic struct {
	Kind    Kind
	Needles []string
	Names   []string
}

// DefaultHeuristics are evaluated in order, first match wins.
var DefaultHeuristics = []Heuristic{
	{Kind: KindNetwork, Needles: []string{"fetch"}, Names: []string{"networkerror"}},
	{Kind: KindTimeout, Needles: []string{"timeout"}, Names: []string{"timeout"}},
	{Kind: KindAPILimit, Needles: []string{"rate limit"}},
}
