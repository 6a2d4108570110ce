package failure

import (
	"context"
	"errors"
	"maps"
	"net"
	"strings"

	"github.com/vietddude/queryflow/internal/core/clock"
)

// StatusCoder is implemented by errors that carry an HTTP-like status code.
type StatusCoder interface {
	StatusCode() int
}

// Classifier maps raw failures to error contexts. It is safe for concurrent
// use once constructed.
type Classifier struct {
	kinds           map[Kind]KindSpec
	statusKinds     map[int]Kind
	heuristics      []Heuristic
	fallbackMessage string
	clock           clock.Clock
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithKind adds or replaces a kind.
func WithKind(kind Kind, spec KindSpec) Option {
	return func(c *Classifier) {
		c.kinds[kind] = spec
	}
}

// WithStatus maps a status code to a kind.
func WithStatus(code int, kind Kind) Option {
	return func(c *Classifier) {
		c.statusKinds[code] = kind
	}
}

// WithHeuristic appends a message/name heuristic after the built-in ones.
func WithHeuristic(h Heuristic) Option {
	return func(c *Classifier) {
		c.heuristics = append(c.heuristics, h)
	}
}

// WithFallbackMessage sets the user message for unmatched failures.
func WithFallbackMessage(msg string) Option {
	return func(c *Classifier) {
		if msg != "" {
			c.fallbackMessage = msg
		}
	}
}

// WithClock sets the clock used to stamp OccurredAt.
func WithClock(clk clock.Clock) Option {
	return func(c *Classifier) {
		c.clock = clk
	}
}

// NewClassifier creates a classifier seeded with the default tables.
func NewClassifier(opts ...Option) *Classifier {
	c := &Classifier{
		kinds:           maps.Clone(DefaultKinds),
		statusKinds:     maps.Clone(DefaultStatusKinds),
		heuristics:      append([]Heuristic(nil), DefaultHeuristics...),
		fallbackMessage: DefaultFallbackMessage,
		clock:           clock.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify maps a raw failure to an error context. First match wins:
// status code, then heuristics, then UNKNOWN.
func (c *Classifier) Classify(f RawFailure) *ErrorContext {
	kind := c.kindOf(f)
	spec, ok := c.kinds[kind]
	if !ok {
		kind = KindUnknown
		spec = c.kinds[KindUnknown]
	}

	msg := spec.UserMessage
	if msg == "" {
		msg = c.fallbackMessage
	}

	raw := f.Message
	if raw == "" && f.Cause != nil {
		raw = f.Cause.Error()
	}

	return &ErrorContext{
		Kind:        kind,
		HTTPCode:    f.StatusCode,
		Retryable:   spec.Retryable,
		RawMessage:  raw,
		UserMessage: msg,
		OccurredAt:  c.clock.Now(),
		cause:       f.Cause,
	}
}

// ClassifyError is Classify(FromError(err)). An error that is already an
// ErrorContext is returned unchanged.
func (c *Classifier) ClassifyError(err error) *ErrorContext {
	var ec *ErrorContext
	if errors.As(err, &ec) {
		return ec
	}
	return c.Classify(FromError(err))
}

func (c *Classifier) kindOf(f RawFailure) Kind {
	if f.StatusCode != 0 {
		if kind, ok := c.statusKinds[f.StatusCode]; ok {
			return kind
		}
		return KindUnknown
	}

	msg := strings.ToLower(f.Message)
	name := strings.ToLower(f.Name)
	for _, h := range c.heuristics {
		for _, needle := range h.Needles {
			if strings.Contains(msg, needle) {
				return h.Kind
			}
		}
		for _, n := range h.Names {
			if name != "" && strings.Contains(name, n) {
				return h.Kind
			}
		}
	}
	return KindUnknown
}

// FromError extracts a raw failure from a Go error.
func FromError(err error) RawFailure {
	if err == nil {
		return RawFailure{Message: "unknown error"}
	}

	f := RawFailure{Message: err.Error(), Cause: err}

	var sc StatusCoder
	if errors.As(err, &sc) {
		f.StatusCode = sc.StatusCode()
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		f.Name = NameTimeoutError
	case errors.As(err, &netErr):
		if netErr.Timeout() {
			f.Name = NameTimeoutError
		} else {
			f.Name = NameNetworkError
		}
	}
	return f
}

// UserMessage returns the user-facing message for err, falling back to
// DefaultFallbackMessage for unclassified errors.
func UserMessage(err error) string {
	var ec *ErrorContext
	if errors.As(err, &ec) {
		return ec.UserMessage
	}
	return DefaultFallbackMessage
}
