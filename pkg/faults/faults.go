// Package faults classifies arbitrary component errors into the three
// categories the pipeline uses to decide retry and logging behavior.
package faults

import (
	"errors"
	"strings"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Category is the classification of a component failure.
type Category int

const (
	// Intermittent failures (network, timeout, connection) are worth
	// retrying. This is the default for anything unclassified: the bias is
	// toward retrying rather than silently dropping.
	Intermittent Category = iota
	// Logical failures (parse, validation, schema) are expected under
	// normal operation and must not be retried.
	Logical
	// Fatal failures (missing configuration, unauthorized) need operator
	// action and must not be retried.
	Fatal
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case Intermittent:
		return "intermittent"
	case Logical:
		return "logical"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// LogLevel returns the zerolog level a failure of this category should be
// logged at. Logical failures are routine and stay at debug.
func (c Category) LogLevel() zerolog.Level {
	if c == Logical {
		return zerolog.DebugLevel
	}
	return zerolog.ErrorLevel
}

// Keyword sets tested, in order, against the lower-cased error text.
var (
	intermittentKeywords = []string{
		"network", "timeout", "timed out", "connection", "socket", "dns",
		"unavailable", "broken pipe", "reset by peer", "temporarily",
	}
	logicalKeywords = []string{
		"parse", "parsing", "validation", "invalid", "schema", "malformed",
		"unmarshal", "decode",
	}
	fatalKeywords = []string{
		"missing", "required", "unauthorized", "unauthenticated", "forbidden",
		"permission denied",
	}
)

// ClassifiedError wraps an error with its category. It satisfies the error
// interface and unwraps to the underlying cause.
type ClassifiedError struct {
	Category Category
	Err      error
}

// Error implements the error interface.
func (e *ClassifiedError) Error() string {
	if e.Err == nil {
		return e.Category.String() + " failure"
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *ClassifiedError) Unwrap() error { return e.Err }

// ShouldRetry reports whether the failure is worth retrying.
func (e *ClassifiedError) ShouldRetry() bool { return e.Category == Intermittent }

// IsFatal reports whether the failure needs operator action.
func (e *ClassifiedError) IsFatal() bool { return e.Category == Fatal }

// New wraps err with an explicit category, bypassing the heuristic.
func New(category Category, err error) *ClassifiedError {
	return &ClassifiedError{Category: category, Err: err}
}

// Classify determines the category of err.
//
// An error that is already a ClassifiedError (anywhere in its chain) keeps
// its category. A gRPC status error maps by code. Otherwise the lower-cased
// error text is tested against the keyword sets, intermittent first; a nil
// error or one matching nothing classifies as Intermittent.
func Classify(err error) *ClassifiedError {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}

	if st, ok := status.FromError(err); ok && st.Code() != codes.OK && st.Code() != codes.Unknown {
		return &ClassifiedError{Category: categoryForCode(st.Code()), Err: err}
	}

	if err == nil {
		return &ClassifiedError{Category: Intermittent}
	}

	text := strings.ToLower(err.Error())
	for _, kw := range intermittentKeywords {
		if strings.Contains(text, kw) {
			return &ClassifiedError{Category: Intermittent, Err: err}
		}
	}
	for _, kw := range logicalKeywords {
		if strings.Contains(text, kw) {
			return &ClassifiedError{Category: Logical, Err: err}
		}
	}
	for _, kw := range fatalKeywords {
		if strings.Contains(text, kw) {
			return &ClassifiedError{Category: Fatal, Err: err}
		}
	}
	return &ClassifiedError{Category: Intermittent, Err: err}
}

// categoryForCode maps gRPC status codes onto failure categories.
func categoryForCode(code codes.Code) Category {
	switch code {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return Intermittent
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange, codes.NotFound:
		return Logical
	case codes.Unauthenticated, codes.PermissionDenied:
		return Fatal
	default:
		return Intermittent
	}
}

// ShouldRetry is a convenience for callers that do not need the wrapper value.
func ShouldRetry(err error) bool { return Classify(err).ShouldRetry() }

// IsFatal is a convenience for callers that do not need the wrapper value.
func IsFatal(err error) bool { return Classify(err).IsFatal() }
