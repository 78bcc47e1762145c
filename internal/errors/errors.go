package errors

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type Code codes.Code

const (
	CodeInvalidArgument    = Code(codes.InvalidArgument)
	CodeNotFound           = Code(codes.NotFound)
	CodeAlreadyExists      = Code(codes.AlreadyExists)
	CodeFailedPrecondition = Code(codes.FailedPrecondition)
	CodePermissionDenied   = Code(codes.PermissionDenied)
	CodeUnauthenticated    = Code(codes.Unauthenticated)
	CodeUnavailable        = Code(codes.Unavailable)
	CodeInternal           = Code(codes.Internal)
)

func (c Code) String() string {
	return codes.Code(c).String()
}

var code2http = map[Code]int{
	CodeInvalidArgument:    http.StatusBadRequest,
	CodeNotFound:           http.StatusNotFound,
	CodeAlreadyExists:      http.StatusConflict,
	CodeFailedPrecondition: http.StatusConflict,
	CodePermissionDenied:   http.StatusForbidden,
	CodeUnauthenticated:    http.StatusUnauthorized,
	CodeUnavailable:        http.StatusServiceUnavailable,
	CodeInternal:           http.StatusInternalServerError,
}

var http2code = map[int]Code{
	http.StatusBadRequest:          CodeInvalidArgument,
	http.StatusUnauthorized:        CodeUnauthenticated,
	http.StatusForbidden:           CodePermissionDenied,
	http.StatusNotFound:            CodeNotFound,
	http.StatusConflict:            CodeFailedPrecondition,
	http.StatusGone:                CodeNotFound,
	http.StatusUnprocessableEntity: CodeFailedPrecondition,
	http.StatusTooManyRequests:     CodeUnavailable,
	http.StatusBadGateway:          CodeUnavailable,
	http.StatusServiceUnavailable:  CodeUnavailable,
	http.StatusGatewayTimeout:      CodeUnavailable,
}

type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	err     error
}

func New(code Code, opts ...Option) *Error {
	e := &Error{
		Code:    code,
		Message: codes.Code(code).String(),
	}

	for _, opt := range opts {
		opt.apply(e)
	}

	return e
}

func (e *Error) Error() string {
	s := fmt.Sprintf("code: %d, message: %s", e.Code, e.Message)
	if e.err != nil {
		s += fmt.Sprintf(", err: %s", e.err)
	}

	return s
}

func (e *Error) Unwrap() error {
	return e.err
}

func (e *Error) GRPCStatus() *status.Status {
	return status.New(codes.Code(e.Code), e.Message)
}

func (e *Error) HTTPStatusCode() int {
	if c, ok := code2http[e.Code]; ok {
		return c
	}

	return http.StatusInternalServerError
}

// Retryable reports whether the failure is transient and the operation may succeed if repeated.
func (e *Error) Retryable() bool {
	return e.Code == CodeUnavailable
}

func Convert(err error) *Error {
	var e *Error
	if !errors.As(err, &e) {
		return Internal(err)
	}

	return e
}

func Internal(err error) *Error {
	return New(CodeInternal, WithCause(err))
}

// Unavailable wraps a transport failure (dial error, timeout, dropped connection).
func Unavailable(err error) *Error {
	return New(CodeUnavailable, WithMessagef("network error"), WithCause(err))
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}

	return e.Code == code
}

var (
	reNotFound     = regexp.MustCompile(`(?i)not found`)
	reConflict     = regexp.MustCompile(`(?i)full|started`)
	reUnauthorized = regexp.MustCompile(`(?i)unauthori[sz]ed|password`)
)

// FromHTTP builds an error from a failed REST response. Servers that answer with a generic
// status still describe the failure in the message, so generic statuses are refined by it.
func FromHTTP(statusCode int, message string) *Error {
	if message == "" {
		message = fmt.Sprintf("HTTP %d: %s", statusCode, http.StatusText(statusCode))
	}

	code, ok := http2code[statusCode]
	if !ok {
		code = CodeInternal
		if statusCode > http.StatusInternalServerError {
			code = CodeUnavailable
		}
	}

	if code == CodeInvalidArgument || code == CodeInternal {
		if c, ok := classify(message); ok {
			code = c
		}
	}

	return New(code, WithMessagef("%s", message))
}

func classify(message string) (Code, bool) {
	switch {
	case reNotFound.MatchString(message):
		return CodeNotFound, true
	case reConflict.MatchString(message):
		return CodeFailedPrecondition, true
	case reUnauthorized.MatchString(message):
		return CodePermissionDenied, true
	}

	return 0, false
}

// UserMessage returns the text shown to a user whose room join failed.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	e := Convert(err)
	switch e.Code {
	case CodeNotFound:
		return "Room not found. Check the code and try again."
	case CodeFailedPrecondition:
		return "Room is full or the game already started."
	case CodeUnauthenticated, CodePermissionDenied:
		return "Unauthorized to join this room."
	case CodeUnavailable:
		return "Connection problem. Please try again."
	}

	if e.Message != "" && e.Message != codes.Code(e.Code).String() {
		return e.Message
	}

	return "Failed to load room"
}

type Option interface {
	apply(*Error)
}

type optionFunc func(*Error)

func (f optionFunc) apply(e *Error) {
	f(e)
}

func WithCause(err error) Option {
	return optionFunc(func(e *Error) {
		e.err = err
	})
}

func WithMessagef(format string, args ...any) Option {
	return optionFunc(func(e *Error) {
		e.Message = fmt.Sprintf(format, args...)
	})
}
