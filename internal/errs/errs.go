package errs

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

// Conversation-level codes. These are recovered by the dialogue and never
// reach the caller as text.
const (
	CodeAmbiguousDate        Code = "AMBIGUOUS_DATE"
	CodeInvalidDate          Code = "INVALID_DATE"
	CodeNoDateFound          Code = "NO_DATE_FOUND"
	CodeMissingMandatorySlot Code = "MISSING_MANDATORY_SLOT"
	CodeVagueTimeRejected    Code = "VAGUE_TIME_REJECTED"
	CodeSynthesisFailure     Code = "SYNTHESIS_FAILURE"
	CodeRecognitionTimeout   Code = "RECOGNITION_TIMEOUT"
	CodeCalendarConflict     Code = "CALENDAR_CONFLICT"
	CodeCalendarUnavailable  Code = "CALENDAR_UNAVAILABLE"
	CodeSessionAborted       Code = "SESSION_ABORTED"
)

// Infrastructure codes.
const (
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeUnauthorized    Code = "UNAUTHORIZED"
	CodeNotFound        Code = "NOT_FOUND"
	CodeConflict        Code = "CONFLICT"
	CodeUnavailable     Code = "UNAVAILABLE"
	CodeTimeout         Code = "TIMEOUT"
	CodeInternal        Code = "INTERNAL"
)

// Error is the error contract shared across packages.
type Error struct {
	Code    Code
	Op      string // operation name, ex: "booking.Commit"
	Message string // safe message
	Err     error  // wrapped error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	switch {
	case e.Op != "" && e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	case e.Op != "" && e.Message != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return string(e.Code)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func E(code Code, op, msg string, err error) error {
	return &Error{Code: code, Op: op, Message: msg, Err: err}
}

func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// CodeOf returns the code of the outermost *Error in the chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, ErrNotFound) {
		return CodeNotFound
	}
	return ""
}

func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeInvalidArgument, CodeMissingMandatorySlot, CodeAmbiguousDate, CodeInvalidDate, CodeNoDateFound, CodeVagueTimeRejected:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict, CodeCalendarConflict:
		return http.StatusConflict
	case CodeUnavailable, CodeCalendarUnavailable:
		return http.StatusServiceUnavailable
	case CodeTimeout, CodeRecognitionTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

var ErrNotFound = errors.New("not found")
