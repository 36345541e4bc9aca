package batch

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrorCodeNotFound         ErrorCode = "NOT_FOUND"
	ErrorCodeOperationFailure ErrorCode = "OPERATION_FAILURE"
	ErrorCodeMalformedJob     ErrorCode = "MALFORMED_JOB"
)

// Error is the error type returned by the queue, the runner and the stores.
type Error struct {
	Code  ErrorCode
	JobID string
	OpKey string
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewNotFoundError(jobID string) error {
	return &Error{Code: ErrorCodeNotFound, JobID: jobID, Msg: fmt.Sprintf("job %s not found", jobID)}
}

func NewOperationFailure(jobID, opKey string, cause error) error {
	return &Error{
		Code:  ErrorCodeOperationFailure,
		JobID: jobID,
		OpKey: opKey,
		Msg:   fmt.Sprintf("operation %s failed", opKey),
		Err:   cause,
	}
}

func NewMalformedJobError(jobID, msg string, cause error) error {
	return &Error{Code: ErrorCodeMalformedJob, JobID: jobID, Msg: msg, Err: cause}
}

func codeOf(err error) (ErrorCode, bool) {
	if err == nil {
		return "", false
	}
	var be *Error
	if !errors.As(err, &be) {
		return "", false
	}
	return be.Code, true
}

func IsNotFound(err error) bool {
	c, ok := codeOf(err)
	return ok && c == ErrorCodeNotFound
}

func IsOperationFailure(err error) bool {
	c, ok := codeOf(err)
	return ok && c == ErrorCodeOperationFailure
}

func IsMalformedJob(err error) bool {
	c, ok := codeOf(err)
	return ok && c == ErrorCodeMalformedJob
}

// ErrorCodeOf returns the code carried by err, or "" for foreign errors.
func ErrorCodeOf(err error) ErrorCode {
	c, _ := codeOf(err)
	return c
}
