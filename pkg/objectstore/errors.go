package objectstore

import (
	"errors"
	"fmt"
)

// ErrorCode classifies object store failures
type ErrorCode string

const (
	CodeConnectivity      ErrorCode = "CONNECTIVITY"
	CodeQueryTooExpensive ErrorCode = "QUERY_TOO_EXPENSIVE"
	CodeDataIntegrity     ErrorCode = "DATA_INTEGRITY"
	CodeSequence          ErrorCode = "SEQUENCE"
	CodeTranslation       ErrorCode = "TRANSLATION"
)

var (
	ErrNotFound      = errors.New("object not found")
	ErrInvalidRange  = errors.New("invalid start or limit")
	ErrNoTransaction = errors.New("no transaction in progress")
	ErrInTransaction = errors.New("transaction already in progress")
)

// Error is a classified object store failure.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code ErrorCode, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf returns the code of a classified error, or "" for other errors
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func IsConnectivity(err error) bool      { return CodeOf(err) == CodeConnectivity }
func IsQueryTooExpensive(err error) bool { return CodeOf(err) == CodeQueryTooExpensive }
func IsDataIntegrity(err error) bool     { return CodeOf(err) == CodeDataIntegrity }
func IsSequence(err error) bool          { return CodeOf(err) == CodeSequence }
func IsTranslation(err error) bool       { return CodeOf(err) == CodeTranslation }
