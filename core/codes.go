// Package core holds the shared vocabulary of the device hub: the stable
// error codes that cross process boundaries, and the error type that
// carries them.
package core

import (
	"errors"
	"fmt"
)

// Code is a stable machine-readable error code. Codes appear verbatim in
// provisioning rejections, twin rejections, REST error bodies and bus
// replies. They never change between releases; messages may.
type Code string

// Provisioning and request validation
const (
	CodeBadRequest         Code = "bad_request"
	CodeMissingCSRPem      Code = "missing_csrPem"
	CodeUUIDMismatch       Code = "uuid_mismatch"
	CodeInvalidUUID        Code = "invalid_uuid"
	CodeUUIDNotWhitelisted Code = "uuid_not_whitelisted"
	CodeUUIDAlreadyUsed    Code = "uuid_already_used"
)

// Certificate authority
const (
	CodeNoRootCA      Code = "no_root_ca"
	CodeInvalidCSR    Code = "invalid_csr"
	CodeCSRCNMismatch Code = "csr_cn_mismatch"
	CodeSigningFailed Code = "signing_failed"
	CodeIssueFailed   Code = "issue_failed"
)

// Authentication
const (
	CodeInvalidToken  Code = "invalid_token"
	CodeTokenExpired  Code = "token_expired"
	CodeTokenInactive Code = "token_inactive"
)

// Registry and store
const (
	CodeNotFound      Code = "not_found"
	CodeDuplicate     Code = "duplicate"
	CodeDBUnavailable Code = "db_unavailable"
)

// Methods and transport
const (
	CodeMethodTimeout Code = "method_timeout"
	CodeInternalError Code = "internal_error"
)

// CodedError is an error with a stable wire code. The message is for
// humans and logs; only the code is contractual.
type CodedError struct {
	Code    Code
	Message string
}

func (e *CodedError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

// NewError returns a CodedError with the given code and message.
func NewError(code Code, message string) error {
	return &CodedError{Code: code, Message: message}
}

// Errorf returns a CodedError with a formatted message.
func Errorf(code Code, format string, a ...interface{}) error {
	return &CodedError{Code: code, Message: fmt.Sprintf(format, a...)}
}

// CodeOf extracts the wire code from an error. Errors without a code
// map to internal_error; a nil error has no code and yields "".
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return CodeInternalError
}

// MessageOf returns the human-readable part of an error. For coded
// errors that is the message without the code prefix.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var coded *CodedError
	if errors.As(err, &coded) {
		if coded.Message != "" {
			return coded.Message
		}
		return string(coded.Code)
	}
	return err.Error()
}

// IsCode reports whether the error carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
