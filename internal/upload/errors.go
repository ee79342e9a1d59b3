package upload

import "net/http"

// Kind classifies upload failures.
type Kind int

const (
	KindSizeExceeded Kind = iota + 1
	KindTypeRejected
	KindMissingFile
	KindStorageFailure
	KindInvalidToken
)

func (k Kind) String() string {
	switch k {
	case KindSizeExceeded:
		return "size_exceeded"
	case KindTypeRejected:
		return "type_rejected"
	case KindMissingFile:
		return "missing_file"
	case KindStorageFailure:
		return "storage_failure"
	case KindInvalidToken:
		return "invalid_token"
	default:
		return "unknown"
	}
}

// User-facing messages returned as plain text bodies.
const (
	MsgFileSize  = "The file is too large."
	MsgFileType  = "This file type is not allowed."
	MsgSaveFile  = "The file could not be saved."
	MsgBadToken  = "The upload reference is invalid."
	MsgNotExists = "The upload no longer exists."
)

// Error is returned by every Manager operation.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Kind.String() + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Kind.String() + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Status maps the error to an HTTP status: 500 for storage failures, 422
// for everything the client can fix.
func (e *Error) Status() int {
	if e.Kind == KindStorageFailure {
		return http.StatusInternalServerError
	}
	return http.StatusUnprocessableEntity
}

func newError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}
