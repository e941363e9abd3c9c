package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNotFound is a sentinel error returned by repositories when a row does not exist.
var ErrNotFound = errors.New("not found")

// ErrorKind classifies an error for transport mapping.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindValidation
	KindUnauthorized
	KindNotFound
	KindMaintenance
	KindTransient
)

var kindNames = map[ErrorKind]string{
	KindInternal:     "internal",
	KindValidation:   "validation",
	KindUnauthorized: "unauthorized",
	KindNotFound:     "not_found",
	KindMaintenance:  "maintenance",
	KindTransient:    "transient",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// kindStatus maps an error kind to the HTTP status it is reported with.
var kindStatus = map[ErrorKind]int{
	KindInternal:     http.StatusInternalServerError,
	KindValidation:   http.StatusBadRequest,
	KindUnauthorized: http.StatusUnauthorized,
	KindNotFound:     http.StatusNotFound,
	KindMaintenance:  http.StatusServiceUnavailable,
	KindTransient:    http.StatusBadGateway,
}

// Error is a domain error tagged with a Kind.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// NewError creates a tagged error. err may be nil.
func NewError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of the first tagged error in err's chain.
// Untagged errors wrapping ErrNotFound are reported as KindNotFound,
// everything else as KindInternal.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	if errors.Is(err, ErrNotFound) {
		return KindNotFound
	}
	return KindInternal
}

// HTTPStatus returns the HTTP status code err should be reported with.
func HTTPStatus(err error) int {
	return kindStatus[KindOf(err)]
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
