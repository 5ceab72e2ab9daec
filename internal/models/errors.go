package models

// File: internal/models/errors.go
// Purpose: Error taxonomy shared by the client, controller and handlers.

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a run failure.
type ErrorKind string

const (
	ErrorKindValidation ErrorKind = "validation"
	ErrorKindTransport  ErrorKind = "transport"
	ErrorKindService    ErrorKind = "service"
)

// ValidationError is bad input caught before any network call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Kind() ErrorKind { return ErrorKindValidation }

// TransportError is a failed request or a non-2xx response.
type TransportError struct {
	Op         string
	StatusCode int
	Detail     string
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		if e.Detail == "" {
			return fmt.Sprintf("%s: HTTP %d", e.Op, e.StatusCode)
		}
		return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.StatusCode, e.Detail)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Op + ": " + e.Detail
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Kind() ErrorKind { return ErrorKindTransport }

// ServiceError is a failure the simulation service reported inside an
// otherwise successful response.
type ServiceError struct {
	Message string
}

func (e *ServiceError) Error() string { return e.Message }

func (e *ServiceError) Kind() ErrorKind { return ErrorKindService }

// KindOf returns the kind of the first classified error in err's chain, or ""
// when there is none.
func KindOf(err error) ErrorKind {
	var k interface{ Kind() ErrorKind }
	if errors.As(err, &k) {
		return k.Kind()
	}
	return ""
}
