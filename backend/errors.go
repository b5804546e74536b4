package backend

import (
	"errors"
	"fmt"
)

// ErrorType represents the category of a delivery failure.
type ErrorType string

const (
	ErrorTypeNetwork   ErrorType = "network"
	ErrorTypeRejected  ErrorType = "rejected"
	ErrorTypeAuth      ErrorType = "auth"
	ErrorTypeRateLimit ErrorType = "rate_limit"
	ErrorTypeServer    ErrorType = "server"
	ErrorTypeStorage   ErrorType = "storage"
	ErrorTypeEncoding  ErrorType = "encoding"
)

// DeliveryError is a failure to hand one record to one backend.
type DeliveryError struct {
	Backend    string
	Type       ErrorType
	StatusCode int
	Retryable  bool
	Err        error
}

// Error implements the error interface.
func (e *DeliveryError) Error() string {
	msg := fmt.Sprintf("%s delivery failed (%s)", e.Backend, e.Type)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s delivery failed (%s, status %d)", e.Backend, e.Type, e.StatusCode)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// IsRetryable checks if an error is a retryable delivery error.
func IsRetryable(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Retryable
	}
	return false
}

// StatusCode extracts the HTTP status from a delivery error, or 0.
func StatusCode(err error) int {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.StatusCode
	}
	return 0
}

func newStorageError(backend string, err error) *DeliveryError {
	return &DeliveryError{Backend: backend, Type: ErrorTypeStorage, Err: err}
}

func newEncodingError(backend string, err error) *DeliveryError {
	return &DeliveryError{Backend: backend, Type: ErrorTypeEncoding, Err: err}
}

func newNetworkError(backend string, err error) *DeliveryError {
	return &DeliveryError{Backend: backend, Type: ErrorTypeNetwork, Retryable: true, Err: err}
}
