package client

import (
	"errors"
	"fmt"

	"github.com/Sternrassler/customer-export/pkg/pagination"
)

// ErrorClass represents a classification of upstream failures.
type ErrorClass string

const (
	// ErrorClassRateLimit represents 429 Too Many Requests.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassAuth represents 401/403 responses (bad or revoked API key).
	ErrorClassAuth ErrorClass = "auth"

	// ErrorClassClient represents other 4xx responses.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx responses.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassNetwork represents transport errors and timeouts.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassDecode represents a 2xx response whose body is not a customer list.
	ErrorClassDecode ErrorClass = "decode"
)

// ErrMalformedResponse is wrapped by decode-class errors.
var ErrMalformedResponse = errors.New("malformed customer list response")

// APIError is a classified upstream failure.
type APIError struct {
	StatusCode int
	ErrorClass ErrorClass
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("customers API %s error (status %d): %s: %v",
			e.ErrorClass, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("customers API %s error (status %d): %s",
		e.ErrorClass, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// Is makes rate-limit errors match pagination.ErrRateLimited.
func (e *APIError) Is(target error) bool {
	return target == pagination.ErrRateLimited && e.ErrorClass == ErrorClassRateLimit
}

// ClassOf returns the class of an upstream error, or "" if err is not an APIError.
func ClassOf(err error) ErrorClass {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorClass
	}
	return ""
}

// classifyStatus maps a non-2xx HTTP status to an error class.
func classifyStatus(status int) ErrorClass {
	switch {
	case status == 429:
		return ErrorClassRateLimit
	case status == 401 || status == 403:
		return ErrorClassAuth
	case status >= 500:
		return ErrorClassServer
	default:
		return ErrorClassClient
	}
}
