// Copyright 2026 The Hookbridge Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrCode classifies a provisioning-surface failure.
type ErrCode string

const (
	// ErrCodeBadValue marks a malformed or missing required field in
	// submitted connection state.
	ErrCodeBadValue ErrCode = "HB_BAD_VALUE"

	// ErrCodeDisabledFeature marks a request for functionality the
	// deployment has turned off.
	ErrCodeDisabledFeature ErrCode = "HB_DISABLED_FEATURE"

	// ErrCodeNotFound marks a reference to a connection or hook that
	// does not exist.
	ErrCodeNotFound ErrCode = "HB_NOT_FOUND"

	// ErrCodeUnsupportedOperation marks an operation the targeted
	// connection variant does not support.
	ErrCodeUnsupportedOperation ErrCode = "HB_UNSUPPORTED_OPERATION"
)

// APIError is a structured provisioning failure. Callers can use
// errors.As to extract it:
//
//	var apiErr *bridge.APIError
//	if errors.As(err, &apiErr) {
//	    if apiErr.Code == bridge.ErrCodeNotFound { ... }
//	}
type APIError struct {
	Code    ErrCode `json:"errcode"`
	Message string  `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bridge: %s: %s", e.Code, e.Message)
}

// HTTPStatus maps the error code to the status a provisioning API
// should respond with.
func (e *APIError) HTTPStatus() int {
	switch e.Code {
	case ErrCodeBadValue, ErrCodeUnsupportedOperation:
		return http.StatusBadRequest
	case ErrCodeDisabledFeature:
		return http.StatusForbidden
	case ErrCodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// BadValue constructs an APIError for a malformed field.
func BadValue(format string, args ...any) *APIError {
	return &APIError{Code: ErrCodeBadValue, Message: fmt.Sprintf(format, args...)}
}

// DisabledFeature constructs an APIError for functionality the
// deployment forbids.
func DisabledFeature(format string, args ...any) *APIError {
	return &APIError{Code: ErrCodeDisabledFeature, Message: fmt.Sprintf(format, args...)}
}

// NotFound constructs an APIError for a missing connection or hook.
func NotFound(format string, args ...any) *APIError {
	return &APIError{Code: ErrCodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// UnsupportedOperation constructs an APIError for an operation the
// targeted connection does not support.
func UnsupportedOperation(format string, args ...any) *APIError {
	return &APIError{Code: ErrCodeUnsupportedOperation, Message: fmt.Sprintf(format, args...)}
}

// IsErrCode reports whether err is an *APIError with the given code.
func IsErrCode(err error, code ErrCode) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}
