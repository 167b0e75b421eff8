// Package errors provides the structured error taxonomy shared by every mogclient
// component: error codes, categories, and helpers to classify failures.
package errors

import (
	"encoding/json"
	stderr "errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode identifies a class of failure.
type ErrorCode string

const (
	// Precondition violations. Raised before any network call.
	ErrCodeReadOnly        ErrorCode = "READ_ONLY"
	ErrCodeEmptyPath       ErrorCode = "EMPTY_PATH"
	ErrCodeUnsupportedPath ErrorCode = "UNSUPPORTED_PATH"
	ErrCodeInvalidArgument ErrorCode = "INVALID_ARGUMENT"

	// Errors reported by the tracker (or the direct metadata backend).
	ErrCodeUnknownKey     ErrorCode = "UNKNOWN_KEY"
	ErrCodeDomainNotFound ErrorCode = "DOMAIN_NOT_FOUND"
	ErrCodeKeyExists      ErrorCode = "KEY_EXISTS"
	ErrCodeNoneMatch      ErrorCode = "NONE_MATCH"
	ErrCodeNoDevices      ErrorCode = "NO_DEVICES"
	ErrCodeBackendError   ErrorCode = "BACKEND_ERROR"

	// Transient replica faults. Consumed by fallback, never retried in place.
	ErrCodeConnectionTimeout ErrorCode = "CONNECTION_TIMEOUT"
	ErrCodeConnectionRefused ErrorCode = "CONNECTION_REFUSED"
	ErrCodePrematureEOF      ErrorCode = "PREMATURE_EOF"
	ErrCodeReplicaMissing    ErrorCode = "REPLICA_MISSING"
	ErrCodeReplicaStatus     ErrorCode = "REPLICA_STATUS"

	// Write integrity faults.
	ErrCodeSizeMismatch ErrorCode = "SIZE_MISMATCH"
	ErrCodeStorageWrite ErrorCode = "STORAGE_WRITE"
	ErrCodeStorageRead  ErrorCode = "STORAGE_READ"

	// Tracker transport faults.
	ErrCodeUnreachableBackend ErrorCode = "UNREACHABLE_BACKEND"
	ErrCodeRequestTruncated   ErrorCode = "REQUEST_TRUNCATED"
	ErrCodeInvalidResponse    ErrorCode = "INVALID_RESPONSE"

	// Configuration.
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"

	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory groups codes by how callers are expected to react.
type ErrorCategory string

const (
	CategoryPrecondition  ErrorCategory = "precondition"
	CategoryBackend       ErrorCategory = "backend"
	CategoryTransient     ErrorCategory = "transient"
	CategoryIntegrity     ErrorCategory = "integrity"
	CategoryTransport     ErrorCategory = "transport"
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryInternal      ErrorCategory = "internal"
)

var categories = map[ErrorCode]ErrorCategory{
	ErrCodeReadOnly:           CategoryPrecondition,
	ErrCodeEmptyPath:          CategoryPrecondition,
	ErrCodeUnsupportedPath:    CategoryPrecondition,
	ErrCodeInvalidArgument:    CategoryPrecondition,
	ErrCodeUnknownKey:         CategoryBackend,
	ErrCodeDomainNotFound:     CategoryBackend,
	ErrCodeKeyExists:          CategoryBackend,
	ErrCodeNoneMatch:          CategoryBackend,
	ErrCodeNoDevices:          CategoryBackend,
	ErrCodeBackendError:       CategoryBackend,
	ErrCodeConnectionTimeout:  CategoryTransient,
	ErrCodeConnectionRefused:  CategoryTransient,
	ErrCodePrematureEOF:       CategoryTransient,
	ErrCodeReplicaMissing:     CategoryTransient,
	ErrCodeReplicaStatus:      CategoryTransient,
	ErrCodeSizeMismatch:       CategoryIntegrity,
	ErrCodeStorageWrite:       CategoryIntegrity,
	ErrCodeStorageRead:        CategoryIntegrity,
	ErrCodeUnreachableBackend: CategoryTransport,
	ErrCodeRequestTruncated:   CategoryTransport,
	ErrCodeInvalidResponse:    CategoryTransport,
	ErrCodeInvalidConfig:      CategoryConfiguration,
	ErrCodeConfigValidation:   CategoryConfiguration,
	ErrCodeConfigLoad:         CategoryConfiguration,
}

var defaultMessages = map[ErrorCode]string{
	ErrCodeReadOnly:           "readonly mogilefs",
	ErrCodeEmptyPath:          "empty path for mogile upload",
	ErrCodeUnreachableBackend: "couldn't connect to mogilefsd backend",
}

// MogileFSError is the structured error returned by every package in this module.
type MogileFSError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	Component string `json:"component"`
	Operation string `json:"operation,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	// BackendCode is the raw code string of a tracker ERR response.
	BackendCode string `json:"backend_code,omitempty"`

	Retryable bool `json:"retryable"`
}

// Error implements the error interface.
func (e *MogileFSError) Error() string {
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *MogileFSError) Unwrap() error {
	return e.Cause
}

// Is matches on error code, so errors.Is(err, errors.ReadOnly) works for any
// read-only failure regardless of component or message.
func (e *MogileFSError) Is(target error) bool {
	if t, ok := target.(*MogileFSError); ok {
		return e.Code == t.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *MogileFSError) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	parts = append(parts, fmt.Sprintf("Category=%s", e.Category))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.RequestID != "" {
		parts = append(parts, fmt.Sprintf("RequestID=%s", e.RequestID))
	}
	if e.BackendCode != "" {
		parts = append(parts, fmt.Sprintf("BackendCode=%s", e.BackendCode))
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}

	return fmt.Sprintf("MogileFSError{%s}", strings.Join(parts, ", "))
}

// NewError creates a new error. An empty message falls back to the code's
// canonical message.
func NewError(code ErrorCode, message string) *MogileFSError {
	if message == "" {
		message = defaultMessages[code]
	}
	return &MogileFSError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
		Context:   make(map[string]string),
		Retryable: GetCategory(code) == CategoryTransient,
	}
}

// Newf is NewError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *MogileFSError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// GetCategory returns the category of code.
func GetCategory(code ErrorCode) ErrorCategory {
	if c, ok := categories[code]; ok {
		return c
	}
	return CategoryInternal
}

// Sentinels for errors.Is comparisons.
var (
	ReadOnly           = &MogileFSError{Code: ErrCodeReadOnly}
	EmptyPath          = &MogileFSError{Code: ErrCodeEmptyPath}
	UnknownKey         = &MogileFSError{Code: ErrCodeUnknownKey}
	DomainNotFound     = &MogileFSError{Code: ErrCodeDomainNotFound}
	KeyExists          = &MogileFSError{Code: ErrCodeKeyExists}
	NoneMatch          = &MogileFSError{Code: ErrCodeNoneMatch}
	SizeMismatch       = &MogileFSError{Code: ErrCodeSizeMismatch}
	UnreachableBackend = &MogileFSError{Code: ErrCodeUnreachableBackend}
)

// backendCodes maps tracker ERR codes to error codes.
var backendCodes = map[string]ErrorCode{
	"unknown_key":      ErrCodeUnknownKey,
	"domain_not_found": ErrCodeDomainNotFound,
	"unreg_domain":     ErrCodeDomainNotFound,
	"key_exists":       ErrCodeKeyExists,
	"none_match":       ErrCodeNoneMatch,
	"no_devices":       ErrCodeNoDevices,
}

// FromBackend converts a tracker ERR response into a typed error.
func FromBackend(code, message string) *MogileFSError {
	ec, ok := backendCodes[code]
	if !ok {
		ec = ErrCodeBackendError
	}
	if message == "" {
		message = code
	}
	e := NewError(ec, message)
	e.BackendCode = code
	e.Component = "tracker"
	return e
}

// CodeOf returns the code of the first MogileFSError in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var me *MogileFSError
	if stderr.As(err, &me) {
		return me.Code
	}
	return ""
}

// CategoryOf returns the category of the first MogileFSError in err's chain.
func CategoryOf(err error) ErrorCategory {
	var me *MogileFSError
	if stderr.As(err, &me) {
		return me.Category
	}
	return ""
}

// IsPrecondition reports whether err was raised before touching the network.
func IsPrecondition(err error) bool { return CategoryOf(err) == CategoryPrecondition }

// IsBackend reports whether err was reported by the tracker.
func IsBackend(err error) bool { return CategoryOf(err) == CategoryBackend }

// IsTransient reports whether err is a per-replica fault that fallback can skip.
func IsTransient(err error) bool { return CategoryOf(err) == CategoryTransient }

// IsFatalTransport reports whether the tracker itself could not be reached or spoken to.
func IsFatalTransport(err error) bool { return CategoryOf(err) == CategoryTransport }

// WithContext adds contextual information to an error
func (e *MogileFSError) WithContext(key, value string) *MogileFSError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithDetail adds detailed information to an error
func (e *MogileFSError) WithDetail(key string, value interface{}) *MogileFSError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *MogileFSError) WithComponent(component string) *MogileFSError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *MogileFSError) WithOperation(operation string) *MogileFSError {
	e.Operation = operation
	return e
}

// WithRequestID tags the error with a write session or request id.
func (e *MogileFSError) WithRequestID(id string) *MogileFSError {
	e.RequestID = id
	return e
}

// WithCause sets the underlying cause
func (e *MogileFSError) WithCause(cause error) *MogileFSError {
	e.Cause = cause
	return e
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return stderr.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool { return stderr.As(err, target) }
