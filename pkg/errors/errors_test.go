package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestNewError(t *testing.T) {
	t.Parallel()

	t.Run("creates error with defaults", func(t *testing.T) {
		err := NewError(ErrCodeSizeMismatch, "expected 10 bytes, got 9")
		if err.Code != ErrCodeSizeMismatch {
			t.Errorf("Code = %v, want %v", err.Code, ErrCodeSizeMismatch)
		}
		if err.Category != CategoryIntegrity {
			t.Errorf("Category = %v, want %v", err.Category, CategoryIntegrity)
		}
		if err.Details == nil || err.Context == nil {
			t.Error("Details/Context maps should be initialised")
		}
		if err.Timestamp.IsZero() {
			t.Error("Timestamp not set")
		}
	})

	t.Run("empty message uses canonical text", func(t *testing.T) {
		if got := NewError(ErrCodeReadOnly, "").Message; got != "readonly mogilefs" {
			t.Errorf("Message = %q", got)
		}
		if got := NewError(ErrCodeUnreachableBackend, "").Message; got != "couldn't connect to mogilefsd backend" {
			t.Errorf("Message = %q", got)
		}
	})

	t.Run("only transient faults are retryable", func(t *testing.T) {
		if !NewError(ErrCodeConnectionTimeout, "t").Retryable {
			t.Error("CONNECTION_TIMEOUT should be retryable")
		}
		if NewError(ErrCodeUnknownKey, "k").Retryable {
			t.Error("UNKNOWN_KEY should not be retryable")
		}
	})
}

func TestGetCategory(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code ErrorCode
		want ErrorCategory
	}{
		{ErrCodeReadOnly, CategoryPrecondition},
		{ErrCodeEmptyPath, CategoryPrecondition},
		{ErrCodeUnknownKey, CategoryBackend},
		{ErrCodeDomainNotFound, CategoryBackend},
		{ErrCodeKeyExists, CategoryBackend},
		{ErrCodeConnectionRefused, CategoryTransient},
		{ErrCodeReplicaMissing, CategoryTransient},
		{ErrCodeSizeMismatch, CategoryIntegrity},
		{ErrCodeUnreachableBackend, CategoryTransport},
		{ErrCodeInvalidConfig, CategoryConfiguration},
		{ErrorCode("SOMETHING_ELSE"), CategoryInternal},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := GetCategory(tt.code); got != tt.want {
				t.Errorf("GetCategory(%s) = %v, want %v", tt.code, got, tt.want)
			}
		})
	}
}

func TestFromBackend(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code string
		want ErrorCode
	}{
		{"unknown_key", ErrCodeUnknownKey},
		{"domain_not_found", ErrCodeDomainNotFound},
		{"key_exists", ErrCodeKeyExists},
		{"none_match", ErrCodeNoneMatch},
		{"unknown_command", ErrCodeBackendError},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := FromBackend(tt.code, "msg")
			if err.Code != tt.want {
				t.Errorf("Code = %v, want %v", err.Code, tt.want)
			}
			if err.BackendCode != tt.code {
				t.Errorf("BackendCode = %q, want %q", err.BackendCode, tt.code)
			}
			if !IsBackend(err) {
				t.Error("IsBackend() = false")
			}
		})
	}
}

func TestMogileFSError_Error(t *testing.T) {
	t.Parallel()

	err := NewError(ErrCodeEmptyPath, "").WithComponent("session").WithOperation("new_file")
	want := "[session:new_file] EMPTY_PATH: empty path for mogile upload"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	bare := NewError(ErrCodeUnknownKey, "fookey")
	if bare.Error() != "UNKNOWN_KEY: fookey" {
		t.Errorf("Error() = %q", bare.Error())
	}
}

func TestMogileFSError_IsAndUnwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection reset")
	err := NewError(ErrCodeReadOnly, "").WithCause(cause)
	wrapped := fmt.Errorf("store: %w", err)

	if !errors.Is(wrapped, ReadOnly) {
		t.Error("errors.Is(wrapped, ReadOnly) = false")
	}
	if errors.Is(wrapped, UnknownKey) {
		t.Error("errors.Is(wrapped, UnknownKey) = true")
	}
	if !errors.Is(wrapped, cause) {
		t.Error("cause not reachable through Unwrap")
	}
	if CodeOf(wrapped) != ErrCodeReadOnly {
		t.Errorf("CodeOf() = %v", CodeOf(wrapped))
	}
	if !IsPrecondition(wrapped) {
		t.Error("IsPrecondition() = false")
	}
	if CodeOf(cause) != "" {
		t.Error("CodeOf(plain error) should be empty")
	}
}

func TestClassHelpers(t *testing.T) {
	t.Parallel()

	if !IsTransient(NewError(ErrCodePrematureEOF, "eof")) {
		t.Error("PREMATURE_EOF should be transient")
	}
	if !IsFatalTransport(NewError(ErrCodeUnreachableBackend, "")) {
		t.Error("UNREACHABLE_BACKEND should be a transport fault")
	}
	if IsFatalTransport(NewError(ErrCodeConnectionRefused, "refused")) {
		t.Error("replica refusal must not be conflated with tracker transport faults")
	}
}

func TestMogileFSError_String(t *testing.T) {
	t.Parallel()

	err := NewError(ErrCodeBackendError, "boom").
		WithComponent("tracker").
		WithRequestID("abc").
		WithDetail("host", "10.0.0.1:7001").
		WithCause(errors.New("eof"))

	s := err.String()
	for _, want := range []string{"Code=BACKEND_ERROR", "Component=tracker", "RequestID=abc", `"host":"10.0.0.1:7001"`, `Cause="eof"`} {
		if !strings.Contains(s, want) {
			t.Errorf("String() = %q, missing %q", s, want)
		}
	}
}
