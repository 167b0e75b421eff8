package replica

import (
	"io"
	"net"
	"os"
	"syscall"

	"github.com/mogilefs/mogclient/pkg/errors"
	"github.com/mogilefs/mogclient/pkg/types"
)

// Reason says why a candidate was skipped.
type Reason string

const (
	ReasonTimeout   Reason = "timeout"
	ReasonRefused   Reason = "refused"
	ReasonEOF       Reason = "premature_eof"
	ReasonStatus    Reason = "bad_status"
	ReasonMissing   Reason = "missing"
	ReasonNoLength  Reason = "no_content_length"
	ReasonMalformed Reason = "malformed_response"
	ReasonIO        Reason = "io_error"
)

var reasonCodes = map[Reason]errors.ErrorCode{
	ReasonTimeout:   errors.ErrCodeConnectionTimeout,
	ReasonRefused:   errors.ErrCodeConnectionRefused,
	ReasonEOF:       errors.ErrCodePrematureEOF,
	ReasonStatus:    errors.ErrCodeReplicaStatus,
	ReasonMissing:   errors.ErrCodeReplicaMissing,
	ReasonNoLength:  errors.ErrCodeInvalidResponse,
	ReasonMalformed: errors.ErrCodeInvalidResponse,
	ReasonIO:        errors.ErrCodeStorageRead,
}

// Attempt is the outcome of trying one candidate: either a value, or a skip
// with its reason.
type Attempt[T any] struct {
	Candidate types.Candidate
	Value     T
	Skip      Reason
	Err       error
}

// OK reports whether the attempt produced a value.
func (a Attempt[T]) OK() bool { return a.Skip == "" }

func success[T any](c types.Candidate, v T) Attempt[T] {
	return Attempt[T]{Candidate: c, Value: v}
}

func skip[T any](c types.Candidate, reason Reason, cause error) Attempt[T] {
	e := errors.NewError(reasonCodes[reason], string(reason)).
		WithComponent("replica").
		WithContext("candidate", c.String())
	if cause != nil {
		e = e.WithCause(cause)
	}
	return Attempt[T]{Candidate: c, Skip: reason, Err: e}
}

// classify maps an I/O error to a skip reason.
func classify(err error) Reason {
	var ne net.Error
	switch {
	case errors.As(err, &ne) && ne.Timeout():
		return ReasonTimeout
	case errors.Is(err, os.ErrDeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		return ReasonRefused
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return ReasonEOF
	case errors.Is(err, os.ErrNotExist):
		return ReasonMissing
	}
	return ReasonIO
}
