// Package relayerr holds the typed errors the relay hands back to its callers.
// Every error that leaves the relay carries the stage where it happened.
package relayerr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindEncoding               Kind = "EncodingError"
	KindNonceUnavailable       Kind = "NonceUnavailable"
	KindSponsorRejected        Kind = "SponsorRejected"
	KindReplacementRejected    Kind = "ReplacementRejected"
	KindFeeEscalationExhausted Kind = "FeeEscalationExhausted"
	KindSubmissionTimeout      Kind = "SubmissionTimeout"
	KindResolutionNotFound     Kind = "ResolutionNotFound"
	KindResolutionForeign      Kind = "ResolutionForeign"
	KindBundlerRejected        Kind = "BundlerRejected"
	KindExecutionReverted      Kind = "ExecutionReverted"
)

type Stage string

const (
	StageCompose   Stage = "compose"
	StageBuild     Stage = "build"
	StageNonce     Stage = "nonce"
	StageFees      Stage = "fees"
	StageSponsor   Stage = "sponsor"
	StageSign      Stage = "sign"
	StageSubmit    Stage = "submit"
	StagePoll      Stage = "poll"
	StageResolve   Stage = "resolve"
	StageExecution Stage = "execution"
)

// Sentinels for errors.Is. Only the Kind is compared.
var (
	ErrEncoding               = &Error{Kind: KindEncoding}
	ErrNonceUnavailable       = &Error{Kind: KindNonceUnavailable}
	ErrSponsorRejected        = &Error{Kind: KindSponsorRejected}
	ErrReplacementRejected    = &Error{Kind: KindReplacementRejected}
	ErrFeeEscalationExhausted = &Error{Kind: KindFeeEscalationExhausted}
	ErrSubmissionTimeout      = &Error{Kind: KindSubmissionTimeout}
	ErrResolutionNotFound     = &Error{Kind: KindResolutionNotFound}
	ErrResolutionForeign      = &Error{Kind: KindResolutionForeign}
	ErrBundlerRejected        = &Error{Kind: KindBundlerRejected}
	ErrExecutionReverted      = &Error{Kind: KindExecutionReverted}
)

// Error is the structured error returned across package boundaries
type Error struct {
	Kind    Kind                   `json:"kind"`
	Stage   Stage                  `json:"stage,omitempty"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Err     error                  `json:"-"`
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Stage != "" {
		msg = fmt.Sprintf("%s [%s]: %s", e.Kind, e.Stage, msg)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrSponsorRejected) works
// regardless of stage or message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// WithDetail returns e with an additional detail entry.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = map[string]interface{}{}
	}
	e.Details[key] = value
	return e
}

func New(kind Kind, stage Stage, message string, cause error) *Error {
	return &Error{
		Kind:    kind,
		Stage:   stage,
		Message: message,
		Err:     cause,
	}
}

func Encoding(stage Stage, format string, args ...interface{}) *Error {
	return New(KindEncoding, stage, fmt.Sprintf(format, args...), nil)
}

func NonceUnavailable(message string, cause error) *Error {
	return New(KindNonceUnavailable, StageNonce, message, cause)
}

func SponsorRejected(message string, cause error) *Error {
	return New(KindSponsorRejected, StageSponsor, message, cause)
}

func ReplacementRejected(message string, cause error) *Error {
	return New(KindReplacementRejected, StageSubmit, message, cause)
}

func FeeEscalationExhausted(attempts int, message string) *Error {
	return New(KindFeeEscalationExhausted, StageFees, message, nil).WithDetail("attempts", attempts)
}

func ResolutionNotFound(message string) *Error {
	return New(KindResolutionNotFound, StageResolve, message, nil)
}

func ResolutionForeign(message string) *Error {
	return New(KindResolutionForeign, StageResolve, message, nil)
}

// As returns the *Error in err's chain, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, or "" when err isn't a relay error.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return ""
}

// StageOf returns the stage recorded on err, or "" when unknown.
func StageOf(err error) Stage {
	if e, ok := As(err); ok {
		return e.Stage
	}
	return ""
}

// Retryable reports whether the caller may retry the same logical action after a backoff.
// Only nonce reconciliation failures qualify: everything else is either terminal or already
// retried inside the relay.
func Retryable(err error) bool {
	return errors.Is(err, ErrNonceUnavailable)
}
