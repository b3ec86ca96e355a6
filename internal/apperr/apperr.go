// Package apperr defines the error taxonomy surfaced by the credit core.
//
// Every error that crosses a service boundary is an *Error carrying a Kind,
// a stable machine code and a human readable message. Callers branch on the
// kind with errors.Is(err, apperr.InsufficientFunds) and friends.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the caller.
type Kind string

const (
	KindUnknownAccount     Kind = "unknown_account"
	KindUnknownRequest     Kind = "unknown_request"
	KindUnknownHold        Kind = "unknown_hold"
	KindUnknownRule        Kind = "unknown_rule"
	KindUnknownAssignment  Kind = "unknown_assignment"
	KindInvalidAmount      Kind = "invalid_amount"
	KindInvalidInput       Kind = "invalid_input"
	KindInsufficientFunds  Kind = "insufficient_funds"
	KindDuplicateHold      Kind = "duplicate_hold"
	KindDuplicateAccount   Kind = "duplicate_account"
	KindConflictingKey     Kind = "conflicting_key"
	KindIllegalTransition  Kind = "illegal_transition"
	KindUnauthorized       Kind = "unauthorized"
	KindUnauthenticated    Kind = "unauthenticated"
	KindRuleMisconfigured  Kind = "rule_misconfigured"
	KindStorageUnavailable Kind = "storage_unavailable"
	KindInternal           Kind = "internal"
)

var codes = map[Kind]string{
	KindUnknownAccount:     "CRD-0001",
	KindUnknownRequest:     "CRD-0002",
	KindUnknownHold:        "CRD-0003",
	KindUnknownRule:        "CRD-0004",
	KindUnknownAssignment:  "CRD-0005",
	KindInvalidAmount:      "CRD-0010",
	KindInvalidInput:       "CRD-0011",
	KindInsufficientFunds:  "CRD-0020",
	KindDuplicateHold:      "CRD-0021",
	KindDuplicateAccount:   "CRD-0022",
	KindConflictingKey:     "CRD-0023",
	KindIllegalTransition:  "CRD-0030",
	KindUnauthorized:       "CRD-0040",
	KindUnauthenticated:    "CRD-0041",
	KindRuleMisconfigured:  "CRD-0050",
	KindStorageUnavailable: "CRD-0090",
	KindInternal:           "CRD-0099",
}

// Code returns the stable machine code for the kind.
func (k Kind) Code() string {
	if c, ok := codes[k]; ok {
		return c
	}
	return codes[KindInternal]
}

// Retriable reports whether a caller may safely retry the same call with the
// same idempotency key.
func (k Kind) Retriable() bool { return k == KindStorageUnavailable }

// Error is the structured error returned by the core.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Code returns the machine code of the error kind.
func (e *Error) Code() string { return e.Kind.Code() }

// Is matches any *Error of the same kind, so the package-level sentinels
// below work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons.
var (
	UnknownAccount     = &Error{Kind: KindUnknownAccount, Message: "account not found"}
	UnknownRequest     = &Error{Kind: KindUnknownRequest, Message: "request not found"}
	UnknownHold        = &Error{Kind: KindUnknownHold, Message: "hold not found"}
	UnknownRule        = &Error{Kind: KindUnknownRule, Message: "rule not found"}
	UnknownAssignment  = &Error{Kind: KindUnknownAssignment, Message: "assignment not found"}
	InvalidAmount      = &Error{Kind: KindInvalidAmount, Message: "amount must be > 0"}
	InvalidInput       = &Error{Kind: KindInvalidInput, Message: "invalid input"}
	InsufficientFunds  = &Error{Kind: KindInsufficientFunds, Message: "insufficient credits"}
	DuplicateHold      = &Error{Kind: KindDuplicateHold, Message: "a hold already exists for this request"}
	DuplicateAccount   = &Error{Kind: KindDuplicateAccount, Message: "company already has an account"}
	ConflictingKey     = &Error{Kind: KindConflictingKey, Message: "idempotency key reused with different arguments"}
	IllegalTransition  = &Error{Kind: KindIllegalTransition, Message: "illegal state transition"}
	Unauthorized       = &Error{Kind: KindUnauthorized, Message: "actor is not allowed to perform this operation"}
	Unauthenticated    = &Error{Kind: KindUnauthenticated, Message: "caller identity is missing or invalid"}
	RuleMisconfigured  = &Error{Kind: KindRuleMisconfigured, Message: "no approval rule matches"}
	StorageUnavailable = &Error{Kind: KindStorageUnavailable, Message: "storage unavailable"}
)

// New builds an error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error. Wrapping an *Error keeps the
// inner kind.
func Wrap(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf extracts the kind of err. Errors that are not *Error report KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// MessageOf returns the human message of err without the wrapped cause.
func MessageOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Message
	}
	return "internal error"
}
