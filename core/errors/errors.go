// Package errors defines the failure taxonomy shared by the escrow core and
// the service boundary. Every failure that leaves the core carries a Kind so
// callers can choose a response without parsing messages.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies a failure.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindValidation
	KindInsufficientBalance
	KindLedgerRejection
	KindStateConflict
	KindTransient
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindInsufficientBalance:
		return "insufficient_balance"
	case KindLedgerRejection:
		return "ledger_rejection"
	case KindStateConflict:
		return "state_conflict"
	case KindTransient:
		return "transient"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Retryable reports whether an operation failing with this kind may be
// resubmitted unchanged.
func (k Kind) Retryable() bool { return k == KindTransient }

// Error is a classified failure.
type Error struct {
	Kind    Kind
	Message string
	// Shortfall is set on KindInsufficientBalance failures.
	Shortfall uint64
	// TxID is set when the failure concerns a specific submitted transaction.
	TxID string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind that carries no message, which
// lets the Err* sentinels below be used with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

var (
	ErrValidation          = &Error{Kind: KindValidation}
	ErrInsufficientBalance = &Error{Kind: KindInsufficientBalance}
	ErrLedgerRejection     = &Error{Kind: KindLedgerRejection}
	ErrStateConflict       = &Error{Kind: KindStateConflict}
	ErrTransient           = &Error{Kind: KindTransient}
	ErrNotFound            = &Error{Kind: KindNotFound}
)

func Validation(format string, args ...any) error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// InsufficientBalance reports the exact amount the caller is short by.
func InsufficientBalance(shortfall uint64, format string, args ...any) error {
	return &Error{Kind: KindInsufficientBalance, Message: fmt.Sprintf(format, args...), Shortfall: shortfall}
}

func LedgerRejection(txID, reason string, cause error) error {
	return &Error{Kind: KindLedgerRejection, Message: reason, TxID: txID, Err: cause}
}

func StateConflict(format string, args ...any) error {
	return &Error{Kind: KindStateConflict, Message: fmt.Sprintf(format, args...)}
}

func Transient(txID, reason string, cause error) error {
	return &Error{Kind: KindTransient, Message: reason, TxID: txID, Err: cause}
}

func NotFound(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies cause under kind with an additional message.
func Wrap(kind Kind, cause error, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: cause}
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var classified *Error
	if stderrors.As(err, &classified) {
		return classified.Kind
	}
	return KindUnknown
}

// ShortfallOf returns the shortfall carried by an insufficient balance error.
func ShortfallOf(err error) (uint64, bool) {
	var classified *Error
	if stderrors.As(err, &classified) && classified.Kind == KindInsufficientBalance {
		return classified.Shortfall, true
	}
	return 0, false
}

// TxIDOf returns the transaction id carried by a classified error, if any.
func TxIDOf(err error) string {
	var classified *Error
	if stderrors.As(err, &classified) {
		return classified.TxID
	}
	return ""
}
