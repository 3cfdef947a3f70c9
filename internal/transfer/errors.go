package transfer

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/landchain/registry/internal/ledger"
)

// Kind classifies a rejected action.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindStateConflict   Kind = "state_conflict"
	KindLedgerTransient Kind = "ledger_transient"
	KindLedgerPermanent Kind = "ledger_permanent"
	KindCustodyGap      Kind = "custody_gap"
)

// Error is a rejected workflow action. Errors compare equal under
// errors.Is when their codes match.
type Error struct {
	Kind   Kind
	Code   string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return e.Code
	}
	return e.Code + ": " + e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrValidation       = &Error{Kind: KindValidation, Code: "VALIDATION"}
	ErrNotFound         = &Error{Kind: KindValidation, Code: "NOT_FOUND"}
	ErrNotOwner         = &Error{Kind: KindValidation, Code: "NOT_OWNER"}
	ErrAssetNotVerified = &Error{Kind: KindValidation, Code: "ASSET_NOT_VERIFIED"}
	ErrBuyerMismatch    = &Error{Kind: KindValidation, Code: "BUYER_MISMATCH"}
	ErrNotSeller        = &Error{Kind: KindValidation, Code: "NOT_SELLER"}
	ErrBuyerNotFound    = &Error{Kind: KindValidation, Code: "BUYER_NOT_FOUND"}

	ErrInvalidState   = &Error{Kind: KindStateConflict, Code: "INVALID_STATE"}
	ErrActiveTransfer = &Error{Kind: KindStateConflict, Code: "ACTIVE_TRANSFER"}
	ErrAlreadySettled = &Error{Kind: KindStateConflict, Code: "ALREADY_SETTLED"}
	ErrExpired        = &Error{Kind: KindStateConflict, Code: "EXPIRED"}

	ErrLedgerUnavailable = &Error{Kind: KindLedgerTransient, Code: "LEDGER_UNAVAILABLE"}
	ErrLedgerRejected    = &Error{Kind: KindLedgerPermanent, Code: "LEDGER_REJECTED"}
	// ErrSettlementFailed carries the kind of the ledger failure behind it.
	ErrSettlementFailed = &Error{Kind: KindLedgerPermanent, Code: "SETTLEMENT_FAILED"}
	ErrCustodyGap       = &Error{Kind: KindCustodyGap, Code: "CUSTODY_GAP"}
)

func reject(base *Error, format string, args ...any) *Error {
	return &Error{Kind: base.Kind, Code: base.Code, Reason: fmt.Sprintf(format, args...)}
}

// KindOf returns the taxonomy kind of err. Unclassified errors are
// reported as transient ledger failures since they leave no state behind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindLedgerTransient
}

// Retriable reports whether repeating the action may succeed.
func Retriable(err error) bool {
	return KindOf(err) == KindLedgerTransient
}

// ledgerKind maps a ledger failure onto the taxonomy.
func ledgerKind(err error) Kind {
	if ledger.IsTransient(err) {
		return KindLedgerTransient
	}
	return KindLedgerPermanent
}

// fromLedger wraps a ledger failure outside settlement.
func fromLedger(err error, action string) *Error {
	base := ErrLedgerRejected
	if ledger.IsTransient(err) {
		base = ErrLedgerUnavailable
	}
	return &Error{Kind: base.Kind, Code: base.Code, Reason: action + ": " + err.Error(), Err: err}
}

// settlementFailed wraps a ledger failure during settlement.
func settlementFailed(err error) *Error {
	return &Error{
		Kind:   ledgerKind(err),
		Code:   ErrSettlementFailed.Code,
		Reason: err.Error(),
		Err:    err,
	}
}
