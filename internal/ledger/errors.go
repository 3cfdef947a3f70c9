package ledger

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

// Code classifies a ledger failure.
type Code string

const (
	CodeDuplicateAsset      Code = "DUPLICATE_ASSET"
	CodeNotAuthorized       Code = "NOT_AUTHORIZED"
	CodeUnavailable         Code = "LEDGER_UNAVAILABLE"
	CodeAssetNotFound       Code = "ASSET_NOT_FOUND"
	CodeNotOwner            Code = "NOT_OWNER"
	CodeConfirmationTimeout Code = "CONFIRMATION_TIMEOUT"
	CodeReverted            Code = "REVERTED"
	CodeInvalidSignature    Code = "INVALID_SIGNATURE"
	CodeSignatureExpired    Code = "SIGNATURE_EXPIRED"
)

// Error is a classified ledger failure. Errors compare equal under
// errors.Is when their codes match.
type Error struct {
	Code Code
	Msg  string
	// TxHash is set once a transaction was submitted.
	TxHash common.Hash
	Err    error
}

var (
	ErrDuplicateAsset      = &Error{Code: CodeDuplicateAsset}
	ErrNotAuthorized       = &Error{Code: CodeNotAuthorized}
	ErrUnavailable         = &Error{Code: CodeUnavailable}
	ErrAssetNotFound       = &Error{Code: CodeAssetNotFound}
	ErrNotOwner            = &Error{Code: CodeNotOwner}
	ErrConfirmationTimeout = &Error{Code: CodeConfirmationTimeout}
	ErrReverted            = &Error{Code: CodeReverted}
	ErrInvalidSignature    = &Error{Code: CodeInvalidSignature}
	ErrSignatureExpired    = &Error{Code: CodeSignatureExpired}
)

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.TxHash != (common.Hash{}) {
		fmt.Fprintf(&b, " (tx %s)", e.TxHash.Hex())
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// IsTransient reports whether err may succeed when retried.
func IsTransient(err error) bool {
	switch CodeOf(err) {
	case CodeUnavailable, CodeConfirmationTimeout:
		return true
	}
	return false
}

// CodeOf returns the classification of err, or "" if err is not a ledger
// error.
func CodeOf(err error) Code {
	var le *Error
	if errors.As(err, &le) {
		return le.Code
	}
	return ""
}

// RevertError is returned by backends when the contract rejected a call.
// Reason carries the contract's revert string.
type RevertError struct {
	Reason string
}

func (e *RevertError) Error() string {
	return "execution reverted: " + e.Reason
}

// revertCodes maps revert reason fragments to codes. Both the chaincode
// "CODE: message" form and common Solidity revert strings are covered.
// Earlier entries win.
var revertCodes = []struct {
	fragment string
	code     Code
}{
	{"DUPLICATE_ASSET", CodeDuplicateAsset},
	{"land already exists", CodeDuplicateAsset},
	{"land already registered", CodeDuplicateAsset},
	{"NOT_AUTHORIZED", CodeNotAuthorized},
	{"ACCESS_DENIED", CodeNotAuthorized},
	{"not a registrar", CodeNotAuthorized},
	{"not authorized", CodeNotAuthorized},
	{"OwnableUnauthorizedAccount", CodeNotAuthorized},
	{"TOKEN_NOT_FOUND", CodeAssetNotFound},
	{"ERC721NonexistentToken", CodeAssetNotFound},
	{"nonexistent token", CodeAssetNotFound},
	{"invalid token id", CodeAssetNotFound},
	{"SIGNATURE_EXPIRED", CodeSignatureExpired},
	{"signature expired", CodeSignatureExpired},
	{"INVALID_SIGNATURE", CodeInvalidSignature},
	{"invalid signature", CodeInvalidSignature},
	{"invalid nonce", CodeInvalidSignature},
	{"NOT_OWNER", CodeNotOwner},
	{"ERC721IncorrectOwner", CodeNotOwner},
	{"ERC721InsufficientApproval", CodeNotOwner},
	{"incorrect owner", CodeNotOwner},
	{"caller is not token owner", CodeNotOwner},
	{"not owner", CodeNotOwner},
}

// classify converts a backend error into an *Error. Contract rejections
// become permanent codes; anything else is treated as the ledger being
// unreachable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var le *Error
	if errors.As(err, &le) {
		return err
	}

	var re *RevertError
	if errors.As(err, &re) {
		reason := strings.ToLower(re.Reason)
		for _, rc := range revertCodes {
			if strings.Contains(reason, strings.ToLower(rc.fragment)) {
				return &Error{Code: rc.code, Msg: re.Reason, Err: err}
			}
		}
		return &Error{Code: CodeReverted, Msg: re.Reason, Err: err}
	}

	return &Error{Code: CodeUnavailable, Err: err}
}
