// Package custody decides how an asset reaches its new owner on the
// ledger. Every asset is minted to a custodian identity; moving it to a
// buyer is a second transfer signed by that custodian.
package custody

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/landchain/registry/internal/ledger"
)

// Ledger is the part of the ledger gateway the policy needs.
type Ledger interface {
	Signer() common.Address
	CurrentOwner(ctx context.Context, tokenID uint64) (common.Address, error)
	TransferDirect(ctx context.Context, tokenID uint64, from, to common.Address) (ledger.TransferResult, error)
}

// Outcome is the result of settling one asset.
type Outcome string

const (
	Transferred    Outcome = "transferred"
	AlreadyOwned   Outcome = "already_owned"
	ManualTransfer Outcome = "requires_manual_transfer"
)

// Result describes a settlement. Transfer is set only for Transferred.
type Result struct {
	Outcome  Outcome
	Holder   common.Address
	Transfer ledger.TransferResult
}

// CustodyMismatchError reports that the custodian holds the asset but the
// gateway cannot sign for it.
type CustodyMismatchError struct {
	Custodian common.Address
	Signer    common.Address
}

func (e *CustodyMismatchError) Error() string {
	return fmt.Sprintf("custodian %s is not the ledger signer %s", e.Custodian.Hex(), e.Signer.Hex())
}

// RequiresManualTransferError reports a custody gap: the asset is held by
// neither the custodian nor the intended owner.
type RequiresManualTransferError struct {
	TokenID uint64
	Holder  common.Address
	Target  common.Address
}

func (e *RequiresManualTransferError) Error() string {
	return fmt.Sprintf("token %d is held by %s, outside custody; transfer to %s must be reconciled manually",
		e.TokenID, e.Holder.Hex(), e.Target.Hex())
}

// Policy applies the custody rules against one ledger gateway.
type Policy struct {
	custodian common.Address
	ledger    Ledger
	log       *slog.Logger
}

// New returns a policy for assets held by custodian.
func New(custodian common.Address, l Ledger, log *slog.Logger) *Policy {
	if log == nil {
		log = slog.Default()
	}
	return &Policy{custodian: custodian, ledger: l, log: log.With("component", "custody")}
}

// Custodian is the identity assets are held by.
func (p *Policy) Custodian() common.Address { return p.custodian }

// MintRecipient is the address new assets are minted to.
func (p *Policy) MintRecipient() common.Address { return p.custodian }

// Settle makes target the ledger owner of tokenID.
//
// A custody gap is returned as *RequiresManualTransferError together
// with a ManualTransfer result; callers record it rather than fail.
func (p *Policy) Settle(ctx context.Context, tokenID uint64, target common.Address) (Result, error) {
	holder, err := p.ledger.CurrentOwner(ctx, tokenID)
	if err != nil {
		return Result{}, err
	}

	switch holder {
	case target:
		return Result{Outcome: AlreadyOwned, Holder: holder}, nil

	case p.custodian:
		if signer := p.ledger.Signer(); signer != p.custodian {
			return Result{}, &CustodyMismatchError{Custodian: p.custodian, Signer: signer}
		}
		tr, err := p.ledger.TransferDirect(ctx, tokenID, p.custodian, target)
		if err != nil {
			return Result{}, err
		}
		if tr.AlreadyOwned {
			return Result{Outcome: AlreadyOwned, Holder: target}, nil
		}
		p.log.InfoContext(ctx, "custodial transfer confirmed", "token", tokenID, "to", target.Hex(), "tx", tr.TxHash.Hex())
		return Result{Outcome: Transferred, Holder: target, Transfer: tr}, nil
	}

	p.log.WarnContext(ctx, "custody gap", "token", tokenID, "holder", holder.Hex(), "target", target.Hex(), "custodian", p.custodian.Hex())
	return Result{Outcome: ManualTransfer, Holder: holder},
		&RequiresManualTransferError{TokenID: tokenID, Holder: holder, Target: target}
}

// RequireCustody checks that the custodian holds tokenID and that the
// gateway signs as the custodian.
func (p *Policy) RequireCustody(ctx context.Context, tokenID uint64) error {
	holder, err := p.ledger.CurrentOwner(ctx, tokenID)
	if err != nil {
		return err
	}
	if holder != p.custodian {
		return &RequiresManualTransferError{TokenID: tokenID, Holder: holder}
	}
	if signer := p.ledger.Signer(); signer != p.custodian {
		return &CustodyMismatchError{Custodian: p.custodian, Signer: signer}
	}
	return nil
}
