package transfer

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"

	"github.com/landchain/registry/internal/custody"
	"github.com/landchain/registry/internal/ledger"
	"github.com/landchain/registry/internal/store"
	"github.com/landchain/registry/internal/transferauth"
)

// Settlement is the result of a completed transfer. The ledger receipt and
// the BlockchainTransferSuccess flag are on the record.
type Settlement struct {
	Transfer store.Transfer
	Outcome  custody.Outcome
}

// ledgerMove is what settlement learned from the ledger.
type ledgerMove struct {
	outcome       custody.Outcome
	receipt       *store.Receipt
	signatureHash string
}

// settle reconciles a record that both parties have signed off with the
// ledger and the asset record, then completes it. The asset record is
// written before the transfer record so that a crash in between is
// repaired by settling again. Ledger failures leave the record as it was.
func (s *Service) settle(ctx context.Context, t store.Transfer) (Settlement, error) {
	log := s.log.With("transfer", t.Key, "property", t.PropertyID)

	buyer, err := s.resolveBuyer(ctx, t)
	if err != nil {
		return Settlement{}, err
	}
	target, err := targetWallet(t, buyer)
	if err != nil {
		return Settlement{}, err
	}
	asset, err := s.store.GetAsset(ctx, t.PropertyID)
	if errors.Is(err, store.ErrNotFound) {
		return Settlement{}, reject(ErrNotFound, "property %d not found", t.PropertyID)
	}
	if err != nil {
		return Settlement{}, errors.Wrap(err, "load asset")
	}

	move, err := s.moveOnLedger(ctx, t, target)
	if err != nil {
		log.ErrorContext(ctx, "settlement failed", "status", t.Status, "error", err)
		s.keepPending(ctx, t, err)
		return Settlement{}, settlementFailed(err)
	}
	if move.receipt == nil && move.outcome == custody.AlreadyOwned && t.PendingTxHash != "" {
		if move.receipt, err = s.pendingReceipt(ctx, t); err != nil {
			log.ErrorContext(ctx, "settlement failed", "status", t.Status, "error", err)
			return Settlement{}, settlementFailed(err)
		}
	}

	now := s.now()
	to := store.User{ID: buyer.ID, Email: buyer.Email, Name: buyer.Name, Wallet: target.Hex()}
	change := store.OwnershipChange{
		TokenID:    t.PropertyID,
		FromUserID: t.SellerID,
		To:         to,
		Entry: store.HistoryEntry{
			TokenID:            t.PropertyID,
			TransferKey:        t.Key,
			FromUserID:         asset.OwnerID,
			FromEmail:          asset.OwnerEmail,
			FromName:           asset.OwnerName,
			ToUserID:           to.ID,
			ToEmail:            to.Email,
			ToName:             to.Name,
			ToWallet:           to.Wallet,
			TransferredAt:      now,
			Receipt:            move.receipt,
			SignatureHash:      move.signatureHash,
			Price:              t.Price,
			BlockchainTransfer: move.outcome != custody.ManualTransfer,
			SignatureTransfer:  t.Kind == store.KindSignature,
		},
	}
	applied, err := s.store.ApplyOwnershipChange(ctx, change)
	if errors.Is(err, store.ErrConflict) {
		log.ErrorContext(ctx, "asset owner changed outside the transfer", "owner", asset.OwnerID, "seller", t.SellerID)
		return Settlement{}, reject(ErrInvalidState, "property %d is no longer owned by the seller", t.PropertyID)
	}
	if err != nil {
		return Settlement{}, errors.Wrap(err, "apply ownership change")
	}
	if !applied {
		// An earlier attempt updated the asset but not the record.
		if prior, ok := s.priorEntry(ctx, t); ok {
			if move.receipt == nil {
				move.receipt = prior.Receipt
			}
			if move.signatureHash == "" {
				move.signatureHash = prior.SignatureHash
			}
			if !prior.BlockchainTransfer {
				move.outcome = custody.ManualTransfer
			}
		}
	}

	prev := t.Status
	t.Status = store.StatusCompleted
	t.BuyerID = buyer.ID
	t.BuyerWallet = target.Hex()
	t.Receipt = move.receipt
	t.PendingTxHash = ""
	t.SignatureHash = move.signatureHash
	t.BlockchainTransferSuccess = move.outcome != custody.ManualTransfer
	t.CompletedAt = &now
	t.UpdatedAt = now
	if err := s.store.UpdateTransfer(ctx, t, prev); err != nil {
		if errors.Is(err, store.ErrConflict) {
			if cur, gerr := s.store.GetTransfer(ctx, t.Key); gerr == nil && cur.Status == store.StatusCompleted {
				return Settlement{}, reject(ErrAlreadySettled, "transfer %s is already completed", t.Key)
			}
			return Settlement{}, reject(ErrInvalidState, "transfer %s is no longer %s", t.Key, prev)
		}
		return Settlement{}, errors.Wrap(err, "complete transfer")
	}

	if s.opts.Metrics != nil {
		s.opts.Metrics.Settled(string(move.outcome))
	}
	log.InfoContext(ctx, "transfer completed", "outcome", move.outcome, "blockchain", t.BlockchainTransferSuccess)
	return Settlement{Transfer: t, Outcome: move.outcome}, nil
}

func (s *Service) resolveBuyer(ctx context.Context, t store.Transfer) (store.User, error) {
	var (
		u   store.User
		err error
	)
	if t.BuyerID != "" {
		u, err = s.store.GetUser(ctx, t.BuyerID)
	} else {
		u, err = s.store.GetUserByEmail(ctx, t.BuyerEmail)
	}
	if errors.Is(err, store.ErrNotFound) {
		return store.User{}, reject(ErrBuyerNotFound, "no account for buyer %s", t.BuyerEmail)
	}
	if err != nil {
		return store.User{}, errors.Wrap(err, "resolve buyer")
	}
	return u, nil
}

func targetWallet(t store.Transfer, buyer store.User) (common.Address, error) {
	if t.BuyerWallet != "" {
		return parseWallet("buyer wallet", t.BuyerWallet)
	}
	if buyer.Wallet != "" {
		return parseWallet("buyer wallet", buyer.Wallet)
	}
	return common.Address{}, reject(ErrValidation, "buyer %s has no wallet address", t.BuyerEmail)
}

// moveOnLedger realizes the ownership change on the ledger. A custody gap
// is an outcome, not an error.
func (s *Service) moveOnLedger(ctx context.Context, t store.Transfer, target common.Address) (ledgerMove, error) {
	if t.Kind == store.KindSignature {
		return s.moveWithSignature(ctx, t, target)
	}

	res, err := s.custody.Settle(ctx, t.PropertyID, target)
	var gap *custody.RequiresManualTransferError
	if errors.As(err, &gap) {
		return ledgerMove{outcome: custody.ManualTransfer}, nil
	}
	if err != nil {
		return ledgerMove{}, err
	}
	move := ledgerMove{outcome: res.Outcome}
	if res.Outcome == custody.Transferred {
		move.receipt = receiptOf(res.Transfer)
	}
	return move, nil
}

func (s *Service) moveWithSignature(ctx context.Context, t store.Transfer, target common.Address) (ledgerMove, error) {
	st, err := signedFromRecord(t)
	if err != nil {
		return ledgerMove{}, err
	}
	if st.Auth.To != target {
		return ledgerMove{}, reject(ErrValidation, "authorization names %s, not the buyer wallet", st.Auth.To.Hex())
	}

	res, err := s.ledger.TransferWithSignature(ctx, st)
	if errors.Is(err, ledger.ErrNotOwner) {
		holder, oerr := s.ledger.CurrentOwner(ctx, t.PropertyID)
		if oerr == nil && holder != target {
			s.log.WarnContext(ctx, "custody gap", "transfer", t.Key, "property", t.PropertyID,
				"holder", holder.Hex(), "signed_by", st.Auth.From.Hex())
			return ledgerMove{outcome: custody.ManualTransfer}, nil
		}
	}
	if err != nil {
		return ledgerMove{}, err
	}

	move := ledgerMove{outcome: custody.AlreadyOwned, signatureHash: res.SignatureHash.Hex()}
	if !res.AlreadyOwned {
		move.outcome = custody.Transferred
		move.receipt = receiptOf(res)
	}
	return move, nil
}

// reachedBuyer reports whether the ledger shows the token of t held by the
// buyer's wallet.
func (s *Service) reachedBuyer(ctx context.Context, t store.Transfer) (bool, error) {
	if t.BuyerWallet == "" {
		return false, nil
	}
	owner, err := s.ledger.CurrentOwner(ctx, t.PropertyID)
	if err != nil {
		return false, fromLedger(err, "read token holder")
	}
	return owner == common.HexToAddress(t.BuyerWallet), nil
}

// keepPending records the transaction of a submission whose confirmation
// was not observed, so a later attempt can read its receipt.
func (s *Service) keepPending(ctx context.Context, t store.Transfer, err error) {
	var le *ledger.Error
	if !errors.As(err, &le) || le.Code != ledger.CodeConfirmationTimeout || le.TxHash == (common.Hash{}) {
		return
	}
	t.PendingTxHash = le.TxHash.Hex()
	t.UpdatedAt = s.now()
	if uerr := s.store.UpdateTransfer(ctx, t, t.Status); uerr != nil {
		s.log.WarnContext(ctx, "record pending transaction", "transfer", t.Key, "tx", t.PendingTxHash, "error", uerr)
	}
}

// pendingReceipt reads the receipt of the transaction recorded by an earlier
// attempt. Only an unreachable ledger fails the settlement; a transaction
// that never confirmed leaves the receipt empty.
func (s *Service) pendingReceipt(ctx context.Context, t store.Transfer) (*store.Receipt, error) {
	res, err := s.ledger.TransferReceipt(ctx, common.HexToHash(t.PendingTxHash))
	if err == nil {
		return receiptOf(res), nil
	}
	if ledger.CodeOf(err) == ledger.CodeUnavailable {
		return nil, err
	}
	s.log.WarnContext(ctx, "pending transaction has no receipt", "transfer", t.Key, "tx", t.PendingTxHash, "error", err)
	return nil, nil
}

// signedFromRecord rebuilds the stored authorization for submission.
func signedFromRecord(t store.Transfer) (ledger.SignedTransfer, error) {
	if t.Auth == nil {
		return ledger.SignedTransfer{}, reject(ErrInvalidState, "transfer %s has no authorization", t.Key)
	}
	sig, err := hexutil.Decode(t.Auth.Signature)
	if err != nil {
		return ledger.SignedTransfer{}, reject(ErrInvalidState, "transfer %s has a malformed signature", t.Key)
	}
	return ledger.SignedTransfer{
		Auth: transferauth.Authorization{
			TokenID:  t.PropertyID,
			From:     common.HexToAddress(t.Auth.Holder),
			To:       common.HexToAddress(t.BuyerWallet),
			Nonce:    t.Auth.Nonce,
			Deadline: t.Auth.Deadline.Unix(),
			Domain:   common.HexToAddress(t.Auth.Domain),
		},
		Signature: sig,
	}, nil
}

func (s *Service) priorEntry(ctx context.Context, t store.Transfer) (store.HistoryEntry, bool) {
	history, err := s.store.AssetHistory(ctx, t.PropertyID)
	if err != nil {
		s.log.WarnContext(ctx, "read asset history", "property", t.PropertyID, "error", err)
		return store.HistoryEntry{}, false
	}
	for _, h := range history {
		if h.TransferKey == t.Key {
			return h, true
		}
	}
	return store.HistoryEntry{}, false
}

func receiptOf(res ledger.TransferResult) *store.Receipt {
	r := &store.Receipt{TxHash: res.TxHash.Hex(), BlockNumber: res.BlockNumber}
	if res.TransferHash != (common.Hash{}) {
		r.TransferHash = res.TransferHash.Hex()
	}
	return r
}
