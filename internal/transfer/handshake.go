package transfer

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/landchain/registry/internal/store"
)

// InitiateRequest starts a handshake transfer.
type InitiateRequest struct {
	PropertyID uint64
	BuyerEmail string
	Price      decimal.NullDecimal
	Currency   string
}

// Initiate opens a handshake transfer of a verified property owned by
// seller to the buyer identified by email.
func (s *Service) Initiate(ctx context.Context, seller Actor, req InitiateRequest) (h Handoff, err error) {
	defer func() { s.record("initiate", err) }()

	buyerEmail := normalizeEmail(req.BuyerEmail)
	if !validEmail(buyerEmail) {
		return Handoff{}, reject(ErrValidation, "buyer email %q is not valid", req.BuyerEmail)
	}
	if buyerEmail == normalizeEmail(seller.Email) {
		return Handoff{}, reject(ErrValidation, "cannot transfer a property to its owner")
	}
	if err := validPrice(req.Price); err != nil {
		return Handoff{}, err
	}
	asset, err := s.sellable(ctx, seller, req.PropertyID)
	if err != nil {
		return Handoff{}, err
	}

	key, err := newKey()
	if err != nil {
		return Handoff{}, err
	}
	now := s.now()
	t := store.Transfer{
		Key:          key,
		Kind:         store.KindHandshake,
		PropertyID:   req.PropertyID,
		SellerID:     seller.ID,
		SellerEmail:  firstNonEmpty(normalizeEmail(seller.Email), asset.OwnerEmail),
		SellerWallet: seller.Wallet,
		BuyerEmail:   buyerEmail,
		Price:        req.Price,
		Currency:     firstNonEmpty(strings.ToUpper(strings.TrimSpace(req.Currency)), s.opts.Currency),
		Status:       store.StatusPending,
		ExpiresAt:    now.Add(s.opts.TransferTTL),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.create(ctx, t); err != nil {
		return Handoff{}, err
	}
	s.log.InfoContext(ctx, "transfer initiated", "transfer", key, "property", t.PropertyID, "seller", seller.ID)
	return Handoff{Transfer: t, URL: s.transferURL(t)}, nil
}

// Accept records the buyer's acceptance. Only the identity whose email
// the seller named may accept.
func (s *Service) Accept(ctx context.Context, buyer Actor, key, wallet, signature string) (t store.Transfer, err error) {
	defer func() { s.record("accept", err) }()

	t, err = s.load(ctx, key)
	if err != nil {
		return store.Transfer{}, err
	}
	if normalizeEmail(buyer.Email) != t.BuyerEmail {
		return store.Transfer{}, reject(ErrBuyerMismatch, "this transfer is addressed to a different buyer")
	}
	if buyer.ID == "" {
		return store.Transfer{}, reject(ErrValidation, "buyer identity is required")
	}
	addr, err := parseWallet("buyer wallet", wallet)
	if err != nil {
		return store.Transfer{}, err
	}
	now := s.now()
	if err := checkLive(t, now); err != nil {
		return store.Transfer{}, err
	}
	if t.Kind != store.KindHandshake || t.Status != store.StatusPending {
		return store.Transfer{}, reject(ErrInvalidState, "transfer %s is %s, not pending", t.Key, t.Status)
	}

	t.BuyerID = buyer.ID
	t.BuyerWallet = addr.Hex()
	t.BuyerSignature = signature
	t.BuyerSignedAt = &now
	t.Status = store.StatusBuyerAccepted
	t.UpdatedAt = now
	if err := s.update(ctx, t, store.StatusPending); err != nil {
		return store.Transfer{}, err
	}
	s.log.InfoContext(ctx, "transfer accepted", "transfer", t.Key, "buyer", buyer.ID)
	return t, nil
}

// Confirm records the seller's confirmation and settles the transfer. A
// record left in both_signed by a failed settlement is settled again.
func (s *Service) Confirm(ctx context.Context, seller Actor, key, wallet, signature string) (res Settlement, err error) {
	defer func() { s.record("confirm", err) }()

	t, err := s.load(ctx, key)
	if err != nil {
		return Settlement{}, err
	}
	if seller.ID == "" || seller.ID != t.SellerID {
		return Settlement{}, reject(ErrNotSeller, "only the seller can confirm this transfer")
	}
	if t.Status == store.StatusCompleted {
		return Settlement{}, reject(ErrAlreadySettled, "transfer %s is already completed", t.Key)
	}
	now := s.now()
	if err := checkLive(t, now); err != nil {
		if t.Status != store.StatusBothSigned {
			return Settlement{}, err
		}
		moved, lerr := s.reachedBuyer(ctx, t)
		if lerr != nil {
			return Settlement{}, lerr
		}
		if !moved {
			return Settlement{}, err
		}
		s.log.InfoContext(ctx, "reconciling overdue settlement", "transfer", t.Key)
	}
	if t.Kind != store.KindHandshake {
		return Settlement{}, reject(ErrInvalidState, "transfer %s is a signature transfer", t.Key)
	}

	switch t.Status {
	case store.StatusBuyerAccepted:
		if strings.TrimSpace(wallet) != "" {
			addr, err := parseWallet("seller wallet", wallet)
			if err != nil {
				return Settlement{}, err
			}
			t.SellerWallet = addr.Hex()
		}
		t.SellerSignature = signature
		t.SellerSignedAt = &now
		t.Status = store.StatusBothSigned
		t.UpdatedAt = now
		if err := s.update(ctx, t, store.StatusBuyerAccepted); err != nil {
			return Settlement{}, err
		}
	case store.StatusBothSigned:
		s.log.InfoContext(ctx, "retrying settlement", "transfer", t.Key)
	default:
		return Settlement{}, reject(ErrInvalidState, "transfer %s is %s, not accepted by the buyer", t.Key, t.Status)
	}

	return s.settle(ctx, t)
}

// Cancel withdraws a transfer that has not reached settlement. A both_signed
// record can only be cancelled once its deadline has passed and the ledger
// shows the token never reached the buyer.
func (s *Service) Cancel(ctx context.Context, seller Actor, key, reason string) (t store.Transfer, err error) {
	defer func() { s.record("cancel", err) }()

	t, err = s.load(ctx, key)
	if err != nil {
		return store.Transfer{}, err
	}
	if seller.ID == "" || seller.ID != t.SellerID {
		return store.Transfer{}, reject(ErrNotSeller, "only the seller can cancel this transfer")
	}
	now := s.now()
	if t.Status == store.StatusBothSigned && t.Expired(now) {
		moved, err := s.reachedBuyer(ctx, t)
		if err != nil {
			return store.Transfer{}, err
		}
		if moved {
			return store.Transfer{}, reject(ErrInvalidState, "property %d already reached the buyer on the ledger; confirm to complete transfer %s", t.PropertyID, t.Key)
		}
		s.log.WarnContext(ctx, "cancelling stalled settlement", "transfer", t.Key, "property", t.PropertyID, "pending_tx", t.PendingTxHash)
	} else if err := checkLive(t, now); err != nil {
		return store.Transfer{}, err
	}
	switch t.Status {
	case store.StatusPending, store.StatusBuyerAccepted, store.StatusSignatureGenerated:
	case store.StatusBothSigned:
		if !t.Expired(now) {
			return store.Transfer{}, reject(ErrInvalidState, "transfer %s is settling and cannot be cancelled", t.Key)
		}
	case store.StatusCompleted:
		return store.Transfer{}, reject(ErrAlreadySettled, "transfer %s is already completed", t.Key)
	default:
		return store.Transfer{}, reject(ErrInvalidState, "transfer %s is %s and cannot be cancelled", t.Key, t.Status)
	}

	prev := t.Status
	t.Status = store.StatusCancelled
	t.CancelReason = strings.TrimSpace(reason)
	t.UpdatedAt = now
	if err := s.update(ctx, t, prev); err != nil {
		return store.Transfer{}, err
	}
	s.log.InfoContext(ctx, "transfer cancelled", "transfer", t.Key, "from", prev)
	return t, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
