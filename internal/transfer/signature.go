package transfer

import (
	"context"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/landchain/registry/internal/custody"
	"github.com/landchain/registry/internal/store"
)

// SignatureRequest pre-authorizes a transfer to a known buyer wallet.
type SignatureRequest struct {
	PropertyID  uint64
	BuyerEmail  string
	BuyerWallet string
	Price       decimal.NullDecimal
	Currency    string
}

// GenerateSignature has the current on-ledger holder sign an authorization
// moving the property to the buyer's wallet and stores it for the buyer
// to execute. Under custody the holder is the custodian, so generation is
// refused when the custodian does not hold the token.
func (s *Service) GenerateSignature(ctx context.Context, seller Actor, req SignatureRequest) (h Handoff, err error) {
	defer func() { s.record("generate_signature", err) }()

	buyerEmail := normalizeEmail(req.BuyerEmail)
	if !validEmail(buyerEmail) {
		return Handoff{}, reject(ErrValidation, "buyer email %q is not valid", req.BuyerEmail)
	}
	if buyerEmail == normalizeEmail(seller.Email) {
		return Handoff{}, reject(ErrValidation, "cannot transfer a property to its owner")
	}
	to, err := parseWallet("buyer wallet", req.BuyerWallet)
	if err != nil {
		return Handoff{}, err
	}
	if err := validPrice(req.Price); err != nil {
		return Handoff{}, err
	}
	asset, err := s.sellable(ctx, seller, req.PropertyID)
	if err != nil {
		return Handoff{}, err
	}

	if err := s.custody.RequireCustody(ctx, req.PropertyID); err != nil {
		var gap *custody.RequiresManualTransferError
		var mismatch *custody.CustodyMismatchError
		switch {
		case errors.As(err, &gap):
			return Handoff{}, &Error{Kind: KindCustodyGap, Code: ErrCustodyGap.Code, Reason: gap.Error(), Err: err}
		case errors.As(err, &mismatch):
			return Handoff{}, &Error{Kind: KindLedgerPermanent, Code: ErrLedgerRejected.Code, Reason: mismatch.Error(), Err: err}
		}
		return Handoff{}, fromLedger(err, "read token holder")
	}

	key, err := newKey()
	if err != nil {
		return Handoff{}, err
	}
	now := s.now()
	deadline := now.Add(s.opts.SignatureTTL).Truncate(time.Second)
	st, err := s.ledger.SignTransfer(ctx, req.PropertyID, to, deadline)
	if err != nil {
		return Handoff{}, fromLedger(err, "sign transfer authorization")
	}

	t := store.Transfer{
		Key:          key,
		Kind:         store.KindSignature,
		PropertyID:   req.PropertyID,
		SellerID:     seller.ID,
		SellerEmail:  firstNonEmpty(normalizeEmail(seller.Email), asset.OwnerEmail),
		SellerWallet: seller.Wallet,
		BuyerEmail:   buyerEmail,
		BuyerWallet:  to.Hex(),
		Price:        req.Price,
		Currency:     firstNonEmpty(strings.ToUpper(strings.TrimSpace(req.Currency)), s.opts.Currency),
		Status:       store.StatusSignatureGenerated,
		Auth: &store.Authorization{
			Holder:    st.Auth.From.Hex(),
			Signature: hexutil.Encode(st.Signature),
			Hash:      st.Auth.Digest().Hex(),
			Nonce:     st.Auth.Nonce,
			Deadline:  deadline,
			Domain:    st.Auth.Domain.Hex(),
		},
		ExpiresAt: deadline,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.create(ctx, t); err != nil {
		return Handoff{}, err
	}
	s.log.InfoContext(ctx, "transfer authorization signed", "transfer", key, "property", t.PropertyID,
		"holder", t.Auth.Holder, "nonce", t.Auth.Nonce)
	return Handoff{Transfer: t, URL: s.transferURL(t)}, nil
}

// ExecuteSignature submits the stored authorization on the buyer's behalf
// and completes the transfer.
func (s *Service) ExecuteSignature(ctx context.Context, buyer Actor, key string) (res Settlement, err error) {
	defer func() { s.record("execute_signature", err) }()

	t, err := s.load(ctx, key)
	if err != nil {
		return Settlement{}, err
	}
	if t.Kind != store.KindSignature {
		return Settlement{}, reject(ErrInvalidState, "transfer %s is not a signature transfer", t.Key)
	}
	if normalizeEmail(buyer.Email) != t.BuyerEmail {
		return Settlement{}, reject(ErrBuyerMismatch, "this transfer is addressed to a different buyer")
	}
	if buyer.ID == "" {
		return Settlement{}, reject(ErrValidation, "buyer identity is required")
	}
	if t.Status == store.StatusCompleted {
		return Settlement{}, reject(ErrAlreadySettled, "transfer %s is already completed", t.Key)
	}
	if err := checkLive(t, s.now()); err != nil {
		return Settlement{}, err
	}
	if t.Status != store.StatusSignatureGenerated {
		return Settlement{}, reject(ErrInvalidState, "transfer %s is %s", t.Key, t.Status)
	}

	t.BuyerID = buyer.ID
	return s.settle(ctx, t)
}
