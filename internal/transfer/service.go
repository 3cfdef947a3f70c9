// Package transfer implements the ownership transfer workflow: the
// buyer-accept/seller-confirm handshake, the signed authorization path,
// settlement against the ledger, and the expiry sweep.
package transfer

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/landchain/registry/internal/custody"
	"github.com/landchain/registry/internal/ledger"
	"github.com/landchain/registry/internal/store"
)

const (
	DefaultCurrency     = "INR"
	DefaultTransferTTL  = 7 * 24 * time.Hour
	DefaultSignatureTTL = 24 * time.Hour

	keyBytes = 32
)

// Store is the persistence the workflow needs.
type Store interface {
	store.TransferStore
	store.AssetStore
	store.UserStore
}

// Ledger is the part of the ledger gateway the workflow needs beyond the
// custody policy.
type Ledger interface {
	CurrentOwner(ctx context.Context, tokenID uint64) (common.Address, error)
	SignTransfer(ctx context.Context, tokenID uint64, to common.Address, deadline time.Time) (ledger.SignedTransfer, error)
	TransferWithSignature(ctx context.Context, st ledger.SignedTransfer) (ledger.TransferResult, error)
	TransferReceipt(ctx context.Context, hash common.Hash) (ledger.TransferResult, error)
}

// Metrics receives workflow counters.
type Metrics interface {
	Action(action, result string)
	Settled(outcome string)
	Expired(n int64)
	Reaped(n int64)
	Stalled(n int)
}

// Actor is an authenticated caller as resolved by the identity provider.
type Actor struct {
	ID     string
	Email  string
	Wallet string
}

type Options struct {
	// FrontendURL is the base of the shareable transfer links.
	FrontendURL  string
	Currency     string
	TransferTTL  time.Duration
	SignatureTTL time.Duration
	// ReapAfter is how long terminal records are kept. Zero keeps them.
	ReapAfter time.Duration
	Now       func() time.Time
	Logger    *slog.Logger
	Metrics   Metrics
}

// Service runs transfer workflow actions. It is safe for concurrent use;
// conflicting actions on one record are resolved by compare-and-set on
// the record status.
type Service struct {
	store   Store
	ledger  Ledger
	custody *custody.Policy
	opts    Options
	log     *slog.Logger
}

// Handoff is a created transfer together with its shareable link.
type Handoff struct {
	Transfer store.Transfer
	URL      string
}

func NewService(st Store, l Ledger, p *custody.Policy, opts Options) *Service {
	if opts.Currency == "" {
		opts.Currency = DefaultCurrency
	}
	if opts.TransferTTL <= 0 {
		opts.TransferTTL = DefaultTransferTTL
	}
	if opts.SignatureTTL <= 0 {
		opts.SignatureTTL = DefaultSignatureTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.FrontendURL = strings.TrimRight(opts.FrontendURL, "/")
	return &Service{
		store:   st,
		ledger:  l,
		custody: p,
		opts:    opts,
		log:     opts.Logger.With("component", "transfer"),
	}
}

func (s *Service) now() time.Time { return s.opts.Now().UTC() }

func (s *Service) record(action string, err error) {
	if s.opts.Metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = string(KindOf(err))
	}
	s.opts.Metrics.Action(action, result)
}

func (s *Service) transferURL(t store.Transfer) string {
	if t.Kind == store.KindSignature {
		return s.opts.FrontendURL + "/signature-transfer/" + t.Key
	}
	return s.opts.FrontendURL + "/transfer/" + t.Key
}

// newKey returns a 256 bit random transfer key, hex encoded.
func newKey() (string, error) {
	b := make([]byte, keyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Wrap(err, "generate transfer key")
	}
	return hex.EncodeToString(b), nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validEmail(email string) bool {
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Address == email
}

func parseWallet(field, wallet string) (common.Address, error) {
	wallet = strings.TrimSpace(wallet)
	if !common.IsHexAddress(wallet) {
		return common.Address{}, reject(ErrValidation, "%s %q is not a valid address", field, wallet)
	}
	addr := common.HexToAddress(wallet)
	if addr == (common.Address{}) {
		return common.Address{}, reject(ErrValidation, "%s cannot be the zero address", field)
	}
	return addr, nil
}

func validPrice(p decimal.NullDecimal) error {
	if p.Valid && !p.Decimal.IsPositive() {
		return reject(ErrValidation, "price must be positive")
	}
	return nil
}

// load fetches a record by key.
func (s *Service) load(ctx context.Context, key string) (store.Transfer, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return store.Transfer{}, reject(ErrValidation, "transfer key is required")
	}
	t, err := s.store.GetTransfer(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return store.Transfer{}, reject(ErrNotFound, "invalid or expired transfer key")
	}
	if err != nil {
		return store.Transfer{}, errors.Wrap(err, "load transfer")
	}
	return t, nil
}

// checkLive rejects records that are expired, whether or not the sweep
// has marked them yet.
func checkLive(t store.Transfer, now time.Time) error {
	if t.Status == store.StatusExpired || (t.Status.Active() && t.Expired(now)) {
		return reject(ErrExpired, "transfer %s expired at %s", t.Key, t.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

// update writes t if its stored status is still expect. A lost race is an
// invalid state for the caller.
func (s *Service) update(ctx context.Context, t store.Transfer, expect store.Status) error {
	err := s.store.UpdateTransfer(ctx, t, expect)
	switch {
	case errors.Is(err, store.ErrConflict):
		return reject(ErrInvalidState, "transfer %s is no longer %s", t.Key, expect)
	case errors.Is(err, store.ErrNotFound):
		return reject(ErrNotFound, "invalid or expired transfer key")
	case err != nil:
		return errors.Wrap(err, "update transfer")
	}
	return nil
}

// sellable checks that seller may start a transfer of tokenID and returns
// the asset.
func (s *Service) sellable(ctx context.Context, seller Actor, tokenID uint64) (store.Asset, error) {
	if seller.ID == "" {
		return store.Asset{}, reject(ErrValidation, "seller identity is required")
	}
	asset, err := s.store.GetAsset(ctx, tokenID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Asset{}, reject(ErrNotFound, "property %d not found", tokenID)
	}
	if err != nil {
		return store.Asset{}, errors.Wrap(err, "load asset")
	}
	if asset.OwnerID != seller.ID {
		return store.Asset{}, reject(ErrNotOwner, "only the owner can transfer property %d", tokenID)
	}
	if asset.Status != store.AssetVerified {
		return store.Asset{}, reject(ErrAssetNotVerified, "property %d is %s, not verified", tokenID, asset.Status)
	}
	return asset, nil
}

// create persists a new record, mapping a live record of the same
// property to ErrActiveTransfer.
func (s *Service) create(ctx context.Context, t store.Transfer) error {
	err := s.store.CreateTransfer(ctx, t)
	if errors.Is(err, store.ErrActiveTransfer) {
		return reject(ErrActiveTransfer, "property %d already has an active transfer", t.PropertyID)
	}
	return errors.Wrap(err, "create transfer")
}
