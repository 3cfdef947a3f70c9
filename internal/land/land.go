// Package land registers land parcels: it mints each parcel to the
// custodian on the ledger and keeps the off-chain asset record and its
// verification status.
package land

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/landchain/registry/internal/ledger"
	"github.com/landchain/registry/internal/store"
)

// coordinateScale is the number of decimal places kept on-ledger.
const coordinateScale = 6

var (
	ErrInvalidParcel = errors.New("invalid parcel")
	ErrDuplicate     = errors.New("land already registered")
	ErrNotFound      = errors.New("land not found")
	ErrInvalidStatus = errors.New("invalid verification status change")
)

// Ledger is the part of the ledger gateway registration needs.
type Ledger interface {
	LandExists(ctx context.Context, p ledger.Parcel) (bool, error)
	Mint(ctx context.Context, to common.Address, p ledger.Parcel) (ledger.MintResult, error)
}

// Custody names the identity new parcels are minted to.
type Custody interface {
	MintRecipient() common.Address
}

// Request describes a parcel to register. Coordinates are in degrees.
type Request struct {
	DocPointer string
	Latitude   float64
	Longitude  float64
	AreaSqM    uint64
}

// Parcel converts r to its on-ledger form.
func (r Request) Parcel() (ledger.Parcel, error) {
	doc := strings.TrimSpace(r.DocPointer)
	switch {
	case doc == "":
		return ledger.Parcel{}, errors.Wrap(ErrInvalidParcel, "document pointer is required")
	case r.Latitude < -90 || r.Latitude > 90:
		return ledger.Parcel{}, errors.Wrapf(ErrInvalidParcel, "latitude %v out of range", r.Latitude)
	case r.Longitude < -180 || r.Longitude > 180:
		return ledger.Parcel{}, errors.Wrapf(ErrInvalidParcel, "longitude %v out of range", r.Longitude)
	case r.AreaSqM == 0:
		return ledger.Parcel{}, errors.Wrap(ErrInvalidParcel, "area must be positive")
	}
	return ledger.Parcel{
		DocPointer: doc,
		Latitude:   scaleCoordinate(r.Latitude),
		Longitude:  scaleCoordinate(r.Longitude),
		Area:       r.AreaSqM,
	}, nil
}

func scaleCoordinate(deg float64) int64 {
	return decimal.NewFromFloat(deg).Shift(coordinateScale).Round(0).IntPart()
}

// Service registers parcels and moves their verification status.
type Service struct {
	store   store.AssetStore
	ledger  Ledger
	custody Custody
	log     *slog.Logger
	now     func() time.Time
}

func NewService(st store.AssetStore, l Ledger, c Custody, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: st, ledger: l, custody: c, log: log.With("component", "land"), now: time.Now}
}

// Register mints the parcel to the custodian and records owner as its
// off-chain owner, pending verification.
func (s *Service) Register(ctx context.Context, owner store.User, req Request) (store.Asset, error) {
	if strings.TrimSpace(owner.ID) == "" {
		return store.Asset{}, errors.New("owner identity is required")
	}
	p, err := req.Parcel()
	if err != nil {
		return store.Asset{}, err
	}

	_, err = s.store.FindAsset(ctx, p.DocPointer, p.Latitude, p.Longitude)
	if err == nil {
		return store.Asset{}, errors.Wrapf(ErrDuplicate, "document %s at (%d, %d)", p.DocPointer, p.Latitude, p.Longitude)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.Asset{}, errors.Wrap(err, "check existing asset")
	}
	exists, err := s.ledger.LandExists(ctx, p)
	if err != nil {
		return store.Asset{}, errors.Wrap(err, "check ledger for parcel")
	}
	if exists {
		return store.Asset{}, errors.Wrapf(ErrDuplicate, "document %s is already on the ledger", p.DocPointer)
	}

	custodian := s.custody.MintRecipient()
	res, err := s.ledger.Mint(ctx, custodian, p)
	if errors.Is(err, ledger.ErrDuplicateAsset) {
		return store.Asset{}, errors.Wrapf(ErrDuplicate, "document %s is already on the ledger", p.DocPointer)
	}
	if err != nil {
		return store.Asset{}, errors.Wrap(err, "mint parcel")
	}

	now := s.now().UTC()
	a := store.Asset{
		TokenID:      res.TokenID,
		OwnerID:      owner.ID,
		OwnerEmail:   owner.Email,
		OwnerName:    owner.Name,
		OwnerWallet:  owner.Wallet,
		DocPointer:   p.DocPointer,
		LatitudeE6:   p.Latitude,
		LongitudeE6:  p.Longitude,
		AreaSqM:      p.Area,
		Status:       store.AssetPending,
		MintTxHash:   res.TxHash.Hex(),
		MintBlock:    res.BlockNumber,
		RegisteredAt: now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateAsset(ctx, a); err != nil {
		// The token exists on the ledger without an off-chain record.
		s.log.ErrorContext(ctx, "minted parcel not recorded", "token", res.TokenID, "tx", res.TxHash.Hex(), "error", err)
		if errors.Is(err, store.ErrAlreadyExists) {
			return store.Asset{}, errors.Wrapf(ErrDuplicate, "token %d", res.TokenID)
		}
		return store.Asset{}, errors.Wrap(err, "record asset")
	}
	s.log.InfoContext(ctx, "parcel registered", "token", res.TokenID, "owner", owner.ID,
		"custodian", custodian.Hex(), "tx", res.TxHash.Hex())
	return a, nil
}

// Verify marks a pending asset verified.
func (s *Service) Verify(ctx context.Context, tokenID uint64) (store.Asset, error) {
	return s.setStatus(ctx, tokenID, store.AssetVerified)
}

// Reject marks a pending asset rejected.
func (s *Service) Reject(ctx context.Context, tokenID uint64) (store.Asset, error) {
	return s.setStatus(ctx, tokenID, store.AssetRejected)
}

func (s *Service) setStatus(ctx context.Context, tokenID uint64, status store.AssetStatus) (store.Asset, error) {
	a, err := s.store.GetAsset(ctx, tokenID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Asset{}, errors.Wrapf(ErrNotFound, "token %d", tokenID)
	}
	if err != nil {
		return store.Asset{}, errors.Wrap(err, "load asset")
	}
	if a.Status == status {
		return a, nil
	}
	if a.Status != store.AssetPending {
		return store.Asset{}, errors.Wrapf(ErrInvalidStatus, "token %d is %s", tokenID, a.Status)
	}
	if err := s.store.SetAssetStatus(ctx, tokenID, status); err != nil {
		return store.Asset{}, errors.Wrap(err, "set asset status")
	}
	s.log.InfoContext(ctx, "asset status changed", "token", tokenID, "status", status)
	a.Status = status
	return a, nil
}
