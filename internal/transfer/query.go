package transfer

import (
	"context"

	"github.com/pkg/errors"

	"github.com/landchain/registry/internal/store"
)

// Details is a transfer record with the asset it moves.
type Details struct {
	Transfer store.Transfer
	Asset    store.Asset
	URL      string
}

// Get returns the live or finished transfer behind key. Expired records
// are reported as ErrExpired.
func (s *Service) Get(ctx context.Context, key string) (Details, error) {
	t, err := s.load(ctx, key)
	if err != nil {
		return Details{}, err
	}
	if err := checkLive(t, s.now()); err != nil {
		return Details{}, err
	}
	asset, err := s.store.GetAsset(ctx, t.PropertyID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Details{}, errors.Wrap(err, "load asset")
	}
	return Details{Transfer: t, Asset: asset, URL: s.transferURL(t)}, nil
}

// PendingForSeller returns the seller's transfers that await
// confirmation, newest first.
func (s *Service) PendingForSeller(ctx context.Context, sellerID string) ([]store.Transfer, error) {
	if sellerID == "" {
		return nil, reject(ErrValidation, "seller identity is required")
	}
	all, err := s.store.ListTransfersBySeller(ctx, sellerID, store.StatusBuyerAccepted)
	if err != nil {
		return nil, errors.Wrap(err, "list pending confirmations")
	}
	now := s.now()
	pending := all[:0]
	for _, t := range all {
		if !t.Expired(now) {
			pending = append(pending, t)
		}
	}
	return pending, nil
}
