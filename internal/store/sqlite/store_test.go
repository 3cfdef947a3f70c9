package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/landchain/registry/internal/store"
)

var t0 = time.Date(2026, time.March, 3, 10, 0, 0, 0, time.UTC)

func openTempStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTransfer(key string, propertyID uint64) store.Transfer {
	return store.Transfer{
		Key:          key,
		Kind:         store.KindHandshake,
		PropertyID:   propertyID,
		SellerID:     "seller-1",
		SellerEmail:  "s@x.com",
		SellerWallet: "0x00000000000000000000000000000000000000a1",
		BuyerEmail:   "b@x.com",
		Price:        decimal.NewNullDecimal(decimal.NewFromInt(1000000)),
		Currency:     "INR",
		Status:       store.StatusPending,
		ExpiresAt:    t0.Add(7 * 24 * time.Hour),
		CreatedAt:    t0,
	}
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(context.Background(), " ")
	require.Error(t, err)
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.db")
	s, err := Open(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestTransferRoundTrip(t *testing.T) {
	s := openTempStore(t)
	ctx := context.Background()

	in := newTransfer("k1", 42)
	require.NoError(t, s.CreateTransfer(ctx, in))

	got, err := s.GetTransfer(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), got.PropertyID)
	assert.Equal(t, store.StatusPending, got.Status)
	assert.True(t, got.Price.Valid)
	assert.True(t, got.Price.Decimal.Equal(decimal.NewFromInt(1000000)))
	assert.Equal(t, in.ExpiresAt, got.ExpiresAt)
	assert.Nil(t, got.Receipt)
	assert.Nil(t, got.Auth)
	assert.Nil(t, got.CompletedAt)

	_, err = s.GetTransfer(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateTransferRejectsSecondActive(t *testing.T) {
	s := openTempStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateTransfer(ctx, newTransfer("k1", 42)))
	err := s.CreateTransfer(ctx, newTransfer("k2", 42))
	assert.ErrorIs(t, err, store.ErrActiveTransfer)

	require.NoError(t, s.CreateTransfer(ctx, newTransfer("k3", 43)), "other properties are unaffected")
}

func TestCreateTransferSupersedesStaleRecord(t *testing.T) {
	s := openTempStore(t)
	ctx := context.Background()

	stale := newTransfer("k1", 42)
	stale.ExpiresAt = t0.Add(time.Hour)
	require.NoError(t, s.CreateTransfer(ctx, stale))

	next := newTransfer("k2", 42)
	next.CreatedAt = t0.Add(2 * time.Hour)
	require.NoError(t, s.CreateTransfer(ctx, next))

	got, err := s.GetTransfer(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusExpired, got.Status)
}

func TestCreateTransferKeepsStalledSettlement(t *testing.T) {
	s := openTempStore(t)
	ctx := context.Background()

	rec := newTransfer("k1", 42)
	rec.ExpiresAt = t0.Add(time.Hour)
	require.NoError(t, s.CreateTransfer(ctx, rec))
	rec.Status = store.StatusBothSigned
	require.NoError(t, s.UpdateTransfer(ctx, rec, store.StatusPending))

	next := newTransfer("k2", 42)
	next.CreatedAt = t0.Add(2 * time.Hour)
	assert.ErrorIs(t, s.CreateTransfer(ctx, next), store.ErrActiveTransfer)
}

func TestUpdateTransferCompareAndSet(t *testing.T) {
	s := openTempStore(t)
	ctx := context.Background()

	rec := newTransfer("k1", 42)
	require.NoError(t, s.CreateTransfer(ctx, rec))

	signed := t0.Add(time.Minute)
	rec.Status = store.StatusBuyerAccepted
	rec.BuyerID = "buyer-1"
	rec.BuyerWallet = "0x000000000000000000000000000000000000BEEF"
	rec.BuyerSignedAt = &signed
	require.NoError(t, s.UpdateTransfer(ctx, rec, store.StatusPending))

	// The second writer still expects pending.
	err := s.UpdateTransfer(ctx, rec, store.StatusPending)
	assert.ErrorIs(t, err, store.ErrConflict)

	rec.Key = "missing"
	assert.ErrorIs(t, s.UpdateTransfer(ctx, rec, store.StatusPending), store.ErrNotFound)

	got, err := s.GetTransfer(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "buyer-1", got.BuyerID)
	require.NotNil(t, got.BuyerSignedAt)
	assert.Equal(t, signed, *got.BuyerSignedAt)
}

func TestUpdateTransferConcurrentWritersOneWins(t *testing.T) {
	s := openTempStore(t)
	ctx := context.Background()

	rec := newTransfer("k1", 42)
	require.NoError(t, s.CreateTransfer(ctx, rec))

	const writers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next := rec
			next.Status = store.StatusBuyerAccepted
			if err := s.UpdateTransfer(ctx, next, store.StatusPending); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestCompletedTransferKeepsReceiptAndAuthorization(t *testing.T) {
	s := openTempStore(t)
	ctx := context.Background()

	rec := newTransfer("k1", 7)
	rec.Kind = store.KindSignature
	rec.Status = store.StatusSignatureGenerated
	rec.Auth = &store.Authorization{
		Holder:    "0x00000000000000000000000000000000000000c0",
		Signature: "0xdeadbeef",
		Hash:      "0xfeed",
		Nonce:     3,
		Deadline:  t0.Add(24 * time.Hour),
		Domain:    "0x5FbDB2315678afecb367f032d93F642f64180aa3",
	}
	require.NoError(t, s.CreateTransfer(ctx, rec))

	done := t0.Add(time.Hour)
	rec.Status = store.StatusCompleted
	rec.Receipt = &store.Receipt{TxHash: "0xabc", BlockNumber: 12, TransferHash: "0xdef"}
	rec.SignatureHash = "0xfeed"
	rec.BlockchainTransferSuccess = true
	rec.CompletedAt = &done
	require.NoError(t, s.UpdateTransfer(ctx, rec, store.StatusSignatureGenerated))

	got, err := s.GetTransfer(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, got.Auth)
	assert.Equal(t, uint64(3), got.Auth.Nonce)
	assert.Equal(t, rec.Auth.Deadline, got.Auth.Deadline)
	assert.Equal(t, rec.Auth.Domain, got.Auth.Domain)
	assert.Equal(t, rec.Receipt, got.Receipt)
	assert.True(t, got.BlockchainTransferSuccess)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, done, *got.CompletedAt)

	// Completed records no longer hold the property.
	next := newTransfer("k2", 7)
	require.NoError(t, s.CreateTransfer(ctx, next))
}

func TestPendingTxHashSurvivesUntilCompletion(t *testing.T) {
	s := openTempStore(t)
	ctx := context.Background()

	rec := newTransfer("k1", 9)
	require.NoError(t, s.CreateTransfer(ctx, rec))
	rec.Status = store.StatusBothSigned
	rec.PendingTxHash = "0x7f0c"
	require.NoError(t, s.UpdateTransfer(ctx, rec, store.StatusPending))

	got, err := s.GetTransfer(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "0x7f0c", got.PendingTxHash)

	got.Status = store.StatusCompleted
	got.PendingTxHash = ""
	require.NoError(t, s.UpdateTransfer(ctx, got, store.StatusBothSigned))

	got, err = s.GetTransfer(ctx, "k1")
	require.NoError(t, err)
	assert.Empty(t, got.PendingTxHash)
}

func TestExpireOverdueAndReap(t *testing.T) {
	s := openTempStore(t)
	ctx := context.Background()

	short := newTransfer("k1", 1)
	short.ExpiresAt = t0.Add(time.Hour)
	require.NoError(t, s.CreateTransfer(ctx, short))

	stalled := newTransfer("k2", 2)
	stalled.ExpiresAt = t0.Add(time.Hour)
	require.NoError(t, s.CreateTransfer(ctx, stalled))
	stalled.Status = store.StatusBothSigned
	require.NoError(t, s.UpdateTransfer(ctx, stalled, store.StatusPending))

	live := newTransfer("k3", 3)
	require.NoError(t, s.CreateTransfer(ctx, live))

	now := t0.Add(2 * time.Hour)
	n, err := s.ExpireTransfers(ctx, now, store.StatusPending, store.StatusBuyerAccepted, store.StatusSignatureGenerated)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// A second sweep is a no-op.
	n, err = s.ExpireTransfers(ctx, now, store.StatusPending)
	require.NoError(t, err)
	assert.Zero(t, n)

	overdue, err := s.ListOverdue(ctx, now, store.StatusBothSigned)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, "k2", overdue[0].Key)

	reaped, err := s.ReapTransfers(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), reaped)

	_, err = s.GetTransfer(ctx, "k1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetTransfer(ctx, "k3")
	assert.NoError(t, err)
}

func TestListTransfersBySeller(t *testing.T) {
	s := openTempStore(t)
	ctx := context.Background()

	for i, key := range []string{"a", "b", "c"} {
		rec := newTransfer(key, uint64(10+i))
		rec.CreatedAt = t0.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.CreateTransfer(ctx, rec))
		if key != "b" {
			rec.Status = store.StatusBuyerAccepted
			require.NoError(t, s.UpdateTransfer(ctx, rec, store.StatusPending))
		}
	}

	got, err := s.ListTransfersBySeller(ctx, "seller-1", store.StatusBuyerAccepted)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].Key)
	assert.Equal(t, "a", got[1].Key)
}

func newAsset(tokenID uint64) store.Asset {
	return store.Asset{
		TokenID:     tokenID,
		OwnerID:     "seller-1",
		OwnerEmail:  "s@x.com",
		DocPointer:  "QmParcelDeed",
		LatitudeE6:  28613939,
		LongitudeE6: 77209023,
		AreaSqM:     1200,
		Status:      store.AssetVerified,
		MintTxHash:  "0xmint",
		MintBlock:   5,
	}
}

func TestAssetDuplicateGuard(t *testing.T) {
	s := openTempStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateAsset(ctx, newAsset(42)))
	assert.ErrorIs(t, s.CreateAsset(ctx, newAsset(43)), store.ErrAlreadyExists)

	got, err := s.FindAsset(ctx, "QmParcelDeed", 28613939, 77209023)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), got.TokenID)

	require.NoError(t, s.SetAssetStatus(ctx, 42, store.AssetRejected))
	got, err = s.GetAsset(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, store.AssetRejected, got.Status)

	assert.ErrorIs(t, s.SetAssetStatus(ctx, 99, store.AssetVerified), store.ErrNotFound)
}

func TestApplyOwnershipChange(t *testing.T) {
	s := openTempStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateAsset(ctx, newAsset(42)))

	buyer := store.User{ID: "buyer-1", Email: "b@x.com", Name: "Bea", Wallet: "0x000000000000000000000000000000000000BEEF"}
	change := store.OwnershipChange{
		TokenID:    42,
		FromUserID: "seller-1",
		To:         buyer,
		Entry: store.HistoryEntry{
			TransferKey:        "k1",
			FromUserID:         "seller-1",
			FromEmail:          "s@x.com",
			ToUserID:           buyer.ID,
			ToEmail:            buyer.Email,
			ToWallet:           buyer.Wallet,
			TransferredAt:      t0,
			Receipt:            &store.Receipt{TxHash: "0xabc", BlockNumber: 9, TransferHash: "0xdef"},
			Price:              decimal.NewNullDecimal(decimal.NewFromInt(1000000)),
			BlockchainTransfer: true,
		},
	}

	applied, err := s.ApplyOwnershipChange(ctx, change)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = s.ApplyOwnershipChange(ctx, change)
	require.NoError(t, err)
	assert.False(t, applied, "same transfer key is applied once")

	a, err := s.GetAsset(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "buyer-1", a.OwnerID)
	assert.Equal(t, buyer.Wallet, a.OwnerWallet)
	require.NotNil(t, a.LastReceipt)
	assert.Equal(t, "0xabc", a.LastReceipt.TxHash)

	history, err := s.AssetHistory(ctx, 42)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.NotEmpty(t, history[0].ID)
	assert.True(t, history[0].BlockchainTransfer)
	assert.True(t, history[0].Price.Decimal.Equal(decimal.NewFromInt(1000000)))
}

func TestApplyOwnershipChangeDatabaseOnlyKeepsReceipt(t *testing.T) {
	s := openTempStore(t)
	ctx := context.Background()

	a := newAsset(42)
	a.LastReceipt = &store.Receipt{TxHash: "0xold", BlockNumber: 3, TransferHash: "0xoldhash"}
	require.NoError(t, s.CreateAsset(ctx, a))

	applied, err := s.ApplyOwnershipChange(ctx, store.OwnershipChange{
		TokenID:    42,
		FromUserID: "seller-1",
		To:         store.User{ID: "buyer-1", Email: "b@x.com"},
		Entry:      store.HistoryEntry{TransferKey: "k1", ToUserID: "buyer-1"},
	})
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := s.GetAsset(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "buyer-1", got.OwnerID)
	assert.Equal(t, a.LastReceipt, got.LastReceipt)

	history, err := s.AssetHistory(ctx, 42)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Nil(t, history[0].Receipt)
	assert.False(t, history[0].BlockchainTransfer)
}

func TestApplyOwnershipChangeRejectsStaleOwner(t *testing.T) {
	s := openTempStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateAsset(ctx, newAsset(42)))

	_, err := s.ApplyOwnershipChange(ctx, store.OwnershipChange{
		TokenID:    42,
		FromUserID: "someone-else",
		To:         store.User{ID: "buyer-1", Email: "b@x.com"},
		Entry:      store.HistoryEntry{TransferKey: "k1"},
	})
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestUsers(t *testing.T) {
	s := openTempStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutUser(ctx, store.User{ID: "u1", Email: " B@X.com ", Name: "Bea"}))
	got, err := s.GetUserByEmail(ctx, "b@x.com")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.ID)

	require.NoError(t, s.PutUser(ctx, store.User{ID: "u1", Email: "b@x.com", Wallet: "0xbeef"}))
	got, err = s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "0xbeef", got.Wallet)

	assert.ErrorIs(t, s.PutUser(ctx, store.User{ID: "u2", Email: "b@x.com"}), store.ErrAlreadyExists)

	_, err = s.GetUser(ctx, "nobody")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
