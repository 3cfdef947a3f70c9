package transfer

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/landchain/registry/internal/custody"
	"github.com/landchain/registry/internal/ledger"
	"github.com/landchain/registry/internal/logging"
	"github.com/landchain/registry/internal/store"
	"github.com/landchain/registry/internal/store/sqlite"
	"github.com/landchain/registry/internal/transferauth"
)

var (
	t0          = time.Date(2026, time.March, 3, 10, 0, 0, 0, time.UTC)
	buyerWallet = common.HexToAddress("0x000000000000000000000000000000000000bEEF")
	strayWallet = common.HexToAddress("0x0000000000000000000000000000000000000bAd")

	seller = Actor{ID: "seller-1", Email: "s@x.com", Wallet: "0x00000000000000000000000000000000000000a1"}
	buyer  = Actor{ID: "buyer-1", Email: "b@x.com"}
	price  = decimal.NewNullDecimal(decimal.NewFromInt(1000000))
)

// fakeLedger is a mocked ledger gateway with call counters.
type fakeLedger struct {
	mu sync.Mutex

	key       *ecdsa.PrivateKey
	custodian common.Address
	domain    common.Address
	owners    map[uint64]common.Address
	nonces    map[uint64]uint64
	receipts  map[common.Hash]ledger.TransferResult
	block     uint64

	transferErr error

	transfers    int
	sigTransfers int
	signs        int
}

func newFakeLedger() *fakeLedger {
	key, err := crypto.GenerateKey()
	if err != nil {
		panic(err)
	}
	return &fakeLedger{
		key:       key,
		custodian: crypto.PubkeyToAddress(key.PublicKey),
		domain:    common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"),
		owners:    map[uint64]common.Address{},
		nonces:    map[uint64]uint64{},
		receipts:  map[common.Hash]ledger.TransferResult{},
		block:     100,
	}
}

func (f *fakeLedger) Signer() common.Address { return f.custodian }

func (f *fakeLedger) CurrentOwner(_ context.Context, tokenID uint64) (common.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	owner, ok := f.owners[tokenID]
	if !ok {
		return common.Address{}, &ledger.Error{Code: ledger.CodeAssetNotFound}
	}
	return owner, nil
}

func (f *fakeLedger) receipt(tokenID uint64) ledger.TransferResult {
	f.block++
	return ledger.TransferResult{
		TxHash:       crypto.Keccak256Hash([]byte("tx"), new(big.Int).SetUint64(f.block).Bytes()),
		BlockNumber:  f.block,
		TransferHash: crypto.Keccak256Hash([]byte("transfer"), new(big.Int).SetUint64(tokenID).Bytes(), new(big.Int).SetUint64(f.block).Bytes()),
	}
}

func (f *fakeLedger) TransferDirect(_ context.Context, tokenID uint64, from, to common.Address) (ledger.TransferResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.owners[tokenID] == to {
		return ledger.TransferResult{AlreadyOwned: true}, nil
	}
	f.transfers++
	if f.transferErr != nil {
		return ledger.TransferResult{}, f.transferErr
	}
	if f.owners[tokenID] != from {
		return ledger.TransferResult{}, &ledger.Error{Code: ledger.CodeNotOwner}
	}
	f.owners[tokenID] = to
	return f.receipt(tokenID), nil
}

func (f *fakeLedger) SignTransfer(_ context.Context, tokenID uint64, to common.Address, deadline time.Time) (ledger.SignedTransfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signs++
	auth := transferauth.Authorization{
		Domain:   f.domain,
		TokenID:  tokenID,
		From:     f.custodian,
		To:       to,
		Nonce:    f.nonces[tokenID],
		Deadline: deadline.Unix(),
	}
	sig, err := transferauth.Sign(auth, f.key)
	if err != nil {
		return ledger.SignedTransfer{}, err
	}
	return ledger.SignedTransfer{Auth: auth, Signature: sig}, nil
}

func (f *fakeLedger) TransferWithSignature(_ context.Context, st ledger.SignedTransfer) (ledger.TransferResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sigHash := transferauth.SignatureHash(st.Signature)
	a := st.Auth
	if f.owners[a.TokenID] == a.To {
		return ledger.TransferResult{AlreadyOwned: true, SignatureHash: sigHash}, nil
	}
	f.sigTransfers++
	if f.transferErr != nil {
		return ledger.TransferResult{}, f.transferErr
	}
	if f.owners[a.TokenID] != a.From {
		return ledger.TransferResult{}, &ledger.Error{Code: ledger.CodeNotOwner}
	}
	if err := transferauth.Verify(a, st.Signature); err != nil || a.Nonce != f.nonces[a.TokenID] {
		return ledger.TransferResult{}, &ledger.Error{Code: ledger.CodeInvalidSignature}
	}
	f.nonces[a.TokenID]++
	f.owners[a.TokenID] = a.To
	res := f.receipt(a.TokenID)
	res.SignatureHash = sigHash
	return res, nil
}

func (f *fakeLedger) TransferReceipt(_ context.Context, hash common.Hash) (ledger.TransferResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res, ok := f.receipts[hash]
	if !ok {
		return ledger.TransferResult{}, &ledger.Error{Code: ledger.CodeConfirmationTimeout, TxHash: hash}
	}
	return res, nil
}

// mine records a confirmed transfer of tokenID to owner under hash.
func (f *fakeLedger) mine(hash common.Hash, tokenID uint64, owner common.Address) ledger.TransferResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.owners[tokenID] = owner
	res := f.receipt(tokenID)
	res.TxHash = hash
	f.receipts[hash] = res
	return res
}

func (f *fakeLedger) setOwner(tokenID uint64, owner common.Address) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.owners[tokenID] = owner
}

func (f *fakeLedger) counts() (transfers, sigTransfers int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transfers, f.sigTransfers
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingMetrics struct {
	mu      sync.Mutex
	actions map[string]int
	settled map[string]int
	expired int64
	reaped  int64
	stalled int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{actions: map[string]int{}, settled: map[string]int{}}
}

func (m *recordingMetrics) Action(action, result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions[action+"/"+result]++
}

func (m *recordingMetrics) Settled(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settled[outcome]++
}

func (m *recordingMetrics) Expired(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expired += n
}

func (m *recordingMetrics) Reaped(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reaped += n
}

func (m *recordingMetrics) Stalled(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stalled = n
}

type env struct {
	t       *testing.T
	ctx     context.Context
	svc     *Service
	store   *sqlite.Store
	ledger  *fakeLedger
	clock   *clock
	metrics *recordingMetrics
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	fl := newFakeLedger()
	clk := &clock{now: t0}
	m := newRecordingMetrics()
	log := logging.Discard()
	svc := NewService(st, fl, custody.New(fl.custodian, fl, log), Options{
		FrontendURL: "https://land.example/",
		ReapAfter:   30 * 24 * time.Hour,
		Now:         clk.Now,
		Logger:      log,
		Metrics:     m,
	})

	e := &env{t: t, ctx: context.Background(), svc: svc, store: st, ledger: fl, clock: clk, metrics: m}
	e.putUser(store.User{ID: seller.ID, Email: seller.Email, Name: "Asha Seller", Wallet: seller.Wallet})
	e.putUser(store.User{ID: buyer.ID, Email: buyer.Email, Name: "Bala Buyer", Wallet: buyerWallet.Hex()})
	return e
}

func (e *env) putUser(u store.User) {
	e.t.Helper()
	require.NoError(e.t, e.store.PutUser(e.ctx, u))
}

// addAsset registers a verified asset owned by seller and held by the
// custodian on the ledger.
func (e *env) addAsset(tokenID uint64) {
	e.t.Helper()
	require.NoError(e.t, e.store.CreateAsset(e.ctx, store.Asset{
		TokenID:      tokenID,
		OwnerID:      seller.ID,
		OwnerEmail:   seller.Email,
		OwnerName:    "Asha Seller",
		OwnerWallet:  seller.Wallet,
		DocPointer:   "QmDeed" + new(big.Int).SetUint64(tokenID).String(),
		LatitudeE6:   28613900 + int64(tokenID),
		LongitudeE6:  77209000,
		AreaSqM:      1200,
		Status:       store.AssetVerified,
		RegisteredAt: t0.Add(-24 * time.Hour),
	}))
	e.ledger.setOwner(tokenID, e.ledger.custodian)
}

func (e *env) initiate(tokenID uint64) Handoff {
	e.t.Helper()
	h, err := e.svc.Initiate(e.ctx, seller, InitiateRequest{PropertyID: tokenID, BuyerEmail: buyer.Email, Price: price})
	require.NoError(e.t, err)
	return h
}

func (e *env) accepted(tokenID uint64) Handoff {
	e.t.Helper()
	h := e.initiate(tokenID)
	_, err := e.svc.Accept(e.ctx, buyer, h.Transfer.Key, buyerWallet.Hex(), "buyer-sig")
	require.NoError(e.t, err)
	return h
}

func (e *env) transfer(key string) store.Transfer {
	e.t.Helper()
	tr, err := e.store.GetTransfer(e.ctx, key)
	require.NoError(e.t, err)
	return tr
}

func zeroPrice() decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.Zero)
}
