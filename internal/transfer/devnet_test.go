package transfer

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/landchain/registry/internal/custody"
	"github.com/landchain/registry/internal/ledger"
	"github.com/landchain/registry/internal/ledger/devnet"
	"github.com/landchain/registry/internal/logging"
	"github.com/landchain/registry/internal/store"
	"github.com/landchain/registry/internal/store/sqlite"
)

type devnetEnv struct {
	ctx     context.Context
	svc     *Service
	store   *sqlite.Store
	gateway *ledger.Gateway
	backend *devnet.Backend
	policy  *custody.Policy
}

func newDevnetEnv(t *testing.T) *devnetEnv {
	t.Helper()
	ctx := context.Background()
	st, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	b, err := devnet.New(key, common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"))
	require.NoError(t, err)
	log := logging.Discard()
	g := ledger.New(b, ledger.Options{PollInterval: time.Millisecond, Logger: log})
	t.Cleanup(func() { _ = g.Close() })

	policy := custody.New(g.Signer(), g, log)
	svc := NewService(st, g, policy, Options{FrontendURL: "https://land.example", Logger: log})

	require.NoError(t, st.PutUser(ctx, store.User{ID: seller.ID, Email: seller.Email, Wallet: seller.Wallet}))
	require.NoError(t, st.PutUser(ctx, store.User{ID: buyer.ID, Email: buyer.Email, Wallet: buyerWallet.Hex()}))
	return &devnetEnv{ctx: ctx, svc: svc, store: st, gateway: g, backend: b, policy: policy}
}

func (e *devnetEnv) mint(t *testing.T, doc string) uint64 {
	t.Helper()
	p := ledger.Parcel{DocPointer: doc, Latitude: 12971599, Longitude: 77594566, Area: 2400}
	res, err := e.gateway.Mint(e.ctx, e.policy.MintRecipient(), p)
	require.NoError(t, err)
	require.NoError(t, e.store.CreateAsset(e.ctx, store.Asset{
		TokenID:      res.TokenID,
		OwnerID:      seller.ID,
		OwnerEmail:   seller.Email,
		OwnerWallet:  seller.Wallet,
		DocPointer:   p.DocPointer,
		LatitudeE6:   p.Latitude,
		LongitudeE6:  p.Longitude,
		AreaSqM:      p.Area,
		Status:       store.AssetVerified,
		MintTxHash:   res.TxHash.Hex(),
		MintBlock:    res.BlockNumber,
		RegisteredAt: time.Now(),
	}))
	return res.TokenID
}

func TestHandshakeOnDevnet(t *testing.T) {
	e := newDevnetEnv(t)
	id := e.mint(t, "QmDeedA")

	h, err := e.svc.Initiate(e.ctx, seller, InitiateRequest{PropertyID: id, BuyerEmail: buyer.Email, Price: price})
	require.NoError(t, err)
	_, err = e.svc.Accept(e.ctx, buyer, h.Transfer.Key, buyerWallet.Hex(), "")
	require.NoError(t, err)
	res, err := e.svc.Confirm(e.ctx, seller, h.Transfer.Key, "", "")
	require.NoError(t, err)
	assert.Equal(t, custody.Transferred, res.Outcome)
	require.NotNil(t, res.Transfer.Receipt)
	assert.NotEmpty(t, res.Transfer.Receipt.TransferHash)

	owner, err := e.gateway.CurrentOwner(e.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, buyerWallet, owner)

	var onChain []ledger.HistoryEntry
	for entry, err := range e.gateway.TransferHistory(e.ctx, id, 0) {
		require.NoError(t, err)
		onChain = append(onChain, entry)
	}
	require.Len(t, onChain, 1)
	assert.Equal(t, e.policy.Custodian(), onChain[0].From)
	assert.Equal(t, buyerWallet, onChain[0].To)
	assert.Equal(t, res.Transfer.Receipt.TransferHash, onChain[0].TransferHash.Hex())
}

func TestSignatureTransferOnDevnet(t *testing.T) {
	e := newDevnetEnv(t)
	e.mint(t, "QmDeedA")
	id := e.mint(t, "QmDeedB")

	h, err := e.svc.GenerateSignature(e.ctx, seller, SignatureRequest{
		PropertyID: id, BuyerEmail: buyer.Email, BuyerWallet: buyerWallet.Hex(),
	})
	require.NoError(t, err)

	res, err := e.svc.ExecuteSignature(e.ctx, buyer, h.Transfer.Key)
	require.NoError(t, err)
	assert.Equal(t, custody.Transferred, res.Outcome)
	assert.True(t, res.Transfer.BlockchainTransferSuccess)
	assert.NotEmpty(t, res.Transfer.SignatureHash)

	owner, err := e.gateway.CurrentOwner(e.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, buyerWallet, owner)

	nonce, err := e.backend.Nonce(e.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), nonce)
}
