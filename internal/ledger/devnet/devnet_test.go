package devnet

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/landchain/registry/internal/ledger"
	"github.com/landchain/registry/internal/logging"
)

var (
	domain = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	buyer  = common.HexToAddress("0x000000000000000000000000000000000000bEEF")
	parcel = ledger.Parcel{DocPointer: "QmDeed42", Latitude: 19076090, Longitude: 72877426, Area: 950}
)

func newGateway(t *testing.T) (*ledger.Gateway, *Backend) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	b, err := New(key, domain)
	require.NoError(t, err)
	g := ledger.New(b, ledger.Options{PollInterval: time.Millisecond, Logger: logging.Discard()})
	t.Cleanup(func() { _ = g.Close() })
	return g, b
}

func TestMintThroughGateway(t *testing.T) {
	g, b := newGateway(t)
	ctx := context.Background()

	// The admin is not a registrar until the gateway grants itself the role.
	ok, err := b.IsRegistrar(ctx, b.Signer())
	require.NoError(t, err)
	assert.False(t, ok)

	res, err := g.Mint(ctx, b.Signer(), parcel)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.TokenID)
	assert.Equal(t, uint64(2), res.BlockNumber)

	ok, err = b.IsRegistrar(ctx, b.Signer())
	require.NoError(t, err)
	assert.True(t, ok)

	data, err := g.LandData(ctx, res.TokenID)
	require.NoError(t, err)
	assert.Equal(t, parcel, data.Parcel)
	assert.Equal(t, b.Signer(), data.RegisteredBy)
	assert.NotEqual(t, common.Hash{}, data.ContentHash)

	_, err = g.Mint(ctx, b.Signer(), parcel)
	require.ErrorIs(t, err, ledger.ErrDuplicateAsset)
}

func TestTransferDirectAndHistory(t *testing.T) {
	g, b := newGateway(t)
	ctx := context.Background()

	minted, err := g.Mint(ctx, b.Signer(), parcel)
	require.NoError(t, err)

	res, err := g.TransferDirect(ctx, minted.TokenID, b.Signer(), buyer)
	require.NoError(t, err)
	assert.NotEqual(t, common.Hash{}, res.TransferHash)

	owner, err := g.CurrentOwner(ctx, minted.TokenID)
	require.NoError(t, err)
	assert.Equal(t, buyer, owner)

	var history []ledger.HistoryEntry
	for entry, err := range g.TransferHistory(ctx, minted.TokenID, 0) {
		require.NoError(t, err)
		history = append(history, entry)
	}
	require.Len(t, history, 1)
	assert.Equal(t, b.Signer(), history[0].From)
	assert.Equal(t, buyer, history[0].To)
	assert.Equal(t, res.TransferHash, history[0].TransferHash)

	// The custodian no longer holds the token.
	_, err = g.TransferDirect(ctx, minted.TokenID, b.Signer(), common.HexToAddress("0x01"))
	require.ErrorIs(t, err, ledger.ErrNotOwner)
}

func TestUnknownTokenIsAssetNotFound(t *testing.T) {
	g, _ := newGateway(t)
	_, err := g.CurrentOwner(context.Background(), 77)
	require.ErrorIs(t, err, ledger.ErrAssetNotFound)
}

func TestSignatureTransfer(t *testing.T) {
	g, b := newGateway(t)
	ctx := context.Background()

	minted, err := g.Mint(ctx, b.Signer(), parcel)
	require.NoError(t, err)

	st, err := g.SignTransfer(ctx, minted.TokenID, buyer, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, domain, st.Auth.Domain)

	// Anyone may submit a signed authorization.
	relayerKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	relayer := ledger.New(b.As(relayerKey), ledger.Options{PollInterval: time.Millisecond, Logger: logging.Discard()})

	res, err := relayer.TransferWithSignature(ctx, st)
	require.NoError(t, err)
	assert.NotEqual(t, common.Hash{}, res.SignatureHash)

	owner, err := g.CurrentOwner(ctx, minted.TokenID)
	require.NoError(t, err)
	assert.Equal(t, buyer, owner)

	n, err := b.Nonce(ctx, minted.TokenID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
}

func TestEstimateGasRevertsWithoutSideEffects(t *testing.T) {
	_, b := newGateway(t)
	ctx := context.Background()

	strangerKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	stranger := b.As(strangerKey)

	_, err = stranger.EstimateGas(ctx, ledger.AddRegistrarCall(stranger.Signer()))
	var re *ledger.RevertError
	require.ErrorAs(t, err, &re)
	assert.Contains(t, re.Reason, "ACCESS_DENIED")

	gas, err := b.EstimateGas(ctx, ledger.AddRegistrarCall(buyer))
	require.NoError(t, err)
	assert.Equal(t, gasTable[ledger.MethodAddRegistrar], gas)

	ok, err := b.IsRegistrar(ctx, buyer)
	require.NoError(t, err)
	assert.False(t, ok)
}
