// Package evm implements ledger.Backend over an EVM JSON-RPC node.
package evm

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/pkg/errors"

	"github.com/landchain/registry/internal/ledger"
	"github.com/landchain/registry/internal/transferauth"
)

// Backend talks to a deployed land registry contract through one node.
type Backend struct {
	client   *ethclient.Client
	contract common.Address
	key      *ecdsa.PrivateKey
	signer   common.Address
	txSigner types.Signer
	abi      abi.ABI
}

// ParseKey decodes a hex encoded secp256k1 private key.
func ParseKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "parse private key")
	}
	return key, nil
}

// Dial connects to rawURL and checks that the node serves chainID.
func Dial(ctx context.Context, rawURL string, contract common.Address, chainID int64, key *ecdsa.PrivateKey) (*Backend, error) {
	client, err := ethclient.DialContext(ctx, rawURL)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", rawURL)
	}
	remote, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, errors.Wrap(err, "read chain id")
	}
	if remote.Int64() != chainID {
		client.Close()
		return nil, errors.Errorf("node serves chain %s, want %d", remote, chainID)
	}
	return &Backend{
		client:   client,
		contract: contract,
		key:      key,
		signer:   crypto.PubkeyToAddress(key.PublicKey),
		txSigner: types.LatestSignerForChainID(big.NewInt(chainID)),
		abi:      ledger.ABI(),
	}, nil
}

var _ ledger.Backend = (*Backend)(nil)

func (b *Backend) Signer() common.Address { return b.signer }
func (b *Backend) Domain() common.Address { return b.contract }

func (b *Backend) Close() error {
	b.client.Close()
	return nil
}

// ============================================================
// Reads
// ============================================================

func (b *Backend) call(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := b.abi.Pack(method, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "pack %s", method)
	}
	res, err := b.client.CallContract(ctx, ethereum.CallMsg{From: b.signer, To: &b.contract, Data: data}, nil)
	if err != nil {
		return nil, revertError(err)
	}
	out, err := b.abi.Unpack(method, res)
	if err != nil {
		return nil, errors.Wrapf(err, "unpack %s", method)
	}
	return out, nil
}

func u256(v uint64) *big.Int { return new(big.Int).SetUint64(v) }

func (b *Backend) OwnerOf(ctx context.Context, tokenID uint64) (common.Address, error) {
	out, err := b.call(ctx, ledger.MethodOwnerOf, u256(tokenID))
	if err != nil {
		return common.Address{}, err
	}
	return *abi.ConvertType(out[0], new(common.Address)).(*common.Address), nil
}

func (b *Backend) LandData(ctx context.Context, tokenID uint64) (ledger.LandData, error) {
	out, err := b.call(ctx, ledger.MethodGetLandData, u256(tokenID))
	if err != nil {
		return ledger.LandData{}, err
	}
	if len(out) != 7 {
		return ledger.LandData{}, errors.Errorf("getLandData returned %d values", len(out))
	}
	d := ledger.LandData{
		Parcel: ledger.Parcel{
			DocPointer: *abi.ConvertType(out[0], new(string)).(*string),
			Latitude:   (*abi.ConvertType(out[1], new(*big.Int)).(**big.Int)).Int64(),
			Longitude:  (*abi.ConvertType(out[2], new(*big.Int)).(**big.Int)).Int64(),
			Area:       (*abi.ConvertType(out[3], new(*big.Int)).(**big.Int)).Uint64(),
		},
		RegisteredBy: *abi.ConvertType(out[5], new(common.Address)).(*common.Address),
		ContentHash:  *abi.ConvertType(out[6], new([32]byte)).(*[32]byte),
	}
	d.RegisteredAt = unixTime((*abi.ConvertType(out[4], new(*big.Int)).(**big.Int)))
	return d, nil
}

type historyTuple struct {
	From         common.Address
	To           common.Address
	Timestamp    *big.Int
	TransferHash [32]byte
}

func (b *Backend) TransferHistory(ctx context.Context, tokenID, offset, limit uint64) ([]ledger.HistoryEntry, error) {
	out, err := b.call(ctx, ledger.MethodGetTransferHistory, u256(tokenID), u256(offset), u256(limit))
	if err != nil {
		return nil, err
	}
	tuples := *abi.ConvertType(out[0], new([]historyTuple)).(*[]historyTuple)
	entries := make([]ledger.HistoryEntry, 0, len(tuples))
	for _, t := range tuples {
		entries = append(entries, ledger.HistoryEntry{
			From:         t.From,
			To:           t.To,
			Timestamp:    unixTime(t.Timestamp),
			TransferHash: t.TransferHash,
		})
	}
	return entries, nil
}

func (b *Backend) LandExists(ctx context.Context, docPointer string, latitude, longitude int64) (bool, error) {
	out, err := b.call(ctx, ledger.MethodLandExists, docPointer, big.NewInt(latitude), big.NewInt(longitude))
	if err != nil {
		return false, err
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

func (b *Backend) IsRegistrar(ctx context.Context, account common.Address) (bool, error) {
	out, err := b.call(ctx, ledger.MethodIsRegistrar, account)
	if err != nil {
		return false, err
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

func (b *Backend) Admin(ctx context.Context) (common.Address, error) {
	out, err := b.call(ctx, ledger.MethodOwner)
	if err != nil {
		return common.Address{}, err
	}
	return *abi.ConvertType(out[0], new(common.Address)).(*common.Address), nil
}

func (b *Backend) IsApproved(ctx context.Context, tokenID uint64, owner, operator common.Address) (bool, error) {
	out, err := b.call(ctx, ledger.MethodGetApproved, u256(tokenID))
	if err != nil {
		return false, err
	}
	if *abi.ConvertType(out[0], new(common.Address)).(*common.Address) == operator {
		return true, nil
	}
	out, err = b.call(ctx, ledger.MethodIsApprovedForAll, owner, operator)
	if err != nil {
		return false, err
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

func (b *Backend) Nonce(ctx context.Context, tokenID uint64) (uint64, error) {
	out, err := b.call(ctx, ledger.MethodNonces, u256(tokenID))
	if err != nil {
		return 0, err
	}
	return (*abi.ConvertType(out[0], new(*big.Int)).(**big.Int)).Uint64(), nil
}

// ============================================================
// Transactions
// ============================================================

func (b *Backend) EstimateGas(ctx context.Context, call ledger.Call) (uint64, error) {
	data, err := call.Pack()
	if err != nil {
		return 0, errors.Wrapf(err, "pack %s", call.Method)
	}
	gas, err := b.client.EstimateGas(ctx, ethereum.CallMsg{From: b.signer, To: &b.contract, Data: data})
	if err != nil {
		return 0, revertError(err)
	}
	return gas, nil
}

func (b *Backend) Send(ctx context.Context, call ledger.Call, gasLimit uint64) (common.Hash, error) {
	data, err := call.Pack()
	if err != nil {
		return common.Hash{}, errors.Wrapf(err, "pack %s", call.Method)
	}
	nonce, err := b.client.PendingNonceAt(ctx, b.signer)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "read account nonce")
	}
	gasPrice, err := b.client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "suggest gas price")
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &b.contract,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, b.txSigner, b.key)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "sign transaction")
	}
	if err := b.client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, revertError(err)
	}
	return signed.Hash(), nil
}

func (b *Backend) Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	r, err := b.client.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, ledger.ErrPending
	}
	if err != nil {
		return nil, errors.Wrapf(err, "receipt %s", hash.Hex())
	}
	return r, nil
}

func (b *Backend) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := b.client.BlockNumber(ctx)
	return n, errors.Wrap(err, "block number")
}

func (b *Backend) Sign(_ context.Context, hash common.Hash) ([]byte, error) {
	return transferauth.SignHash(hash, b.key)
}

// revertError turns a node error carrying revert data into a
// *ledger.RevertError. Other errors are returned unchanged.
func revertError(err error) error {
	var de rpc.DataError
	if errors.As(err, &de) {
		if s, ok := de.ErrorData().(string); ok {
			if data, derr := hexutil.Decode(s); derr == nil {
				if reason, uerr := abi.UnpackRevert(data); uerr == nil {
					return &ledger.RevertError{Reason: reason}
				}
			}
		}
		return &ledger.RevertError{Reason: de.Error()}
	}
	if strings.Contains(err.Error(), "execution reverted") {
		return &ledger.RevertError{Reason: err.Error()}
	}
	return err
}

func unixTime(v *big.Int) time.Time {
	if v == nil || !v.IsInt64() {
		return time.Time{}
	}
	return time.Unix(v.Int64(), 0).UTC()
}
