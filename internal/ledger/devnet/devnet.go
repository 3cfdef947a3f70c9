// Package devnet implements ledger.Backend by running the land registry
// chaincode in process on a Fabric mock stub. Every submitted call is
// mined into its own block immediately.
package devnet

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/json"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/hyperledger/fabric-chaincode-go/shimtest"
	"github.com/hyperledger/fabric-contract-api-go/contractapi"
	"github.com/pkg/errors"

	landregistry "github.com/landchain/registry/blockchain/fabric/chaincode/land-registry"
	"github.com/landchain/registry/internal/ledger"
	"github.com/landchain/registry/internal/transferauth"
)

const chaincodeName = "land-registry"

// Gas charged per method. Estimates are fixed; the dry run only decides
// whether the call would revert.
var gasTable = map[string]uint64{
	ledger.MethodMintLand:              180_000,
	ledger.MethodTransferFrom:          90_000,
	ledger.MethodTransferWithSignature: 110_000,
	ledger.MethodAddRegistrar:          50_000,
}

// chain is the ledger state shared by every Backend derived from one New.
type chain struct {
	mu       sync.Mutex
	stub     *shimtest.MockStub
	cc       *landregistry.LandRegistryContract
	domain   common.Address
	block    uint64
	receipts map[common.Hash]*types.Receipt
}

// Backend acts on a devnet chain as one signing identity.
type Backend struct {
	chain  *chain
	key    *ecdsa.PrivateKey
	signer common.Address
}

var _ ledger.Backend = (*Backend)(nil)

// New starts an empty chain administered by key. Signed transfer
// authorizations are bound to domain.
func New(key *ecdsa.PrivateKey, domain common.Address) (*Backend, error) {
	c := &chain{
		stub:     shimtest.NewMockStub(chaincodeName, nil),
		cc:       new(landregistry.LandRegistryContract),
		domain:   domain,
		receipts: map[common.Hash]*types.Receipt{},
	}
	b := &Backend{chain: c, key: key, signer: crypto.PubkeyToAddress(key.PublicKey)}
	err := c.exec(c.stub, b.signer, func(ctx contractapi.TransactionContextInterface) error {
		return c.cc.InitLedger(ctx, domain.Hex())
	})
	if err != nil {
		return nil, errors.Wrap(err, "initialize devnet ledger")
	}
	c.drainEvents(c.stub)
	return b, nil
}

// As returns a backend on the same chain that signs with key.
func (b *Backend) As(key *ecdsa.PrivateKey) *Backend {
	return &Backend{chain: b.chain, key: key, signer: crypto.PubkeyToAddress(key.PublicKey)}
}

func (b *Backend) Signer() common.Address { return b.signer }
func (b *Backend) Domain() common.Address { return b.chain.domain }
func (b *Backend) Close() error           { return nil }

// ============================================================
// Chaincode execution
// ============================================================

// identity presents an address as the caller's "address" certificate
// attribute.
type identity common.Address

func (i identity) GetID() (string, error)    { return "x509::CN=" + common.Address(i).Hex(), nil }
func (i identity) GetMSPID() (string, error) { return "DevnetMSP", nil }

func (i identity) GetAttributeValue(name string) (string, bool, error) {
	if name != "address" {
		return "", false, nil
	}
	return common.Address(i).Hex(), true, nil
}

func (i identity) AssertAttributeValue(name, value string) error {
	v, ok, _ := i.GetAttributeValue(name)
	if !ok || v != value {
		return errors.Errorf("attribute %s does not match", name)
	}
	return nil
}

func (i identity) GetX509Certificate() (*x509.Certificate, error) { return nil, nil }

// exec runs fn as one transaction by caller against stub. Chaincode
// errors are reverts. c.mu must be held.
func (c *chain) exec(stub *shimtest.MockStub, caller common.Address, fn func(contractapi.TransactionContextInterface) error) error {
	txID := uuid.NewString()
	stub.MockTransactionStart(txID)
	defer stub.MockTransactionEnd(txID)

	ctx := new(contractapi.TransactionContext)
	ctx.SetStub(stub)
	ctx.SetClientIdentity(identity(caller))
	if err := fn(ctx); err != nil {
		return &ledger.RevertError{Reason: err.Error()}
	}
	return nil
}

func (c *chain) query(caller common.Address, fn func(contractapi.TransactionContextInterface) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exec(c.stub, caller, fn)
}

// fork copies the world state into a scratch stub for dry runs.
func (c *chain) fork() *shimtest.MockStub {
	scratch := shimtest.NewMockStub(chaincodeName, nil)
	scratch.MockTransactionStart("fork")
	for k, v := range c.stub.State {
		_ = scratch.PutState(k, v)
	}
	scratch.MockTransactionEnd("fork")
	return scratch
}

func (c *chain) drainEvents(stub *shimtest.MockStub) []*types.Log {
	var logs []*types.Log
	for {
		select {
		case ev := <-stub.ChaincodeEventsChannel:
			if l := c.eventLog(ev.EventName, ev.Payload); l != nil {
				logs = append(logs, l)
			}
		default:
			return logs
		}
	}
}

func (c *chain) eventLog(name string, payload []byte) *types.Log {
	switch name {
	case landregistry.EventLandRegistered:
		var ev landregistry.LandRegisteredEvent
		if json.Unmarshal(payload, &ev) != nil {
			return nil
		}
		l, err := ledger.EncodeLandRegistered(c.domain, ev.TokenID, common.HexToAddress(ev.Owner), ev.IPFSHash, ev.Timestamp)
		if err != nil {
			return nil
		}
		return l
	case landregistry.EventLandTransferred:
		var ev landregistry.LandTransferredEvent
		if json.Unmarshal(payload, &ev) != nil {
			return nil
		}
		l, err := ledger.EncodeLandTransferred(c.domain, ev.TokenID, common.HexToAddress(ev.From), common.HexToAddress(ev.To), common.HexToHash(ev.TransferHash), ev.Timestamp)
		if err != nil {
			return nil
		}
		return l
	}
	return nil
}

// dispatch maps an ABI call onto the chaincode.
func (b *Backend) dispatch(call ledger.Call) (func(contractapi.TransactionContextInterface) error, error) {
	cc := b.chain.cc
	bad := func() error {
		return errors.Errorf("devnet: bad arguments for %s", call.Method)
	}
	switch call.Method {
	case ledger.MethodMintLand:
		if len(call.Args) != 5 {
			return nil, bad()
		}
		to, ok1 := call.Args[0].(common.Address)
		doc, ok2 := call.Args[1].(string)
		lat, ok3 := call.Args[2].(*big.Int)
		lon, ok4 := call.Args[3].(*big.Int)
		area, ok5 := call.Args[4].(*big.Int)
		if !(ok1 && ok2 && ok3 && ok4 && ok5) {
			return nil, bad()
		}
		return func(ctx contractapi.TransactionContextInterface) error {
			_, err := cc.MintLand(ctx, to.Hex(), doc, lat.Int64(), lon.Int64(), area.Uint64())
			return err
		}, nil

	case ledger.MethodTransferFrom:
		if len(call.Args) != 3 {
			return nil, bad()
		}
		from, ok1 := call.Args[0].(common.Address)
		to, ok2 := call.Args[1].(common.Address)
		id, ok3 := call.Args[2].(*big.Int)
		if !(ok1 && ok2 && ok3) {
			return nil, bad()
		}
		return func(ctx contractapi.TransactionContextInterface) error {
			return cc.TransferFrom(ctx, from.Hex(), to.Hex(), id.Uint64())
		}, nil

	case ledger.MethodTransferWithSignature:
		if len(call.Args) != 6 {
			return nil, bad()
		}
		id, ok1 := call.Args[0].(*big.Int)
		from, ok2 := call.Args[1].(common.Address)
		to, ok3 := call.Args[2].(common.Address)
		nonce, ok4 := call.Args[3].(*big.Int)
		deadline, ok5 := call.Args[4].(*big.Int)
		sig, ok6 := call.Args[5].([]byte)
		if !(ok1 && ok2 && ok3 && ok4 && ok5 && ok6) {
			return nil, bad()
		}
		return func(ctx contractapi.TransactionContextInterface) error {
			return cc.TransferWithSignature(ctx, id.Uint64(), from.Hex(), to.Hex(), nonce.Uint64(), deadline.Int64(), hexutil.Encode(sig))
		}, nil

	case ledger.MethodAddRegistrar:
		if len(call.Args) != 1 {
			return nil, bad()
		}
		registrar, ok := call.Args[0].(common.Address)
		if !ok {
			return nil, bad()
		}
		return func(ctx contractapi.TransactionContextInterface) error {
			return cc.AddRegistrar(ctx, registrar.Hex())
		}, nil
	}
	return nil, errors.Errorf("devnet: unsupported method %s", call.Method)
}

// ============================================================
// Transactions
// ============================================================

// EstimateGas dry runs call on a fork of the world state.
func (b *Backend) EstimateGas(_ context.Context, call ledger.Call) (uint64, error) {
	fn, err := b.dispatch(call)
	if err != nil {
		return 0, err
	}
	c := b.chain
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.exec(c.fork(), b.signer, fn); err != nil {
		return 0, err
	}
	return gasTable[call.Method], nil
}

// Send executes call and records its receipt. A chaincode error yields a
// failed receipt, not an error.
func (b *Backend) Send(_ context.Context, call ledger.Call, gasLimit uint64) (common.Hash, error) {
	fn, err := b.dispatch(call)
	if err != nil {
		return common.Hash{}, err
	}
	c := b.chain
	c.mu.Lock()
	defer c.mu.Unlock()

	c.block++
	id := uuid.New()
	hash := crypto.Keccak256Hash(id[:], b.signer.Bytes())
	rcpt := &types.Receipt{
		Type:              types.LegacyTxType,
		Status:            types.ReceiptStatusSuccessful,
		TxHash:            hash,
		BlockNumber:       new(big.Int).SetUint64(c.block),
		GasUsed:           min(gasTable[call.Method], gasLimit),
		CumulativeGasUsed: min(gasTable[call.Method], gasLimit),
	}
	if gasLimit < gasTable[call.Method] {
		rcpt.Status = types.ReceiptStatusFailed
	} else if err := c.exec(c.stub, b.signer, fn); err != nil {
		rcpt.Status = types.ReceiptStatusFailed
	}
	logs := c.drainEvents(c.stub)
	if rcpt.Status == types.ReceiptStatusSuccessful {
		for i, l := range logs {
			l.TxHash = hash
			l.BlockNumber = c.block
			l.Index = uint(i)
		}
		rcpt.Logs = logs
	}
	c.receipts[hash] = rcpt
	return hash, nil
}

func (b *Backend) Receipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	c := b.chain
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.receipts[hash]
	if !ok {
		return nil, ledger.ErrPending
	}
	return r, nil
}

func (b *Backend) BlockNumber(context.Context) (uint64, error) {
	c := b.chain
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.block, nil
}

func (b *Backend) Sign(_ context.Context, hash common.Hash) ([]byte, error) {
	return transferauth.SignHash(hash, b.key)
}

// ============================================================
// Reads
// ============================================================

func (b *Backend) OwnerOf(_ context.Context, tokenID uint64) (common.Address, error) {
	var owner string
	err := b.chain.query(b.signer, func(ctx contractapi.TransactionContextInterface) error {
		var err error
		owner, err = b.chain.cc.OwnerOf(ctx, tokenID)
		return err
	})
	return common.HexToAddress(owner), err
}

func (b *Backend) LandData(_ context.Context, tokenID uint64) (ledger.LandData, error) {
	var d *landregistry.LandData
	err := b.chain.query(b.signer, func(ctx contractapi.TransactionContextInterface) error {
		var err error
		d, err = b.chain.cc.GetLandData(ctx, tokenID)
		return err
	})
	if err != nil {
		return ledger.LandData{}, err
	}
	return ledger.LandData{
		Parcel: ledger.Parcel{
			DocPointer: d.IPFSHash,
			Latitude:   d.Latitude,
			Longitude:  d.Longitude,
			Area:       d.Area,
		},
		RegisteredAt: time.Unix(d.RegisteredAt, 0).UTC(),
		RegisteredBy: common.HexToAddress(d.RegisteredBy),
		ContentHash:  common.HexToHash(d.ContentHash),
	}, nil
}

func (b *Backend) TransferHistory(_ context.Context, tokenID, offset, limit uint64) ([]ledger.HistoryEntry, error) {
	var entries []*landregistry.TransferEntry
	err := b.chain.query(b.signer, func(ctx contractapi.TransactionContextInterface) error {
		var err error
		entries, err = b.chain.cc.GetTransferHistory(ctx, tokenID, offset, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]ledger.HistoryEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, ledger.HistoryEntry{
			From:         common.HexToAddress(e.From),
			To:           common.HexToAddress(e.To),
			Timestamp:    time.Unix(e.Timestamp, 0).UTC(),
			TransferHash: common.HexToHash(e.TransferHash),
		})
	}
	return out, nil
}

func (b *Backend) LandExists(_ context.Context, docPointer string, latitude, longitude int64) (bool, error) {
	var exists bool
	err := b.chain.query(b.signer, func(ctx contractapi.TransactionContextInterface) error {
		var err error
		exists, err = b.chain.cc.LandExists(ctx, docPointer, latitude, longitude)
		return err
	})
	return exists, err
}

func (b *Backend) IsRegistrar(_ context.Context, account common.Address) (bool, error) {
	var ok bool
	err := b.chain.query(b.signer, func(ctx contractapi.TransactionContextInterface) error {
		var err error
		ok, err = b.chain.cc.IsRegistrar(ctx, account.Hex())
		return err
	})
	return ok, err
}

func (b *Backend) Admin(context.Context) (common.Address, error) {
	var admin string
	err := b.chain.query(b.signer, func(ctx contractapi.TransactionContextInterface) error {
		var err error
		admin, err = b.chain.cc.Admin(ctx)
		return err
	})
	return common.HexToAddress(admin), err
}

func (b *Backend) IsApproved(_ context.Context, tokenID uint64, owner, operator common.Address) (bool, error) {
	var approved string
	var all bool
	err := b.chain.query(b.signer, func(ctx contractapi.TransactionContextInterface) error {
		var err error
		if approved, err = b.chain.cc.GetApproved(ctx, tokenID); err != nil {
			return err
		}
		all, err = b.chain.cc.IsApprovedForAll(ctx, owner.Hex(), operator.Hex())
		return err
	})
	if err != nil {
		return false, err
	}
	return all || (approved != "" && common.HexToAddress(approved) == operator), nil
}

func (b *Backend) Nonce(_ context.Context, tokenID uint64) (uint64, error) {
	var n uint64
	err := b.chain.query(b.signer, func(ctx contractapi.TransactionContextInterface) error {
		var err error
		n, err = b.chain.cc.Nonces(ctx, tokenID)
		return err
	})
	return n, err
}
