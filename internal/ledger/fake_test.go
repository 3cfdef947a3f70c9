package ledger

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/landchain/registry/internal/transferauth"
)

const fakeEstimate = 100_000

// fakeBackend is an in-memory contract with call counters and fault
// injection.
type fakeBackend struct {
	mu sync.Mutex

	key    *ecdsa.PrivateKey
	signer common.Address
	domain common.Address
	admin  common.Address

	owners     map[uint64]common.Address
	approved   map[uint64]common.Address
	registrars map[common.Address]bool
	parcels    map[string]bool
	nonces     map[uint64]uint64
	history    map[uint64][]HistoryEntry
	nextToken  uint64
	block      uint64
	receipts   map[common.Hash]*types.Receipt

	// ownerErrs are returned by OwnerOf, one per call, before it succeeds.
	ownerErrs    []error
	pendingPolls int
	neverConfirm bool
	revertOnSend bool
	// minedOnReceipt defers a sent call's effect until its receipt is read.
	minedOnReceipt bool
	unmined        map[common.Hash]Call

	ownerCalls   int
	historyCalls int
	sends        []Call
	gasLimits    []uint64
	inFlight     int
	maxInFlight  int
}

func newFakeBackend() *fakeBackend {
	key, err := crypto.GenerateKey()
	if err != nil {
		panic(err)
	}
	signer := crypto.PubkeyToAddress(key.PublicKey)
	return &fakeBackend{
		key:        key,
		signer:     signer,
		domain:     common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"),
		admin:      signer,
		owners:     map[uint64]common.Address{},
		approved:   map[uint64]common.Address{},
		registrars: map[common.Address]bool{signer: true},
		parcels:    map[string]bool{},
		nonces:     map[uint64]uint64{},
		history:    map[uint64][]HistoryEntry{},
		nextToken:  1,
		receipts:   map[common.Hash]*types.Receipt{},
		unmined:    map[common.Hash]Call{},
	}
}

func parcelKey(doc string, lat, lon int64) string {
	return fmt.Sprintf("%s|%d|%d", doc, lat, lon)
}

func (f *fakeBackend) Signer() common.Address { return f.signer }
func (f *fakeBackend) Domain() common.Address { return f.domain }

func (f *fakeBackend) OwnerOf(_ context.Context, tokenID uint64) (common.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ownerCalls++
	if len(f.ownerErrs) > 0 {
		err := f.ownerErrs[0]
		f.ownerErrs = f.ownerErrs[1:]
		return common.Address{}, err
	}
	owner, ok := f.owners[tokenID]
	if !ok {
		return common.Address{}, &RevertError{Reason: fmt.Sprintf("TOKEN_NOT_FOUND: token %d does not exist", tokenID)}
	}
	return owner, nil
}

func (f *fakeBackend) LandData(_ context.Context, tokenID uint64) (LandData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.owners[tokenID]; !ok {
		return LandData{}, &RevertError{Reason: "TOKEN_NOT_FOUND"}
	}
	return LandData{RegisteredBy: f.signer}, nil
}

func (f *fakeBackend) TransferHistory(_ context.Context, tokenID, offset, limit uint64) ([]HistoryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyCalls++
	all := f.history[tokenID]
	if offset >= uint64(len(all)) {
		return nil, nil
	}
	end := uint64(len(all))
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return append([]HistoryEntry(nil), all[offset:end]...), nil
}

func (f *fakeBackend) LandExists(_ context.Context, doc string, lat, lon int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.parcels[parcelKey(doc, lat, lon)], nil
}

func (f *fakeBackend) IsRegistrar(_ context.Context, account common.Address) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registrars[account], nil
}

func (f *fakeBackend) Admin(context.Context) (common.Address, error) { return f.admin, nil }

func (f *fakeBackend) IsApproved(_ context.Context, tokenID uint64, _, operator common.Address) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.approved[tokenID] == operator, nil
}

func (f *fakeBackend) Nonce(_ context.Context, tokenID uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonces[tokenID], nil
}

func (f *fakeBackend) EstimateGas(_ context.Context, call Call) (uint64, error) {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.mu.Unlock()
	time.Sleep(time.Millisecond)

	f.mu.Lock()
	defer f.mu.Unlock()
	if call.Method == MethodMintLand && !f.registrars[f.signer] {
		f.inFlight--
		return 0, &RevertError{Reason: "NOT_AUTHORIZED: caller is not a registrar"}
	}
	return fakeEstimate, nil
}

func (f *fakeBackend) Send(_ context.Context, call Call, gasLimit uint64) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight--
	f.sends = append(f.sends, call)
	f.gasLimits = append(f.gasLimits, gasLimit)

	id := uuid.New()
	hash := crypto.Keccak256Hash(id[:])
	f.block++
	rcpt := &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      hash,
		BlockNumber: new(big.Int).SetUint64(f.block),
	}
	if f.revertOnSend {
		rcpt.Status = types.ReceiptStatusFailed
	} else if f.minedOnReceipt {
		f.unmined[hash] = call
	} else if err := f.apply(call, rcpt); err != nil {
		return common.Hash{}, err
	}
	f.receipts[hash] = rcpt
	return hash, nil
}

func (f *fakeBackend) apply(call Call, rcpt *types.Receipt) error {
	now := time.Now().Unix()
	switch call.Method {
	case MethodAddRegistrar:
		f.registrars[call.Args[0].(common.Address)] = true

	case MethodMintLand:
		to := call.Args[0].(common.Address)
		doc := call.Args[1].(string)
		lat := call.Args[2].(*big.Int).Int64()
		lon := call.Args[3].(*big.Int).Int64()
		id := f.nextToken
		f.nextToken++
		f.owners[id] = to
		f.parcels[parcelKey(doc, lat, lon)] = true
		l, err := EncodeLandRegistered(f.domain, id, to, doc, now)
		if err != nil {
			return err
		}
		rcpt.Logs = append(rcpt.Logs, l)

	case MethodTransferFrom:
		from := call.Args[0].(common.Address)
		to := call.Args[1].(common.Address)
		return f.move(call.Args[2].(*big.Int).Uint64(), from, to, rcpt)

	case MethodTransferWithSignature:
		auth := transferauth.Authorization{
			Domain:   f.domain,
			TokenID:  call.Args[0].(*big.Int).Uint64(),
			From:     call.Args[1].(common.Address),
			To:       call.Args[2].(common.Address),
			Nonce:    call.Args[3].(*big.Int).Uint64(),
			Deadline: call.Args[4].(*big.Int).Int64(),
		}
		if err := transferauth.Verify(auth, call.Args[5].([]byte)); err != nil {
			rcpt.Status = types.ReceiptStatusFailed
			return nil
		}
		f.nonces[auth.TokenID]++
		return f.move(auth.TokenID, auth.From, auth.To, rcpt)
	}
	return nil
}

func (f *fakeBackend) move(tokenID uint64, from, to common.Address, rcpt *types.Receipt) error {
	if f.owners[tokenID] != from {
		rcpt.Status = types.ReceiptStatusFailed
		return nil
	}
	f.owners[tokenID] = to
	delete(f.approved, tokenID)
	hash := crypto.Keccak256Hash(rcpt.TxHash.Bytes())
	f.history[tokenID] = append(f.history[tokenID], HistoryEntry{From: from, To: to, Timestamp: time.Now(), TransferHash: hash})
	l, err := EncodeLandTransferred(f.domain, tokenID, from, to, hash, time.Now().Unix())
	if err != nil {
		return err
	}
	rcpt.Logs = append(rcpt.Logs, l)
	return nil
}

func (f *fakeBackend) Receipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.neverConfirm {
		return nil, ErrPending
	}
	if f.pendingPolls > 0 {
		f.pendingPolls--
		return nil, ErrPending
	}
	r, ok := f.receipts[hash]
	if !ok {
		return nil, ErrPending
	}
	if call, ok := f.unmined[hash]; ok {
		delete(f.unmined, hash)
		if err := f.apply(call, r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.block, nil
}

func (f *fakeBackend) Sign(_ context.Context, hash common.Hash) ([]byte, error) {
	return transferauth.SignHash(hash, f.key)
}

func (f *fakeBackend) Close() error { return nil }

func (f *fakeBackend) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}
