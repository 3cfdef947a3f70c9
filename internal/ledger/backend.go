package ledger

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"

	"github.com/landchain/registry/internal/transferauth"
)

// ErrPending is returned by Backend.Receipt while a transaction is not yet
// included in a block.
var ErrPending = errors.New("transaction pending")

// Parcel is the registration data of a land parcel. Coordinates are
// degrees scaled by 1e6.
type Parcel struct {
	DocPointer string
	Latitude   int64
	Longitude  int64
	Area       uint64
}

// LandData is the on-ledger record of a minted parcel.
type LandData struct {
	Parcel
	RegisteredAt time.Time
	RegisteredBy common.Address
	ContentHash  common.Hash
}

// HistoryEntry is one on-ledger ownership change.
type HistoryEntry struct {
	From         common.Address
	To           common.Address
	Timestamp    time.Time
	TransferHash common.Hash
}

// SignedTransfer is a transfer authorization with its holder's signature.
type SignedTransfer struct {
	Auth      transferauth.Authorization
	Signature []byte
}

// Backend is a connection to one deployment of the land registry
// contract, acting with a single signing identity. Contract rejections are
// reported as *RevertError.
type Backend interface {
	// Signer is the address transactions are sent from.
	Signer() common.Address
	// Domain is the address signed transfer authorizations are bound to.
	Domain() common.Address

	OwnerOf(ctx context.Context, tokenID uint64) (common.Address, error)
	LandData(ctx context.Context, tokenID uint64) (LandData, error)
	TransferHistory(ctx context.Context, tokenID, offset, limit uint64) ([]HistoryEntry, error)
	LandExists(ctx context.Context, docPointer string, latitude, longitude int64) (bool, error)
	IsRegistrar(ctx context.Context, account common.Address) (bool, error)
	Admin(ctx context.Context) (common.Address, error)
	// IsApproved reports whether operator may move tokenID on owner's
	// behalf, either as the token's approved address or as an operator.
	IsApproved(ctx context.Context, tokenID uint64, owner, operator common.Address) (bool, error)
	Nonce(ctx context.Context, tokenID uint64) (uint64, error)

	EstimateGas(ctx context.Context, call Call) (uint64, error)
	Send(ctx context.Context, call Call, gasLimit uint64) (common.Hash, error)
	// Receipt returns ErrPending until the transaction is mined.
	Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	// Sign signs an already prefixed message hash with the signer key.
	Sign(ctx context.Context, hash common.Hash) ([]byte, error)

	Close() error
}

// Observer receives one notification per submitted transaction.
type Observer interface {
	Submitted(method, outcome string, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) Submitted(string, string, time.Duration) {}
