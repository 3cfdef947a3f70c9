// Package store defines the persistence contracts for transfer records,
// asset records and the user directory.
package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a compare-and-set on status loses.
	ErrConflict = errors.New("record was modified concurrently")
	// ErrActiveTransfer is returned when a property already has an active transfer.
	ErrActiveTransfer = errors.New("property already has an active transfer")
	// ErrAlreadyExists is returned on a duplicate asset or user.
	ErrAlreadyExists = errors.New("record already exists")
)

// Status is the workflow status of a transfer record.
type Status string

const (
	StatusPending            Status = "pending"
	StatusBuyerAccepted      Status = "buyer_accepted"
	StatusBothSigned         Status = "both_signed"
	StatusSignatureGenerated Status = "signature_generated"
	StatusCompleted          Status = "completed"
	StatusExpired            Status = "expired"
	StatusCancelled          Status = "cancelled"
)

// ActiveStatuses are the non-terminal statuses. At most one record per
// property may hold one of them.
var ActiveStatuses = []Status{
	StatusPending,
	StatusBuyerAccepted,
	StatusBothSigned,
	StatusSignatureGenerated,
}

// Active reports whether s is non-terminal.
func (s Status) Active() bool {
	for _, a := range ActiveStatuses {
		if s == a {
			return true
		}
	}
	return false
}

// Kind distinguishes the handshake path from the signature path.
type Kind string

const (
	KindHandshake Kind = "handshake"
	KindSignature Kind = "signature"
)

// Authorization is the seller's pre-signed transfer authorization.
type Authorization struct {
	// Holder is the on-chain owner that signed and is debited.
	Holder    string
	Signature string
	Hash      string
	Nonce     uint64
	Deadline  time.Time
	// Domain is the registry contract the digest was computed for.
	Domain string
}

// Receipt carries the ledger fields of a confirmed on-chain transfer.
type Receipt struct {
	TxHash       string
	BlockNumber  uint64
	TransferHash string
}

// Transfer is one ownership hand-off workflow instance.
type Transfer struct {
	Key        string
	Kind       Kind
	PropertyID uint64

	SellerID        string
	SellerEmail     string
	SellerWallet    string
	SellerSignature string
	SellerSignedAt  *time.Time

	BuyerID        string
	BuyerEmail     string
	BuyerWallet    string
	BuyerSignature string
	BuyerSignedAt  *time.Time

	Price    decimal.NullDecimal
	Currency string
	Status   Status

	Auth *Authorization

	// Receipt is set only when the ledger confirmed the transfer.
	Receipt *Receipt
	// PendingTxHash is a submitted transaction whose confirmation was not
	// observed. Settlement reads its receipt on the next attempt.
	PendingTxHash             string
	SignatureHash             string
	BlockchainTransferSuccess bool
	CancelReason              string

	ExpiresAt   time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// Expired reports whether the record is past its deadline at now.
func (t Transfer) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// AssetStatus is the verification status of an asset.
type AssetStatus string

const (
	AssetPending  AssetStatus = "pending"
	AssetVerified AssetStatus = "verified"
	AssetRejected AssetStatus = "rejected"
)

// Asset is the off-chain mirror of a minted land parcel.
type Asset struct {
	TokenID     uint64
	OwnerID     string
	OwnerEmail  string
	OwnerName   string
	OwnerWallet string

	DocPointer  string
	LatitudeE6  int64
	LongitudeE6 int64
	AreaSqM     uint64

	Status AssetStatus

	MintTxHash  string
	MintBlock   uint64
	LastReceipt *Receipt

	RegisteredAt time.Time
	UpdatedAt    time.Time
}

// HistoryEntry is one off-chain ownership change of an asset.
type HistoryEntry struct {
	ID          string
	TokenID     uint64
	TransferKey string

	FromUserID string
	FromEmail  string
	FromName   string
	ToUserID   string
	ToEmail    string
	ToName     string
	ToWallet   string

	TransferredAt time.Time
	// Receipt is nil for database-only transfers.
	Receipt            *Receipt
	SignatureHash      string
	Price              decimal.NullDecimal
	BlockchainTransfer bool
	SignatureTransfer  bool
}

// OwnershipChange moves an asset to a new owner and appends its history
// entry. A nil Entry.Receipt leaves the asset's last receipt untouched.
type OwnershipChange struct {
	TokenID uint64
	// FromUserID must match the current owner unless the change was
	// already applied under the same transfer key.
	FromUserID string
	To         User
	Entry      HistoryEntry
}

// User is a directory entry resolved by the identity provider.
type User struct {
	ID     string
	Email  string
	Name   string
	Wallet string
}

// TransferStore persists transfer records.
type TransferStore interface {
	// CreateTransfer inserts t. Active records of the same property that
	// are past their deadline are expired first; ErrActiveTransfer is
	// returned if a live one remains.
	CreateTransfer(ctx context.Context, t Transfer) error
	GetTransfer(ctx context.Context, key string) (Transfer, error)
	// UpdateTransfer writes t if the stored status still equals expect.
	UpdateTransfer(ctx context.Context, t Transfer, expect Status) error
	ListTransfersBySeller(ctx context.Context, sellerID string, status Status) ([]Transfer, error)
	// ExpireTransfers moves records in one of statuses whose deadline is at
	// or before now to expired and returns how many moved.
	ExpireTransfers(ctx context.Context, now time.Time, statuses ...Status) (int64, error)
	// ListOverdue returns records in status whose deadline has passed.
	ListOverdue(ctx context.Context, now time.Time, status Status) ([]Transfer, error)
	// ReapTransfers deletes expired and cancelled records last updated
	// before cutoff.
	ReapTransfers(ctx context.Context, cutoff time.Time) (int64, error)
}

// AssetStore persists asset records and their ownership history.
type AssetStore interface {
	CreateAsset(ctx context.Context, a Asset) error
	GetAsset(ctx context.Context, tokenID uint64) (Asset, error)
	FindAsset(ctx context.Context, docPointer string, latE6, lonE6 int64) (Asset, error)
	SetAssetStatus(ctx context.Context, tokenID uint64, status AssetStatus) error
	// ApplyOwnershipChange applies c atomically. It reports false when an
	// entry for c.Entry.TransferKey already exists.
	ApplyOwnershipChange(ctx context.Context, c OwnershipChange) (bool, error)
	AssetHistory(ctx context.Context, tokenID uint64) ([]HistoryEntry, error)
}

// UserStore resolves directory entries.
type UserStore interface {
	PutUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, id string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
}
