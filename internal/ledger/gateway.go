// Package ledger is the typed gateway to the land registry contract. It
// submits mint and transfer calls, waits for confirmation, decodes the
// emitted events and classifies ledger failures.
package ledger

import (
	"context"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"

	"github.com/landchain/registry/internal/transferauth"
)

const (
	DefaultGasMarginPercent = 20
	DefaultConfirmations    = 1
	DefaultPollInterval     = 2 * time.Second
	DefaultConfirmTimeout   = 2 * time.Minute
	DefaultReadRetries      = 4
	DefaultHistoryPageSize  = 50
)

// Options configures a Gateway. Zero values take the defaults above.
type Options struct {
	GasMarginPercent uint64
	Confirmations    uint64
	PollInterval     time.Duration
	ConfirmTimeout   time.Duration
	ReadRetries      uint
	HistoryPageSize  uint64
	Logger           *slog.Logger
	Observer         Observer
}

// Gateway is the typed facade over one Backend.
type Gateway struct {
	backend Backend
	opts    Options
	log     *slog.Logger
	obs     Observer
}

// Receipt is a confirmed transaction.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	Events      []Event
}

// MintResult is the outcome of Mint.
type MintResult struct {
	TokenID     uint64
	TxHash      common.Hash
	BlockNumber uint64
}

// TransferResult is the outcome of a transfer. AlreadyOwned reports a
// no-op because the target already held the token; receipt fields are then
// zero.
type TransferResult struct {
	TxHash        common.Hash
	BlockNumber   uint64
	TransferHash  common.Hash
	SignatureHash common.Hash
	AlreadyOwned  bool
}

// New returns a gateway over b.
func New(b Backend, opts Options) *Gateway {
	if opts.GasMarginPercent == 0 {
		opts.GasMarginPercent = DefaultGasMarginPercent
	}
	if opts.Confirmations == 0 {
		opts.Confirmations = DefaultConfirmations
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = DefaultConfirmTimeout
	}
	if opts.ReadRetries == 0 {
		opts.ReadRetries = DefaultReadRetries
	}
	if opts.HistoryPageSize == 0 {
		opts.HistoryPageSize = DefaultHistoryPageSize
	}
	g := &Gateway{backend: b, opts: opts, log: opts.Logger, obs: opts.Observer}
	if g.log == nil {
		g.log = slog.Default()
	}
	if g.obs == nil {
		g.obs = nopObserver{}
	}
	g.log = g.log.With("component", "ledger", "signer", b.Signer().Hex())
	return g
}

// Signer is the address the gateway submits transactions from.
func (g *Gateway) Signer() common.Address { return g.backend.Signer() }

// Close releases the backend.
func (g *Gateway) Close() error { return g.backend.Close() }

// ============================================================
// Reads
// ============================================================

// CurrentOwner returns the holder of tokenID.
func (g *Gateway) CurrentOwner(ctx context.Context, tokenID uint64) (common.Address, error) {
	return readRetry(ctx, g, func() (common.Address, error) {
		return g.backend.OwnerOf(ctx, tokenID)
	})
}

// LandData returns the on-ledger registration data of tokenID.
func (g *Gateway) LandData(ctx context.Context, tokenID uint64) (LandData, error) {
	return readRetry(ctx, g, func() (LandData, error) {
		return g.backend.LandData(ctx, tokenID)
	})
}

// LandExists reports whether a parcel with the same document pointer and
// coordinates is already minted.
func (g *Gateway) LandExists(ctx context.Context, p Parcel) (bool, error) {
	return readRetry(ctx, g, func() (bool, error) {
		return g.backend.LandExists(ctx, p.DocPointer, p.Latitude, p.Longitude)
	})
}

// TransferHistory yields the ownership changes of tokenID oldest first,
// beginning at index start. Pages are fetched as the sequence is
// consumed, so an interrupted walk can resume from the last index seen.
// A read failure is yielded once and ends the sequence.
func (g *Gateway) TransferHistory(ctx context.Context, tokenID, start uint64) iter.Seq2[HistoryEntry, error] {
	return func(yield func(HistoryEntry, error) bool) {
		offset := start
		for {
			page, err := readRetry(ctx, g, func() ([]HistoryEntry, error) {
				return g.backend.TransferHistory(ctx, tokenID, offset, g.opts.HistoryPageSize)
			})
			if err != nil {
				yield(HistoryEntry{}, err)
				return
			}
			for _, entry := range page {
				if !yield(entry, nil) {
					return
				}
			}
			if uint64(len(page)) < g.opts.HistoryPageSize {
				return
			}
			offset += uint64(len(page))
		}
	}
}

// ============================================================
// Writes
// ============================================================

// Mint registers p as a new token held by to. A parcel that is already on
// the ledger fails with ErrDuplicateAsset before anything is submitted. If
// the signer lacks minting rights and is the contract admin, it grants
// them to itself once and retries.
func (g *Gateway) Mint(ctx context.Context, to common.Address, p Parcel) (MintResult, error) {
	exists, err := g.LandExists(ctx, p)
	if err != nil {
		return MintResult{}, err
	}
	if exists {
		return MintResult{}, newError(CodeDuplicateAsset, "parcel %s at (%d, %d) is already registered", p.DocPointer, p.Latitude, p.Longitude)
	}

	rcpt, err := g.estimateAndSubmit(ctx, MintCall(to, p))
	if errors.Is(err, ErrNotAuthorized) {
		if rerr := g.grantSelfRegistrar(ctx); rerr != nil {
			return MintResult{}, err
		}
		rcpt, err = g.estimateAndSubmit(ctx, MintCall(to, p))
	}
	if err != nil {
		return MintResult{}, err
	}

	ev, ok := findEvent(rcpt.Events, EventLandRegistered)
	if !ok {
		return MintResult{}, &Error{Code: CodeReverted, Msg: "mint confirmed without LandRegistered event", TxHash: rcpt.TxHash}
	}
	return MintResult{TokenID: ev.TokenID, TxHash: rcpt.TxHash, BlockNumber: rcpt.BlockNumber}, nil
}

func (g *Gateway) grantSelfRegistrar(ctx context.Context) error {
	admin, err := readRetry(ctx, g, func() (common.Address, error) {
		return g.backend.Admin(ctx)
	})
	if err != nil {
		return err
	}
	signer := g.backend.Signer()
	if admin != signer {
		return newError(CodeNotAuthorized, "signer %s is not the contract admin %s", signer.Hex(), admin.Hex())
	}
	g.log.InfoContext(ctx, "granting registrar role to signer")
	_, err = g.estimateAndSubmit(ctx, AddRegistrarCall(signer))
	return err
}

// TransferDirect moves tokenID from from to to through the contract's
// transfer entry point. The signer must be from or approved by it. If to
// already holds the token nothing is submitted.
func (g *Gateway) TransferDirect(ctx context.Context, tokenID uint64, from, to common.Address) (TransferResult, error) {
	if from == to {
		return TransferResult{AlreadyOwned: true}, nil
	}
	defer lockToken(g.backend.Domain(), tokenID)()

	owner, err := g.CurrentOwner(ctx, tokenID)
	if err != nil {
		return TransferResult{}, err
	}
	if owner == to {
		return TransferResult{AlreadyOwned: true}, nil
	}
	if owner != from {
		return TransferResult{}, newError(CodeNotOwner, "token %d is held by %s, not %s", tokenID, owner.Hex(), from.Hex())
	}

	signer := g.backend.Signer()
	if signer != from {
		approved, err := readRetry(ctx, g, func() (bool, error) {
			return g.backend.IsApproved(ctx, tokenID, from, signer)
		})
		if err != nil {
			return TransferResult{}, err
		}
		if !approved {
			return TransferResult{}, newError(CodeNotOwner, "signer %s may not move token %d of %s", signer.Hex(), tokenID, from.Hex())
		}
	}

	rcpt, err := g.estimateAndSubmit(ctx, TransferFromCall(from, to, tokenID))
	if err != nil {
		return TransferResult{}, err
	}
	return transferResult(rcpt), nil
}

// SignTransfer authorizes moving tokenID from the signer to to until
// deadline. The signer must hold the token; the authorization uses the
// token's next nonce.
func (g *Gateway) SignTransfer(ctx context.Context, tokenID uint64, to common.Address, deadline time.Time) (SignedTransfer, error) {
	holder := g.backend.Signer()
	owner, err := g.CurrentOwner(ctx, tokenID)
	if err != nil {
		return SignedTransfer{}, err
	}
	if owner != holder {
		return SignedTransfer{}, newError(CodeNotOwner, "token %d is held by %s, not signer %s", tokenID, owner.Hex(), holder.Hex())
	}
	nonce, err := readRetry(ctx, g, func() (uint64, error) {
		return g.backend.Nonce(ctx, tokenID)
	})
	if err != nil {
		return SignedTransfer{}, err
	}

	auth := transferauth.Authorization{
		Domain:   g.backend.Domain(),
		TokenID:  tokenID,
		From:     holder,
		To:       to,
		Nonce:    nonce,
		Deadline: deadline.Unix(),
	}
	sig, err := g.backend.Sign(ctx, auth.SigningHash())
	if err != nil {
		return SignedTransfer{}, errors.Wrap(err, "sign transfer authorization")
	}
	return SignedTransfer{Auth: auth, Signature: sig}, nil
}

// TransferWithSignature submits a signed authorization. If the authorized
// recipient already holds the token nothing is submitted.
func (g *Gateway) TransferWithSignature(ctx context.Context, st SignedTransfer) (TransferResult, error) {
	a := st.Auth
	sigHash := transferauth.SignatureHash(st.Signature)
	defer lockToken(g.backend.Domain(), a.TokenID)()

	owner, err := g.CurrentOwner(ctx, a.TokenID)
	if err != nil {
		return TransferResult{}, err
	}
	if owner == a.To {
		return TransferResult{AlreadyOwned: true, SignatureHash: sigHash}, nil
	}
	if time.Now().Unix() > a.Deadline {
		return TransferResult{}, newError(CodeSignatureExpired, "authorization for token %d expired at %d", a.TokenID, a.Deadline)
	}
	if owner != a.From {
		return TransferResult{}, newError(CodeNotOwner, "token %d is held by %s, not %s", a.TokenID, owner.Hex(), a.From.Hex())
	}

	rcpt, err := g.estimateAndSubmit(ctx, TransferWithSignatureCall(st))
	if err != nil {
		return TransferResult{}, err
	}
	res := transferResult(rcpt)
	res.SignatureHash = sigHash
	return res, nil
}

// TransferReceipt reads the receipt of an earlier transfer submission, such
// as one that timed out waiting for confirmation. A transaction the backend
// does not report as mined yields CONFIRMATION_TIMEOUT.
func (g *Gateway) TransferReceipt(ctx context.Context, hash common.Hash) (TransferResult, error) {
	r, err := readRetry(ctx, g, func() (*types.Receipt, error) {
		r, err := g.backend.Receipt(ctx, hash)
		if errors.Is(err, ErrPending) {
			return nil, backoff.Permanent(&Error{Code: CodeConfirmationTimeout, Msg: "transaction not mined", TxHash: hash, Err: err})
		}
		return r, err
	})
	if err != nil {
		return TransferResult{}, err
	}
	if r.Status != types.ReceiptStatusSuccessful {
		return TransferResult{}, &Error{Code: CodeReverted, Msg: "transfer reverted", TxHash: hash}
	}
	return transferResult(&Receipt{TxHash: hash, BlockNumber: r.BlockNumber.Uint64(), Events: DecodeEvents(r.Logs)}), nil
}

func transferResult(rcpt *Receipt) TransferResult {
	res := TransferResult{TxHash: rcpt.TxHash, BlockNumber: rcpt.BlockNumber}
	if ev, ok := findEvent(rcpt.Events, EventLandTransferred); ok {
		res.TransferHash = ev.TransferHash
	}
	return res
}

// ============================================================
// Submission
// ============================================================

var signerLocks sync.Map

// lockSigner serializes nonce assignment for one signing identity across
// every gateway in the process.
func lockSigner(signer common.Address) func() {
	v, _ := signerLocks.LoadOrStore(signer, new(sync.Mutex))
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

var tokenLocks sync.Map

type tokenRef struct {
	domain common.Address
	id     uint64
}

// lockToken serializes the owner check and submission of transfers of one
// token, so a second caller observes the first caller's confirmed result.
func lockToken(domain common.Address, tokenID uint64) func() {
	v, _ := tokenLocks.LoadOrStore(tokenRef{domain, tokenID}, new(sync.Mutex))
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

var errUnconfirmed = errors.New("transaction not confirmed")

// estimateAndSubmit estimates gas, adds the safety margin, sends the call
// and blocks until it is confirmed. A sent transaction is never resent.
func (g *Gateway) estimateAndSubmit(ctx context.Context, call Call) (*Receipt, error) {
	start := time.Now()
	rcpt, err := g.submit(ctx, call)
	outcome := "confirmed"
	if err != nil {
		outcome = string(CodeOf(err))
	}
	g.obs.Submitted(call.Method, outcome, time.Since(start))
	return rcpt, err
}

func (g *Gateway) submit(ctx context.Context, call Call) (*Receipt, error) {
	unlock := lockSigner(g.backend.Signer())
	estimate, err := g.backend.EstimateGas(ctx, call)
	if err != nil {
		unlock()
		return nil, classify(errors.Wrapf(err, "estimate %s", call.Method))
	}
	gasLimit := estimate + estimate*g.opts.GasMarginPercent/100
	hash, err := g.backend.Send(ctx, call, gasLimit)
	unlock()
	if err != nil {
		return nil, classify(errors.Wrapf(err, "send %s", call.Method))
	}
	g.log.InfoContext(ctx, "transaction submitted", "method", call.Method, "tx", hash.Hex(), "gas", gasLimit)

	r, err := g.waitConfirmed(ctx, hash)
	if err != nil {
		le := &Error{Code: CodeConfirmationTimeout, Msg: call.Method, TxHash: hash, Err: err}
		g.log.WarnContext(ctx, "transaction unconfirmed", "method", call.Method, "tx", hash.Hex(), "error", err)
		return nil, le
	}

	block := r.BlockNumber.Uint64()
	g.log.InfoContext(ctx, "transaction confirmed", "method", call.Method, "tx", hash.Hex(), "block", block, "status", r.Status)
	if r.Status != types.ReceiptStatusSuccessful {
		return nil, &Error{Code: CodeReverted, Msg: call.Method + " reverted", TxHash: hash}
	}
	return &Receipt{TxHash: hash, BlockNumber: block, Events: DecodeEvents(r.Logs)}, nil
}

// waitConfirmed polls for the receipt of hash until it is buried under the
// configured confirmation depth or the confirmation timeout passes.
func (g *Gateway) waitConfirmed(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	poll := func() (*types.Receipt, error) {
		r, err := g.backend.Receipt(ctx, hash)
		if err != nil {
			if errors.Is(err, ErrPending) {
				return nil, errUnconfirmed
			}
			return nil, err
		}
		if g.opts.Confirmations > 1 {
			head, err := g.backend.BlockNumber(ctx)
			if err != nil {
				return nil, err
			}
			if head+1 < r.BlockNumber.Uint64()+g.opts.Confirmations {
				return nil, errUnconfirmed
			}
		}
		return r, nil
	}
	return backoff.Retry(ctx, poll,
		backoff.WithBackOff(backoff.NewConstantBackOff(g.opts.PollInterval)),
		backoff.WithMaxElapsedTime(g.opts.ConfirmTimeout),
	)
}

// readRetry runs a read with exponential backoff. Only transient failures
// are retried.
func readRetry[T any](ctx context.Context, g *Gateway, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.opts.PollInterval / 4
	b.MaxInterval = g.opts.PollInterval * 4

	v, err := backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil {
			err = classify(err)
			if !IsTransient(err) {
				return v, backoff.Permanent(err)
			}
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(g.opts.ReadRetries))
	if err != nil {
		return v, classify(err)
	}
	return v, nil
}
