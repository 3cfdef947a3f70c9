package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/landchain/registry/internal/store"
)

const transferColumns = `transfer_key, kind, property_id,
       seller_id, seller_email, seller_wallet, seller_signature, seller_signed_at,
       buyer_id, buyer_email, buyer_wallet, buyer_signature, buyer_signed_at,
       price, currency, status,
       auth_holder, auth_signature, auth_hash, auth_nonce, auth_deadline,
       tx_hash, block_number, transfer_hash, signature_hash,
       blockchain_transfer_success, cancel_reason,
       expires_at, created_at, updated_at, completed_at,
       auth_domain, pending_tx_hash`

// staleStatuses are the active statuses a new transfer may supersede once
// their deadline has passed. A both_signed record may have a settlement in
// flight and is never superseded.
var staleStatuses = []store.Status{
	store.StatusPending,
	store.StatusBuyerAccepted,
	store.StatusSignatureGenerated,
}

// CreateTransfer implements store.TransferStore.
func (s *Store) CreateTransfer(ctx context.Context, t store.Transfer) error {
	if err := validateTransfer(t); err != nil {
		return err
	}
	now := t.CreatedAt
	if now.IsZero() {
		now = time.Now()
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		q, args := inStatuses(
			`UPDATE transfers SET status = ?, updated_at = ?
			  WHERE property_id = ? AND expires_at <= ? AND status IN (%s)`,
			staleStatuses,
			string(store.StatusExpired), toMillis(now), int64(t.PropertyID), toMillis(now),
		)
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return errors.Wrap(err, "expire stale transfers")
		}

		_, err := tx.ExecContext(ctx,
			`INSERT INTO transfers (`+transferColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			transferArgs(t)...,
		)
		if err != nil {
			if uniqueViolation(err, "transfers.property_id") {
				return store.ErrActiveTransfer
			}
			if uniqueViolation(err, "") {
				return store.ErrAlreadyExists
			}
			return errors.Wrap(err, "insert transfer")
		}
		return nil
	})
}

// GetTransfer implements store.TransferStore.
func (s *Store) GetTransfer(ctx context.Context, key string) (store.Transfer, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+transferColumns+` FROM transfers WHERE transfer_key = ?`, key)
	t, err := scanTransfer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Transfer{}, store.ErrNotFound
	}
	if err != nil {
		return store.Transfer{}, errors.Wrap(err, "get transfer")
	}
	return t, nil
}

// UpdateTransfer implements store.TransferStore.
func (s *Store) UpdateTransfer(ctx context.Context, t store.Transfer, expect store.Status) error {
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now()
	}
	price := nullPrice(t.Price)
	holder, sig, hash, nonce, deadline := authColumns(t.Auth)
	txHash, block, transferHash := receiptColumns(t.Receipt)

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE transfers SET
			   seller_wallet = ?, seller_signature = ?, seller_signed_at = ?,
			   buyer_id = ?, buyer_wallet = ?, buyer_signature = ?, buyer_signed_at = ?,
			   price = ?, status = ?,
			   auth_holder = ?, auth_signature = ?, auth_hash = ?, auth_nonce = ?, auth_deadline = ?,
			   tx_hash = ?, block_number = ?, transfer_hash = ?, signature_hash = ?,
			   blockchain_transfer_success = ?, cancel_reason = ?,
			   updated_at = ?, completed_at = ?,
			   auth_domain = ?, pending_tx_hash = ?
			 WHERE transfer_key = ? AND status = ?`,
			t.SellerWallet, t.SellerSignature, nullMillis(t.SellerSignedAt),
			t.BuyerID, t.BuyerWallet, t.BuyerSignature, nullMillis(t.BuyerSignedAt),
			price, string(t.Status),
			holder, sig, hash, nonce, deadline,
			txHash, block, transferHash, t.SignatureHash,
			boolInt(t.BlockchainTransferSuccess), t.CancelReason,
			toMillis(t.UpdatedAt), nullMillis(t.CompletedAt),
			authDomain(t.Auth), t.PendingTxHash,
			t.Key, string(expect),
		)
		if err != nil {
			return errors.Wrap(err, "update transfer")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "update transfer")
		}
		if n == 1 {
			return nil
		}

		var found int
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM transfers WHERE transfer_key = ?`, t.Key).Scan(&found)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return errors.Wrap(err, "update transfer")
		}
		return store.ErrConflict
	})
}

// ListTransfersBySeller implements store.TransferStore. Newest first.
func (s *Store) ListTransfersBySeller(ctx context.Context, sellerID string, status store.Status) ([]store.Transfer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+transferColumns+` FROM transfers
		  WHERE seller_id = ? AND status = ?
		  ORDER BY created_at DESC`,
		sellerID, string(status),
	)
	if err != nil {
		return nil, errors.Wrap(err, "list seller transfers")
	}
	return collectTransfers(rows)
}

// ExpireTransfers implements store.TransferStore.
func (s *Store) ExpireTransfers(ctx context.Context, now time.Time, statuses ...store.Status) (int64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	q, args := inStatuses(
		`UPDATE transfers SET status = ?, updated_at = ?
		  WHERE expires_at <= ? AND status IN (%s)`,
		statuses,
		string(store.StatusExpired), toMillis(now), toMillis(now),
	)
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, errors.Wrap(err, "expire transfers")
	}
	n, err := res.RowsAffected()
	return n, errors.Wrap(err, "expire transfers")
}

// ListOverdue implements store.TransferStore.
func (s *Store) ListOverdue(ctx context.Context, now time.Time, status store.Status) ([]store.Transfer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+transferColumns+` FROM transfers
		  WHERE status = ? AND expires_at <= ?
		  ORDER BY expires_at ASC`,
		string(status), toMillis(now),
	)
	if err != nil {
		return nil, errors.Wrap(err, "list overdue transfers")
	}
	return collectTransfers(rows)
}

// ReapTransfers implements store.TransferStore.
func (s *Store) ReapTransfers(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM transfers WHERE status IN (?, ?) AND updated_at < ?`,
		string(store.StatusExpired), string(store.StatusCancelled), toMillis(cutoff),
	)
	if err != nil {
		return 0, errors.Wrap(err, "reap transfers")
	}
	n, err := res.RowsAffected()
	return n, errors.Wrap(err, "reap transfers")
}

func validateTransfer(t store.Transfer) error {
	switch {
	case strings.TrimSpace(t.Key) == "":
		return errors.New("transfer key is required")
	case strings.TrimSpace(t.SellerID) == "":
		return errors.New("seller id is required")
	case strings.TrimSpace(t.BuyerEmail) == "":
		return errors.New("buyer email is required")
	case t.ExpiresAt.IsZero():
		return errors.New("expiry is required")
	case !t.Status.Active():
		return errors.Errorf("cannot create a transfer in status %q", t.Status)
	}
	return nil
}

// inStatuses expands the single %s in query to one placeholder per status.
// Leading args precede the statuses in the returned argument list.
func inStatuses(query string, statuses []store.Status, leading ...any) (string, []any) {
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	args := make([]any, 0, len(leading)+len(statuses))
	args = append(args, leading...)
	for _, st := range statuses {
		args = append(args, string(st))
	}
	return strings.Replace(query, "%s", marks, 1), args
}

func nullPrice(p decimal.NullDecimal) sql.NullString {
	if !p.Valid {
		return sql.NullString{}
	}
	return sql.NullString{String: p.Decimal.String(), Valid: true}
}

func priceFrom(v sql.NullString) (decimal.NullDecimal, error) {
	if !v.Valid {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(v.String)
	if err != nil {
		return decimal.NullDecimal{}, errors.Wrapf(err, "parse price %q", v.String)
	}
	return decimal.NewNullDecimal(d), nil
}

func authColumns(a *store.Authorization) (string, string, string, int64, sql.NullInt64) {
	if a == nil {
		return "", "", "", 0, sql.NullInt64{}
	}
	return a.Holder, a.Signature, a.Hash, int64(a.Nonce), nullMillis(&a.Deadline)
}

func authDomain(a *store.Authorization) string {
	if a == nil {
		return ""
	}
	return a.Domain
}

func transferArgs(t store.Transfer) []any {
	holder, sig, hash, nonce, deadline := authColumns(t.Auth)
	txHash, block, transferHash := receiptColumns(t.Receipt)
	return []any{
		t.Key, string(t.Kind), int64(t.PropertyID),
		t.SellerID, t.SellerEmail, t.SellerWallet, t.SellerSignature, nullMillis(t.SellerSignedAt),
		t.BuyerID, t.BuyerEmail, t.BuyerWallet, t.BuyerSignature, nullMillis(t.BuyerSignedAt),
		nullPrice(t.Price), t.Currency, string(t.Status),
		holder, sig, hash, nonce, deadline,
		txHash, block, transferHash, t.SignatureHash,
		boolInt(t.BlockchainTransferSuccess), t.CancelReason,
		toMillis(t.ExpiresAt), toMillis(t.CreatedAt), toMillis(t.UpdatedAt), nullMillis(t.CompletedAt),
		authDomain(t.Auth), t.PendingTxHash,
	}
}

func scanTransfer(row scanner) (store.Transfer, error) {
	var (
		t                       store.Transfer
		kind, status            string
		propertyID              int64
		sellerSigned, buyerSign sql.NullInt64
		price                   sql.NullString
		holder, sig, hash       string
		domain                  string
		nonce                   int64
		deadline                sql.NullInt64
		txHash, transferHash    sql.NullString
		block                   sql.NullInt64
		onChain                 int
		expires, created, upd   int64
		completed               sql.NullInt64
	)
	err := row.Scan(
		&t.Key, &kind, &propertyID,
		&t.SellerID, &t.SellerEmail, &t.SellerWallet, &t.SellerSignature, &sellerSigned,
		&t.BuyerID, &t.BuyerEmail, &t.BuyerWallet, &t.BuyerSignature, &buyerSign,
		&price, &t.Currency, &status,
		&holder, &sig, &hash, &nonce, &deadline,
		&txHash, &block, &transferHash, &t.SignatureHash,
		&onChain, &t.CancelReason,
		&expires, &created, &upd, &completed,
		&domain, &t.PendingTxHash,
	)
	if err != nil {
		return store.Transfer{}, err
	}

	t.Kind = store.Kind(kind)
	t.Status = store.Status(status)
	t.PropertyID = uint64(propertyID)
	t.SellerSignedAt = timePtr(sellerSigned)
	t.BuyerSignedAt = timePtr(buyerSign)
	if t.Price, err = priceFrom(price); err != nil {
		return store.Transfer{}, err
	}
	if sig != "" {
		t.Auth = &store.Authorization{
			Holder:    holder,
			Signature: sig,
			Hash:      hash,
			Nonce:     uint64(nonce),
			Domain:    domain,
		}
		if d := timePtr(deadline); d != nil {
			t.Auth.Deadline = *d
		}
	}
	t.Receipt = receiptFrom(txHash, block, transferHash)
	t.BlockchainTransferSuccess = onChain == 1
	t.ExpiresAt = fromMillis(expires)
	t.CreatedAt = fromMillis(created)
	t.UpdatedAt = fromMillis(upd)
	t.CompletedAt = timePtr(completed)
	return t, nil
}

func collectTransfers(rows *sql.Rows) ([]store.Transfer, error) {
	defer rows.Close()

	var out []store.Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan transfer")
		}
		out = append(out, t)
	}
	return out, errors.Wrap(rows.Err(), "iterate transfers")
}
