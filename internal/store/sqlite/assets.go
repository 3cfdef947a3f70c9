package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/landchain/registry/internal/store"
)

const assetColumns = `token_id, owner_id, owner_email, owner_name, owner_wallet,
       doc_pointer, latitude_e6, longitude_e6, area_sqm, status,
       mint_tx_hash, mint_block, last_tx_hash, last_block_number, last_transfer_hash,
       registered_at, updated_at`

// CreateAsset implements store.AssetStore.
func (s *Store) CreateAsset(ctx context.Context, a store.Asset) error {
	if strings.TrimSpace(a.OwnerID) == "" {
		return errors.New("asset owner is required")
	}
	if strings.TrimSpace(a.DocPointer) == "" {
		return errors.New("asset document pointer is required")
	}
	if a.Status == "" {
		a.Status = store.AssetPending
	}
	if a.RegisteredAt.IsZero() {
		a.RegisteredAt = time.Now()
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.RegisteredAt
	}
	txHash, block, transferHash := receiptColumns(a.LastReceipt)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO assets (`+assetColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(a.TokenID), a.OwnerID, a.OwnerEmail, a.OwnerName, a.OwnerWallet,
		a.DocPointer, a.LatitudeE6, a.LongitudeE6, int64(a.AreaSqM), string(a.Status),
		a.MintTxHash, int64(a.MintBlock), txHash, block, transferHash,
		toMillis(a.RegisteredAt), toMillis(a.UpdatedAt),
	)
	if err != nil {
		if uniqueViolation(err, "") {
			return store.ErrAlreadyExists
		}
		return errors.Wrap(err, "insert asset")
	}
	return nil
}

// GetAsset implements store.AssetStore.
func (s *Store) GetAsset(ctx context.Context, tokenID uint64) (store.Asset, error) {
	return s.queryAsset(ctx, `SELECT `+assetColumns+` FROM assets WHERE token_id = ?`, int64(tokenID))
}

// FindAsset implements store.AssetStore.
func (s *Store) FindAsset(ctx context.Context, docPointer string, latE6, lonE6 int64) (store.Asset, error) {
	return s.queryAsset(ctx,
		`SELECT `+assetColumns+` FROM assets
		  WHERE doc_pointer = ? AND latitude_e6 = ? AND longitude_e6 = ?`,
		docPointer, latE6, lonE6,
	)
}

func (s *Store) queryAsset(ctx context.Context, query string, args ...any) (store.Asset, error) {
	a, err := scanAsset(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return store.Asset{}, store.ErrNotFound
	}
	if err != nil {
		return store.Asset{}, errors.Wrap(err, "get asset")
	}
	return a, nil
}

// SetAssetStatus implements store.AssetStore.
func (s *Store) SetAssetStatus(ctx context.Context, tokenID uint64, status store.AssetStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE assets SET status = ?, updated_at = ? WHERE token_id = ?`,
		string(status), toMillis(time.Now()), int64(tokenID),
	)
	if err != nil {
		return errors.Wrap(err, "set asset status")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "set asset status")
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ApplyOwnershipChange implements store.AssetStore.
func (s *Store) ApplyOwnershipChange(ctx context.Context, c store.OwnershipChange) (bool, error) {
	if strings.TrimSpace(c.Entry.TransferKey) == "" {
		return false, errors.New("history entry transfer key is required")
	}
	if strings.TrimSpace(c.To.ID) == "" {
		return false, errors.New("new owner is required")
	}

	e := c.Entry
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.TransferredAt.IsZero() {
		e.TransferredAt = time.Now()
	}
	e.TokenID = c.TokenID

	applied := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var found int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM asset_history WHERE transfer_key = ?`, e.TransferKey).Scan(&found)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return errors.Wrap(err, "check history")
		}

		var owner string
		err = tx.QueryRowContext(ctx,
			`SELECT owner_id FROM assets WHERE token_id = ?`, int64(c.TokenID)).Scan(&owner)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return errors.Wrap(err, "read asset owner")
		}
		if owner != c.FromUserID {
			return store.ErrConflict
		}

		now := toMillis(e.TransferredAt)
		if e.Receipt != nil {
			txHash, block, transferHash := receiptColumns(e.Receipt)
			_, err = tx.ExecContext(ctx,
				`UPDATE assets SET owner_id = ?, owner_email = ?, owner_name = ?, owner_wallet = ?,
				        last_tx_hash = ?, last_block_number = ?, last_transfer_hash = ?, updated_at = ?
				  WHERE token_id = ?`,
				c.To.ID, c.To.Email, c.To.Name, c.To.Wallet,
				txHash, block, transferHash, now, int64(c.TokenID),
			)
		} else {
			_, err = tx.ExecContext(ctx,
				`UPDATE assets SET owner_id = ?, owner_email = ?, owner_name = ?, owner_wallet = ?, updated_at = ?
				  WHERE token_id = ?`,
				c.To.ID, c.To.Email, c.To.Name, c.To.Wallet, now, int64(c.TokenID),
			)
		}
		if err != nil {
			return errors.Wrap(err, "update asset owner")
		}

		txHash, block, transferHash := receiptColumns(e.Receipt)
		_, err = tx.ExecContext(ctx,
			`INSERT INTO asset_history (
			   id, token_id, transfer_key,
			   from_user_id, from_email, from_name,
			   to_user_id, to_email, to_name, to_wallet,
			   transferred_at, tx_hash, block_number, transfer_hash, signature_hash,
			   price, blockchain_transfer, signature_transfer
			 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, int64(e.TokenID), e.TransferKey,
			e.FromUserID, e.FromEmail, e.FromName,
			e.ToUserID, e.ToEmail, e.ToName, e.ToWallet,
			now, txHash, block, transferHash, e.SignatureHash,
			nullPrice(e.Price), boolInt(e.BlockchainTransfer), boolInt(e.SignatureTransfer),
		)
		if err != nil {
			return errors.Wrap(err, "append history")
		}
		applied = true
		return nil
	})
	return applied, err
}

// AssetHistory implements store.AssetStore. Oldest first.
func (s *Store) AssetHistory(ctx context.Context, tokenID uint64) ([]store.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, token_id, transfer_key,
		        from_user_id, from_email, from_name,
		        to_user_id, to_email, to_name, to_wallet,
		        transferred_at, tx_hash, block_number, transfer_hash, signature_hash,
		        price, blockchain_transfer, signature_transfer
		   FROM asset_history
		  WHERE token_id = ?
		  ORDER BY transferred_at ASC, id ASC`,
		int64(tokenID),
	)
	if err != nil {
		return nil, errors.Wrap(err, "list asset history")
	}
	defer rows.Close()

	var out []store.HistoryEntry
	for rows.Next() {
		var (
			e                    store.HistoryEntry
			tid, at              int64
			txHash, transferHash sql.NullString
			block                sql.NullInt64
			price                sql.NullString
			onChain, signed      int
		)
		if err := rows.Scan(
			&e.ID, &tid, &e.TransferKey,
			&e.FromUserID, &e.FromEmail, &e.FromName,
			&e.ToUserID, &e.ToEmail, &e.ToName, &e.ToWallet,
			&at, &txHash, &block, &transferHash, &e.SignatureHash,
			&price, &onChain, &signed,
		); err != nil {
			return nil, errors.Wrap(err, "scan history")
		}
		e.TokenID = uint64(tid)
		e.TransferredAt = fromMillis(at)
		e.Receipt = receiptFrom(txHash, block, transferHash)
		if e.Price, err = priceFrom(price); err != nil {
			return nil, err
		}
		e.BlockchainTransfer = onChain == 1
		e.SignatureTransfer = signed == 1
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "iterate history")
}

func scanAsset(row scanner) (store.Asset, error) {
	var (
		a                    store.Asset
		tokenID, area, block int64
		status               string
		txHash, transferHash sql.NullString
		lastBlock            sql.NullInt64
		registered, updated  int64
	)
	err := row.Scan(
		&tokenID, &a.OwnerID, &a.OwnerEmail, &a.OwnerName, &a.OwnerWallet,
		&a.DocPointer, &a.LatitudeE6, &a.LongitudeE6, &area, &status,
		&a.MintTxHash, &block, &txHash, &lastBlock, &transferHash,
		&registered, &updated,
	)
	if err != nil {
		return store.Asset{}, err
	}
	a.TokenID = uint64(tokenID)
	a.AreaSqM = uint64(area)
	a.Status = store.AssetStatus(status)
	a.MintBlock = uint64(block)
	a.LastReceipt = receiptFrom(txHash, lastBlock, transferHash)
	a.RegisteredAt = fromMillis(registered)
	a.UpdatedAt = fromMillis(updated)
	return a, nil
}
