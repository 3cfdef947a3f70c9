// Package landregistry implements the land parcel token contract on
// Hyperledger Fabric: registrar-gated minting with a duplicate parcel
// guard, owner and approval checked transfers, signature authorized
// transfers, and an append-only per-token transfer history.
package landregistry

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/hyperledger/fabric-contract-api-go/contractapi"

	"github.com/landchain/registry/internal/transferauth"
)

// LandRegistryContract is the land parcel token contract.
type LandRegistryContract struct {
	contractapi.Contract
}

// ============================================================
// ADMINISTRATION
// ============================================================

// InitLedger makes the caller the registry admin and binds signed
// transfer authorizations to domain. It can run only once.
func (s *LandRegistryContract) InitLedger(ctx contractapi.TransactionContextInterface, domain string) error {
	caller, err := getCallerAddress(ctx)
	if err != nil {
		return err
	}
	domain, err = normalizeAddress("domain", domain)
	if err != nil {
		return err
	}

	existing, err := ctx.GetStub().GetState(configKey)
	if err != nil {
		return fmt.Errorf("failed to read world state: %v", err)
	}
	if existing != nil {
		return fmt.Errorf("ALREADY_INITIALIZED: registry admin is already set")
	}

	cfg := RegistryConfig{
		DocType:     "registryConfig",
		Admin:       caller,
		Domain:      domain,
		NextTokenID: 1,
	}
	return putJSON(ctx, configKey, cfg)
}

// Admin returns the registry admin address.
func (s *LandRegistryContract) Admin(ctx contractapi.TransactionContextInterface) (string, error) {
	cfg, err := getConfig(ctx)
	if err != nil {
		return "", err
	}
	return cfg.Admin, nil
}

// AddRegistrar grants minting rights. Only the admin can call this.
func (s *LandRegistryContract) AddRegistrar(ctx contractapi.TransactionContextInterface, registrar string) error {
	admin, err := requireAdmin(ctx)
	if err != nil {
		return err
	}
	registrar, err = normalizeAddress("registrar", registrar)
	if err != nil {
		return err
	}

	key, err := createRegistrarKey(ctx, registrar)
	if err != nil {
		return fmt.Errorf("failed to create registrar key: %v", err)
	}
	if err := ctx.GetStub().PutState(key, []byte{0x01}); err != nil {
		return fmt.Errorf("failed to put state: %v", err)
	}

	return emitEvent(ctx, EventRegistrarAdded, RegistrarAddedEvent{
		Type:      EventRegistrarAdded,
		Registrar: registrar,
		AddedBy:   admin,
		TxID:      ctx.GetStub().GetTxID(),
	})
}

// IsRegistrar reports whether address holds minting rights.
func (s *LandRegistryContract) IsRegistrar(ctx contractapi.TransactionContextInterface, address string) (bool, error) {
	address, err := normalizeAddress("address", address)
	if err != nil {
		return false, err
	}
	return isRegistrar(ctx, address)
}

// ============================================================
// MINTING
// ============================================================

// MintLand mints a new land token to the given owner and returns its id.
// Only registrars can mint. A parcel with the same document pointer and
// coordinates can be minted once.
// Emits LandRegistered.
func (s *LandRegistryContract) MintLand(ctx contractapi.TransactionContextInterface, to string, ipfsHash string, latitude int64, longitude int64, area uint64) (uint64, error) {
	registrar, err := requireRegistrar(ctx)
	if err != nil {
		return 0, err
	}
	to, err = normalizeAddress("to", to)
	if err != nil {
		return 0, err
	}
	ipfsHash = strings.TrimSpace(ipfsHash)
	if ipfsHash == "" {
		return 0, fmt.Errorf("VALIDATION_ERROR: ipfsHash cannot be empty")
	}
	if latitude < -90_000000 || latitude > 90_000000 || longitude < -180_000000 || longitude > 180_000000 {
		return 0, fmt.Errorf("VALIDATION_ERROR: coordinates (%d, %d) out of range", latitude, longitude)
	}
	if area == 0 {
		return 0, fmt.Errorf("VALIDATION_ERROR: area must be positive")
	}

	hash := contentHash(ipfsHash, latitude, longitude)
	contentKey, err := createContentKey(ctx, hash)
	if err != nil {
		return 0, fmt.Errorf("failed to create content key: %v", err)
	}
	existing, err := ctx.GetStub().GetState(contentKey)
	if err != nil {
		return 0, fmt.Errorf("failed to read world state: %v", err)
	}
	if existing != nil {
		return 0, fmt.Errorf("DUPLICATE_ASSET: land already registered as token %s", string(existing))
	}

	cfg, err := getConfig(ctx)
	if err != nil {
		return 0, err
	}
	now, err := txUnix(ctx)
	if err != nil {
		return 0, err
	}
	txID := ctx.GetStub().GetTxID()

	token := LandToken{
		DocType:      "landToken",
		TokenID:      cfg.NextTokenID,
		Owner:        to,
		IPFSHash:     ipfsHash,
		Latitude:     latitude,
		Longitude:    longitude,
		Area:         area,
		ContentHash:  hash,
		RegisteredAt: now,
		RegisteredBy: registrar,
		TxID:         txID,
	}
	landKey, err := createLandKey(ctx, token.TokenID)
	if err != nil {
		return 0, fmt.Errorf("failed to create land key: %v", err)
	}
	if err := putJSON(ctx, landKey, token); err != nil {
		return 0, err
	}
	if err := ctx.GetStub().PutState(contentKey, []byte(formatTokenID(token.TokenID))); err != nil {
		return 0, fmt.Errorf("failed to put state: %v", err)
	}

	cfg.NextTokenID++
	cfg.TotalLands++
	if err := putJSON(ctx, configKey, cfg); err != nil {
		return 0, err
	}

	event := LandRegisteredEvent{
		Type:      EventLandRegistered,
		TokenID:   token.TokenID,
		Owner:     to,
		IPFSHash:  ipfsHash,
		Timestamp: now,
		TxID:      txID,
	}
	if err := emitEvent(ctx, EventLandRegistered, event); err != nil {
		return 0, err
	}
	return token.TokenID, nil
}

// ============================================================
// QUERIES
// ============================================================

// LandExists reports whether a parcel with this document pointer and
// coordinates has been minted.
func (s *LandRegistryContract) LandExists(ctx contractapi.TransactionContextInterface, ipfsHash string, latitude int64, longitude int64) (bool, error) {
	key, err := createContentKey(ctx, contentHash(strings.TrimSpace(ipfsHash), latitude, longitude))
	if err != nil {
		return false, fmt.Errorf("failed to create content key: %v", err)
	}
	existing, err := ctx.GetStub().GetState(key)
	if err != nil {
		return false, fmt.Errorf("failed to read world state: %v", err)
	}
	return existing != nil, nil
}

// OwnerOf returns the current holder of a token.
func (s *LandRegistryContract) OwnerOf(ctx contractapi.TransactionContextInterface, tokenID uint64) (string, error) {
	token, _, err := getToken(ctx, tokenID)
	if err != nil {
		return "", err
	}
	return token.Owner, nil
}

// GetLandData returns the registration data of a token.
func (s *LandRegistryContract) GetLandData(ctx contractapi.TransactionContextInterface, tokenID uint64) (*LandData, error) {
	token, _, err := getToken(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	return &LandData{
		IPFSHash:     token.IPFSHash,
		Latitude:     token.Latitude,
		Longitude:    token.Longitude,
		Area:         token.Area,
		RegisteredAt: token.RegisteredAt,
		RegisteredBy: token.RegisteredBy,
		ContentHash:  token.ContentHash,
	}, nil
}

// TotalLands returns the number of minted tokens.
func (s *LandRegistryContract) TotalLands(ctx contractapi.TransactionContextInterface) (uint64, error) {
	cfg, err := getConfig(ctx)
	if err != nil {
		return 0, err
	}
	return cfg.TotalLands, nil
}

// GetTransferHistory returns up to limit history entries of a token
// starting at offset, oldest first. A zero limit returns the rest.
func (s *LandRegistryContract) GetTransferHistory(ctx contractapi.TransactionContextInterface, tokenID uint64, offset uint64, limit uint64) ([]*TransferEntry, error) {
	if _, _, err := getToken(ctx, tokenID); err != nil {
		return nil, err
	}

	iterator, err := ctx.GetStub().GetStateByPartialCompositeKey(KeyPrefixTransfer, []string{formatTokenID(tokenID)})
	if err != nil {
		return nil, fmt.Errorf("failed to query history for token %d: %v", tokenID, err)
	}
	defer iterator.Close()

	history := []*TransferEntry{}
	var index uint64
	for iterator.HasNext() {
		kv, err := iterator.Next()
		if err != nil {
			return nil, fmt.Errorf("failed to iterate history: %v", err)
		}
		if index < offset {
			index++
			continue
		}
		index++

		var entry TransferEntry
		if err := json.Unmarshal(kv.Value, &entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal history entry: %v", err)
		}
		history = append(history, &entry)
		if limit > 0 && uint64(len(history)) == limit {
			break
		}
	}
	return history, nil
}

// ============================================================
// APPROVALS
// ============================================================

// Approve lets approved move one token on the owner's behalf. An empty
// approved clears the approval. Callable by the owner or an operator.
func (s *LandRegistryContract) Approve(ctx contractapi.TransactionContextInterface, approved string, tokenID uint64) error {
	caller, err := getCallerAddress(ctx)
	if err != nil {
		return err
	}
	token, key, err := getToken(ctx, tokenID)
	if err != nil {
		return err
	}
	if caller != token.Owner {
		operator, err := isOperator(ctx, token.Owner, caller)
		if err != nil {
			return err
		}
		if !operator {
			return fmt.Errorf("ACCESS_DENIED: %s is neither owner nor operator of token %d", caller, tokenID)
		}
	}

	if strings.TrimSpace(approved) != "" {
		if approved, err = normalizeAddress("approved", approved); err != nil {
			return err
		}
	}
	token.Approved = approved
	if err := putJSON(ctx, key, token); err != nil {
		return err
	}

	return emitEvent(ctx, EventApproval, ApprovalEvent{
		Type:     EventApproval,
		TokenID:  tokenID,
		Owner:    token.Owner,
		Approved: approved,
		TxID:     ctx.GetStub().GetTxID(),
	})
}

// GetApproved returns the single-token approval, or "" when unset.
func (s *LandRegistryContract) GetApproved(ctx contractapi.TransactionContextInterface, tokenID uint64) (string, error) {
	token, _, err := getToken(ctx, tokenID)
	if err != nil {
		return "", err
	}
	return token.Approved, nil
}

// SetApprovalForAll grants or revokes operator rights over all of the
// caller's tokens.
func (s *LandRegistryContract) SetApprovalForAll(ctx contractapi.TransactionContextInterface, operator string, approved bool) error {
	caller, err := getCallerAddress(ctx)
	if err != nil {
		return err
	}
	operator, err = normalizeAddress("operator", operator)
	if err != nil {
		return err
	}
	key, err := createOperatorKey(ctx, caller, operator)
	if err != nil {
		return fmt.Errorf("failed to create operator key: %v", err)
	}
	if approved {
		err = ctx.GetStub().PutState(key, []byte{0x01})
	} else {
		err = ctx.GetStub().DelState(key)
	}
	if err != nil {
		return fmt.Errorf("failed to update operator: %v", err)
	}
	return nil
}

// IsApprovedForAll reports whether operator may move all of owner's tokens.
func (s *LandRegistryContract) IsApprovedForAll(ctx contractapi.TransactionContextInterface, owner string, operator string) (bool, error) {
	owner, err := normalizeAddress("owner", owner)
	if err != nil {
		return false, err
	}
	operator, err = normalizeAddress("operator", operator)
	if err != nil {
		return false, err
	}
	return isOperator(ctx, owner, operator)
}

func isOperator(ctx contractapi.TransactionContextInterface, owner, operator string) (bool, error) {
	key, err := createOperatorKey(ctx, owner, operator)
	if err != nil {
		return false, fmt.Errorf("failed to create operator key: %v", err)
	}
	v, err := ctx.GetStub().GetState(key)
	if err != nil {
		return false, fmt.Errorf("failed to read world state: %v", err)
	}
	return v != nil, nil
}

// ============================================================
// TRANSFERS
// ============================================================

// TransferFrom moves a token from its owner to a new holder. The caller
// must be the owner, the token's approved address, or an operator of
// the owner.
// Emits LandTransferred.
func (s *LandRegistryContract) TransferFrom(ctx contractapi.TransactionContextInterface, from string, to string, tokenID uint64) error {
	caller, err := getCallerAddress(ctx)
	if err != nil {
		return err
	}
	from, err = normalizeAddress("from", from)
	if err != nil {
		return err
	}
	to, err = normalizeAddress("to", to)
	if err != nil {
		return err
	}

	token, key, err := getToken(ctx, tokenID)
	if err != nil {
		return err
	}
	if token.Owner != from {
		return fmt.Errorf("NOT_OWNER: token %d is held by %s, not %s", tokenID, token.Owner, from)
	}
	if caller != from && caller != token.Approved {
		operator, err := isOperator(ctx, from, caller)
		if err != nil {
			return err
		}
		if !operator {
			return fmt.Errorf("NOT_OWNER: caller %s is not owner nor approved for token %d", caller, tokenID)
		}
	}

	return moveToken(ctx, token, key, to, "")
}

// Nonces returns the next signature nonce of a token.
func (s *LandRegistryContract) Nonces(ctx contractapi.TransactionContextInterface, tokenID uint64) (uint64, error) {
	n, _, err := getNonce(ctx, tokenID)
	return n, err
}

// TransferWithSignature moves a token on the strength of a signature by
// its holder over (domain, tokenId, from, to, nonce, deadline). Anyone may
// submit it. The nonce must equal the token's next nonce and is consumed.
// Emits LandTransferred.
func (s *LandRegistryContract) TransferWithSignature(ctx contractapi.TransactionContextInterface, tokenID uint64, from string, to string, nonce uint64, deadline int64, signature string) error {
	from, err := normalizeAddress("from", from)
	if err != nil {
		return err
	}
	to, err = normalizeAddress("to", to)
	if err != nil {
		return err
	}
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return fmt.Errorf("INVALID_SIGNATURE: signature is not hex: %v", err)
	}

	now, err := txUnix(ctx)
	if err != nil {
		return err
	}
	if now > deadline {
		return fmt.Errorf("SIGNATURE_EXPIRED: deadline %d has passed", deadline)
	}

	cfg, err := getConfig(ctx)
	if err != nil {
		return err
	}
	current, nonceKey, err := getNonce(ctx, tokenID)
	if err != nil {
		return err
	}
	if nonce != current {
		return fmt.Errorf("INVALID_SIGNATURE: nonce %d is not the next nonce %d", nonce, current)
	}

	auth := transferauth.Authorization{
		Domain:   common.HexToAddress(cfg.Domain),
		TokenID:  tokenID,
		From:     common.HexToAddress(from),
		To:       common.HexToAddress(to),
		Nonce:    nonce,
		Deadline: deadline,
	}
	if err := transferauth.Verify(auth, sig); err != nil {
		return fmt.Errorf("INVALID_SIGNATURE: signature does not recover to %s", from)
	}

	token, key, err := getToken(ctx, tokenID)
	if err != nil {
		return err
	}
	if token.Owner != from {
		return fmt.Errorf("NOT_OWNER: token %d is held by %s, not %s", tokenID, token.Owner, from)
	}

	if err := ctx.GetStub().PutState(nonceKey, []byte(strconv.FormatUint(current+1, 10))); err != nil {
		return fmt.Errorf("failed to put state: %v", err)
	}
	return moveToken(ctx, token, key, to, transferauth.SignatureHash(sig).Hex())
}

// moveToken reassigns token to the new holder, clears its approval,
// appends a history entry and emits LandTransferred.
func moveToken(ctx contractapi.TransactionContextInterface, token *LandToken, key string, to string, signatureHash string) error {
	now, err := txUnix(ctx)
	if err != nil {
		return err
	}
	txID := ctx.GetStub().GetTxID()
	from := token.Owner
	seq := token.TransferCount
	hash := transferHash(token.TokenID, from, to, now, txID, seq)

	token.Owner = to
	token.Approved = ""
	token.TransferCount++
	if err := putJSON(ctx, key, token); err != nil {
		return err
	}

	entryKey, err := createTransferKey(ctx, token.TokenID, seq)
	if err != nil {
		return fmt.Errorf("failed to create transfer key: %v", err)
	}
	entry := TransferEntry{
		DocType:       "transferEntry",
		TokenID:       token.TokenID,
		Sequence:      seq,
		From:          from,
		To:            to,
		Timestamp:     now,
		TransferHash:  hash,
		SignatureHash: signatureHash,
		TxID:          txID,
	}
	if err := putJSON(ctx, entryKey, entry); err != nil {
		return err
	}

	return emitEvent(ctx, EventLandTransferred, LandTransferredEvent{
		Type:          EventLandTransferred,
		TokenID:       token.TokenID,
		From:          from,
		To:            to,
		TransferHash:  hash,
		SignatureHash: signatureHash,
		Timestamp:     now,
		TxID:          txID,
	})
}
