package landregistry

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/hyperledger/fabric-contract-api-go/contractapi"
	"golang.org/x/crypto/sha3"
)

// ============================================================
// Composite Key Prefixes
// ============================================================

const (
	// KeyPrefixLand is the prefix for token records: LAND~{tokenId}
	KeyPrefixLand = "LAND"
	// KeyPrefixContent is the duplicate guard: CONTENT~{contentHash}
	KeyPrefixContent = "CONTENT"
	// KeyPrefixTransfer is the history prefix: TRANSFER~{tokenId}~{sequence}
	KeyPrefixTransfer = "TRANSFER"
	// KeyPrefixRegistrar marks minting rights: REGISTRAR~{address}
	KeyPrefixRegistrar = "REGISTRAR"
	// KeyPrefixOperator marks blanket approvals: OPERATOR~{owner}~{operator}
	KeyPrefixOperator = "OPERATOR"
	// KeyPrefixNonce holds signature nonces: NONCE~{tokenId}
	KeyPrefixNonce = "NONCE"

	configKey = "CONFIG"

	// sequenceWidth pads history sequence numbers for ordered range scans.
	sequenceWidth = 20
)

func createLandKey(ctx contractapi.TransactionContextInterface, tokenID uint64) (string, error) {
	return ctx.GetStub().CreateCompositeKey(KeyPrefixLand, []string{formatTokenID(tokenID)})
}

func createContentKey(ctx contractapi.TransactionContextInterface, contentHash string) (string, error) {
	return ctx.GetStub().CreateCompositeKey(KeyPrefixContent, []string{contentHash})
}

func createTransferKey(ctx contractapi.TransactionContextInterface, tokenID, sequence uint64) (string, error) {
	seq := fmt.Sprintf("%0*d", sequenceWidth, sequence)
	return ctx.GetStub().CreateCompositeKey(KeyPrefixTransfer, []string{formatTokenID(tokenID), seq})
}

func createRegistrarKey(ctx contractapi.TransactionContextInterface, address string) (string, error) {
	return ctx.GetStub().CreateCompositeKey(KeyPrefixRegistrar, []string{address})
}

func createOperatorKey(ctx contractapi.TransactionContextInterface, owner, operator string) (string, error) {
	return ctx.GetStub().CreateCompositeKey(KeyPrefixOperator, []string{owner, operator})
}

func createNonceKey(ctx contractapi.TransactionContextInterface, tokenID uint64) (string, error) {
	return ctx.GetStub().CreateCompositeKey(KeyPrefixNonce, []string{formatTokenID(tokenID)})
}

func formatTokenID(tokenID uint64) string {
	return strconv.FormatUint(tokenID, 10)
}

// ============================================================
// Address Helpers
// ============================================================

// normalizeAddress validates a hex account address and returns its
// checksummed form.
func normalizeAddress(field, address string) (string, error) {
	address = strings.TrimSpace(address)
	if !common.IsHexAddress(address) {
		return "", fmt.Errorf("VALIDATION_ERROR: %s '%s' is not a valid address", field, address)
	}
	a := common.HexToAddress(address)
	if a == (common.Address{}) {
		return "", fmt.Errorf("VALIDATION_ERROR: %s cannot be the zero address", field)
	}
	return a.Hex(), nil
}

// ============================================================
// ABAC Helpers
// ============================================================

// getCallerAddress returns the account address bound to the caller's
// X.509 certificate through the "address" attribute.
func getCallerAddress(ctx contractapi.TransactionContextInterface) (string, error) {
	address, found, err := ctx.GetClientIdentity().GetAttributeValue("address")
	if err != nil {
		return "", fmt.Errorf("ACCESS_DENIED: failed to read address attribute: %v", err)
	}
	if !found {
		return "", fmt.Errorf("ACCESS_DENIED: caller identity has no 'address' attribute")
	}
	return normalizeAddress("caller", address)
}

// requireAdmin verifies that the caller is the registry admin.
func requireAdmin(ctx contractapi.TransactionContextInterface) (string, error) {
	caller, err := getCallerAddress(ctx)
	if err != nil {
		return "", err
	}
	cfg, err := getConfig(ctx)
	if err != nil {
		return "", err
	}
	if caller != cfg.Admin {
		return "", fmt.Errorf("ACCESS_DENIED: caller %s is not the registry admin", caller)
	}
	return caller, nil
}

// requireRegistrar verifies that the caller holds minting rights. The
// admin does not implicitly hold them.
func requireRegistrar(ctx contractapi.TransactionContextInterface) (string, error) {
	caller, err := getCallerAddress(ctx)
	if err != nil {
		return "", err
	}
	ok, err := isRegistrar(ctx, caller)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("NOT_AUTHORIZED: %s is not a registrar", caller)
	}
	return caller, nil
}

func isRegistrar(ctx contractapi.TransactionContextInterface, address string) (bool, error) {
	key, err := createRegistrarKey(ctx, address)
	if err != nil {
		return false, fmt.Errorf("failed to create registrar key: %v", err)
	}
	v, err := ctx.GetStub().GetState(key)
	if err != nil {
		return false, fmt.Errorf("failed to read world state: %v", err)
	}
	return v != nil, nil
}

// ============================================================
// World State Helpers
// ============================================================

func getConfig(ctx contractapi.TransactionContextInterface) (*RegistryConfig, error) {
	raw, err := ctx.GetStub().GetState(configKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read world state: %v", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("NOT_INITIALIZED: call InitLedger first")
	}
	var cfg RegistryConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %v", err)
	}
	return &cfg, nil
}

func putJSON(ctx contractapi.TransactionContextInterface, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %v", key, err)
	}
	if err := ctx.GetStub().PutState(key, raw); err != nil {
		return fmt.Errorf("failed to put state: %v", err)
	}
	return nil
}

func getToken(ctx contractapi.TransactionContextInterface, tokenID uint64) (*LandToken, string, error) {
	key, err := createLandKey(ctx, tokenID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create land key: %v", err)
	}
	raw, err := ctx.GetStub().GetState(key)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read world state: %v", err)
	}
	if raw == nil {
		return nil, "", fmt.Errorf("TOKEN_NOT_FOUND: token %d does not exist", tokenID)
	}
	var token LandToken
	if err := json.Unmarshal(raw, &token); err != nil {
		return nil, "", fmt.Errorf("failed to unmarshal token: %v", err)
	}
	return &token, key, nil
}

func getNonce(ctx contractapi.TransactionContextInterface, tokenID uint64) (uint64, string, error) {
	key, err := createNonceKey(ctx, tokenID)
	if err != nil {
		return 0, "", fmt.Errorf("failed to create nonce key: %v", err)
	}
	raw, err := ctx.GetStub().GetState(key)
	if err != nil {
		return 0, "", fmt.Errorf("failed to read world state: %v", err)
	}
	if raw == nil {
		return 0, key, nil
	}
	n, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("failed to parse nonce: %v", err)
	}
	return n, key, nil
}

// txUnix returns the transaction timestamp in unix seconds.
func txUnix(ctx contractapi.TransactionContextInterface) (int64, error) {
	ts, err := ctx.GetStub().GetTxTimestamp()
	if err != nil {
		return 0, fmt.Errorf("failed to read tx timestamp: %v", err)
	}
	return ts.GetSeconds(), nil
}

// ============================================================
// Hashing
// ============================================================

func keccak(parts ...[]byte) string {
	h := sha3.NewLegacyKeccak256()
	for _, p := range parts {
		h.Write(p)
	}
	return "0x" + common.Bytes2Hex(h.Sum(nil))
}

func int256(v int64) []byte {
	return math.U256Bytes(big.NewInt(v))
}

func uint256(v uint64) []byte {
	return math.U256Bytes(new(big.Int).SetUint64(v))
}

// contentHash identifies a parcel by document pointer and coordinates.
func contentHash(ipfsHash string, latitude, longitude int64) string {
	return keccak([]byte(ipfsHash), int256(latitude), int256(longitude))
}

// transferHash is unique per ownership change of a token.
func transferHash(tokenID uint64, from, to string, timestamp int64, txID string, sequence uint64) string {
	return keccak(
		uint256(tokenID),
		common.HexToAddress(from).Bytes(),
		common.HexToAddress(to).Bytes(),
		int256(timestamp),
		[]byte(txID),
		uint256(sequence),
	)
}
