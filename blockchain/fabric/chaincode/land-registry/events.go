package landregistry

import (
	"encoding/json"
	"fmt"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"
)

// Event names. Fabric keeps one event per transaction, so every state
// changing function emits at most one of these.
const (
	EventLandRegistered  = "LandRegistered"
	EventLandTransferred = "LandTransferred"
	EventRegistrarAdded  = "RegistrarAdded"
	EventApproval        = "Approval"
)

// ============================================================
// Event payloads
// ============================================================

// LandRegisteredEvent is emitted when a token is minted.
type LandRegisteredEvent struct {
	Type      string `json:"type"`
	TokenID   uint64 `json:"tokenId"`
	Owner     string `json:"owner"`
	IPFSHash  string `json:"ipfsHash"`
	Timestamp int64  `json:"timestamp"`
	TxID      string `json:"txId"`
}

// LandTransferredEvent is emitted for every ownership change. TransferHash
// is unique per transfer.
type LandTransferredEvent struct {
	Type          string `json:"type"`
	TokenID       uint64 `json:"tokenId"`
	From          string `json:"from"`
	To            string `json:"to"`
	TransferHash  string `json:"transferHash"`
	SignatureHash string `json:"signatureHash"`
	Timestamp     int64  `json:"timestamp"`
	TxID          string `json:"txId"`
}

// RegistrarAddedEvent is emitted when the admin grants minting rights.
type RegistrarAddedEvent struct {
	Type      string `json:"type"`
	Registrar string `json:"registrar"`
	AddedBy   string `json:"addedBy"`
	TxID      string `json:"txId"`
}

// ApprovalEvent is emitted when an owner approves an operator for one token.
type ApprovalEvent struct {
	Type     string `json:"type"`
	TokenID  uint64 `json:"tokenId"`
	Owner    string `json:"owner"`
	Approved string `json:"approved"`
	TxID     string `json:"txId"`
}

// emitEvent serialises payload to JSON and sets it as the chaincode event
// of the current transaction.
func emitEvent(ctx contractapi.TransactionContextInterface, eventName string, payload interface{}) error {
	eventJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %v", eventName, err)
	}
	if err := ctx.GetStub().SetEvent(eventName, eventJSON); err != nil {
		return fmt.Errorf("failed to emit event %s: %v", eventName, err)
	}
	return nil
}
