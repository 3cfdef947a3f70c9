package landregistry

// ============================================================
// LandToken: one land parcel held in world state
// ============================================================

// LandToken is the non-fungible land record stored under LAND~{tokenId}.
// Coordinates are degrees scaled by 1e6.
type LandToken struct {
	DocType      string `json:"docType"`
	TokenID      uint64 `json:"tokenId"`
	Owner        string `json:"owner"`
	IPFSHash     string `json:"ipfsHash"`
	Latitude     int64  `json:"latitude"`
	Longitude    int64  `json:"longitude"`
	Area         uint64 `json:"area"`
	ContentHash  string `json:"contentHash"`
	RegisteredAt int64  `json:"registeredAt"`
	RegisteredBy string `json:"registeredBy"`
	Approved     string `json:"approved"`
	TxID         string `json:"txId"`

	// TransferCount is the number of history entries and the next sequence.
	TransferCount uint64 `json:"transferCount"`
}

// LandData is the read model returned by GetLandData.
type LandData struct {
	IPFSHash     string `json:"ipfsHash"`
	Latitude     int64  `json:"latitude"`
	Longitude    int64  `json:"longitude"`
	Area         uint64 `json:"area"`
	RegisteredAt int64  `json:"registeredAt"`
	RegisteredBy string `json:"registeredBy"`
	ContentHash  string `json:"contentHash"`
}

// ============================================================
// TransferEntry: append-only on-chain ownership history
// ============================================================

// TransferEntry records one ownership change under
// TRANSFER~{tokenId}~{sequence}. Sequence numbers are zero padded so the
// range scan returns entries in order.
type TransferEntry struct {
	DocType       string `json:"docType"`
	TokenID       uint64 `json:"tokenId"`
	Sequence      uint64 `json:"sequence"`
	From          string `json:"from"`
	To            string `json:"to"`
	Timestamp     int64  `json:"timestamp"`
	TransferHash  string `json:"transferHash"`
	SignatureHash string `json:"signatureHash"`
	TxID          string `json:"txId"`
}

// ============================================================
// RegistryConfig: contract-wide settings written by InitLedger
// ============================================================

// RegistryConfig holds the administrative identity, the domain address
// that signed transfer authorizations are bound to, and the token counter.
type RegistryConfig struct {
	DocType     string `json:"docType"`
	Admin       string `json:"admin"`
	Domain      string `json:"domain"`
	NextTokenID uint64 `json:"nextTokenId"`
	TotalLands  uint64 `json:"totalLands"`
}
