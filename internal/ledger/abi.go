package ledger

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Contract methods used by the gateway.
const (
	MethodMintLand              = "mintLand"
	MethodTransferFrom          = "transferFrom"
	MethodTransferWithSignature = "transferWithSignature"
	MethodAddRegistrar          = "addRegistrar"
	MethodOwnerOf               = "ownerOf"
	MethodGetLandData           = "getLandData"
	MethodGetTransferHistory    = "getTransferHistory"
	MethodLandExists            = "landExists"
	MethodIsRegistrar           = "isRegistrar"
	MethodGetApproved           = "getApproved"
	MethodIsApprovedForAll      = "isApprovedForAll"
	MethodOwner                 = "owner"
	MethodNonces                = "nonces"
)

// ContractABI is the external call contract of the land registry.
const ContractABI = `[
 {"type":"function","name":"mintLand","stateMutability":"nonpayable",
  "inputs":[{"name":"to","type":"address"},{"name":"ipfsHash","type":"string"},{"name":"latitude","type":"int256"},{"name":"longitude","type":"int256"},{"name":"area","type":"uint256"}],
  "outputs":[{"name":"tokenId","type":"uint256"}]},
 {"type":"function","name":"transferFrom","stateMutability":"nonpayable",
  "inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"tokenId","type":"uint256"}],
  "outputs":[]},
 {"type":"function","name":"transferWithSignature","stateMutability":"nonpayable",
  "inputs":[{"name":"tokenId","type":"uint256"},{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"nonce","type":"uint256"},{"name":"deadline","type":"uint256"},{"name":"signature","type":"bytes"}],
  "outputs":[]},
 {"type":"function","name":"addRegistrar","stateMutability":"nonpayable",
  "inputs":[{"name":"registrar","type":"address"}],
  "outputs":[]},
 {"type":"function","name":"ownerOf","stateMutability":"view",
  "inputs":[{"name":"tokenId","type":"uint256"}],
  "outputs":[{"name":"","type":"address"}]},
 {"type":"function","name":"getLandData","stateMutability":"view",
  "inputs":[{"name":"tokenId","type":"uint256"}],
  "outputs":[{"name":"ipfsHash","type":"string"},{"name":"latitude","type":"int256"},{"name":"longitude","type":"int256"},{"name":"area","type":"uint256"},{"name":"registeredAt","type":"uint256"},{"name":"registeredBy","type":"address"},{"name":"contentHash","type":"bytes32"}]},
 {"type":"function","name":"getTransferHistory","stateMutability":"view",
  "inputs":[{"name":"tokenId","type":"uint256"},{"name":"offset","type":"uint256"},{"name":"limit","type":"uint256"}],
  "outputs":[{"name":"","type":"tuple[]","components":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"timestamp","type":"uint256"},{"name":"transferHash","type":"bytes32"}]}]},
 {"type":"function","name":"landExists","stateMutability":"view",
  "inputs":[{"name":"ipfsHash","type":"string"},{"name":"latitude","type":"int256"},{"name":"longitude","type":"int256"}],
  "outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"isRegistrar","stateMutability":"view",
  "inputs":[{"name":"account","type":"address"}],
  "outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"getApproved","stateMutability":"view",
  "inputs":[{"name":"tokenId","type":"uint256"}],
  "outputs":[{"name":"","type":"address"}]},
 {"type":"function","name":"isApprovedForAll","stateMutability":"view",
  "inputs":[{"name":"owner","type":"address"},{"name":"operator","type":"address"}],
  "outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"owner","stateMutability":"view",
  "inputs":[],
  "outputs":[{"name":"","type":"address"}]},
 {"type":"function","name":"nonces","stateMutability":"view",
  "inputs":[{"name":"tokenId","type":"uint256"}],
  "outputs":[{"name":"","type":"uint256"}]},
 {"type":"event","name":"LandRegistered","anonymous":false,
  "inputs":[{"name":"tokenId","type":"uint256","indexed":true},{"name":"owner","type":"address","indexed":true},{"name":"ipfsHash","type":"string","indexed":false},{"name":"timestamp","type":"uint256","indexed":false}]},
 {"type":"event","name":"LandTransferred","anonymous":false,
  "inputs":[{"name":"tokenId","type":"uint256","indexed":true},{"name":"from","type":"address","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"transferHash","type":"bytes32","indexed":false},{"name":"timestamp","type":"uint256","indexed":false}]}
]`

var contractABI = mustParseABI(ContractABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

// ABI returns the parsed contract ABI.
func ABI() abi.ABI { return contractABI }

// Call is one state changing contract invocation. Args hold the ABI Go
// types of the method inputs (common.Address, *big.Int, string, []byte).
type Call struct {
	Method string
	Args   []any
}

// Pack returns the ABI encoded call data.
func (c Call) Pack() ([]byte, error) {
	return contractABI.Pack(c.Method, c.Args...)
}

// MintCall mints a parcel token to to.
func MintCall(to common.Address, p Parcel) Call {
	return Call{Method: MethodMintLand, Args: []any{
		to,
		p.DocPointer,
		big.NewInt(p.Latitude),
		big.NewInt(p.Longitude),
		new(big.Int).SetUint64(p.Area),
	}}
}

// TransferFromCall moves tokenID from from to to.
func TransferFromCall(from, to common.Address, tokenID uint64) Call {
	return Call{Method: MethodTransferFrom, Args: []any{from, to, new(big.Int).SetUint64(tokenID)}}
}

// AddRegistrarCall grants minting rights to registrar.
func AddRegistrarCall(registrar common.Address) Call {
	return Call{Method: MethodAddRegistrar, Args: []any{registrar}}
}

// TransferWithSignatureCall submits a signed transfer authorization.
func TransferWithSignatureCall(st SignedTransfer) Call {
	a := st.Auth
	return Call{Method: MethodTransferWithSignature, Args: []any{
		new(big.Int).SetUint64(a.TokenID),
		a.From,
		a.To,
		new(big.Int).SetUint64(a.Nonce),
		big.NewInt(a.Deadline),
		st.Signature,
	}}
}
