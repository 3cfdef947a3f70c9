// Package transferauth builds and verifies the signed transfer
// authorizations consumed by the ledger's signature transfer entry point.
//
// The signed message is keccak256 over the packed tuple
//
//	"LandTransfer" ‖ domain ‖ tokenId ‖ from ‖ to ‖ nonce ‖ deadline
//
// with uint256 fields left-padded to 32 bytes, wrapped in the
// "\x19Ethereum Signed Message:\n32" prefix before signing.
package transferauth

import (
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

const typeTag = "LandTransfer"

// ErrBadSignature is returned for signatures that are malformed or do not
// recover to the authorization's From address.
var ErrBadSignature = errors.New("invalid transfer signature")

// Authorization is a token holder's permission to move one token.
type Authorization struct {
	// Domain is the ledger contract address the authorization is bound to.
	Domain   common.Address
	TokenID  uint64
	From     common.Address
	To       common.Address
	Nonce    uint64
	Deadline int64
}

// Digest returns the packed keccak256 hash of a.
func (a Authorization) Digest() common.Hash {
	return crypto.Keccak256Hash(
		[]byte(typeTag),
		a.Domain.Bytes(),
		u256(new(big.Int).SetUint64(a.TokenID)),
		a.From.Bytes(),
		a.To.Bytes(),
		u256(new(big.Int).SetUint64(a.Nonce)),
		u256(big.NewInt(a.Deadline)),
	)
}

// SigningHash returns the prefixed message hash that is actually signed.
func (a Authorization) SigningHash() common.Hash {
	d := a.Digest()
	return common.BytesToHash(accounts.TextHash(d[:]))
}

// Sign signs a with key and returns a 65 byte [R || S || V] signature with
// V in {27, 28}.
func Sign(a Authorization, key *ecdsa.PrivateKey) ([]byte, error) {
	return SignHash(a.SigningHash(), key)
}

// SignHash signs an already prefixed hash.
func SignHash(h common.Hash, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(h[:], key)
	if err != nil {
		return nil, errors.Wrap(err, "sign transfer authorization")
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// Recover returns the address that signed a.
func Recover(a Authorization, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, ErrBadSignature
	}
	s := make([]byte, len(sig))
	copy(s, sig)
	if s[crypto.RecoveryIDOffset] >= 27 {
		s[crypto.RecoveryIDOffset] -= 27
	}
	h := a.SigningHash()
	pub, err := crypto.SigToPub(h[:], s)
	if err != nil {
		return common.Address{}, ErrBadSignature
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify reports an error unless sig was produced by a.From.
func Verify(a Authorization, sig []byte) error {
	signer, err := Recover(a, sig)
	if err != nil {
		return err
	}
	if signer != a.From {
		return ErrBadSignature
	}
	return nil
}

// SignatureHash is the keccak256 of a signature, used as its stable
// reference in receipts and history.
func SignatureHash(sig []byte) common.Hash {
	return crypto.Keccak256Hash(sig)
}

func u256(v *big.Int) []byte {
	return math.U256Bytes(v)
}
