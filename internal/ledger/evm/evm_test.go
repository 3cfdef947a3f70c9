package evm

import (
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/landchain/registry/internal/ledger"
)

type rpcDataError struct {
	msg  string
	data any
}

func (e rpcDataError) Error() string  { return e.msg }
func (e rpcDataError) ErrorCode() int { return 3 }
func (e rpcDataError) ErrorData() any { return e.data }

// revertData encodes reason the way Solidity encodes Error(string).
func revertData(t *testing.T, reason string) string {
	t.Helper()
	str, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	packed, err := abi.Arguments{{Type: str}}.Pack(reason)
	require.NoError(t, err)
	selector := crypto.Keccak256([]byte("Error(string)"))[:4]
	return hexutil.Encode(append(selector, packed...))
}

func TestRevertErrorDecodesReason(t *testing.T) {
	err := revertError(errors.WithStack(rpcDataError{
		msg:  "execution reverted",
		data: revertData(t, "Land already exists"),
	}))

	var re *ledger.RevertError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "Land already exists", re.Reason)
}

func TestRevertErrorCustomError(t *testing.T) {
	// ERC721NonexistentToken(uint256) cannot be unpacked as a string.
	err := revertError(rpcDataError{msg: "execution reverted: ERC721NonexistentToken(9)", data: "0x7e273289"})

	var re *ledger.RevertError
	require.True(t, errors.As(err, &re))
	assert.Contains(t, re.Reason, "ERC721NonexistentToken")
}

func TestRevertErrorPassesThroughTransportErrors(t *testing.T) {
	transport := errors.New("dial tcp: connection refused")
	assert.Same(t, transport, revertError(transport))
}

func TestParseKey(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	encoded := hexutil.Encode(crypto.FromECDSA(key))

	parsed, err := ParseKey(encoded)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), crypto.PubkeyToAddress(parsed.PublicKey))

	_, err = ParseKey("0xnothex")
	assert.Error(t, err)
}
