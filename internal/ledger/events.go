package ledger

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
)

// EventKind discriminates decoded contract events.
type EventKind string

const (
	EventUnknown         EventKind = "Unknown"
	EventLandRegistered  EventKind = "LandRegistered"
	EventLandTransferred EventKind = "LandTransferred"
)

// Event is a decoded contract log. Owner and DocPointer are set for
// LandRegistered; From, To and TransferHash for LandTransferred.
type Event struct {
	Kind         EventKind
	TokenID      uint64
	Owner        common.Address
	DocPointer   string
	From         common.Address
	To           common.Address
	TransferHash common.Hash
	Timestamp    int64
}

// DecodeEvent decodes a log emitted by the contract. Logs that are not
// land registry events, or that do not decode, yield EventUnknown.
func DecodeEvent(l types.Log) Event {
	if len(l.Topics) == 0 {
		return Event{Kind: EventUnknown}
	}

	switch l.Topics[0] {
	case contractABI.Events[string(EventLandRegistered)].ID:
		if len(l.Topics) != 3 {
			break
		}
		values, err := contractABI.Events[string(EventLandRegistered)].Inputs.NonIndexed().Unpack(l.Data)
		if err != nil || len(values) != 2 {
			break
		}
		doc, _ := values[0].(string)
		ts, _ := values[1].(*big.Int)
		return Event{
			Kind:       EventLandRegistered,
			TokenID:    l.Topics[1].Big().Uint64(),
			Owner:      common.BytesToAddress(l.Topics[2].Bytes()),
			DocPointer: doc,
			Timestamp:  bigInt64(ts),
		}

	case contractABI.Events[string(EventLandTransferred)].ID:
		if len(l.Topics) != 4 {
			break
		}
		values, err := contractABI.Events[string(EventLandTransferred)].Inputs.NonIndexed().Unpack(l.Data)
		if err != nil || len(values) != 2 {
			break
		}
		hash, _ := values[0].([32]byte)
		ts, _ := values[1].(*big.Int)
		return Event{
			Kind:         EventLandTransferred,
			TokenID:      l.Topics[1].Big().Uint64(),
			From:         common.BytesToAddress(l.Topics[2].Bytes()),
			To:           common.BytesToAddress(l.Topics[3].Bytes()),
			TransferHash: hash,
			Timestamp:    bigInt64(ts),
		}
	}
	return Event{Kind: EventUnknown}
}

// DecodeEvents decodes every log of a receipt.
func DecodeEvents(logs []*types.Log) []Event {
	events := make([]Event, 0, len(logs))
	for _, l := range logs {
		if l == nil {
			continue
		}
		events = append(events, DecodeEvent(*l))
	}
	return events
}

// EncodeLandRegistered builds the log the contract emits for a mint.
func EncodeLandRegistered(contract common.Address, tokenID uint64, owner common.Address, docPointer string, timestamp int64) (*types.Log, error) {
	ev := contractABI.Events[string(EventLandRegistered)]
	data, err := ev.Inputs.NonIndexed().Pack(docPointer, big.NewInt(timestamp))
	if err != nil {
		return nil, errors.Wrap(err, "pack LandRegistered")
	}
	return &types.Log{
		Address: contract,
		Topics: []common.Hash{
			ev.ID,
			common.BigToHash(new(big.Int).SetUint64(tokenID)),
			common.BytesToHash(owner.Bytes()),
		},
		Data: data,
	}, nil
}

// EncodeLandTransferred builds the log the contract emits for a transfer.
func EncodeLandTransferred(contract common.Address, tokenID uint64, from, to common.Address, transferHash common.Hash, timestamp int64) (*types.Log, error) {
	ev := contractABI.Events[string(EventLandTransferred)]
	data, err := ev.Inputs.NonIndexed().Pack([32]byte(transferHash), big.NewInt(timestamp))
	if err != nil {
		return nil, errors.Wrap(err, "pack LandTransferred")
	}
	return &types.Log{
		Address: contract,
		Topics: []common.Hash{
			ev.ID,
			common.BigToHash(new(big.Int).SetUint64(tokenID)),
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data: data,
	}, nil
}

func findEvent(events []Event, kind EventKind) (Event, bool) {
	for _, ev := range events {
		if ev.Kind == kind {
			return ev, true
		}
	}
	return Event{}, false
}

func bigInt64(v *big.Int) int64 {
	if v == nil || !v.IsInt64() {
		return 0
	}
	return v.Int64()
}
