// Package evmabitest builds synthetic logs for analyzer tests.
package evmabitest

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	ethCommon "github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

// Position places a log in the chain.
type Position struct {
	Block    uint64
	TxHash   ethCommon.Hash
	LogIndex uint
}

// MakeLog encodes an event emitted by `address`. `values` are the event's
// arguments in declaration order, indexed ones included.
func MakeLog(t *testing.T, contractABI *abi.ABI, event string, address ethCommon.Address, pos Position, values ...interface{}) ethTypes.Log {
	t.Helper()
	ev, ok := contractABI.Events[event]
	require.True(t, ok, "no event %s in ABI", event)
	require.Len(t, values, len(ev.Inputs), "argument count of %s", event)

	topics := []ethCommon.Hash{ev.ID}
	var data []interface{}
	for i, arg := range ev.Inputs {
		if !arg.Indexed {
			data = append(data, values[i])
			continue
		}
		encoded, err := abi.MakeTopics([]interface{}{values[i]})
		require.NoError(t, err, "encode topic %s", arg.Name)
		topics = append(topics, encoded[0][0])
	}
	packed, err := ev.Inputs.NonIndexed().Pack(data...)
	require.NoError(t, err, "pack data of %s", event)

	return ethTypes.Log{
		Address:     address,
		Topics:      topics,
		Data:        packed,
		BlockNumber: pos.Block,
		TxHash:      pos.TxHash,
		Index:       pos.LogIndex,
	}
}

// Hash derives a distinct transaction hash from a small integer.
func Hash(n int64) ethCommon.Hash {
	return ethCommon.BigToHash(big.NewInt(n))
}
