package storagetest

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	ethCommon "github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/waveyops/ledgerwatch/storage"
)

// GenesisTimestamp is the timestamp of block 0 under the default schedule
// of one block every 12 seconds.
const GenesisTimestamp = 1_600_000_000

// CallFunc answers a contract call with the method's outputs.
type CallFunc func(args []interface{}, height uint64) ([]interface{}, error)

type callKey struct {
	contract ethCommon.Address
	selector string
}

type handler struct {
	method abi.Method
	fn     CallFunc
}

// Ledger is a scripted storage.LedgerSource.
type Ledger struct {
	mu sync.Mutex

	Head uint64
	// TimestampFn overrides the default block schedule.
	TimestampFn func(height uint64) uint64

	logs     []ethTypes.Log
	handlers map[callKey]handler
	created  map[ethCommon.Address]uint64
	receipts map[ethCommon.Hash]*ethTypes.Receipt

	// Calls counts contract calls served.
	Calls int
	// LogsErr fails every Logs call.
	LogsErr error
}

var _ storage.LedgerSource = (*Ledger)(nil)

// NewLedger creates a ledger whose head is `head`.
func NewLedger(head uint64) *Ledger {
	return &Ledger{
		Head:     head,
		handlers: map[callKey]handler{},
		created:  map[ethCommon.Address]uint64{},
		receipts: map[ethCommon.Hash]*ethTypes.Receipt{},
	}
}

// Timestamp returns the timestamp of a block under the ledger's schedule.
func (l *Ledger) Timestamp(height uint64) uint64 {
	if l.TimestampFn != nil {
		return l.TimestampFn(height)
	}
	return GenesisTimestamp + 12*height
}

// AddLogs appends logs to the chain.
func (l *Ledger) AddLogs(logs ...ethTypes.Log) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logs = append(l.logs, logs...)
}

// Respond registers the handler of `method` on `contract`.
func (l *Ledger) Respond(contract ethCommon.Address, contractABI *abi.ABI, method string, fn CallFunc) {
	m, ok := contractABI.Methods[method]
	if !ok {
		panic(fmt.Sprintf("storagetest: no method %s", method))
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[callKey{contract, string(m.ID)}] = handler{method: m, fn: fn}
}

// Deploy records the creation block of a contract.
func (l *Ledger) Deploy(contract ethCommon.Address, block uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.created[contract] = block
}

// AddReceipt registers a transaction receipt.
func (l *Ledger) AddReceipt(r *ethTypes.Receipt) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.receipts[r.TxHash] = r
}

func (l *Ledger) ChainID(context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (l *Ledger) LatestHeight(context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Head, nil
}

func (l *Ledger) BlockTimestamp(_ context.Context, height uint64) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if height > l.Head {
		return 0, fmt.Errorf("block %d not found", height)
	}
	return l.Timestamp(height), nil
}

func matchesTopics(lg *ethTypes.Log, topics [][]ethCommon.Hash) bool {
	for i, accepted := range topics {
		if len(accepted) == 0 {
			continue
		}
		if i >= len(lg.Topics) {
			return false
		}
		found := false
		for _, t := range accepted {
			if lg.Topics[i] == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (l *Ledger) Logs(_ context.Context, q storage.LogQuery) ([]ethTypes.Log, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.LogsErr != nil {
		return nil, l.LogsErr
	}
	var out []ethTypes.Log
	for i := range l.logs {
		lg := &l.logs[i]
		if lg.BlockNumber < q.FromBlock || lg.BlockNumber > q.ToBlock {
			continue
		}
		if len(q.Addresses) > 0 {
			found := false
			for _, a := range q.Addresses {
				if a == lg.Address {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		if !matchesTopics(lg, q.Topics) {
			continue
		}
		out = append(out, *lg)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		return out[i].Index < out[j].Index
	})
	return out, nil
}

func (l *Ledger) CallContract(_ context.Context, to ethCommon.Address, data []byte, height uint64) ([]byte, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("call data too short")
	}
	l.mu.Lock()
	h, ok := l.handlers[callKey{to, string(data[:4])}]
	l.Calls++
	l.mu.Unlock()
	if !ok {
		// Like a call to a missing method: reverts with no data.
		return nil, nil
	}
	args, err := h.method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, err
	}
	out, err := h.fn(args, height)
	if err != nil {
		return nil, err
	}
	return h.method.Outputs.Pack(out...)
}

func (l *Ledger) CodeAt(_ context.Context, addr ethCommon.Address, height uint64) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	created, ok := l.created[addr]
	if !ok || height < created {
		return nil, nil
	}
	return bytes.Repeat([]byte{0x60}, 2), nil
}

func (l *Ledger) TransactionReceipt(_ context.Context, txHash ethCommon.Hash) (*ethTypes.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.receipts[txHash]
	if !ok {
		return nil, fmt.Errorf("receipt %s not found", txHash.Hex())
	}
	return r, nil
}
