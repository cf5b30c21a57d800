// Package retention tracks the share weights of the retention program and
// announces every checkpoint with the program's remaining supply.
package retention

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	ethCommon "github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/waveyops/ledgerwatch/analyzer"
	"github.com/waveyops/ledgerwatch/analyzer/dialect"
	"github.com/waveyops/ledgerwatch/analyzer/evm"
	"github.com/waveyops/ledgerwatch/analyzer/evmabi"
	"github.com/waveyops/ledgerwatch/analyzer/stream"
	"github.com/waveyops/ledgerwatch/analyzer/writer"
	"github.com/waveyops/ledgerwatch/common"
	"github.com/waveyops/ledgerwatch/config"
	"github.com/waveyops/ledgerwatch/log"
	"github.com/waveyops/ledgerwatch/notifier"
	"github.com/waveyops/ledgerwatch/storage"
)

const (
	analyzerName = "retention"

	cursorQuery = `
    SELECT MAX(block) FROM weight_changes WHERE contract = $1`

	insertWeightChange = `
    INSERT INTO weight_changes (
      contract, user_address, old_weight, new_weight, diff, block, txn_hash, log_index, timestamp, date_str
    )
    VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
)

// WeightChange is one WeightSet event.
type WeightChange struct {
	Contract  ethCommon.Address
	User      ethCommon.Address
	OldWeight *big.Int
	NewWeight *big.Int
	Block     uint64
	TxHash    ethCommon.Hash
	LogIndex  uint
	Timestamp int64

	// TotalSupply is the program's supply at Block, nil when unreadable.
	TotalSupply *big.Int
	// InitialSupply is the supply right after deployment, nil when
	// unreadable.
	InitialSupply *big.Int
}

var _ writer.Record = (*WeightChange)(nil)

// Diff is NewWeight - OldWeight.
func (w *WeightChange) Diff() *big.Int {
	return new(big.Int).Sub(w.NewWeight, w.OldWeight)
}

func (w *WeightChange) NaturalKey() string {
	return fmt.Sprintf("weight:%s:%d", w.TxHash.Hex(), w.LogIndex)
}

func (w *WeightChange) Persist(ctx context.Context, tx storage.Tx, _ *log.Logger) error {
	_, err := tx.Exec(ctx, insertWeightChange,
		w.Contract.Hex(),
		w.User.Hex(),
		common.BigIntFromInt(w.OldWeight),
		common.BigIntFromInt(w.NewWeight),
		common.BigIntFromInt(w.Diff()),
		w.Block,
		w.TxHash.Hex(),
		int64(w.LogIndex),
		w.Timestamp,
		common.DateString(w.Timestamp),
	)
	return err
}

// TimestampReader resolves block timestamps. Satisfied by
// *blocktime.Resolver.
type TimestampReader interface {
	BlockTimestamp(ctx context.Context, height uint64) (uint64, error)
}

// Normalizer decodes WeightSet logs and reads the supply figures the alert
// needs.
type Normalizer struct {
	contract    ethCommon.Address
	deployBlock uint64
	caller      evm.Caller
	timestamps  TimestampReader
	logger      *log.Logger

	mu      sync.Mutex
	initial *big.Int
}

var _ stream.Normalizer[*WeightChange] = (*Normalizer)(nil)

func NewNormalizer(contract ethCommon.Address, deployBlock uint64, caller evm.Caller, timestamps TimestampReader, logger *log.Logger) *Normalizer {
	return &Normalizer{
		contract:    contract,
		deployBlock: deployBlock,
		caller:      caller,
		timestamps:  timestamps,
		logger:      logger,
	}
}

// supply reads totalSupply at height. A revert yields nil.
func (n *Normalizer) supply(ctx context.Context, height uint64) (*big.Int, error) {
	v, err := evm.CallBigInt(ctx, n.caller, height, n.contract, evmabi.RetentionProgram, "totalSupply")
	if errors.Is(err, evm.DeterministicError{}) {
		n.logger.Warn("total supply unavailable", "height", height, "err", err)
		return nil, nil
	}
	return v, err
}

// initialSupply is the supply one block after deployment. It is read once
// and kept once known.
func (n *Normalizer) initialSupply(ctx context.Context) (*big.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.initial != nil {
		return n.initial, nil
	}
	v, err := n.supply(ctx, n.deployBlock+1)
	if err != nil {
		return nil, err
	}
	n.initial = v
	return v, nil
}

func (n *Normalizer) Normalize(ctx context.Context, lg *ethTypes.Log) (*WeightChange, error) {
	if lg.Address != n.contract {
		return nil, stream.ErrSkip
	}
	event, args, err := dialect.Decode(evmabi.RetentionProgram, lg)
	if err != nil || event.Name != "WeightSet" {
		n.logger.Warn("undecodable retention log", "tx_hash", lg.TxHash.Hex(), "log_index", lg.Index, "err", err)
		return nil, stream.ErrSkip
	}
	w := &WeightChange{
		Contract: lg.Address,
		Block:    lg.BlockNumber,
		TxHash:   lg.TxHash,
		LogIndex: lg.Index,
	}
	if w.User, err = args.Address("user"); err != nil {
		return nil, err
	}
	if w.OldWeight, err = args.BigInt("oldWeight"); err != nil {
		return nil, err
	}
	if w.NewWeight, err = args.BigInt("newWeight"); err != nil {
		return nil, err
	}
	ts, err := n.timestamps.BlockTimestamp(ctx, lg.BlockNumber)
	if err != nil {
		return nil, fmt.Errorf("block %d timestamp: %w", lg.BlockNumber, err)
	}
	w.Timestamp = int64(ts)
	if w.TotalSupply, err = n.supply(ctx, lg.BlockNumber); err != nil {
		return nil, fmt.Errorf("total supply at %d: %w", lg.BlockNumber, err)
	}
	if w.InitialSupply, err = n.initialSupply(ctx); err != nil {
		return nil, fmt.Errorf("initial supply: %w", err)
	}
	return w, nil
}

// Formatter renders checkpoint alerts. The initial weights, set in the
// deployment block, are not announced.
type Formatter struct {
	Channel     string
	DeployBlock uint64
}

func tokens(raw *big.Int) float64 {
	return common.MustScaleDown(raw, common.DefaultDecimals)
}

func (f *Formatter) Format(w *WeightChange) (notifier.Message, bool) {
	if w.Block == f.DeployBlock {
		return notifier.Message{}, false
	}
	var b strings.Builder
	b.WriteString("🔁 *Retention Shares Checkpointed*\n\n")
	fmt.Fprintf(&b, "User: %s\n", common.AddressLink(w.User))
	fmt.Fprintf(&b, "Burned: %s\n", common.WholeNumber(tokens(new(big.Int).Abs(w.Diff()))))
	fmt.Fprintf(&b, "Remaining: %s\n", common.WholeNumber(tokens(w.NewWeight)))

	if w.TotalSupply == nil {
		b.WriteString("Total Remaining: Unable to fetch\n")
	} else {
		current := tokens(w.TotalSupply)
		fmt.Fprintf(&b, "\nTotal Remaining: %s", common.WholeNumber(current))
		if w.InitialSupply != nil && w.InitialSupply.Sign() > 0 && w.TotalSupply.Sign() > 0 {
			initial := tokens(w.InitialSupply)
			fmt.Fprintf(&b, " (%.1f%%)\n", current/initial*100)
			fmt.Fprintf(&b, "Total Withdrawn: %s (%.1f%%)\n", common.WholeNumber(initial-current), (initial-current)/initial*100)
		} else {
			b.WriteString("\n")
		}
	}
	fmt.Fprintf(&b, "\n🔗 %s", common.TxLink("View on Etherscan", w.TxHash))
	return notifier.NewMessage(f.Channel, b.String()), true
}

// Stream scans WeightSet logs of the program contract.
func Stream(contract ethCommon.Address, floor uint64) *stream.Stream {
	return &stream.Stream{
		ID:          fmt.Sprintf("%s:%s", analyzerName, contract.Hex()),
		Addresses:   []ethCommon.Address{contract},
		Topics:      [][]ethCommon.Hash{{evmabi.EventID(evmabi.RetentionProgram, "WeightSet")}},
		FloorBlock:  floor,
		CursorQuery: cursorQuery,
		CursorArgs:  []interface{}{contract.Hex()},
	}
}

func NewAnalyzer(cfg *config.RetentionConfig, deps analyzer.Deps) analyzer.Analyzer {
	sdeps := stream.NewDeps(analyzerName, deps)
	contract := ethCommon.HexToAddress(cfg.Contract)
	formatter := &Formatter{Channel: cfg.Channel, DeployBlock: cfg.DeployBlock}
	return stream.NewProcessor[*WeightChange](
		Stream(contract, cfg.DeployBlock),
		cfg.StreamConfig,
		sdeps,
		NewNormalizer(contract, cfg.DeployBlock, deps.Source, deps.Timestamps, sdeps.Logger),
		formatter.Format,
	)
}
