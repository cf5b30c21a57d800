package retention_test

import (
	"context"
	"math/big"
	"strings"
	"testing"

	ethCommon "github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/waveyops/ledgerwatch/analyzer/evmabi"
	"github.com/waveyops/ledgerwatch/analyzer/evmabi/evmabitest"
	"github.com/waveyops/ledgerwatch/analyzer/retention"
	"github.com/waveyops/ledgerwatch/analyzer/stream"
	"github.com/waveyops/ledgerwatch/analyzer/writer"
	"github.com/waveyops/ledgerwatch/common"
	"github.com/waveyops/ledgerwatch/log"
	"github.com/waveyops/ledgerwatch/storage/storagetest"
)

const deployBlock = 22_870_945

var (
	program = ethCommon.HexToAddress("0xB9415639618e70aBb71A0F4F8bbB2643Bf337892")
	user    = ethCommon.HexToAddress("0x12341234B35c8a48908c716266db79CAeA0100E8")
)

func e18(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func weightSet(t *testing.T, block uint64, tx int64, oldWeight, newWeight *big.Int) *ethTypes.Log {
	lg := evmabitest.MakeLog(t, evmabi.RetentionProgram, "WeightSet", program,
		evmabitest.Position{Block: block, TxHash: evmabitest.Hash(tx)}, user, oldWeight, newWeight)
	return &lg
}

// scriptSupply serves 1,000 shares right after deployment and 750 later.
func scriptSupply(ledger *storagetest.Ledger) {
	ledger.Respond(program, evmabi.RetentionProgram, "totalSupply", func(_ []interface{}, height uint64) ([]interface{}, error) {
		if height <= deployBlock+1 {
			return []interface{}{e18(1000)}, nil
		}
		return []interface{}{e18(750)}, nil
	})
}

func TestCheckpointAlert(t *testing.T) {
	ctx := context.Background()
	ledger := storagetest.NewLedger(23_000_000)
	scriptSupply(ledger)
	n := retention.NewNormalizer(program, deployBlock, ledger, ledger, log.NewNopLogger())
	f := &retention.Formatter{Channel: "resupply_alerts", DeployBlock: deployBlock}

	initial, err := n.Normalize(ctx, weightSet(t, deployBlock, 1, big.NewInt(0), e18(100)))
	require.NoError(t, err)
	_, ok := f.Format(initial)
	require.False(t, ok, "weights set at deployment are not announced")

	w, err := n.Normalize(ctx, weightSet(t, 22_900_000, 2, e18(100), e18(40)))
	require.NoError(t, err)
	require.Equal(t, user, w.User)
	require.Equal(t, new(big.Int).Neg(e18(60)), w.Diff())
	require.Equal(t, e18(750), w.TotalSupply)
	require.Equal(t, e18(1000), w.InitialSupply)
	require.Equal(t, 3, ledger.Calls, "the initial supply is read once")

	msg, ok := f.Format(w)
	require.True(t, ok)
	require.Equal(t, "resupply_alerts", msg.Channel)
	require.True(t, strings.HasPrefix(msg.Text, "🔁 *Retention Shares Checkpointed*\n\n"))
	require.Contains(t, msg.Text, "User: "+common.AddressLink(user)+"\n")
	require.Contains(t, msg.Text, "Burned: 60\n")
	require.Contains(t, msg.Text, "Remaining: 40\n")
	require.Contains(t, msg.Text, "\nTotal Remaining: 750 (75.0%)\n")
	require.Contains(t, msg.Text, "Total Withdrawn: 250 (25.0%)\n")
	require.True(t, strings.HasSuffix(msg.Text, "\n🔗 "+common.TxLink("View on Etherscan", w.TxHash)))
}

func TestUnreadableSupply(t *testing.T) {
	ctx := context.Background()
	ledger := storagetest.NewLedger(23_000_000)
	n := retention.NewNormalizer(program, deployBlock, ledger, ledger, log.NewNopLogger())

	w, err := n.Normalize(ctx, weightSet(t, 22_900_000, 2, e18(100), e18(40)))
	require.NoError(t, err)
	require.Nil(t, w.TotalSupply)
	require.Nil(t, w.InitialSupply)

	msg, ok := (&retention.Formatter{DeployBlock: deployBlock}).Format(w)
	require.True(t, ok)
	require.Contains(t, msg.Text, "Total Remaining: Unable to fetch\n")
	require.NotContains(t, msg.Text, "Total Withdrawn")
}

func TestForeignLogIsSkipped(t *testing.T) {
	ledger := storagetest.NewLedger(23_000_000)
	n := retention.NewNormalizer(program, deployBlock, ledger, ledger, log.NewNopLogger())
	lg := weightSet(t, 22_900_000, 2, e18(1), e18(0))
	lg.Address = user
	_, err := n.Normalize(context.Background(), lg)
	require.ErrorIs(t, err, stream.ErrSkip)
}

func TestPersistWeightChange(t *testing.T) {
	ctx := context.Background()
	store := storagetest.NewStore()
	w := writer.New(store, log.NewNopLogger(), nil)
	change := &retention.WeightChange{
		Contract:  program,
		User:      user,
		OldWeight: e18(100),
		NewWeight: e18(40),
		Block:     22_900_000,
		TxHash:    evmabitest.Hash(2),
		LogIndex:  7,
		Timestamp: 1_752_000_000,
	}
	outcome, err := w.Write(ctx, change)
	require.NoError(t, err)
	require.Equal(t, writer.Inserted, outcome)
	outcome, err = w.Write(ctx, change)
	require.NoError(t, err)
	require.Equal(t, writer.DuplicateSkipped, outcome)

	inserts := store.CommittedMatching("INSERT INTO weight_changes")
	require.Len(t, inserts, 1)
	args := inserts[0].Args
	require.Equal(t, program.Hex(), args[0])
	require.Equal(t, common.BigIntFromInt(e18(100)), args[2])
	require.Equal(t, common.BigIntFromInt(new(big.Int).Neg(e18(60))), args[4])
	require.Equal(t, int64(7), args[7])
}

func TestStream(t *testing.T) {
	s := retention.Stream(program, deployBlock)
	require.Equal(t, "retention:"+program.Hex(), s.ID)
	require.Equal(t, uint64(deployBlock), s.FloorBlock)
	require.Equal(t, evmabi.EventID(evmabi.RetentionProgram, "WeightSet"), s.Topics[0][0])
}
