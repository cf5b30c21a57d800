package dialect

import (
	"math/big"
	"testing"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/waveyops/ledgerwatch/analyzer/evmabi"
	"github.com/waveyops/ledgerwatch/analyzer/evmabi/evmabitest"
	"github.com/waveyops/ledgerwatch/config"
)

var (
	token = ethCommon.HexToAddress("0x419905009e4656fdC02418C7Df35B1E61Ed5F726")
	alice = ethCommon.HexToAddress("0x00000000000000000000000000000000000A11CE")
	bob   = ethCommon.HexToAddress("0x0000000000000000000000000000000000000B0B")
)

func TestTransferDialects(t *testing.T) {
	std := evmabitest.MakeLog(t, evmabi.ERC20, "Transfer", token, evmabitest.Position{}, alice, bob, big.NewInt(42))
	tr, err := ParseTransfer(&std)
	require.NoError(t, err)
	require.Equal(t, Transfer{From: alice, To: bob, Value: big.NewInt(42)}, *tr)

	// Same wire format, different names: normalized identically.
	_, args, err := Decode(evmabi.ERC20SenderReceiver, &std)
	require.NoError(t, err)
	require.Contains(t, args, "sender")
	tr2, err := TransferFromArgs(args)
	require.NoError(t, err)
	require.Equal(t, tr, tr2)

	_, err = TransferFromArgs(Args{"from": alice, "to": bob})
	require.Error(t, err)
}

func TestArgs(t *testing.T) {
	args := Args{
		"a":    alice,
		"n":    big.NewInt(7),
		"w":    uint64(9),
		"s":    "hi",
		"huge": new(big.Int).Lsh(big.NewInt(1), 70),
	}
	_, err := args.Address("n")
	require.Error(t, err)
	n, err := args.BigInt("missing", "n")
	require.NoError(t, err)
	require.Equal(t, int64(7), n.Int64())
	w, err := args.Uint64("w")
	require.NoError(t, err)
	require.Equal(t, uint64(9), w)
	_, err = args.Uint64("huge")
	require.Error(t, err)
	s, err := args.String("s")
	require.NoError(t, err)
	require.Equal(t, "hi", s)
}

func TestHarvestDialects(t *testing.T) {
	union, err := HarvestDialectFor(config.HarvestUnion)
	require.NoError(t, err)
	lg := evmabitest.MakeLog(t, evmabi.UnionCompounder, "Harvest", token, evmabitest.Position{}, alice, big.NewInt(1000))
	profit, err := union.Profit(&lg)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(1000), profit)

	yearn, err := HarvestDialectFor(config.HarvestYearn)
	require.NoError(t, err)
	lg = evmabitest.MakeLog(t, evmabi.YearnVault, "StrategyReported", token, evmabitest.Position{},
		bob, big.NewInt(55), big.NewInt(0), big.NewInt(0), big.NewInt(900), big.NewInt(0), big.NewInt(1), big.NewInt(0), big.NewInt(10_000),
	)
	profit, err = yearn.Profit(&lg)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(55), profit)

	aladdin, err := HarvestDialectFor(config.HarvestAladdin)
	require.NoError(t, err)
	lg = evmabitest.MakeLog(t, evmabi.AladdinCompounder, "Harvest", token, evmabitest.Position{},
		alice, bob, big.NewInt(321), big.NewInt(1), big.NewInt(2),
	)
	profit, err = aladdin.Profit(&lg)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(321), profit)

	// A union log does not decode as a yearn report.
	lg = evmabitest.MakeLog(t, evmabi.UnionCompounder, "Harvest", token, evmabitest.Position{}, alice, big.NewInt(1))
	_, err = yearn.Profit(&lg)
	require.Error(t, err)

	_, err = HarvestDialectFor("curve")
	require.Error(t, err)
	require.NotEqual(t, union.Topic(), yearn.Topic())
}
