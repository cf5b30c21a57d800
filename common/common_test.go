package common

import (
	"math/big"
	"testing"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestScaleDown(t *testing.T) {
	raw, ok := new(big.Int).SetString("1500000000000000000", 10)
	require.True(t, ok)

	f, err := ScaleDown(raw, 18)
	require.NoError(t, err)
	require.InDelta(t, 1.5, f, 1e-12)

	f, err = ScaleDown(big.NewInt(123456), 3)
	require.NoError(t, err)
	require.InDelta(t, 123.456, f, 1e-9)

	f, err = ScaleDown(nil, 18)
	require.NoError(t, err)
	require.Zero(t, f)

	require.InDelta(t, 2.0, BigIntFromInt(new(big.Int).Mul(big.NewInt(2), big.NewInt(1e18))).ToTokens(), 1e-12)
}

func TestAddressLink(t *testing.T) {
	addr := ethCommon.HexToAddress("0x12341234B35c8a48908c716266db79CAeA0100E8")
	require.Equal(t,
		"[0x123...00E8](https://etherscan.io/address/0x12341234B35c8a48908c716266db79CAeA0100E8)",
		AddressLink(addr))
}

func TestParseAddresses(t *testing.T) {
	addrs, err := ParseAddresses([]string{"0x11111111084a560ea5755Ed904a57e5411888C28"})
	require.NoError(t, err)
	require.Len(t, addrs, 1)

	_, err = ParseAddresses([]string{"0x1234"})
	require.Error(t, err)

	require.True(t, SameAddress("0xabc", "0xABC"))
}

func TestFormatting(t *testing.T) {
	require.Equal(t, "2025-03-27 00:00 UTC", DateString(1743033600))
	require.Equal(t, "1,234,568", WholeNumber(1234567.8))
	require.Equal(t, "1,234.50", Decimal2(1234.5))
	require.Equal(t, "12,345,678,901,234,567,890", BigComma(new(big.Int).SetUint64(12345678901234567890)))
}

func TestDecimalString(t *testing.T) {
	raw, ok := new(big.Int).SetString("1500000000000000000", 10)
	require.True(t, ok)
	require.Equal(t, "1.500000000000000000", DecimalString(raw, 18))
	require.Equal(t, "123.456", DecimalString(big.NewInt(123456), 3))
}
