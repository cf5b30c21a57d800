package common

import (
	"fmt"
	"strings"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// ZeroAddress is the all-zero EVM address.
var ZeroAddress = ethCommon.Address{}

// AddressLink renders an address as a shortened Markdown link to Etherscan,
// e.g. [0x123...abcd](https://etherscan.io/address/0x123...).
func AddressLink(addr ethCommon.Address) string {
	hex := addr.Hex()
	return fmt.Sprintf("[0x%s...%s](https://etherscan.io/address/%s)", hex[2:5], hex[len(hex)-4:], hex)
}

// TxLink renders a Markdown link to a transaction on Etherscan.
func TxLink(label string, txHash ethCommon.Hash) string {
	return fmt.Sprintf("[%s](https://etherscan.io/tx/%s)", label, txHash.Hex())
}

// SameAddress compares two hex addresses case-insensitively.
func SameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// ParseAddresses parses a list of hex addresses, rejecting malformed ones.
func ParseAddresses(hexes []string) ([]ethCommon.Address, error) {
	out := make([]ethCommon.Address, 0, len(hexes))
	for _, h := range hexes {
		if !ethCommon.IsHexAddress(h) {
			return nil, fmt.Errorf("invalid address %q", h)
		}
		out = append(out, ethCommon.HexToAddress(h))
	}
	return out, nil
}
