// Package dialect normalizes field-name variance across contracts that
// emit the same kind of event, so shared logic sees one record shape.
package dialect

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	ethCommon "github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/waveyops/ledgerwatch/analyzer/evmabi"
	"github.com/waveyops/ledgerwatch/config"
)

// Args are decoded event arguments keyed by ABI name.
type Args map[string]interface{}

// Decode parses a log against contractABI.
func Decode(contractABI *abi.ABI, log *ethTypes.Log) (*abi.Event, Args, error) {
	event, args, err := evmabi.ParseLog(contractABI, log)
	if err != nil {
		return nil, nil, err
	}
	return event, Args(args), nil
}

func (a Args) lookup(aliases []string) (interface{}, string, error) {
	for _, name := range aliases {
		if v, ok := a[name]; ok {
			return v, name, nil
		}
	}
	return nil, "", fmt.Errorf("none of the arguments %v present", aliases)
}

// Address returns the first present argument among aliases as an address.
func (a Args) Address(aliases ...string) (ethCommon.Address, error) {
	v, name, err := a.lookup(aliases)
	if err != nil {
		return ethCommon.Address{}, err
	}
	addr, ok := v.(ethCommon.Address)
	if !ok {
		return ethCommon.Address{}, fmt.Errorf("argument %s is %T, not an address", name, v)
	}
	return addr, nil
}

// BigInt returns the first present argument among aliases as an integer.
// Narrow unsigned integer types decoded by the ABI are widened.
func (a Args) BigInt(aliases ...string) (*big.Int, error) {
	v, name, err := a.lookup(aliases)
	if err != nil {
		return nil, err
	}
	switch x := v.(type) {
	case *big.Int:
		return x, nil
	case uint8:
		return new(big.Int).SetUint64(uint64(x)), nil
	case uint16:
		return new(big.Int).SetUint64(uint64(x)), nil
	case uint32:
		return new(big.Int).SetUint64(uint64(x)), nil
	case uint64:
		return new(big.Int).SetUint64(x), nil
	default:
		return nil, fmt.Errorf("argument %s is %T, not an integer", name, v)
	}
}

// Uint64 returns an integer argument that must fit in 64 bits.
func (a Args) Uint64(aliases ...string) (uint64, error) {
	v, err := a.BigInt(aliases...)
	if err != nil {
		return 0, err
	}
	if !v.IsUint64() {
		return 0, fmt.Errorf("argument %v out of range: %s", aliases, v)
	}
	return v.Uint64(), nil
}

// String returns a string argument.
func (a Args) String(aliases ...string) (string, error) {
	v, name, err := a.lookup(aliases)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %s is %T, not a string", name, v)
	}
	return s, nil
}

// Transfer is the canonical shape of an ERC-20 transfer.
type Transfer struct {
	From  ethCommon.Address
	To    ethCommon.Address
	Value *big.Int
}

// TransferTopic is the signature shared by every Transfer dialect.
var TransferTopic = evmabi.EventID(evmabi.ERC20, "Transfer")

// ParseTransfer decodes a Transfer log whatever its argument names.
func ParseTransfer(log *ethTypes.Log) (*Transfer, error) {
	_, args, err := Decode(evmabi.ERC20, log)
	if err != nil {
		return nil, err
	}
	return TransferFromArgs(args)
}

// TransferFromArgs reads from|sender, to|receiver and value|amount.
func TransferFromArgs(args Args) (*Transfer, error) {
	from, err := args.Address("from", "sender", "_from")
	if err != nil {
		return nil, err
	}
	to, err := args.Address("to", "receiver", "_to")
	if err != nil {
		return nil, err
	}
	value, err := args.BigInt("value", "amount", "_value")
	if err != nil {
		return nil, err
	}
	return &Transfer{From: from, To: to, Value: value}, nil
}

// HarvestDialect describes how a compounder reports a harvest.
type HarvestDialect struct {
	Name        config.HarvestDialect
	ABI         *abi.ABI
	Event       string
	ProfitField string
}

// Topic returns the harvest event signature.
func (d HarvestDialect) Topic() ethCommon.Hash {
	return evmabi.EventID(d.ABI, d.Event)
}

// Profit decodes a harvest log into the profit, in raw token units.
func (d HarvestDialect) Profit(log *ethTypes.Log) (*big.Int, error) {
	event, args, err := Decode(d.ABI, log)
	if err != nil {
		return nil, err
	}
	if event.Name != d.Event {
		return nil, fmt.Errorf("%s compounder: unexpected event %s", d.Name, event.Name)
	}
	return args.BigInt(d.ProfitField)
}

var harvestDialects = map[config.HarvestDialect]HarvestDialect{
	config.HarvestUnion: {
		Name:        config.HarvestUnion,
		ABI:         evmabi.UnionCompounder,
		Event:       "Harvest",
		ProfitField: "_value",
	},
	config.HarvestYearn: {
		Name:        config.HarvestYearn,
		ABI:         evmabi.YearnVault,
		Event:       "StrategyReported",
		ProfitField: "gain",
	},
	config.HarvestAladdin: {
		Name:        config.HarvestAladdin,
		ABI:         evmabi.AladdinCompounder,
		Event:       "Harvest",
		ProfitField: "assets",
	},
}

// HarvestDialectFor returns the dialect of a configured compounder.
func HarvestDialectFor(name config.HarvestDialect) (HarvestDialect, error) {
	d, ok := harvestDialects[name]
	if !ok {
		return HarvestDialect{}, fmt.Errorf("unknown harvest dialect %q", name)
	}
	return d, nil
}
