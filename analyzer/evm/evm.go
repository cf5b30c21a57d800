// Package evm wraps read-only contract calls against a ledger source.
package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	ethCommon "github.com/ethereum/go-ethereum/common"

	"github.com/waveyops/ledgerwatch/storage"
)

// DeterministicError marks call failures that would fail the same way on
// retry, e.g. a revert or an undecodable return value.
type DeterministicError struct {
	// Note: .error is the implementation of .Error, .Unwrap etc. It is not
	// in the Unwrap chain. Use something like
	// `DeterministicError{fmt.Errorf("...: %w", err)}` to set up an
	// instance with `err` in the Unwrap chain.
	error
}

// NewDeterministicError wraps err as a DeterministicError, for use outside
// this package where the embedded field is not accessible.
func NewDeterministicError(err error) DeterministicError {
	return DeterministicError{err}
}

func (err DeterministicError) Is(target error) bool {
	if _, ok := target.(DeterministicError); ok {
		return true
	}
	return false
}

// Caller is the subset of storage.LedgerSource needed for contract calls.
type Caller interface {
	CallContract(ctx context.Context, to ethCommon.Address, data []byte, height uint64) ([]byte, error)
}

// CallWithABI invokes `method(params...)` on the contract at `contract`
// as of `height` and returns the unpacked outputs.
func CallWithABI(
	ctx context.Context,
	source Caller,
	height uint64,
	contract ethCommon.Address,
	contractABI *abi.ABI,
	method string,
	params ...interface{},
) ([]interface{}, error) {
	inPacked, err := contractABI.Pack(method, params...)
	if err != nil {
		return nil, fmt.Errorf("packing call data for %s: %w", method, err)
	}
	outPacked, err := source.CallContract(ctx, contract, inPacked, height)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s at %d: %w", method, contract.Hex(), height, err)
	}
	if len(outPacked) == 0 {
		return nil, DeterministicError{fmt.Errorf("call %s on %s at %d: empty return data", method, contract.Hex(), height)}
	}
	out, err := contractABI.Unpack(method, outPacked)
	if err != nil {
		return nil, DeterministicError{fmt.Errorf("unpacking %s output: %w", method, err)}
	}
	return out, nil
}

// CallBigInt calls a method returning a single uint256.
func CallBigInt(ctx context.Context, source Caller, height uint64, contract ethCommon.Address, contractABI *abi.ABI, method string, params ...interface{}) (*big.Int, error) {
	out, err := CallWithABI(ctx, source, height, contract, contractABI, method, params...)
	if err != nil {
		return nil, err
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, DeterministicError{fmt.Errorf("%s returned %T, expected *big.Int", method, out[0])}
	}
	return v, nil
}

// CallString calls a method returning a single string.
func CallString(ctx context.Context, source Caller, height uint64, contract ethCommon.Address, contractABI *abi.ABI, method string, params ...interface{}) (string, error) {
	out, err := CallWithABI(ctx, source, height, contract, contractABI, method, params...)
	if err != nil {
		return "", err
	}
	v, ok := out[0].(string)
	if !ok {
		return "", DeterministicError{fmt.Errorf("%s returned %T, expected string", method, out[0])}
	}
	return v, nil
}

// CallAddress calls a method returning a single address.
func CallAddress(ctx context.Context, source Caller, height uint64, contract ethCommon.Address, contractABI *abi.ABI, method string, params ...interface{}) (ethCommon.Address, error) {
	out, err := CallWithABI(ctx, source, height, contract, contractABI, method, params...)
	if err != nil {
		return ethCommon.Address{}, err
	}
	v, ok := out[0].(ethCommon.Address)
	if !ok {
		return ethCommon.Address{}, DeterministicError{fmt.Errorf("%s returned %T, expected address", method, out[0])}
	}
	return v, nil
}

// CodeReader is the subset of storage.LedgerSource needed to locate
// deployments.
type CodeReader interface {
	LatestHeight(ctx context.Context) (uint64, error)
	CodeAt(ctx context.Context, addr ethCommon.Address, height uint64) ([]byte, error)
}

// ErrNotDeployed is returned when a contract has no code at the head.
var ErrNotDeployed = errors.New("no contract code at address")

// ContractCreationBlock binary-searches for the first block at which `addr`
// has code. Requires an archive node. Contracts created with CREATE2 after
// a self-destruct are not handled.
func ContractCreationBlock(ctx context.Context, source CodeReader, addr ethCommon.Address) (uint64, error) {
	head, err := source.LatestHeight(ctx)
	if err != nil {
		return 0, err
	}
	code, err := source.CodeAt(ctx, addr, head)
	if err != nil {
		return 0, err
	}
	if len(code) == 0 {
		return 0, fmt.Errorf("%s: %w", addr.Hex(), ErrNotDeployed)
	}

	// Invariant: no code at lo, code at hi.
	lo, hi := uint64(0), head
	for hi-lo > 1 {
		mid := lo + (hi-lo)/2
		code, err := source.CodeAt(ctx, addr, mid)
		if err != nil {
			return 0, err
		}
		if len(code) > 0 {
			hi = mid
		} else {
			lo = mid
		}
	}
	return hi, nil
}

var _ CodeReader = (storage.LedgerSource)(nil)
