// Package evmabi holds the ABIs of the contracts the analyzers read from,
// and decodes their logs.
package evmabi

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	ethCommon "github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
)

func MustUnmarshalABI(artifactJSON []byte) *abi.ABI {
	var artifact struct {
		ABI *abi.ABI
	}
	if err := json.Unmarshal(artifactJSON, &artifact); err != nil {
		panic(err)
	}
	return artifact.ABI
}

//go:embed contracts/artifacts/ERC20.json
var artifactERC20JSON []byte
var ERC20 = MustUnmarshalABI(artifactERC20JSON)

// ERC20SenderReceiver is ERC20 for tokens that name the Transfer arguments
// sender and receiver. The event signature is the same.
//
//go:embed contracts/artifacts/ERC20SenderReceiver.json
var artifactERC20SenderReceiverJSON []byte
var ERC20SenderReceiver = MustUnmarshalABI(artifactERC20SenderReceiverJSON)

//go:embed contracts/artifacts/ResupplyVoter.json
var artifactResupplyVoterJSON []byte
var ResupplyVoter = MustUnmarshalABI(artifactResupplyVoterJSON)

//go:embed contracts/artifacts/ResupplyRegistry.json
var artifactResupplyRegistryJSON []byte
var ResupplyRegistry = MustUnmarshalABI(artifactResupplyRegistryJSON)

//go:embed contracts/artifacts/EmissionsController.json
var artifactEmissionsControllerJSON []byte
var EmissionsController = MustUnmarshalABI(artifactEmissionsControllerJSON)

//go:embed contracts/artifacts/YearnBoostedStaker.json
var artifactYearnBoostedStakerJSON []byte
var YearnBoostedStaker = MustUnmarshalABI(artifactYearnBoostedStakerJSON)

//go:embed contracts/artifacts/SingleTokenRewardDistributor.json
var artifactSingleTokenRewardDistributorJSON []byte
var SingleTokenRewardDistributor = MustUnmarshalABI(artifactSingleTokenRewardDistributorJSON)

//go:embed contracts/artifacts/YBSRegistry.json
var artifactYBSRegistryJSON []byte
var YBSRegistry = MustUnmarshalABI(artifactYBSRegistryJSON)

//go:embed contracts/artifacts/RetentionProgram.json
var artifactRetentionProgramJSON []byte
var RetentionProgram = MustUnmarshalABI(artifactRetentionProgramJSON)

//go:embed contracts/artifacts/GaugeController.json
var artifactGaugeControllerJSON []byte
var GaugeController = MustUnmarshalABI(artifactGaugeControllerJSON)

//go:embed contracts/artifacts/UnionCompounder.json
var artifactUnionCompounderJSON []byte
var UnionCompounder = MustUnmarshalABI(artifactUnionCompounderJSON)

//go:embed contracts/artifacts/AladdinCompounder.json
var artifactAladdinCompounderJSON []byte
var AladdinCompounder = MustUnmarshalABI(artifactAladdinCompounderJSON)

//go:embed contracts/artifacts/YearnVault.json
var artifactYearnVaultJSON []byte
var YearnVault = MustUnmarshalABI(artifactYearnVaultJSON)

// ParseLog identifies the event of a log by its first topic and decodes
// both the indexed and the data-encoded arguments into one map keyed by
// argument name.
func ParseLog(contractABI *abi.ABI, log *ethTypes.Log) (*abi.Event, map[string]interface{}, error) {
	if len(log.Topics) < 1 {
		return nil, nil, fmt.Errorf("log has no topics, cannot identify event")
	}
	event, err := contractABI.EventByID(log.Topics[0])
	if err != nil {
		return nil, nil, fmt.Errorf("contract ABI EventByID: %w", err)
	}
	args := map[string]interface{}{}
	if len(event.Inputs.NonIndexed()) > 0 {
		if err = event.Inputs.UnpackIntoMap(args, log.Data); err != nil {
			return nil, nil, fmt.Errorf("event %s data UnpackIntoMap: %w", event.Name, err)
		}
	}
	var indexed abi.Arguments
	for _, arg := range event.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if err = abi.ParseTopicsIntoMap(args, indexed, log.Topics[1:]); err != nil {
		return nil, nil, fmt.Errorf("event %s ParseTopicsIntoMap: %w", event.Name, err)
	}
	return event, args, nil
}

// EventID returns the topic of a named event, panicking if the ABI lacks
// it. Intended for building log filters from the ABIs above.
func EventID(contractABI *abi.ABI, name string) ethCommon.Hash {
	event, ok := contractABI.Events[name]
	if !ok {
		panic(fmt.Sprintf("evmabi: no event %s", name))
	}
	return event.ID
}
