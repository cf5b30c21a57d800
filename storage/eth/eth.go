// Package eth implements storage.LedgerSource over Ethereum JSON-RPC.
package eth

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum"
	ethCommon "github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/waveyops/ledgerwatch/config"
	"github.com/waveyops/ledgerwatch/log"
	"github.com/waveyops/ledgerwatch/storage"
)

// rpcClient is the subset of ethclient.Client used by Client.
type rpcClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethTypes.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethTypes.Log, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	CodeAt(ctx context.Context, account ethCommon.Address, blockNumber *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, txHash ethCommon.Hash) (*ethTypes.Receipt, error)
	Close()
}

// Client is a storage.LedgerSource backed by an archive node. Every call is
// bounded by the configured request timeout.
type Client struct {
	client       rpcClient
	timeout      time.Duration
	logChunkSize uint64
	logger       *log.Logger
}

var _ storage.LedgerSource = (*Client)(nil)

// NewClient dials the configured RPC endpoint.
func NewClient(ctx context.Context, cfg *config.SourceConfig, logger *log.Logger) (*Client, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPC)
	if err != nil {
		return nil, fmt.Errorf("ethclient DialContext: %w", err)
	}
	return newClient(client, cfg, logger), nil
}

func newClient(client rpcClient, cfg *config.SourceConfig, logger *log.Logger) *Client {
	chunk := cfg.LogChunkSize
	if chunk == 0 {
		chunk = 100_000
	}
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = time.Minute
	}
	return &Client{
		client:       client,
		timeout:      timeout,
		logChunkSize: chunk,
		logger:       logger.WithModule("ledger-source"),
	}
}

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	id, err := c.client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("ethclient ChainID: %w", err)
	}
	return id, nil
}

func (c *Client) LatestHeight(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	height, err := c.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("ethclient BlockNumber: %w", err)
	}
	return height, nil
}

func (c *Client) BlockTimestamp(ctx context.Context, height uint64) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	header, err := c.client.HeaderByNumber(ctx, new(big.Int).SetUint64(height))
	if err != nil {
		return 0, fmt.Errorf("ethclient HeaderByNumber %d: %w", height, err)
	}
	return header.Time, nil
}

// Logs fetches the range in LogChunkSize windows. The result is sorted by
// (block number, log index) regardless of the order the node returned it in.
func (c *Client) Logs(ctx context.Context, q storage.LogQuery) ([]ethTypes.Log, error) {
	if q.FromBlock > q.ToBlock {
		return nil, nil
	}
	var logs []ethTypes.Log
	for from := q.FromBlock; from <= q.ToBlock; {
		to := q.ToBlock
		if to-from >= c.logChunkSize {
			to = from + c.logChunkSize - 1
		}
		chunk, err := c.filterLogs(ctx, q, from, to)
		if err != nil {
			return nil, err
		}
		logs = append(logs, chunk...)
		if to == q.ToBlock {
			break
		}
		from = to + 1
	}
	sortLogs(logs)
	return logs, nil
}

func (c *Client) filterLogs(ctx context.Context, q storage.LogQuery, from, to uint64) ([]ethTypes.Log, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	logs, err := c.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: q.Addresses,
		Topics:    q.Topics,
	})
	if err != nil {
		return nil, fmt.Errorf("ethclient FilterLogs [%d, %d]: %w", from, to, err)
	}
	c.logger.Debug("fetched logs", "from", from, "to", to, "count", len(logs))
	return logs, nil
}

func sortLogs(logs []ethTypes.Log) {
	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})
}

func (c *Client) CallContract(ctx context.Context, to ethCommon.Address, data []byte, height uint64) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	out, err := c.client.CallContract(ctx, ethereum.CallMsg{
		To:   &to,
		Data: data,
	}, new(big.Int).SetUint64(height))
	if err != nil {
		return nil, fmt.Errorf("ethclient CallContract: %w", err)
	}
	return out, nil
}

func (c *Client) CodeAt(ctx context.Context, addr ethCommon.Address, height uint64) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	code, err := c.client.CodeAt(ctx, addr, new(big.Int).SetUint64(height))
	if err != nil {
		return nil, fmt.Errorf("ethclient CodeAt: %w", err)
	}
	return code, nil
}

func (c *Client) TransactionReceipt(ctx context.Context, txHash ethCommon.Hash) (*ethTypes.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	receipt, err := c.client.TransactionReceipt(ctx, txHash)
	if err != nil {
		return nil, fmt.Errorf("ethclient TransactionReceipt %s: %w", txHash.Hex(), err)
	}
	return receipt, nil
}

// Close closes the underlying RPC connection.
func (c *Client) Close() {
	c.client.Close()
}
