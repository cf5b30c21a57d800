// Package pricefeed looks up current token prices in USD.
package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	ethCommon "github.com/ethereum/go-ethereum/common"

	"github.com/waveyops/ledgerwatch/analyzer/httpmisc"
	"github.com/waveyops/ledgerwatch/log"
)

// ErrPriceUnavailable is returned when no usable price exists for a token.
// Callers degrade price-derived metrics instead of failing.
var ErrPriceUnavailable = errors.New("price unavailable")

// PriceSource returns the current USD price of an Ethereum token.
type PriceSource interface {
	Price(ctx context.Context, token ethCommon.Address) (float64, error)
}

// DefiLlama is a PriceSource backed by the DefiLlama coins API.
type DefiLlama struct {
	baseURL string
	client  *http.Client
	logger  *log.Logger
}

var _ PriceSource = (*DefiLlama)(nil)

// NewDefiLlama creates a client for the coins API at baseURL, e.g.
// https://coins.llama.fi.
func NewDefiLlama(baseURL string, logger *log.Logger) *DefiLlama {
	return &DefiLlama{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: httpmisc.ClientTimeout},
		logger:  logger.WithModule("pricefeed"),
	}
}

type coin struct {
	Price      float64 `json:"price"`
	Symbol     string  `json:"symbol"`
	Timestamp  int64   `json:"timestamp"`
	Confidence float64 `json:"confidence"`
}

type pricesResponse struct {
	Coins map[string]coin `json:"coins"`
}

func (d *DefiLlama) Price(ctx context.Context, token ethCommon.Address) (float64, error) {
	key := "ethereum:" + token.Hex()
	var resp pricesResponse
	if err := httpmisc.GetJSON(ctx, d.client, fmt.Sprintf("%s/prices/current/%s", d.baseURL, key), &resp); err != nil {
		d.logger.Warn("price request failed", "token", token.Hex(), "err", err)
		return 0, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}
	for k, c := range resp.Coins {
		if !strings.EqualFold(k, key) {
			continue
		}
		if c.Price <= 0 {
			return 0, fmt.Errorf("%w: non-positive price %v for %s", ErrPriceUnavailable, c.Price, token.Hex())
		}
		return c.Price, nil
	}
	return 0, fmt.Errorf("%w: %s not in response", ErrPriceUnavailable, token.Hex())
}
