package incentives

import (
	"context"
	"fmt"
	"math/big"

	ethCommon "github.com/ethereum/go-ethereum/common"

	"github.com/waveyops/ledgerwatch/analyzer/evm"
	"github.com/waveyops/ledgerwatch/analyzer/evmabi"
	"github.com/waveyops/ledgerwatch/common"
	"github.com/waveyops/ledgerwatch/log"
)

// GaugeWeight is the vote state of one gauge at a period boundary.
type GaugeWeight struct {
	Name           string  `json:"name"`
	Address        string  `json:"address"`
	VotiumBias     float64 `json:"votium_bias"`
	OtherBias      float64 `json:"other_bias"`
	TotalBias      float64 `json:"total_bias"`
	RelativeWeight float64 `json:"relative_weight"`
}

// Efficiency relates the votes bought at a period boundary to the
// incentives paid for them.
type Efficiency struct {
	// PeriodTs is the boundary the biases were read at.
	PeriodTs       int64
	VotiumBias     float64
	VotemarketBias float64
	TotalBias      float64
	// Price, VotiumVotesPerUSD and VotemarketVotesPerUSD are nil when no
	// price was available.
	Price                 *float64
	VotiumVotesPerUSD     *float64
	VotemarketVotesPerUSD *float64
	Gauges                []GaugeWeight
}

// Bias is the remaining weight at `period` of a lock decaying linearly at
// `slope` until `end`.
func Bias(slope, end *big.Int, period int64) *big.Int {
	p := big.NewInt(period)
	if end.Cmp(p) <= 0 {
		return new(big.Int)
	}
	return new(big.Int).Mul(slope, new(big.Int).Sub(end, p))
}

func tokens(raw *big.Int) float64 {
	return common.MustScaleDown(raw, common.DefaultDecimals)
}

// VotesPerUSD is bias per dollar of incentive, or nil when it cannot be
// computed. Each campaign spans two periods, so half of `amount` pays for
// one period's votes.
func VotesPerUSD(bias, amount float64, price *float64) *float64 {
	incentives := amount / 2
	if price == nil || *price <= 0 || bias <= 0 || incentives <= 0 {
		return nil
	}
	v := bias / (incentives * *price)
	return &v
}

// gaugeReader reads gauge controller state pinned to one block.
type gaugeReader struct {
	caller     evm.Caller
	controller ethCommon.Address
	voters     []ethCommon.Address
	block      uint64
	periodTs   int64
}

func (r *gaugeReader) call(ctx context.Context, method string, params ...interface{}) ([]interface{}, error) {
	return evm.CallWithABI(ctx, r.caller, r.block, r.controller, evmabi.GaugeController, method, params...)
}

func firstBigInt(out []interface{}, idx int, method string) (*big.Int, error) {
	if len(out) <= idx {
		return nil, fmt.Errorf("%s returned %d values", method, len(out))
	}
	v, ok := out[idx].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s returned %T", method, out[idx])
	}
	return v, nil
}

func (r *gaugeReader) read(ctx context.Context, g Gauge) (GaugeWeight, error) {
	w := GaugeWeight{Name: g.Name, Address: g.Address.Hex()}
	period := big.NewInt(r.periodTs)
	for i, voter := range r.voters {
		out, err := r.call(ctx, "vote_user_slopes", voter, g.Address)
		if err != nil {
			return w, err
		}
		slope, err := firstBigInt(out, 0, "vote_user_slopes")
		if err != nil {
			return w, err
		}
		end, err := firstBigInt(out, 2, "vote_user_slopes")
		if err != nil {
			return w, err
		}
		bias := tokens(Bias(slope, end, r.periodTs))
		if i == 0 {
			w.VotiumBias = bias
		} else {
			w.OtherBias += bias
		}
	}
	out, err := r.call(ctx, "points_weight", g.Address, period)
	if err != nil {
		return w, err
	}
	total, err := firstBigInt(out, 0, "points_weight")
	if err != nil {
		return w, err
	}
	w.TotalBias = tokens(total)
	out, err = r.call(ctx, "gauge_relative_weight", g.Address, period)
	if err != nil {
		return w, err
	}
	rel, err := firstBigInt(out, 0, "gauge_relative_weight")
	if err != nil {
		return w, err
	}
	w.RelativeWeight = tokens(rel)
	return w, nil
}

// computeEfficiency reads every gauge of the program at `block` for the
// boundary periodTs. A gauge that cannot be read is left out.
func computeEfficiency(ctx context.Context, caller evm.Caller, p *Program, block uint64, periodTs int64, amounts Amounts, price *float64, logger *log.Logger) Efficiency {
	r := &gaugeReader{
		caller:     caller,
		controller: p.GaugeController,
		voters:     p.Voters,
		block:      block,
		periodTs:   periodTs,
	}
	eff := Efficiency{PeriodTs: periodTs, Price: price}
	var other float64
	for _, g := range p.Gauges {
		w, err := r.read(ctx, g)
		if err != nil {
			logger.Warn("failed to read gauge", "gauge", g.Name, "gauge_address", g.Address.Hex(), "block", block, "err", err)
			continue
		}
		eff.VotiumBias += w.VotiumBias
		other += w.OtherBias
		eff.TotalBias += w.TotalBias
		eff.Gauges = append(eff.Gauges, w)
	}
	eff.VotemarketBias = eff.TotalBias - eff.VotiumBias - other
	eff.VotiumVotesPerUSD = VotesPerUSD(eff.VotiumBias, tokens(amounts.Votium), price)
	eff.VotemarketVotesPerUSD = VotesPerUSD(eff.VotemarketBias, tokens(amounts.Votemarket), price)
	return eff
}
