package governance

import (
	"math/big"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"

	"github.com/waveyops/ledgerwatch/common"
)

// Status is the lifecycle state of a proposal, as stored.
type Status string

const (
	StatusOpen           Status = "open"
	StatusPassed         Status = "passed"
	StatusFailed         Status = "failed"
	StatusCancelled      Status = "cancelled"
	StatusExecutionDelay Status = "execution_delay"
	StatusExecutable     Status = "executable"
	StatusExpired        Status = "expired"
	StatusExecuted       Status = "executed"
)

// ActiveStatuses are re-evaluated on every lifecycle tick.
var ActiveStatuses = []Status{StatusOpen, StatusPassed, StatusExecutionDelay, StatusExecutable}

// IsTerminal reports whether no further transition can happen.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusFailed, StatusCancelled, StatusExpired, StatusExecuted:
		return true
	default:
		return false
	}
}

// Proposal is the stored state of a proposal, keyed by (ID, Voter).
type Proposal struct {
	ID          uint64
	Voter       ethCommon.Address
	Status      Status
	Description string
	EndTime     int64
	YesVotes    common.BigInt
	NoVotes     common.BigInt
	Quorum      common.BigInt
	// TxHash is the transaction of the last on-chain mutation.
	TxHash              ethCommon.Hash
	EndingSoonAlertSent bool
}

// Timing holds the time windows of the lifecycle, relative to the end of
// the voting period.
type Timing struct {
	ExecutionDelay    time.Duration
	ExecutionDeadline time.Duration
	EndingSoonWindow  time.Duration
}

// Transition returns the status p should move to at unix time now, and
// false when it should stay where it is. Cancellation and execution come
// from on-chain events and are never produced here.
//
// The deadline is a hard cutoff: once now - EndTime reaches it, a passed
// proposal expires whatever intermediate status it holds.
func Transition(p Proposal, now int64, t Timing) (Status, bool) {
	sinceEnd := now - p.EndTime
	delay := int64(t.ExecutionDelay / time.Second)
	deadline := int64(t.ExecutionDeadline / time.Second)

	switch p.Status {
	case StatusOpen:
		if now <= p.EndTime {
			return p.Status, false
		}
		if p.YesVotes.Cmp(&p.NoVotes.Int) > 0 {
			return StatusPassed, true
		}
		return StatusFailed, true
	case StatusPassed, StatusExecutionDelay:
		switch {
		case sinceEnd >= deadline:
			return StatusExpired, true
		case sinceEnd >= delay:
			return StatusExecutable, true
		case p.Status == StatusPassed:
			return StatusExecutionDelay, true
		}
	case StatusExecutable:
		if sinceEnd >= deadline {
			return StatusExpired, true
		}
	}
	return p.Status, false
}

// EndingSoon reports whether the one-time ending-soon alert is due.
func EndingSoon(p Proposal, now int64, t Timing) bool {
	if p.Status != StatusOpen || p.EndingSoonAlertSent || now > p.EndTime {
		return false
	}
	return p.EndTime-now <= int64(t.EndingSoonWindow/time.Second)
}

// QuorumPercent returns the share of the quorum reached by the votes cast,
// capped at 100.
func QuorumPercent(yes, no, quorum *big.Int) float64 {
	total := new(big.Int).Add(yes, no)
	if total.Cmp(quorum) >= 0 {
		return 100
	}
	pct, _ := new(big.Float).Quo(
		new(big.Float).SetInt(total),
		new(big.Float).SetInt(quorum),
	).Float64()
	return pct * 100
}
