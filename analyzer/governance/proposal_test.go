package governance_test

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/waveyops/ledgerwatch/analyzer/governance"
	"github.com/waveyops/ledgerwatch/common"
)

const endTime = 1_750_000_000

var timing = governance.Timing{
	ExecutionDelay:    24 * time.Hour,
	ExecutionDeadline: 21 * 24 * time.Hour,
	EndingSoonWindow:  24 * time.Hour,
}

func proposal(status governance.Status, yes, no int64) governance.Proposal {
	return governance.Proposal{
		ID:       7,
		Voter:    voter,
		Status:   status,
		EndTime:  endTime,
		YesVotes: common.NewBigInt(yes),
		NoVotes:  common.NewBigInt(no),
		Quorum:   common.NewBigInt(200),
	}
}

func TestTransition(t *testing.T) {
	const (
		day      = int64(24 * 60 * 60)
		delay    = day
		deadline = 21 * day
	)
	for _, tc := range []struct {
		name   string
		p      governance.Proposal
		now    int64
		expect governance.Status
		moved  bool
	}{
		{"open until end", proposal(governance.StatusOpen, 100, 0), endTime, governance.StatusOpen, false},
		{"open passes", proposal(governance.StatusOpen, 100, 50), endTime + 1, governance.StatusPassed, true},
		{"open tie fails", proposal(governance.StatusOpen, 50, 50), endTime + 1, governance.StatusFailed, true},
		{"open no votes fails", proposal(governance.StatusOpen, 0, 0), endTime + 1, governance.StatusFailed, true},
		{"passed enters delay", proposal(governance.StatusPassed, 100, 0), endTime + 1, governance.StatusExecutionDelay, true},
		{"passed late becomes executable", proposal(governance.StatusPassed, 100, 0), endTime + delay, governance.StatusExecutable, true},
		{"passed past deadline expires", proposal(governance.StatusPassed, 100, 0), endTime + deadline, governance.StatusExpired, true},
		{"delay holds", proposal(governance.StatusExecutionDelay, 100, 0), endTime + delay - 1, governance.StatusExecutionDelay, false},
		{"delay elapses", proposal(governance.StatusExecutionDelay, 100, 0), endTime + delay, governance.StatusExecutable, true},
		{"delay past deadline expires", proposal(governance.StatusExecutionDelay, 100, 0), endTime + deadline + 5, governance.StatusExpired, true},
		{"executable holds", proposal(governance.StatusExecutable, 100, 0), endTime + deadline - 1, governance.StatusExecutable, false},
		{"executable expires", proposal(governance.StatusExecutable, 100, 0), endTime + deadline, governance.StatusExpired, true},
		{"executed is final", proposal(governance.StatusExecuted, 100, 0), endTime + 2*deadline, governance.StatusExecuted, false},
		{"cancelled is final", proposal(governance.StatusCancelled, 100, 0), endTime + 2*deadline, governance.StatusCancelled, false},
		{"failed is final", proposal(governance.StatusFailed, 100, 0), endTime + 2*deadline, governance.StatusFailed, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			to, moved := governance.Transition(tc.p, tc.now, timing)
			require.Equal(t, tc.moved, moved)
			require.Equal(t, tc.expect, to)
		})
	}
}

func TestTransitionWalk(t *testing.T) {
	p := proposal(governance.StatusOpen, 300, 10)
	var seen []governance.Status
	for now := int64(endTime - 3600); now <= endTime+30*24*3600; now += 3600 {
		if to, ok := governance.Transition(p, now, timing); ok {
			seen = append(seen, to)
			p.Status = to
		}
	}
	require.Equal(t, []governance.Status{
		governance.StatusPassed,
		governance.StatusExecutionDelay,
		governance.StatusExecutable,
		governance.StatusExpired,
	}, seen)
	require.True(t, p.Status.IsTerminal())
}

func TestEndingSoon(t *testing.T) {
	window := int64(24 * 60 * 60)
	p := proposal(governance.StatusOpen, 0, 0)

	require.False(t, governance.EndingSoon(p, endTime-window-1, timing))
	require.True(t, governance.EndingSoon(p, endTime-window, timing))
	require.True(t, governance.EndingSoon(p, endTime, timing))
	require.False(t, governance.EndingSoon(p, endTime+1, timing))

	p.EndingSoonAlertSent = true
	require.False(t, governance.EndingSoon(p, endTime-60, timing))

	require.False(t, governance.EndingSoon(proposal(governance.StatusPassed, 0, 0), endTime-60, timing))
}

func TestQuorumPercent(t *testing.T) {
	require.Equal(t, 25.0, governance.QuorumPercent(big.NewInt(30), big.NewInt(20), big.NewInt(200)))
	require.Equal(t, 100.0, governance.QuorumPercent(big.NewInt(150), big.NewInt(50), big.NewInt(200)))
	require.Equal(t, 100.0, governance.QuorumPercent(big.NewInt(500), big.NewInt(0), big.NewInt(200)))
	require.Equal(t, 0.0, governance.QuorumPercent(big.NewInt(0), big.NewInt(0), big.NewInt(200)))
}
