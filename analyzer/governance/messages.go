package governance

import (
	"fmt"
	"strings"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"

	"github.com/waveyops/ledgerwatch/common"
	"github.com/waveyops/ledgerwatch/notifier"
)

const resupplyProposalsURL = "https://resupply.fi/governance/proposals"

func links(txHash ethCommon.Hash, proposalID uint64) string {
	return fmt.Sprintf("🔗 %s | [Resupply](%s) | [Hippo Army](https://hippo.army/dao/proposal/%d)",
		common.TxLink("Etherscan", txHash), resupplyProposalsURL, proposalID)
}

func header(b *strings.Builder, title string, id uint64, description string) {
	fmt.Fprintf(b, "%s\n\n", title)
	fmt.Fprintf(b, "Proposal %d: %s\n", id, description)
}

// Formatter renders stream events. Votes are only announced for the
// configured accounts.
type Formatter struct {
	Channel   string
	Announced map[ethCommon.Address]bool
}

// Format implements stream.Formatter.
func (f *Formatter) Format(ev Event) (notifier.Message, bool) {
	var b strings.Builder
	switch e := ev.(type) {
	case *ProposalCreated:
		header(&b, "📜 *New Resupply Proposal Created*", e.ProposalID, e.Description)
		b.WriteString("\n")
		fmt.Fprintf(&b, "Proposer: %s\n", common.AddressLink(e.Proposer))
		fmt.Fprintf(&b, "Epoch: %d\n", e.Epoch)
		fmt.Fprintf(&b, "Quorum Required: %s\n", common.BigComma(e.Quorum))
		fmt.Fprintf(&b, "Ends: %s\n", common.DateString(e.EndTime))
		fmt.Fprintf(&b, "\n%s", links(e.TxHash, e.ProposalID))
	case *VoteCast:
		if !f.Announced[e.Account] {
			return notifier.Message{}, false
		}
		header(&b, "🗳️ *New Vote Cast on Resupply Proposal*", e.ProposalID, e.Description)
		fmt.Fprintf(&b, "Voter: %s\n", common.AddressLink(e.Account))
		if e.Support() {
			b.WriteString("Vote: Yes\n")
		} else {
			b.WriteString("Vote: No\n")
		}
		fmt.Fprintf(&b, "Weight: %s\n", common.BigComma(e.Weight()))
		fmt.Fprintf(&b, "\n%s", links(e.TxHash, e.ProposalID))
	case *ProposalUpdated:
		var title string
		switch e.Kind {
		case KindCancelled:
			title = "❌ *Resupply Proposal Cancelled*"
		case KindExecuted:
			title = "✅ *Resupply Proposal Executed*"
		case KindDescriptionUpdated:
			title = "📝 *Resupply Proposal Description Updated*"
		default:
			return notifier.Message{}, false
		}
		header(&b, title, e.ProposalID, e.Description)
		fmt.Fprintf(&b, "\n%s", links(e.TxHash, e.ProposalID))
	default:
		return notifier.Message{}, false
	}
	return notifier.NewMessage(f.Channel, b.String()), true
}

func writeTally(b *strings.Builder, p Proposal) {
	fmt.Fprintf(b, "Yes: %s\n", common.BigComma(&p.YesVotes.Int))
	fmt.Fprintf(b, "No: %s\n", common.BigComma(&p.NoVotes.Int))
	fmt.Fprintf(b, "Quorum: %s\n", common.Percent(QuorumPercent(&p.YesVotes.Int, &p.NoVotes.Int, &p.Quorum.Int)))
}

func hours(d time.Duration) string {
	return fmt.Sprintf("%dhrs", int64(d/time.Hour))
}

// EndingSoonMessage warns that voting on p closes within the window.
func EndingSoonMessage(p Proposal) string {
	var b strings.Builder
	header(&b, "⚠️ *Resupply Proposal Ending Soon*", p.ID, p.Description)
	fmt.Fprintf(&b, "\nEnds: %s\n", common.DateString(p.EndTime))
	writeTally(&b, p)
	fmt.Fprintf(&b, "\n%s", links(p.TxHash, p.ID))
	return b.String()
}

// StatusMessage announces that p moved to `to`.
func StatusMessage(p Proposal, to Status, t Timing) string {
	var b strings.Builder
	deadline := common.DateString(p.EndTime + int64(t.ExecutionDeadline/time.Second))
	switch to {
	case StatusPassed:
		header(&b, "🚀 *Resupply Proposal Passed*", p.ID, p.Description)
		b.WriteString("\n")
		writeTally(&b, p)
		fmt.Fprintf(&b, "\nExecutable in %s\n", hours(t.ExecutionDelay))
	case StatusFailed:
		header(&b, "❌ *Resupply Proposal Failed*", p.ID, p.Description)
		b.WriteString("\n")
		writeTally(&b, p)
	case StatusExecutionDelay:
		header(&b, "⏳ *Resupply Proposal in Execution Delay*", p.ID, p.Description)
		fmt.Fprintf(&b, "Executable after: %s\n", common.DateString(p.EndTime+int64(t.ExecutionDelay/time.Second)))
	case StatusExecutable:
		header(&b, "⏰ *Resupply Proposal Ready for Execution*", p.ID, p.Description)
		fmt.Fprintf(&b, "Execution Deadline: %s\n", deadline)
	case StatusExpired:
		header(&b, "⌛ *Resupply Proposal Expired*", p.ID, p.Description)
		fmt.Fprintf(&b, "Execution Deadline: %s\n", deadline)
	default:
		header(&b, fmt.Sprintf("*Resupply Proposal %s*", to), p.ID, p.Description)
	}
	fmt.Fprintf(&b, "\n%s", links(p.TxHash, p.ID))
	return b.String()
}
