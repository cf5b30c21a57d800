package incentives

import (
	"fmt"
	"strings"
	"time"

	"github.com/waveyops/ledgerwatch/common"
)

func writeBucket(b *strings.Builder, title string, bias, amount float64, symbol string) {
	perToken := 0.0
	if amount > 0 {
		perToken = bias / amount
	}
	fmt.Fprintf(b, "*%s*: \n", title)
	fmt.Fprintf(b, "- %s votes/%s\n", common.WholeNumber(perToken), symbol)
	fmt.Fprintf(b, "- %s votes for %s %s\n\n", common.WholeNumber(bias), common.WholeNumber(amount), symbol)
}

// ReportMessage renders the weekly report of one distribution.
func ReportMessage(p *Program, d *Distribution) string {
	var b strings.Builder
	effective := time.Unix(d.PeriodStart+Week, 0).UTC().Format("01/02/06")

	fmt.Fprintf(&b, "🎯 *%s Incentives Report*\n\n", p.Symbol)
	if d.Epoch != nil {
		fmt.Fprintf(&b, "Epoch %d distributions | Effective %s\n\n", *d.Epoch, effective)
	} else {
		fmt.Fprintf(&b, "Distributions | Effective %s\n\n", effective)
	}
	writeBucket(&b, "Votium", d.VotiumBias, tokens(d.Votium), p.Symbol)
	writeBucket(&b, "Votemarket", d.VotemarketBias, tokens(d.Votemarket), p.Symbol)

	b.WriteString("━━━━━━━━━━\n")
	for _, g := range d.Gauges {
		fmt.Fprintf(&b, "\n[%s](https://crv.lol/?gauge=%s)\n", g.Name, g.Address)
		fmt.Fprintf(&b, "- Votes: %s (%s)\n", common.WholeNumber(g.TotalBias), common.Percent(g.RelativeWeight*100))
	}
	fmt.Fprintf(&b, "\n🔗 %s", common.TxLink("Distro txn", d.TxHash))
	return b.String()
}
