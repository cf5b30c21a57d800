package incentives

import (
	"math/big"

	ethCommon "github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/waveyops/ledgerwatch/analyzer/dialect"
	"github.com/waveyops/ledgerwatch/config"
)

// Amounts are the raw token amounts of one distribution.
type Amounts struct {
	Total      *big.Int
	Votium     *big.Int
	Votemarket *big.Int
}

// receiptTransfers returns the token's transfers among the receipt's logs.
// Logs that are not decodable transfers are ignored.
func receiptTransfers(token ethCommon.Address, receipt *ethTypes.Receipt) []*dialect.Transfer {
	var out []*dialect.Transfer
	for _, lg := range receipt.Logs {
		if lg.Address != token || len(lg.Topics) == 0 || lg.Topics[0] != dialect.TransferTopic {
			continue
		}
		tr, err := dialect.ParseTransfer(lg)
		if err != nil {
			continue
		}
		out = append(out, tr)
	}
	return out
}

// Split divides a distribution transfer into its Votium and Votemarket
// buckets using the other transfers of the same transaction.
//
// For a resupply program, the Votium share is what the recipient forwards
// to the Votium target in the same transaction and Votemarket gets the
// rest. For a yieldbasis program, each bucket is what the source sends to
// that bucket's helper; their sum replaces the scanned value unless no
// helper transfer was found.
func Split(p *Program, transfer *dialect.Transfer, receipt *ethTypes.Receipt) Amounts {
	votium := new(big.Int)
	votemarket := new(big.Int)
	total := new(big.Int).Set(transfer.Value)

	switch p.Kind {
	case config.ProgramResupply:
		for _, tr := range receiptTransfers(p.Token, receipt) {
			if tr.From == p.Recipient && tr.To == p.VotiumTarget {
				votium.Add(votium, tr.Value)
			}
		}
		votemarket.Sub(total, votium)
	case config.ProgramYieldBasis:
		for _, tr := range receiptTransfers(p.Token, receipt) {
			if tr.From != p.Source {
				continue
			}
			switch tr.To {
			case p.VotiumTarget:
				votium.Add(votium, tr.Value)
			case p.VotemarketTarget:
				votemarket.Add(votemarket, tr.Value)
			}
		}
		if sum := new(big.Int).Add(votium, votemarket); sum.Sign() > 0 {
			total = sum
		}
	}
	return Amounts{Total: total, Votium: votium, Votemarket: votemarket}
}
