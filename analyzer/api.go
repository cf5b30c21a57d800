package analyzer

import (
	"context"
	"sync"

	"github.com/waveyops/ledgerwatch/analyzer/blocktime"
	"github.com/waveyops/ledgerwatch/log"
	"github.com/waveyops/ledgerwatch/notifier"
	"github.com/waveyops/ledgerwatch/storage"
)

// Analyzer is a long-running worker that ingests one slice of the ledger.
type Analyzer interface {
	// Start starts the analyzer. It returns when ctx is cancelled.
	Start(ctx context.Context)

	// Name returns the name of the analyzer.
	Name() string
}

// Deps are the collaborators shared by every analyzer. They are
// constructed once at startup and live as long as the process.
type Deps struct {
	Source     storage.LedgerSource
	Timestamps *blocktime.Resolver
	Target     storage.TargetStorage
	// Sink receives alerts. Analyzers without alerts ignore it.
	Sink   notifier.Sink
	Logger *log.Logger
}

type group struct {
	name    string
	members []Analyzer
}

// NewGroup returns an analyzer that runs all members concurrently and
// returns once every member has returned.
func NewGroup(name string, members ...Analyzer) Analyzer {
	return &group{name: name, members: members}
}

func (g *group) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for _, m := range g.members {
		wg.Add(1)
		go func(m Analyzer) {
			defer wg.Done()
			m.Start(ctx)
		}(m)
	}
	wg.Wait()
}

func (g *group) Name() string {
	return g.name
}
