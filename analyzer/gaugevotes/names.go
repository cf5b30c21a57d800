package gaugevotes

import (
	"context"
	"net/http"
	"regexp"
	"strings"
	"sync"

	ethCommon "github.com/ethereum/go-ethereum/common"

	"github.com/waveyops/ledgerwatch/analyzer/httpmisc"
	"github.com/waveyops/ledgerwatch/log"
)

// Parenthesised suffixes such as "(0xabc…)" in the API's pool names.
var nameSuffix = regexp.MustCompile(`\s*\(.*?\)`)

type gaugesResponse struct {
	Data map[string]struct {
		Gauge string `json:"gauge"`
	} `json:"data"`
}

// GaugeNames resolves gauge addresses to display names from the Curve
// gauges API. The list is refreshed when an unknown gauge is looked up,
// once per unknown gauge.
type GaugeNames struct {
	url    string
	client *http.Client
	logger *log.Logger

	mu        sync.Mutex
	names     map[ethCommon.Address]string
	refreshed map[ethCommon.Address]bool
}

func NewGaugeNames(url string, logger *log.Logger) *GaugeNames {
	return &GaugeNames{
		url:       url,
		client:    &http.Client{Timeout: httpmisc.ClientTimeout},
		logger:    logger,
		names:     map[ethCommon.Address]string{},
		refreshed: map[ethCommon.Address]bool{},
	}
}

// CleanName strips parenthesised suffixes.
func CleanName(name string) string {
	return strings.TrimSpace(nameSuffix.ReplaceAllString(name, ""))
}

// Refresh reloads the gauge list. The previous list is kept on failure.
func (g *GaugeNames) Refresh(ctx context.Context) error {
	var resp gaugesResponse
	if err := httpmisc.GetJSON(ctx, g.client, g.url, &resp); err != nil {
		return err
	}
	names := make(map[ethCommon.Address]string, len(resp.Data))
	for name, d := range resp.Data {
		if !ethCommon.IsHexAddress(d.Gauge) {
			continue
		}
		names[ethCommon.HexToAddress(d.Gauge)] = CleanName(name)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.names = names
	g.logger.Info("loaded gauge names", "gauges", len(names))
	return nil
}

// Name returns the gauge's name, or "" when the API does not list it.
func (g *GaugeNames) Name(ctx context.Context, gauge ethCommon.Address) string {
	g.mu.Lock()
	name, ok := g.names[gauge]
	retry := !ok && !g.refreshed[gauge]
	if retry {
		g.refreshed[gauge] = true
	}
	g.mu.Unlock()
	if ok || !retry {
		return name
	}

	if err := g.Refresh(ctx); err != nil {
		g.logger.Warn("refreshing gauge names failed", "gauge", gauge.Hex(), "err", err)
		return ""
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.names[gauge]
}
