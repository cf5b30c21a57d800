package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce registers the collector with Prometheus. Analyzers of the
// same kind share collectors, so an identical collector that is already
// registered is returned instead. Panics on any other registration error.
func registerOnce(collector prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(collector); err != nil {
		are := &prometheus.AlreadyRegisteredError{}
		if errors.As(err, are) {
			return are.ExistingCollector
		}
		panic(err)
	}
	return collector
}
