package metrics

import (
	"sync"

	promclient "github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
	"golang.org/x/xerrors"
)

var (
	otelOnce sync.Once
	otelErr  error
)

// bridgeOtel routes the global otel meter provider, which go-f3 reports its
// certificate validation metrics through, into registry under namespace. Only
// the first call installs the bridge.
func bridgeOtel(registry promclient.Registerer, namespace string) error {
	otelOnce.Do(func() {
		reader, err := prometheus.New(
			prometheus.WithRegisterer(registry),
			prometheus.WithNamespace(namespace),
			prometheus.WithoutScopeInfo(),
		)
		if err != nil {
			otelErr = xerrors.Errorf("creating otel prometheus reader: %w", err)
			return
		}
		otel.SetMeterProvider(metric.NewMeterProvider(metric.WithReader(reader)))
	})
	return otelErr
}
