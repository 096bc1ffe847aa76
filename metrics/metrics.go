// Package metrics exposes Prometheus collectors for the execution pipeline
// and a standalone metrics HTTP server.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ExecutionsTotal counts finished executions by outcome code.
	ExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asset_executions_total",
		Help: "Finished executions by outcome",
	}, []string{"result"})

	// PurchasesTotal counts successful access purchases.
	PurchasesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "asset_purchases_total",
		Help: "Successful access purchases",
	})

	// AssetsRegisteredTotal counts registered assets by kind.
	AssetsRegisteredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "assets_registered_total",
		Help: "Registered assets by kind",
	}, []string{"kind"})

	// StageDuration observes per-stage latency.
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "execution_stage_duration_seconds",
		Help:    "Stage invocation latency",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"stage"})

	// KeyReleasesTotal counts custodian key release attempts by outcome.
	KeyReleasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "key_releases_total",
		Help: "Custodian key release attempts by outcome",
	}, []string{"result"})
)

// MetricsServer serves the Prometheus scrape endpoint on its own listener,
// separate from the API server.
type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server for the given service name and listen address.
func New(name, addr string) (*MetricsServer, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &MetricsServer{
		srv: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}, nil
}

// ListenAndServe blocks serving the scrape endpoint.
func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

// Shutdown gracefully stops the metrics server.
func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
