package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config contains configuration of the telemetry endpoint.
type Config struct {
	Port int `yaml:"port"`
}

// Measurements aggregates the service counters and histograms exposed on the
// prometheus endpoint.
type Measurements struct {
	trxIngested         prometheus.Counter
	signaturesCollected prometheus.Counter
	trxSubmitted        prometheus.Counter
	submitRejections    prometheus.Counter
	dealsProcessed      prometheus.Counter
	requestDuration     *prometheus.HistogramVec
}

// New registers all measurements on the default registry.
func New() *Measurements {
	return &Measurements{
		trxIngested: promauto.NewCounter(prometheus.CounterOpts{
			Name: "eurmtl_transactions_ingested_total",
			Help: "The total number of ingested transactions",
		}),
		signaturesCollected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "eurmtl_signatures_collected_total",
			Help: "The total number of verified and stored signatures",
		}),
		trxSubmitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "eurmtl_transactions_submitted_total",
			Help: "The total number of transactions accepted by the network",
		}),
		submitRejections: promauto.NewCounter(prometheus.CounterOpts{
			Name: "eurmtl_submit_rejections_total",
			Help: "The total number of transactions rejected by the network",
		}),
		dealsProcessed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "eurmtl_deals_processed_total",
			Help: "The total number of handled deal webhooks",
		}),
		requestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "eurmtl_request_duration_seconds",
			Help:    "Duration of handled HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// TrxIngested counts one ingested transaction.
func (m *Measurements) TrxIngested() { m.trxIngested.Inc() }

// SignatureCollected counts one stored signature.
func (m *Measurements) SignatureCollected() { m.signaturesCollected.Inc() }

// TrxSubmitted counts one transaction accepted by the network.
func (m *Measurements) TrxSubmitted() { m.trxSubmitted.Inc() }

// SubmitRejected counts one transaction rejected by the network.
func (m *Measurements) SubmitRejected() { m.submitRejections.Inc() }

// DealProcessed counts one handled deal.
func (m *Measurements) DealProcessed() { m.dealsProcessed.Inc() }

// ObserveRequest records the duration of one handled request in seconds.
func (m *Measurements) ObserveRequest(route string, seconds float64) {
	m.requestDuration.WithLabelValues(route).Observe(seconds)
}

// Run starts the server with prometheus telemetry endpoint.
// This function blocks. To stop cancel ctx.
func Run(ctx context.Context, cancel context.CancelFunc, cfg Config) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: mux}

	var err error
	go func() {
		if err = srv.ListenAndServe(); err != nil {
			cancel()
			return
		}
	}()

	<-ctx.Done()

	err = srv.Shutdown(ctx)
	return err
}
