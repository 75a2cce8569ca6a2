// Package metrics exports the progress of a running fit as Prometheus
// metrics.
package metrics

import (
	"net/http"

	"github.com/op/go-logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bitbucket.org/Davydov/latstrain/optimize"
)

// log is the global logging variable.
var log = logging.MustGetLogger("metrics")

const namespace = "latstrain"

// Fit collects the metrics of one fit. It implements
// optimize.Monitor.
type Fit struct {
	iterations  prometheus.Counter
	evaluations prometheus.Counter
	running     prometheus.Gauge
	elbo        prometheus.Gauge
	relChange   prometheus.Gauge
	finished    *prometheus.CounterVec
}

// NewFit creates and registers the fit metrics.
func NewFit(reg prometheus.Registerer) *Fit {
	f := promauto.With(reg)
	return &Fit{
		iterations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fit",
			Name:      "iterations_total",
			Help:      "Total optimizer iterations",
		}),
		evaluations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fit",
			Name:      "evaluations_total",
			Help:      "Total ELBO evaluations",
		}),
		running: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fit",
			Name:      "running_objective",
			Help:      "Moving average of the objective estimates",
		}),
		elbo: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fit",
			Name:      "elbo",
			Help:      "Last evaluated ELBO",
		}),
		relChange: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fit",
			Name:      "elbo_relative_change",
			Help:      "Relative change of the last evaluated ELBO",
		}),
		finished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fit",
			Name:      "finished_total",
			Help:      "Finished optimizations by outcome",
		}, []string{"outcome"}),
	}
}

// Iteration records an iteration.
func (f *Fit) Iteration(iter int, running float64) {
	f.iterations.Inc()
	f.running.Set(running)
}

// Evaluation records an ELBO evaluation.
func (f *Fit) Evaluation(iter int, value, delta float64) {
	f.evaluations.Inc()
	f.elbo.Set(value)
	f.relChange.Set(delta)
}

// Done records the outcome.
func (f *Fit) Done(status optimize.Status) {
	f.finished.WithLabelValues(Outcome(status)).Inc()
}

// Outcome returns the outcome label for a status.
func Outcome(status optimize.Status) string {
	switch {
	case status.Converged:
		return "converged"
	case status.Cancelled:
		return "cancelled"
	}
	return "stopped"
}

// Serve serves the registry on addr at /metrics in background.
func Serve(addr string, g prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Metrics server error:", err)
		}
	}()
	log.Infof("Serving metrics on %s/metrics", addr)
	return srv
}
