// Package metrics implements the process-wide metrics surface named in
// SPEC_FULL.md's supplemented "deployment metrics endpoint": counters
// and gauges for worker activity, router delivery, and cluster
// membership, served over HTTP for a Prometheus scrape.
//
// The catalogue of what gets tracked (worker counts, uptime, node
// identity) is published through github.com/prometheus/client_golang
// as a pull-based registry, scraped over HTTP rather than pushed.
package metrics

import (
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config controls the metrics HTTP listener, decoded from the
// top-level config's `[metrics]` table.
type Config struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
}

func NewConfig() Config {
	return Config{Enabled: true, Listen: ":9102"}
}

// Registry holds every metric this node publishes plus the process
// start time used for the uptime gauge (the Prometheus analogue of
// vars.Uptime()).
type Registry struct {
	reg *prometheus.Registry

	WorkersSpawned   prometheus.Counter
	WorkersStopped   prometheus.Counter
	WorkersActive    prometheus.Gauge
	CallbackFailures prometheus.Counter
	DeliveriesTotal  prometheus.Counter
	NodeDownTotal    prometheus.Counter
	DeploymentsTotal prometheus.Counter
	ClusterMembers   prometheus.Gauge

	startTime time.Time
}

// New returns a registry with every series pre-registered, labeled by
// node so a master scraping itself and every worker distinguishes them.
func New(node string) *Registry {
	reg := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"node": node}

	r := &Registry{
		reg:       reg,
		startTime: time.Now().UTC(),
		WorkersSpawned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "skitter_workers_spawned_total", Help: "Workers created on this node.", ConstLabels: constLabels,
		}),
		WorkersStopped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "skitter_workers_stopped_total", Help: "Workers stopped on this node.", ConstLabels: constLabels,
		}),
		WorkersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "skitter_workers_active", Help: "Workers currently registered on this node.", ConstLabels: constLabels,
		}),
		CallbackFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "skitter_callback_failures_total", Help: "CallbackFailure restarts on this node.", ConstLabels: constLabels,
		}),
		DeliveriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "skitter_deliveries_total", Help: "Router Deliver calls made from this node.", ConstLabels: constLabels,
		}),
		NodeDownTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "skitter_node_down_total", Help: "Sends that failed with NodeDown from this node.", ConstLabels: constLabels,
		}),
		DeploymentsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "skitter_deployments_total", Help: "Workflows deployed from this node.", ConstLabels: constLabels,
		}),
		ClusterMembers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "skitter_cluster_members", Help: "Connected worker nodes, as seen by this node.", ConstLabels: constLabels,
		}),
	}

	reg.MustRegister(
		r.WorkersSpawned, r.WorkersStopped, r.WorkersActive,
		r.CallbackFailures, r.DeliveriesTotal, r.NodeDownTotal,
		r.DeploymentsTotal, r.ClusterMembers,
	)
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "skitter_uptime_seconds", Help: "Seconds since this node started.", ConstLabels: constLabels,
	}, func() float64 { return time.Since(r.startTime).Seconds() }))

	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Serve starts an HTTP server exposing Handler at /metrics on addr,
// returning a handle the caller closes to stop it: one dedicated
// net/http.Server for this concern, independent of any other listener
// the process runs.
func (r *Registry) Serve(addr string) (*http.Server, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	go srv.Serve(ln)
	return srv, nil
}
