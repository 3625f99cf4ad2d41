// Package metrics holds the Prometheus collectors for the store, the fetcher,
// the import pipeline and the REST API.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chambrid/proxy-profiles/pkg/fetch"
	"github.com/chambrid/proxy-profiles/pkg/importer"
	"github.com/chambrid/proxy-profiles/pkg/profile"
)

const namespace = "proxy_profiles"

// Collectors implements the recorder interfaces of the profile, fetch and
// importer packages
type Collectors struct {
	mutations      *prometheus.CounterVec
	profiles       prometheus.Gauge
	fetches        *prometheus.CounterVec
	importDuration *prometheus.HistogramVec
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		mutations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_mutations_total",
				Help:      "Total number of profile store mutations",
			},
			[]string{"op", "result"},
		),
		profiles: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "store_profiles",
				Help:      "Number of profiles in the store",
			},
		),
		fetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetch_total",
				Help:      "Total number of payload fetches",
			},
			[]string{"source", "result"},
		),
		importDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "import_duration_seconds",
				Help:      "Duration of profile imports",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"result"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of REST API requests",
			},
			[]string{"method", "route", "code"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of REST API requests",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}

	if reg != nil {
		reg.MustRegister(c.mutations, c.profiles, c.fetches, c.importDuration, c.httpRequests, c.httpDuration)
	}
	return c
}

// RecordMutation counts a store mutation by outcome
func (c *Collectors) RecordMutation(op string, err error) {
	c.mutations.WithLabelValues(op, Result(err)).Inc()
}

// SetProfileCount sets the profile gauge
func (c *Collectors) SetProfileCount(n int) {
	c.profiles.Set(float64(n))
}

// RecordFetch counts a fetch by source kind and outcome
func (c *Collectors) RecordFetch(kind fetch.SourceKind, err error) {
	source := string(kind)
	if source == "" {
		source = "invalid"
	}
	c.fetches.WithLabelValues(source, Result(err)).Inc()
}

// ObserveImport records the duration of a finished import
func (c *Collectors) ObserveImport(d time.Duration, err error) {
	c.importDuration.WithLabelValues(Result(err)).Observe(d.Seconds())
}

// ObserveRequest records a served REST API request
func (c *Collectors) ObserveRequest(method, route string, code int, d time.Duration) {
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	c.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// Handler serves the metrics gathered by g in the Prometheus text format
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Result maps an error to a low-cardinality label value
func Result(err error) string {
	if err == nil {
		return "success"
	}
	if errors.Is(err, importer.ErrSuperseded) {
		return "superseded"
	}
	var pe *profile.ProfileError
	if errors.As(err, &pe) {
		return strings.ToLower(strings.TrimSuffix(pe.Type, "Error"))
	}
	if kind := fetch.KindOf(err); kind != "" {
		return string(kind)
	}
	return "error"
}
