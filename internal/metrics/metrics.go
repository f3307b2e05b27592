// Package metrics exposes a run's event stream as Prometheus metrics.
//
// Collector is a trace.Sink: attach it next to the file sinks and scrape
// /metrics while the run is in progress. Durations are in virtual time units.
//
//	graphdes_trays_injected_total
//	graphdes_trays_completed_total
//	graphdes_trays_in_flight
//	graphdes_cycle_time                       histogram
//	graphdes_station_services_total{vertex}
//	graphdes_arc_transfers_total{arc}
//	graphdes_arc_blocked_time_total{arc}
//	graphdes_routing_fallbacks_total{reason}
//	graphdes_sim_time
package metrics

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/lengbh/GraphDesEngine/sim/trace"
)

const namespace = "graphdes"

// Collector turns event records into counters and gauges.
type Collector struct {
	reg prometheus.Gatherer

	injected  prometheus.Counter
	completed prometheus.Counter
	inFlight  prometheus.Gauge
	cycleTime prometheus.Histogram
	simTime   prometheus.Gauge

	services  *prometheus.CounterVec
	transfers *prometheus.CounterVec
	blocked   *prometheus.CounterVec
	fallbacks *prometheus.CounterVec
}

// NewCollector registers the run metrics on reg. A nil reg uses a fresh
// registry, which Handler then serves.
func NewCollector(reg *prometheus.Registry) (*Collector, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &Collector{
		reg: reg,
		injected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trays_injected_total",
			Help:      "Total number of trays injected",
		}),
		completed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trays_completed_total",
			Help:      "Total number of trays that left a terminal station",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "trays_in_flight",
			Help:      "Trays injected but not yet completed",
		}),
		cycleTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_time",
			Help:      "Virtual time from injection to completion",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		simTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sim_time",
			Help:      "Virtual time of the latest logged event",
		}),
		services: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "station_services_total",
			Help:      "Services completed per station",
		}, []string{"vertex"}),
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "arc_transfers_total",
			Help:      "Transfers delivered per arc",
		}, []string{"arc"}),
		blocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "arc_blocked_time_total",
			Help:      "Virtual time trays spent blocked at the head of each arc",
		}, []string{"arc"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_fallbacks_total",
			Help:      "Routing queries resolved by the weighted fallback",
		}, []string{"reason"}),
	}
	for _, m := range []prometheus.Collector{
		c.injected, c.completed, c.inFlight, c.cycleTime, c.simTime,
		c.services, c.transfers, c.blocked, c.fallbacks,
	} {
		if err := reg.Register(m); err != nil {
			return nil, fmt.Errorf("registering run metrics: %w", err)
		}
	}
	return c, nil
}

// Write implements trace.Sink.
func (c *Collector) Write(r trace.Record) error {
	c.simTime.Set(r.Time)
	switch r.Kind {
	case trace.KindInjected:
		c.injected.Inc()
		c.inFlight.Inc()
	case trace.KindTrayCompleted:
		c.completed.Inc()
		c.inFlight.Dec()
		if v, ok := number(r, trace.MetaCycleTime); ok {
			c.cycleTime.Observe(v)
		}
	case trace.KindServiceEnd:
		c.services.WithLabelValues(r.Subject).Inc()
	case trace.KindTransferEnd:
		c.transfers.WithLabelValues(r.Subject).Inc()
		if v, ok := number(r, trace.MetaBlockedFor); ok {
			c.blocked.WithLabelValues(r.Subject).Add(v)
		}
	case trace.KindRoutingTimeout:
		c.fallbacks.WithLabelValues("timeout").Inc()
	case trace.KindRoutingError:
		c.fallbacks.WithLabelValues("error").Inc()
	}
	return nil
}

// Close implements trace.Sink. Metrics stay readable after the run.
func (c *Collector) Close() error { return nil }

func number(r trace.Record, key string) (float64, bool) {
	s, ok := r.Metadata[key]
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		logrus.Debugf("metrics: %s=%q on %s record is not a number", key, s, r.Kind)
		return 0, false
	}
	return v, true
}

// Handler serves the collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr in the background. The returned server's
// Addr is the bound address; shut it down when the run ends.
func (c *Collector) Serve(addr string) (*http.Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: lis.Addr().String(), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Warnf("metrics server stopped: %v", err)
		}
	}()
	logrus.Infof("serving metrics on http://%s/metrics", lis.Addr())
	return srv, nil
}
