package main

import (
	"net/http"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sto/imaproxy/proxy"
)

// Functions

// NewProxyMetrics wires the proxy instrumentation against Prometheus,
// or against discard when no prometheus_addr is configured.
func NewProxyMetrics(prometheusAddr string) proxy.Metrics {

	if prometheusAddr == "" {
		return proxy.Metrics{
			Connections:      discard.NewCounter(),
			OpenConnections:  discard.NewGauge(),
			FilteredListings: discard.NewCounter(),
			ListenerPanics:   discard.NewCounter(),
		}
	}

	return proxy.Metrics{
		Connections: prometheus.NewCounterFrom(prom.CounterOpts{
			Namespace: "imaproxy",
			Name:      "connections_total",
			Help:      "Number of accepted client connections",
		}, nil),
		OpenConnections: prometheus.NewGaugeFrom(prom.GaugeOpts{
			Namespace: "imaproxy",
			Name:      "open_connections",
			Help:      "Currently open client connections",
		}, nil),
		FilteredListings: prometheus.NewCounterFrom(prom.CounterOpts{
			Namespace: "imaproxy",
			Name:      "filtered_listings_total",
			Help:      "Number of listing responses filtered by folder type",
		}, nil),
		ListenerPanics: prometheus.NewCounterFrom(prom.CounterOpts{
			Namespace: "imaproxy",
			Name:      "listener_panics_total",
			Help:      "Number of recovered plugin listener panics",
		}, nil),
	}
}

// runPromHTTP exposes the metrics endpoint when configured.
func runPromHTTP(logger log.Logger, addr string) {

	if addr == "" {
		level.Debug(logger).Log("msg", "prometheus addr is empty, not exposing prometheus metrics")
		return
	}

	http.Handle("/metrics", promhttp.Handler())

	level.Info(logger).Log("msg", "prometheus handler listening", "addr", addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		level.Warn(logger).Log("msg", "failed to serve prometheus metrics", "err", err)
	}
}
