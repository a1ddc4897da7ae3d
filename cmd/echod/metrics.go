package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fzft/go-evloop/log"
)

type metrics struct {
	accepts     prometheus.Counter
	echoedBytes prometheus.Counter
	activeConns prometheus.Gauge
}

func newMetrics(addr string) *metrics {
	m := &metrics{
		accepts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "echod_accept_total",
		}),
		echoedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "echod_echoed_bytes_total",
		}),
		activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "echod_active_connections",
		}),
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		m.accepts,
		m.echoedBytes,
		m.activeConns,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	go func() {
		if err := http.ListenAndServe(addr, promhttp.HandlerFor(registry, promhttp.HandlerOpts{})); err != nil {
			log.Logger.Warn("metrics listener failed", zap.Error(err))
		}
	}()

	return m
}
