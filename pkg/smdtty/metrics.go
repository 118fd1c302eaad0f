package smdtty

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
)

type metrics struct {
	rxBytes      *prometheus.CounterVec
	txBytes      *prometheus.CounterVec
	breaks       *prometheus.CounterVec
	retries      *prometheus.CounterVec
	shortReads   *prometheus.CounterVec
	openFailures *prometheus.CounterVec
	openDevices  prometheus.Gauge

	activations metric.Int64Counter
}

func newMetrics(reg prometheus.Registerer, meter metric.Meter) (*metrics, error) {
	m := &metrics{
		rxBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "smdtty",
			Name:      "rx_bytes_total",
			Help:      "Bytes moved from channels to ports.",
		}, []string{"port"}),
		txBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "smdtty",
			Name:      "tx_bytes_total",
			Help:      "Bytes written to channels.",
		}, []string{"port"}),
		breaks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "smdtty",
			Name:      "breaks_total",
			Help:      "Break markers delivered after a remote reset.",
		}, []string{"port"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "smdtty",
			Name:      "staging_retries_total",
			Help:      "Pump retries armed for lack of staging space.",
		}, []string{"port"}),
		shortReads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "smdtty",
			Name:      "short_reads_total",
			Help:      "Channel reads that returned fewer bytes than available.",
		}, []string{"port"}),
		openFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "smdtty",
			Name:      "open_failures_total",
			Help:      "Failed activations by reason.",
		}, []string{"port", "reason"}),
		openDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "smdtty",
			Name:      "open_devices",
			Help:      "Devices currently active.",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.rxBytes, m.txBytes, m.breaks, m.retries, m.shortReads, m.openFailures, m.openDevices,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	if meter == nil {
		meter = metricnoop.NewMeterProvider().Meter("smdtty")
	}
	var err error
	m.activations, err = meter.Int64Counter("smdtty.activations",
		metric.WithDescription("Device activations by result."))
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *metrics) activated(ctx context.Context, port string, err error) {
	result := "ok"
	if err != nil {
		result = reason(err)
		m.openFailures.WithLabelValues(port, result).Inc()
	}
	m.activations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("port", port),
		attribute.String("result", result),
	))
}

func reason(err error) string {
	for _, r := range []struct {
		err  error
		name string
	}{
		{ErrInterrupted, "interrupted"},
		{ErrSubsystemUnavailable, "subsystem_unavailable"},
		{ErrChannelAllocationTimeout, "allocation_timeout"},
		{ErrTransportOpenFailed, "transport_open_failed"},
		{ErrRemoteOpenTimeout, "remote_open_timeout"},
		{ErrAlreadyActive, "already_active"},
	} {
		if errors.Is(err, r.err) {
			return r.name
		}
	}
	return "other"
}
