// Package adapter connects a driver to external observability and control
// surfaces.
package adapter

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/smd-tty/pkg/smdtty"
)

const instrumentationName = "github.com/srediag/smd-tty"

// OTel carries the tracer and meter a driver reports through.
type OTel struct {
	tracer trace.Tracer
	meter  metric.Meter
}

// NewOTel takes the tracer and meter from tp and mp. Nil providers fall back
// to the global ones.
func NewOTel(tp trace.TracerProvider, mp metric.MeterProvider) *OTel {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	return &OTel{
		tracer: tp.Tracer(instrumentationName),
		meter:  mp.Meter(instrumentationName),
	}
}

func (o *OTel) Tracer() trace.Tracer { return o.tracer }
func (o *OTel) Meter() metric.Meter  { return o.meter }

// Apply sets the tracer and meter of conf.
func (o *OTel) Apply(conf *smdtty.Config) {
	conf.Tracer = o.tracer
	conf.Meter = o.meter
}
