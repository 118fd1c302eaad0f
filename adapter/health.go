package adapter

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/srediag/smd-tty/pkg/health"
	"github.com/srediag/smd-tty/pkg/smdtty"
)

// Handler mounts the metrics, health and attribute endpoints of d:
//
//	/metrics                         prometheus exposition of g
//	/live, /ready                    health checks
//	/devices/{index}/open_timeout    attribute access
func Handler(d *smdtty.Driver, g prometheus.Gatherer, opts health.Options) (http.Handler, error) {
	hc, err := health.NewHandler(d, opts)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	mux.Handle("/live", hc)
	mux.Handle("/ready", hc)
	mux.Handle("/devices/", AttributeHandler(d))
	return mux, nil
}
