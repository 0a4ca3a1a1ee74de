package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler serves the metrics in the Prometheus text format.
func Handler(metrics *Metrics) http.Handler {
	if metrics == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{})
}
