package sink

import (
	"net/http"

	"github.com/go-chi/chi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// NewRouter builds the scrape-side HTTP surface: /metrics for the
// monitoring system, /healthy for liveness, /ready which turns 200 once the
// first snapshot was published.
func NewRouter(logger log.FieldLogger, gatherer prometheus.Gatherer, ready func() bool) chi.Router {
	router := chi.NewRouter()

	router.Get("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}).ServeHTTP)

	router.Get("/healthy", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	router.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if !ready() {
			logger.Debug("readiness probe before first published snapshot")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("no snapshot published yet"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return router
}
