// Package exporter wires the usage source, weight sources, aggregator and
// metrics sink together and runs the polling loop next to the scrape server.
package exporter

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/os-metering/usage-exporter/pkg/sink"
	"github.com/os-metering/usage-exporter/pkg/source"
	"github.com/os-metering/usage-exporter/pkg/usage"
	"github.com/os-metering/usage-exporter/pkg/weights"
)

const shutdownTimeout = 5 * time.Second

// Exporter owns the published snapshot state and the components around it.
type Exporter struct {
	logger    log.FieldLogger
	cfg       Config
	sink      *sink.PrometheusSink
	registry  *prometheus.Registry
	scheduler *Scheduler
}

// New validates cfg and builds the source variants it selects. Returned
// errors are configuration errors: the caller should exit without serving.
func New(logger log.FieldLogger, cfg Config) (*Exporter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger.Debugf("resolved configuration: %s", spew.Sdump(cfg))

	filter := usage.NewDomainFilter(cfg.DomainID, cfg.Domains)
	switch {
	case filter.DomainID() != "":
		logger.Infof("restricting export to domain id %s", filter.DomainID())
	case !filter.Empty():
		logger.Infof("restricting export to domains %v", cfg.Domains)
	}

	var usageSource source.UsageSource
	if cfg.DummyDataFile != "" {
		simulated := source.NewSimulatedSource(logger, cfg.DummyDataFile, time.Now())
		if err := simulated.Validate(); err != nil {
			return nil, err
		}
		usageSource = simulated
		logger.Infof("using simulated usage source backed by %s", cfg.DummyDataFile)
	} else {
		openStack, err := source.NewOpenStackSourceFromEnv(logger, cfg.Region, cfg.SimpleVMID, cfg.SimpleVMTag, cfg.RequestTimeout)
		if err != nil {
			return nil, err
		}
		usageSource = openStack
		logger.Info("using OpenStack usage source")
	}

	var weightSource weights.WeightSource
	switch {
	case cfg.DummyWeightsFile != "":
		staticWeights, err := weights.NewStaticWeightsFromFile(cfg.DummyWeightsFile)
		if err != nil {
			return nil, err
		}
		weightSource = staticWeights
		logger.Infof("using static weights from %s", cfg.DummyWeightsFile)
	case cfg.WeightUpdateEndpoint != "":
		weightSource = weights.NewRemoteWeights(logger, cfg.WeightUpdateEndpoint, cfg.RequestTimeout)
		logger.Infof("using remote weights from %s", cfg.WeightUpdateEndpoint)
	default:
		weightSource = weights.DefaultWeights()
		logger.Info("no weight source configured, using neutral weights")
	}

	var startDateSource weights.StartDateSource = weights.NewStaticStartDate(cfg.StartDate)
	if cfg.StartDateEndpoint != "" {
		startDateSource = weights.NewRemoteStartDate(logger, cfg.StartDateEndpoint, cfg.StartDate, cfg.RequestTimeout)
		logger.Infof("using remote start date from %s", cfg.StartDateEndpoint)
	}

	promSink := sink.NewPrometheusSink()
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		promSink,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	scheduler := NewScheduler(
		logger,
		filter,
		usageSource,
		weightSource,
		startDateSource,
		promSink,
		cfg.UpdateInterval,
		cfg.WeightUpdateFrequency,
	)

	return &Exporter{
		logger:    logger,
		cfg:       cfg,
		sink:      promSink,
		registry:  registry,
		scheduler: scheduler,
	}, nil
}

// Run serves the scrape endpoint and drives the polling loop until ctx is
// cancelled, then shuts the HTTP server down cleanly.
func (e *Exporter) Run(ctx context.Context) error {
	router := sink.NewRouter(e.logger, e.registry, e.sink.Ready)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", e.cfg.Port),
		Handler: router,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		e.logger.Infof("metrics server listening on %s", httpServer.Addr)
		err := httpServer.ListenAndServe()
		if err == http.ErrServerClosed {
			return nil
		}
		return fmt.Errorf("metrics server error: %v", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return e.scheduler.Run(gctx)
	})
	return g.Wait()
}
