package exporter

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/os-metering/usage-exporter/pkg/sink"
	"github.com/os-metering/usage-exporter/pkg/source"
	"github.com/os-metering/usage-exporter/pkg/usage"
	"github.com/os-metering/usage-exporter/pkg/weights"
)

// Scheduler drives the polling loop on two cadences: usage is collected and
// published every tick, the weight table and start date are refreshed only
// every weightUpdateFrequency ticks. All state that persists across ticks
// lives here, never in package-level variables.
type Scheduler struct {
	logger                log.FieldLogger
	filter                usage.DomainFilter
	source                source.UsageSource
	weights               weights.WeightSource
	startDate             weights.StartDateSource
	sink                  sink.Sink
	updateInterval        time.Duration
	weightUpdateFrequency uint64

	// now is swappable for deterministic tests.
	now func() time.Time

	tick           uint64
	currentWeights usage.WeightTable
	currentStart   time.Time
}

func NewScheduler(
	logger log.FieldLogger,
	filter usage.DomainFilter,
	usageSource source.UsageSource,
	weightSource weights.WeightSource,
	startDateSource weights.StartDateSource,
	snapshotSink sink.Sink,
	updateInterval time.Duration,
	weightUpdateFrequency uint64,
) *Scheduler {
	return &Scheduler{
		logger:                logger.WithField("component", "scheduler"),
		filter:                filter,
		source:                usageSource,
		weights:               weightSource,
		startDate:             startDateSource,
		sink:                  snapshotSink,
		updateInterval:        updateInterval,
		weightUpdateFrequency: weightUpdateFrequency,
		now:                   time.Now,
	}
}

// Run loops Collecting -> Exporting -> Sleeping until ctx is cancelled. The
// sleep is fixed-delay: the interval is measured from the end of one tick to
// the start of the next, not corrected for processing time.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("shutdown requested, stopping polling loop")
			return nil
		default:
		}
		s.step(ctx)
		if !s.sleep(ctx) {
			s.logger.Info("shutdown requested, stopping polling loop")
			return nil
		}
	}
}

// step executes a single tick. A refresh due this tick strictly precedes
// usage collection so the tick exports the freshly fetched values, never
// stale ones. A failed collection leaves the previously published snapshot
// in place; the next attempt is the next scheduled tick.
func (s *Scheduler) step(ctx context.Context) {
	tick := s.tick
	s.tick++
	logger := s.logger.WithField("tick", tick)

	if tick%s.weightUpdateFrequency == 0 {
		s.currentWeights = s.weights.Current(ctx)
		s.currentStart = s.startDate.Current(ctx)
		logger.Debugf("refreshed weights to %+v and window start to %s", s.currentWeights, s.currentStart)
	}

	now := s.now()
	samples, err := s.source.Collect(ctx, s.filter, s.currentStart, now)
	if err != nil {
		logger.WithError(err).Error("usage collection failed, keeping previously published snapshot")
		return
	}

	snapshot := usage.Aggregate(samples, s.currentWeights)
	s.sink.Publish(snapshot)
	logger.Debugf("published snapshot with %d metrics", len(snapshot.Metrics))
}

func (s *Scheduler) sleep(ctx context.Context) bool {
	timer := time.NewTimer(s.updateInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
