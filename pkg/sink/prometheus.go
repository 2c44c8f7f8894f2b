// Package sink publishes usage snapshots for a monitoring system to scrape.
package sink

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/os-metering/usage-exporter/pkg/usage"
)

var projectLabels = []string{"project_id", "project_name", "domain_name", "domain_id"}

// Sink receives the snapshot produced by a completed scheduler tick.
type Sink interface {
	Publish(snapshot usage.Snapshot)
}

// PrometheusSink exposes the last published snapshot as labeled gauges. The
// snapshot is swapped as a whole value, so a concurrent scrape either sees
// the previous snapshot or the new one, never a mix, and scraping never
// blocks the polling loop.
type PrometheusSink struct {
	memoryDesc *prometheus.Desc
	vcpuDesc   *prometheus.Desc
	snapshot   atomic.Value
}

func NewPrometheusSink() *PrometheusSink {
	return &PrometheusSink{
		memoryDesc: prometheus.NewDesc("project_mb_usage", "Total MB usage", projectLabels, nil),
		vcpuDesc:   prometheus.NewDesc("project_vcpu_usage", "Total vcpu usage", projectLabels, nil),
	}
}

// Publish atomically replaces the previously published snapshot.
func (s *PrometheusSink) Publish(snapshot usage.Snapshot) {
	s.snapshot.Store(snapshot)
}

// Ready reports whether at least one snapshot has been published.
func (s *PrometheusSink) Ready() bool {
	_, ok := s.snapshot.Load().(usage.Snapshot)
	return ok
}

func (s *PrometheusSink) Describe(ch chan<- *prometheus.Desc) {
	ch <- s.memoryDesc
	ch <- s.vcpuDesc
}

func (s *PrometheusSink) Collect(ch chan<- prometheus.Metric) {
	snapshot, ok := s.snapshot.Load().(usage.Snapshot)
	if !ok {
		return
	}
	for _, metric := range snapshot.Metrics {
		desc := s.memoryDesc
		if metric.Name == usage.MetricTotalVCPUsUsage {
			desc = s.vcpuDesc
		}
		ch <- prometheus.MustNewConstMetric(
			desc,
			prometheus.GaugeValue,
			metric.Value,
			metric.Project.ID,
			metric.Project.Name,
			metric.Project.DomainName,
			metric.Project.DomainID,
		)
	}
}
