package usage

import "sort"

// Aggregate combines raw samples with the current weight table into the
// snapshot handed to the metrics sink. Each sample yields one memory and one
// vcpu metric carrying the sample's project labels. Samples sharing a
// project identity overwrite earlier ones so label sets stay unique within
// the snapshot. Aggregation performs no I/O and cannot fail on valid input.
func Aggregate(samples []UsageSample, weights WeightTable) Snapshot {
	byProject := make(map[Project]UsageSample, len(samples))
	order := make([]Project, 0, len(samples))
	for _, sample := range samples {
		if _, seen := byProject[sample.Project]; !seen {
			order = append(order, sample.Project)
		}
		byProject[sample.Project] = sample
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].ID != order[j].ID {
			return order[i].ID < order[j].ID
		}
		return order[i].Name < order[j].Name
	})

	metrics := make([]ExportedMetric, 0, 2*len(order))
	for _, project := range order {
		sample := byProject[project]
		metrics = append(metrics,
			ExportedMetric{
				Project: project,
				Name:    MetricTotalMemoryMBUsage,
				Value:   sample.MemoryMBUsage * weights.MBWeight,
			},
			ExportedMetric{
				Project: project,
				Name:    MetricTotalVCPUsUsage,
				Value:   sample.VCPUUsage * weights.VCPUWeight,
			},
		)
	}
	return Snapshot{Metrics: metrics}
}
