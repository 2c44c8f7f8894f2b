package usage

import (
	"crypto/sha256"
	"fmt"
)

// Names of the exported usage metrics. These are the keys upstream uses in
// the os-simple-tenant-usage responses and double as the logical metric
// names in a Snapshot.
const (
	MetricTotalMemoryMBUsage = "total_memory_mb_usage"
	MetricTotalVCPUsUsage    = "total_vcpus_usage"
)

// Project identifies a project (tenant) and the domain it belongs to.
// Projects are re-derived from the source on every collection cycle and
// never mutated in place.
type Project struct {
	ID         string
	Name       string
	DomainID   string
	DomainName string
}

// UsageSample is one raw, unweighted usage reading for a project.
type UsageSample struct {
	Project       Project
	MemoryMBUsage float64
	VCPUUsage     float64
}

// WeightTable holds the multipliers applied to raw usage figures before
// export.
type WeightTable struct {
	MBWeight   float64 `yaml:"mb_weight" json:"mb_weight"`
	VCPUWeight float64 `yaml:"vcpu_weight" json:"vcpu_weight"`
}

// NeutralWeights is the table used when no weight source is configured.
func NeutralWeights() WeightTable {
	return WeightTable{MBWeight: 1.0, VCPUWeight: 1.0}
}

// ExportedMetric is a single weighted, labeled gauge value.
type ExportedMetric struct {
	Project Project
	Name    string
	Value   float64
}

// Snapshot is the complete set of metrics produced by one scheduler tick.
// A Snapshot is immutable once published; the next tick produces a new one.
type Snapshot struct {
	Metrics []ExportedMetric
}

// DeriveID returns the identifier used for entities that have no real cloud
// id, such as simulated projects and SimpleVM sub-projects: the last 16 hex
// characters of the sha256 of the name.
func DeriveID(name string) string {
	sum := fmt.Sprintf("%x", sha256.Sum256([]byte(name)))
	return sum[len(sum)-16:]
}
