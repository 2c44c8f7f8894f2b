// Package weights supplies the per-resource weight table and the usage
// window start instant. Both are refreshed on the scheduler's slow cadence
// and are best-effort: a failing remote returns the previously cached value
// rather than an error, so a flaky endpoint never breaks a tick.
package weights

import (
	"context"
	"fmt"
	"io/ioutil"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/os-metering/usage-exporter/pkg/usage"
)

// WeightSource returns the current weight table. Current never fails
// observably; implementations fall back to their last known value.
type WeightSource interface {
	Current(ctx context.Context) usage.WeightTable
}

// StartDateSource returns the start instant of the usage window.
type StartDateSource interface {
	Current(ctx context.Context) time.Time
}

// StaticWeights always returns the same table. Used for the dummy-weights
// file and as the neutral default when nothing is configured.
type StaticWeights struct {
	table usage.WeightTable
}

func NewStaticWeights(table usage.WeightTable) *StaticWeights {
	return &StaticWeights{table: table}
}

// DefaultWeights returns the neutral source used when neither a weights
// file nor a remote endpoint is configured.
func DefaultWeights() *StaticWeights {
	return NewStaticWeights(usage.NeutralWeights())
}

// NewStaticWeightsFromFile reads a fixed table from a YAML file once at
// startup. A malformed file is a configuration error and aborts startup.
func NewStaticWeightsFromFile(path string) (*StaticWeights, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading weights file %s: %v", path, err)
	}
	var table usage.WeightTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("parsing weights file %s: %v", path, err)
	}
	return NewStaticWeights(table), nil
}

func (s *StaticWeights) Current(ctx context.Context) usage.WeightTable {
	return s.table
}

// StaticStartDate always returns the same instant, either the configured
// --start value or the process start time.
type StaticStartDate struct {
	start time.Time
}

func NewStaticStartDate(start time.Time) *StaticStartDate {
	return &StaticStartDate{start: start}
}

func (s *StaticStartDate) Current(ctx context.Context) time.Time {
	return s.start
}

// startDateLayouts are the accepted wire/flag formats for start dates, most
// specific first.
var startDateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseStartDate parses a start date in any of the accepted layouts.
func ParseStartDate(value string) (time.Time, error) {
	for _, layout := range startDateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q, want RFC3339 or YYYY-MM-DD", value)
}
