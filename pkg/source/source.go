// Package source provides the usage sources the exporter can poll: the real
// OpenStack compute usage API and a file-backed simulator for development.
package source

import (
	"context"
	"time"

	"github.com/os-metering/usage-exporter/pkg/usage"
)

// UsageSource produces raw per-project usage samples for the usage window
// [windowStart, now). The filter is applied before any per-project work so
// filtered-out projects incur no cost. Transport or auth failures are
// reported as *usage.SourceUnavailableError.
type UsageSource interface {
	Collect(ctx context.Context, filter usage.DomainFilter, windowStart, now time.Time) ([]usage.UsageSample, error)
}
