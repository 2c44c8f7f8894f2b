package exporter

import (
	"errors"
	"fmt"
	"time"
)

// Defaults mirrored by the command-line flags.
const (
	DefaultUpdateInterval        = 300 * time.Second
	DefaultWeightUpdateFrequency = 10
	DefaultPort                  = 8080
	DefaultRequestTimeout        = 30 * time.Second
)

// Config is the fully resolved exporter configuration. Flag and environment
// fallback resolution happens once in cmd; components only ever see this
// immutable value.
type Config struct {
	// DummyDataFile selects the simulated usage source when non-empty.
	DummyDataFile string
	// DummyWeightsFile selects the static weight source when non-empty.
	// Mutually exclusive with WeightUpdateEndpoint.
	DummyWeightsFile string

	Domains  []string
	DomainID string

	SimpleVMID  string
	SimpleVMTag string

	WeightUpdateFrequency uint64
	WeightUpdateEndpoint  string
	StartDateEndpoint     string
	StartDate             time.Time

	UpdateInterval time.Duration
	RequestTimeout time.Duration

	Port   int
	Region string
}

// Validate rejects invalid or conflicting configuration before the
// scheduler starts.
func (c Config) Validate() error {
	if c.DummyWeightsFile != "" && c.WeightUpdateEndpoint != "" {
		return errors.New("--dummy-weights and --weight-update-endpoint are mutually exclusive")
	}
	if c.UpdateInterval <= 0 {
		return fmt.Errorf("update interval must be positive, got %s", c.UpdateInterval)
	}
	if c.WeightUpdateFrequency == 0 {
		return errors.New("weight update frequency must be at least 1")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive, got %s", c.RequestTimeout)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.SimpleVMTag != "" && c.SimpleVMID == "" {
		return errors.New("--simple-vm-tag requires --simple-vm-id")
	}
	if c.StartDate.IsZero() {
		return errors.New("start date must be set")
	}
	return nil
}
