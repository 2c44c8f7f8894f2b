package source

import (
	"context"
	"fmt"
	"io/ioutil"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/os-metering/usage-exporter/pkg/usage"
)

// SimulatedSource computes usage from a declarative machine-lifetime file
// instead of a live cloud. The file is re-read on every Collect call so it
// can be edited while the exporter runs.
type SimulatedSource struct {
	logger log.FieldLogger
	path   string
	// fallback start instant for machines that declare no started_at,
	// mirroring the simulator's "exists since script start" behavior.
	processStart time.Time
}

type simulationFile struct {
	Domains []simulatedDomain `yaml:"domains"`
}

type simulatedDomain struct {
	Name     string             `yaml:"name"`
	ID       string             `yaml:"id"`
	Projects []simulatedProject `yaml:"projects"`
}

type simulatedProject struct {
	Name     string             `yaml:"name"`
	ID       string             `yaml:"id"`
	Machines []simulatedMachine `yaml:"machines"`
}

type simulatedMachine struct {
	MemoryMB  float64    `yaml:"memory_mb"`
	VCPUs     float64    `yaml:"vcpus"`
	StartedAt *time.Time `yaml:"started_at"`
	EndedAt   *time.Time `yaml:"ended_at"`
}

func NewSimulatedSource(logger log.FieldLogger, path string, processStart time.Time) *SimulatedSource {
	return &SimulatedSource{
		logger:       logger.WithField("component", "simulated-source"),
		path:         path,
		processStart: processStart,
	}
}

// Validate parses the backing file once so malformed documents are rejected
// at startup instead of surfacing as per-tick failures.
func (s *SimulatedSource) Validate() error {
	_, err := s.load()
	return err
}

// Collect re-reads the lifetime file and returns one sample per project
// whose domain passes the filter. A machine contributes its declared size
// while its lifetime overlaps now and zero otherwise; windowStart does not
// enter the computation under the allocation-size model (see usageAt).
func (s *SimulatedSource) Collect(ctx context.Context, filter usage.DomainFilter, windowStart, now time.Time) ([]usage.UsageSample, error) {
	sim, err := s.load()
	if err != nil {
		return nil, err
	}

	var samples []usage.UsageSample
	for _, domain := range sim.Domains {
		domainID := domain.ID
		if domainID == "" {
			domainID = usage.DeriveID(domain.Name)
		}
		if !filter.MatchesDomain(domainID, domain.Name) {
			continue
		}
		for _, project := range domain.Projects {
			projectID := project.ID
			if projectID == "" {
				projectID = usage.DeriveID(project.Name)
			}
			sample := usage.UsageSample{
				Project: usage.Project{
					ID:         projectID,
					Name:       project.Name,
					DomainID:   domainID,
					DomainName: domain.Name,
				},
			}
			for i, machine := range project.Machines {
				if err := s.validMachine(machine); err != nil {
					s.logger.WithError(err).Warnf("skipping malformed machine entry %d of project %s", i, project.Name)
					continue
				}
				memory, vcpus := s.usageAt(machine, now)
				sample.MemoryMBUsage += memory
				sample.VCPUUsage += vcpus
			}
			samples = append(samples, sample)
		}
	}
	return samples, nil
}

func (s *SimulatedSource) load() (*simulationFile, error) {
	data, err := ioutil.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("reading simulation file %s: %v", s.path, err)
	}
	var sim simulationFile
	if err := yaml.Unmarshal(data, &sim); err != nil {
		return nil, fmt.Errorf("parsing simulation file %s: %v", s.path, err)
	}
	return &sim, nil
}

func (s *SimulatedSource) validMachine(m simulatedMachine) error {
	if m.MemoryMB <= 0 || m.VCPUs <= 0 {
		return fmt.Errorf("memory_mb and vcpus must be positive, got %v and %v", m.MemoryMB, m.VCPUs)
	}
	if m.StartedAt != nil && m.EndedAt != nil && m.EndedAt.Before(*m.StartedAt) {
		return fmt.Errorf("ended_at %s precedes started_at %s", m.EndedAt, m.StartedAt)
	}
	return nil
}

// usageAt implements the allocation-size-when-active model: a machine whose
// lifetime overlaps now contributes its full declared size, everything else
// contributes zero. Swapping in a time-integrated model only requires
// replacing this function.
func (s *SimulatedSource) usageAt(m simulatedMachine, now time.Time) (memoryMB, vcpus float64) {
	started := s.processStart
	if m.StartedAt != nil {
		started = *m.StartedAt
	}
	if started.After(now) {
		return 0, 0
	}
	if m.EndedAt != nil && !m.EndedAt.After(now) {
		return 0, 0
	}
	return m.MemoryMB, m.VCPUs
}
