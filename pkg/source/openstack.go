package source

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/gophercloud/gophercloud"
	"github.com/gophercloud/gophercloud/openstack"
	osusage "github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/usage"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/servers"
	"github.com/gophercloud/gophercloud/openstack/identity/v3/domains"
	"github.com/gophercloud/gophercloud/openstack/identity/v3/projects"
	log "github.com/sirupsen/logrus"

	"github.com/os-metering/usage-exporter/pkg/usage"
)

// OpenStackSource reads per-project usage from the os-simple-tenant-usage
// compute API. Projects hosted inside the configured SimpleVM umbrella
// project are split into their own samples based on server metadata.
type OpenStackSource struct {
	logger      log.FieldLogger
	identity    *gophercloud.ServiceClient
	compute     *gophercloud.ServiceClient
	simpleVMID  string
	simpleVMTag string
}

// NewOpenStackSource wires an OpenStackSource from already-built service
// clients. Used directly by tests; production callers go through
// NewOpenStackSourceFromEnv.
func NewOpenStackSource(logger log.FieldLogger, identity, compute *gophercloud.ServiceClient, simpleVMID, simpleVMTag string) *OpenStackSource {
	return &OpenStackSource{
		logger:      logger.WithField("component", "openstack-source"),
		identity:    identity,
		compute:     compute,
		simpleVMID:  simpleVMID,
		simpleVMTag: simpleVMTag,
	}
}

// NewOpenStackSourceFromEnv authenticates against OpenStack using the
// standard OS_* environment variables. Every request the source makes is
// bounded by timeout so an unresponsive API cannot stall the polling loop.
func NewOpenStackSourceFromEnv(logger log.FieldLogger, region, simpleVMID, simpleVMTag string, timeout time.Duration) (*OpenStackSource, error) {
	opts, err := openstack.AuthOptionsFromEnv()
	if err != nil {
		return nil, fmt.Errorf("reading OpenStack auth options from environment: %v", err)
	}
	opts.AllowReauth = true

	provider, err := openstack.NewClient(opts.IdentityEndpoint)
	if err != nil {
		return nil, fmt.Errorf("creating OpenStack provider client: %v", err)
	}
	provider.HTTPClient.Timeout = timeout
	if err := openstack.Authenticate(provider, opts); err != nil {
		return nil, fmt.Errorf("authenticating against OpenStack: %v", err)
	}

	identity, err := openstack.NewIdentityV3(provider, gophercloud.EndpointOpts{})
	if err != nil {
		return nil, fmt.Errorf("creating identity client: %v", err)
	}
	compute, err := openstack.NewComputeV2(provider, gophercloud.EndpointOpts{Region: region})
	if err != nil {
		return nil, fmt.Errorf("creating compute client: %v", err)
	}
	return NewOpenStackSource(logger, identity, compute, simpleVMID, simpleVMTag), nil
}

// Collect lists readable domains and their projects, drops everything the
// filter rejects, and queries os-simple-tenant-usage for the remaining
// projects over [windowStart, now).
func (s *OpenStackSource) Collect(ctx context.Context, filter usage.DomainFilter, windowStart, now time.Time) ([]usage.UsageSample, error) {
	eligible, err := s.listProjects(filter)
	if err != nil {
		return nil, err
	}

	var samples []usage.UsageSample
	for _, project := range eligible {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		tenantUsage, err := s.tenantUsage(project.ID, windowStart, now)
		if err != nil {
			return nil, err
		}
		if project.ID == s.simpleVMID && s.simpleVMTag != "" {
			subSamples, err := s.splitSimpleVM(project, tenantUsage)
			if err != nil {
				return nil, err
			}
			samples = append(samples, subSamples...)
			continue
		}
		samples = append(samples, usage.UsageSample{
			Project:       project,
			MemoryMBUsage: tenantUsage.TotalMemoryMBUsage,
			VCPUUsage:     tenantUsage.TotalVCPUsUsage,
		})
	}
	return samples, nil
}

func (s *OpenStackSource) listProjects(filter usage.DomainFilter) ([]usage.Project, error) {
	domainPages, err := domains.List(s.identity, domains.ListOpts{}).AllPages()
	if err != nil {
		return nil, &usage.SourceUnavailableError{Source: "openstack-identity", Err: err}
	}
	allDomains, err := domains.ExtractDomains(domainPages)
	if err != nil {
		return nil, &usage.SourceUnavailableError{Source: "openstack-identity", Err: err}
	}

	var eligible []usage.Project
	for _, domain := range allDomains {
		if !filter.MatchesDomain(domain.ID, domain.Name) {
			continue
		}
		projectPages, err := projects.List(s.identity, projects.ListOpts{DomainID: domain.ID}).AllPages()
		if err != nil {
			return nil, &usage.SourceUnavailableError{Source: "openstack-identity", Err: err}
		}
		domainProjects, err := projects.ExtractProjects(projectPages)
		if err != nil {
			return nil, &usage.SourceUnavailableError{Source: "openstack-identity", Err: err}
		}
		for _, project := range domainProjects {
			eligible = append(eligible, usage.Project{
				ID:         project.ID,
				Name:       project.Name,
				DomainID:   domain.ID,
				DomainName: domain.Name,
			})
		}
	}
	return eligible, nil
}

func (s *OpenStackSource) tenantUsage(projectID string, windowStart, now time.Time) (*osusage.TenantUsage, error) {
	pages, err := osusage.SingleTenant(s.compute, projectID, osusage.SingleTenantOpts{
		Start: &windowStart,
		End:   &now,
	}).AllPages()
	if err != nil {
		return nil, &usage.SourceUnavailableError{Source: "openstack-compute", Err: err}
	}
	tenantUsage, err := osusage.ExtractSingleTenant(pages)
	if err != nil {
		return nil, &usage.SourceUnavailableError{Source: "openstack-compute", Err: err}
	}
	if tenantUsage == nil {
		tenantUsage = &osusage.TenantUsage{}
	}
	return tenantUsage, nil
}

// splitSimpleVM breaks the umbrella project's usage into one sample per
// hosted sub-project. Sub-projects are distinguished by the configured
// metadata tag on their servers; servers without the tag stay under the
// umbrella project's own name.
func (s *OpenStackSource) splitSimpleVM(umbrella usage.Project, tenantUsage *osusage.TenantUsage) ([]usage.UsageSample, error) {
	// nothing to split: keep the umbrella project in the snapshot with the
	// response totals instead of dropping it
	if len(tenantUsage.ServerUsages) == 0 {
		return []usage.UsageSample{{
			Project:       umbrella,
			MemoryMBUsage: tenantUsage.TotalMemoryMBUsage,
			VCPUUsage:     tenantUsage.TotalVCPUsUsage,
		}}, nil
	}

	serverPages, err := servers.List(s.compute, servers.ListOpts{
		AllTenants: true,
		TenantID:   umbrella.ID,
	}).AllPages()
	if err != nil {
		return nil, &usage.SourceUnavailableError{Source: "openstack-compute", Err: err}
	}
	umbrellaServers, err := servers.ExtractServers(serverPages)
	if err != nil {
		return nil, &usage.SourceUnavailableError{Source: "openstack-compute", Err: err}
	}

	tagByInstance := make(map[string]string, len(umbrellaServers))
	for _, server := range umbrellaServers {
		if tag, ok := server.Metadata[s.simpleVMTag]; ok && tag != "" {
			tagByInstance[server.ID] = tag
		}
	}

	type accumulated struct {
		memoryMB float64
		vcpus    float64
	}
	byTag := map[string]*accumulated{}
	for _, serverUsage := range tenantUsage.ServerUsages {
		tag := tagByInstance[serverUsage.InstanceID]
		acc := byTag[tag]
		if acc == nil {
			acc = &accumulated{}
			byTag[tag] = acc
		}
		acc.memoryMB += serverUsage.Hours * float64(serverUsage.MemoryMB)
		acc.vcpus += serverUsage.Hours * float64(serverUsage.VCPUs)
	}

	tags := make([]string, 0, len(byTag))
	for tag := range byTag {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	samples := make([]usage.UsageSample, 0, len(tags))
	for _, tag := range tags {
		project := umbrella
		if tag != "" {
			project = usage.Project{
				ID:         usage.DeriveID(tag),
				Name:       tag,
				DomainID:   umbrella.DomainID,
				DomainName: umbrella.DomainName,
			}
		}
		samples = append(samples, usage.UsageSample{
			Project:       project,
			MemoryMBUsage: byTag[tag].memoryMB,
			VCPUUsage:     byTag[tag].vcpus,
		})
	}
	return samples, nil
}
