package source

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gophercloud/gophercloud"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/os-metering/usage-exporter/pkg/usage"
)

// fakeCloud serves just enough of the identity and compute APIs for the
// source to run against.
type fakeCloud struct {
	mux *http.ServeMux
	srv *httptest.Server

	domainsJSON string
	// projects JSON keyed by domain id
	projectsJSON map[string]string
	// tenant usage JSON keyed by project id
	usageJSON map[string]string
	// server detail JSON keyed by project id
	serversJSON map[string]string

	usageRequests []string
}

func newFakeCloud(t *testing.T) *fakeCloud {
	t.Helper()
	f := &fakeCloud{
		mux:          http.NewServeMux(),
		projectsJSON: map[string]string{},
		usageJSON:    map[string]string{},
		serversJSON:  map[string]string{},
	}
	f.mux.HandleFunc("/identity/domains", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, f.domainsJSON)
	})
	f.mux.HandleFunc("/identity/projects", func(w http.ResponseWriter, r *http.Request) {
		domainID := r.URL.Query().Get("domain_id")
		body, ok := f.projectsJSON[domainID]
		if !ok {
			body = `{"projects": []}`
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	})
	f.mux.HandleFunc("/compute/os-simple-tenant-usage/", func(w http.ResponseWriter, r *http.Request) {
		projectID := r.URL.Path[len("/compute/os-simple-tenant-usage/"):]
		f.usageRequests = append(f.usageRequests, projectID)
		body, ok := f.usageJSON[projectID]
		if !ok {
			body = `{"tenant_usage": {}}`
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	})
	f.mux.HandleFunc("/compute/servers/detail", func(w http.ResponseWriter, r *http.Request) {
		projectID := r.URL.Query().Get("tenant_id")
		body, ok := f.serversJSON[projectID]
		if !ok {
			body = `{"servers": []}`
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	})
	f.srv = httptest.NewServer(f.mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeCloud) source(t *testing.T, simpleVMID, simpleVMTag string) *OpenStackSource {
	t.Helper()
	provider := &gophercloud.ProviderClient{TokenID: "test-token"}
	identity := &gophercloud.ServiceClient{ProviderClient: provider, Endpoint: f.srv.URL + "/identity/"}
	compute := &gophercloud.ServiceClient{ProviderClient: provider, Endpoint: f.srv.URL + "/compute/"}
	return NewOpenStackSource(testLogger(), identity, compute, simpleVMID, simpleVMTag)
}

func TestOpenStackSourceCollect(t *testing.T) {
	f := newFakeCloud(t)
	f.domainsJSON = `{"domains": [{"id": "d-alpha", "name": "alpha"}, {"id": "d-beta", "name": "beta"}]}`
	f.projectsJSON["d-alpha"] = `{"projects": [{"id": "p1", "name": "portal", "domain_id": "d-alpha"}]}`
	f.projectsJSON["d-beta"] = `{"projects": [{"id": "p2", "name": "pipeline", "domain_id": "d-beta"}]}`
	f.usageJSON["p1"] = `{"tenant_usage": {"tenant_id": "p1", "total_memory_mb_usage": 4096.5, "total_vcpus_usage": 8.25}}`
	f.usageJSON["p2"] = `{"tenant_usage": {"tenant_id": "p2", "total_memory_mb_usage": 100, "total_vcpus_usage": 1}}`

	src := f.source(t, "", "")
	now := time.Now().UTC()
	samples, err := src.Collect(context.Background(), usage.DomainFilter{}, now.Add(-time.Hour), now)
	require.NoError(t, err)
	require.Len(t, samples, 2)

	assert.Equal(t, usage.Project{ID: "p1", Name: "portal", DomainID: "d-alpha", DomainName: "alpha"}, samples[0].Project)
	assert.Equal(t, 4096.5, samples[0].MemoryMBUsage)
	assert.Equal(t, 8.25, samples[0].VCPUUsage)
	assert.Equal(t, "pipeline", samples[1].Project.Name)
}

func TestOpenStackSourceFiltersBeforeQuerying(t *testing.T) {
	f := newFakeCloud(t)
	f.domainsJSON = `{"domains": [{"id": "d-alpha", "name": "alpha"}, {"id": "d-beta", "name": "beta"}]}`
	f.projectsJSON["d-alpha"] = `{"projects": [{"id": "p1", "name": "portal", "domain_id": "d-alpha"}]}`
	f.projectsJSON["d-beta"] = `{"projects": [{"id": "p2", "name": "pipeline", "domain_id": "d-beta"}]}`

	src := f.source(t, "", "")
	now := time.Now().UTC()
	samples, err := src.Collect(context.Background(), usage.NewDomainFilter("", []string{"alpha"}), now.Add(-time.Hour), now)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, "p1", samples[0].Project.ID)
	// no usage call was wasted on the filtered-out project
	assert.Equal(t, []string{"p1"}, f.usageRequests)
}

func TestOpenStackSourceSimpleVMSplit(t *testing.T) {
	f := newFakeCloud(t)
	f.domainsJSON = `{"domains": [{"id": "d-alpha", "name": "alpha"}]}`
	f.projectsJSON["d-alpha"] = `{"projects": [{"id": "vm-host", "name": "simplevm", "domain_id": "d-alpha"}]}`
	f.usageJSON["vm-host"] = `{"tenant_usage": {
		"tenant_id": "vm-host",
		"total_memory_mb_usage": 3072,
		"total_vcpus_usage": 6,
		"server_usages": [
			{"instance_id": "i1", "memory_mb": 1024, "vcpus": 2, "hours": 1.0},
			{"instance_id": "i2", "memory_mb": 1024, "vcpus": 2, "hours": 2.0},
			{"instance_id": "i3", "memory_mb": 512, "vcpus": 1, "hours": 1.0}
		]
	}}`
	f.serversJSON["vm-host"] = `{"servers": [
		{"id": "i1", "metadata": {"project": "tools"}},
		{"id": "i2", "metadata": {"project": "training"}},
		{"id": "i3", "metadata": {}}
	]}`

	src := f.source(t, "vm-host", "project")
	now := time.Now().UTC()
	samples, err := src.Collect(context.Background(), usage.DomainFilter{}, now.Add(-time.Hour), now)
	require.NoError(t, err)
	require.Len(t, samples, 3)

	byName := map[string]usage.UsageSample{}
	for _, sample := range samples {
		byName[sample.Project.Name] = sample
	}

	// untagged server stays with the umbrella project
	umbrella := byName["simplevm"]
	assert.Equal(t, "vm-host", umbrella.Project.ID)
	assert.Equal(t, 512.0, umbrella.MemoryMBUsage)
	assert.Equal(t, 1.0, umbrella.VCPUUsage)

	tools := byName["tools"]
	assert.Equal(t, usage.DeriveID("tools"), tools.Project.ID)
	assert.Equal(t, "alpha", tools.Project.DomainName)
	assert.Equal(t, 1024.0, tools.MemoryMBUsage)
	assert.Equal(t, 2.0, tools.VCPUUsage)

	training := byName["training"]
	assert.Equal(t, 2048.0, training.MemoryMBUsage)
	assert.Equal(t, 4.0, training.VCPUUsage)
}

func TestOpenStackSourceSimpleVMWithoutServers(t *testing.T) {
	f := newFakeCloud(t)
	f.domainsJSON = `{"domains": [{"id": "d-alpha", "name": "alpha"}]}`
	f.projectsJSON["d-alpha"] = `{"projects": [{"id": "vm-host", "name": "simplevm", "domain_id": "d-alpha"}]}`
	f.usageJSON["vm-host"] = `{"tenant_usage": {"tenant_id": "vm-host", "total_memory_mb_usage": 256, "total_vcpus_usage": 0.5}}`

	src := f.source(t, "vm-host", "project")
	now := time.Now().UTC()
	samples, err := src.Collect(context.Background(), usage.DomainFilter{}, now.Add(-time.Hour), now)
	require.NoError(t, err)

	// the umbrella project stays in the snapshot even with nothing to split
	require.Len(t, samples, 1)
	assert.Equal(t, "vm-host", samples[0].Project.ID)
	assert.Equal(t, 256.0, samples[0].MemoryMBUsage)
	assert.Equal(t, 0.5, samples[0].VCPUUsage)
}

func TestOpenStackSourceUnavailable(t *testing.T) {
	f := newFakeCloud(t)
	f.domainsJSON = `{"domains": [{"id": "d-alpha", "name": "alpha"}]}`
	f.projectsJSON["d-alpha"] = `{"projects": [{"id": "p1", "name": "portal", "domain_id": "d-alpha"}]}`
	src := f.source(t, "", "")
	f.srv.Close()

	now := time.Now().UTC()
	_, err := src.Collect(context.Background(), usage.DomainFilter{}, now.Add(-time.Hour), now)
	require.Error(t, err)
	assert.True(t, usage.IsSourceUnavailable(err))
}
