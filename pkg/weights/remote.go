package weights

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/os-metering/usage-exporter/pkg/usage"
)

// RemoteWeights fetches the weight table from an HTTP endpoint returning
// {"mb_weight": <float>, "vcpu_weight": <float>}. On any transport or
// decode error the previously fetched table is returned, starting from the
// neutral table.
type RemoteWeights struct {
	logger   log.FieldLogger
	client   *http.Client
	endpoint string
	cached   usage.WeightTable
}

func NewRemoteWeights(logger log.FieldLogger, endpoint string, timeout time.Duration) *RemoteWeights {
	return &RemoteWeights{
		logger:   logger.WithField("component", "remote-weights"),
		client:   &http.Client{Timeout: timeout},
		endpoint: endpoint,
		cached:   usage.NeutralWeights(),
	}
}

func (r *RemoteWeights) Current(ctx context.Context) usage.WeightTable {
	var table usage.WeightTable
	if err := fetchJSON(ctx, r.client, r.endpoint, &table); err != nil {
		r.logger.WithError(err).Warnf("weight endpoint unavailable, keeping cached table %+v", r.cached)
		return r.cached
	}
	r.cached = table
	return table
}

// RemoteStartDate fetches the usage window start from an HTTP endpoint
// returning {"start_date": "<RFC3339 or YYYY-MM-DD>"}. It degrades to the
// last good value, initially the statically configured start date.
type RemoteStartDate struct {
	logger   log.FieldLogger
	client   *http.Client
	endpoint string
	cached   time.Time
}

func NewRemoteStartDate(logger log.FieldLogger, endpoint string, fallback time.Time, timeout time.Duration) *RemoteStartDate {
	return &RemoteStartDate{
		logger:   logger.WithField("component", "remote-start-date"),
		client:   &http.Client{Timeout: timeout},
		endpoint: endpoint,
		cached:   fallback,
	}
}

func (r *RemoteStartDate) Current(ctx context.Context) time.Time {
	var payload struct {
		StartDate string `json:"start_date"`
	}
	if err := fetchJSON(ctx, r.client, r.endpoint, &payload); err != nil {
		r.logger.WithError(err).Warnf("start-date endpoint unavailable, keeping cached start %s", r.cached)
		return r.cached
	}
	start, err := ParseStartDate(payload.StartDate)
	if err != nil {
		r.logger.WithError(err).Warnf("start-date endpoint returned an unparseable date, keeping cached start %s", r.cached)
		return r.cached
	}
	r.cached = start
	return start
}

func fetchJSON(ctx context.Context, client *http.Client, endpoint string, out interface{}) error {
	req, err := http.NewRequest(http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("building request for %s: %v", endpoint, err)
	}
	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		return &usage.SourceUnavailableError{Source: endpoint, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &usage.SourceUnavailableError{Source: endpoint, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &usage.SourceUnavailableError{Source: endpoint, Err: fmt.Errorf("decoding response: %v", err)}
	}
	return nil
}
