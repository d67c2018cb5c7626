// Package httpdest implements remote.Destination against a REST analytics
// API. Reads go through asynchronous export jobs that are submitted, polled
// until terminal and then downloaded as CSV.
package httpdest

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/dbsmedya/importguard/internal/config"
	"github.com/dbsmedya/importguard/internal/failure"
	"github.com/dbsmedya/importguard/internal/logger"
	"github.com/dbsmedya/importguard/internal/matching"
	"github.com/dbsmedya/importguard/internal/remote"
	"github.com/dbsmedya/importguard/internal/retry"
	"github.com/dbsmedya/importguard/internal/types"
)

// Job states reported by GET /jobs/{id}.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

type importRequest struct {
	Mode            remote.Mode  `json:"mode"`
	MatchingColumns []string     `json:"matchingColumns,omitempty"`
	Rows            []*types.Row `json:"rows"`
}

type jobResponse struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type deleteResponse struct {
	Deleted *int64 `json:"deleted"`
}

type columnResponse struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Client is a rate-limited, circuit-broken REST destination.
type Client struct {
	http        *resty.Client
	breaker     *gobreaker.CircuitBreaker
	limiter     *rate.Limiter
	rowIDColumn string
	policy      retry.Policy
	poll        retry.PollPolicy
	logger      *logger.Logger
}

var _ remote.Destination = (*Client)(nil)

// New creates a client for cfg.BaseURL. Job status checks are retried under
// policy and polled under poll.
func New(cfg config.HTTPConfig, rowIDColumn string, policy retry.Policy, poll retry.PollPolicy, log *logger.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("destination base url is empty")
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid destination base url: %w", err)
	}
	if err := policy.Verify(); err != nil {
		return nil, fmt.Errorf("invalid retry policy: %w", err)
	}
	if log == nil {
		log = logger.NewDefault()
	}

	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("Accept", "application/json").
		SetTimeout(time.Duration(cfg.TimeoutSeconds) * time.Second)
	if cfg.Token != "" {
		httpClient.SetAuthToken(cfg.Token)
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	threshold := cfg.BreakerFailureThreshold
	if threshold == 0 {
		threshold = 5
	}

	c := &Client{
		http:        httpClient,
		limiter:     rate.NewLimiter(limit, burst),
		rowIDColumn: rowIDColumn,
		policy:      policy,
		poll:        poll,
		logger:      log,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "destination",
		Timeout: time.Duration(cfg.BreakerTimeoutSeconds) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// Rejections are answers, not outages.
		IsSuccessful: func(err error) bool {
			return err == nil || !failure.IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warnf("Circuit breaker %s: %s -> %s", name, from, to)
		},
	})
	return c, nil
}

// do sends one request through the limiter and the breaker. Non-2xx
// responses become *failure.StatusError.
func (c *Client) do(ctx context.Context, send func(r *resty.Request) (*resty.Response, error)) (*resty.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := send(c.http.R().SetContext(ctx))
		if err != nil {
			return nil, err
		}
		if resp.IsError() {
			return resp, &failure.StatusError{StatusCode: resp.StatusCode(), Body: strings.TrimSpace(resp.String())}
		}
		return resp, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, failure.Transient(fmt.Errorf("destination unavailable: %w", err))
	}
	resp, _ := out.(*resty.Response)
	return resp, err
}

func tablePath(table string) string {
	return "/tables/" + url.PathEscape(table)
}

// ImportRows posts rows as one JSON document.
func (c *Client) ImportRows(ctx context.Context, table string, rows []*types.Row, mode remote.Mode, matchingColumns []string) (*remote.ImportOutcome, error) {
	if len(rows) == 0 {
		return nil, failure.Preconditionf("import chunk is empty")
	}

	var outcome remote.ImportOutcome
	_, err := c.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(importRequest{Mode: mode, MatchingColumns: matchingColumns, Rows: rows}).
			SetResult(&outcome).
			Post(tablePath(table) + "/import")
	})
	if err != nil {
		var statusErr *failure.StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusUnprocessableEntity {
			return &remote.ImportOutcome{Status: remote.StatusRejected, Errors: []string{statusErr.Body}}, nil
		}
		return nil, fmt.Errorf("failed to import %d rows into %s: %w", len(rows), table, err)
	}
	return &outcome, nil
}

// FetchRows submits an export job for f, waits for it to finish and
// downloads its CSV result.
func (c *Client) FetchRows(ctx context.Context, table string, f remote.Filter) ([]types.ReceivedRow, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	var job jobResponse
	_, err := c.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(f).SetResult(&job).Post(tablePath(table) + "/exports")
	})
	if err != nil {
		return nil, fmt.Errorf("failed to submit export for %s: %w", table, err)
	}
	if job.JobID == "" {
		return nil, failure.Rejected(fmt.Errorf("export for %s returned no job id", table))
	}

	log := c.logger.WithTable(table).WithFields(map[string]interface{}{"remote_job": job.JobID})
	log.Debugf("Submitted export job for %s", f)

	if err := c.waitForJob(ctx, job.JobID); err != nil {
		return nil, fmt.Errorf("export job %s for %s: %w", job.JobID, table, err)
	}

	resp, err := c.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetHeader("Accept", "text/csv").Get("/jobs/" + url.PathEscape(job.JobID) + "/result")
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download export %s: %w", job.JobID, err)
	}

	rows, err := c.parseExport(bytes.NewReader(resp.Body()))
	if err != nil {
		return nil, fmt.Errorf("failed to parse export %s: %w", job.JobID, err)
	}
	log.Debugf("Export returned %d rows", len(rows))
	return rows, nil
}

// waitForJob polls the job status until it completes. Each status request
// is retried on transient failures.
func (c *Client) waitForJob(ctx context.Context, jobID string) error {
	return retry.Poll(ctx, c.poll, func(ctx context.Context, attempt int) (bool, error) {
		var status jobResponse
		_, err := c.policy.Do(ctx, func(ctx context.Context) error {
			_, err := c.do(ctx, func(r *resty.Request) (*resty.Response, error) {
				return r.SetResult(&status).Get("/jobs/" + url.PathEscape(jobID))
			})
			return err
		}, func(n int, err error, wait time.Duration) {
			c.logger.Warnf("Status check for job %s failed (attempt %d): %v, retrying in %s", jobID, n, err, wait)
		})
		if err != nil {
			return false, err
		}

		switch status.Status {
		case JobCompleted:
			return true, nil
		case JobFailed:
			return false, failure.Rejected(fmt.Errorf("job failed: %s", status.Error))
		case JobPending, JobRunning, "":
			c.logger.Debugf("Job %s is %s (check %d)", jobID, status.Status, attempt)
			return false, nil
		default:
			return false, failure.Rejected(fmt.Errorf("unknown job status %q", status.Status))
		}
	})
}

// parseExport reads a CSV export whose header includes the row id column.
func (c *Client) parseExport(r io.Reader) ([]types.ReceivedRow, error) {
	reader := csv.NewReader(r)
	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	idIdx := -1
	for i, col := range header {
		if strings.EqualFold(col, c.rowIDColumn) {
			idIdx = i
		}
	}
	if idIdx < 0 {
		return nil, failure.Rejected(fmt.Errorf("export has no %s column", c.rowIDColumn))
	}

	var out []types.ReceivedRow
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		rowID, err := strconv.ParseInt(record[idIdx], 10, 64)
		if err != nil {
			return nil, failure.Rejected(fmt.Errorf("invalid row id %q", record[idIdx]))
		}
		rr := types.ReceivedRow{Row: types.NewRow(), RowID: rowID}
		for i, col := range header {
			if i == idIdx {
				continue
			}
			rr.Row.Set(col, types.Text(record[i]))
		}
		out = append(out, rr)
	}
	return out, nil
}

// DeleteRows posts the filter to the delete endpoint.
func (c *Client) DeleteRows(ctx context.Context, table string, f remote.Filter) (int64, error) {
	if err := f.Validate(); err != nil {
		return 0, err
	}

	var res deleteResponse
	_, err := c.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(f).SetResult(&res).Post(tablePath(table) + "/delete")
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete rows from %s: %w", table, err)
	}
	if res.Deleted == nil {
		return 0, failure.Ambiguousf("delete on %s returned no deleted count", table)
	}
	return *res.Deleted, nil
}

// RowExists is a GET on the row; 404 means absent.
func (c *Client) RowExists(ctx context.Context, table string, rowID int64) (bool, error) {
	_, err := c.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.Get(fmt.Sprintf("%s/rows/%d", tablePath(table), rowID))
	})
	var statusErr *failure.StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up row %d in %s: %w", rowID, table, err)
	}
	return true, nil
}

// DescribeColumns lists the table's columns.
func (c *Client) DescribeColumns(ctx context.Context, table string) ([]matching.ColumnMeta, error) {
	var cols []columnResponse
	_, err := c.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetResult(&cols).Get(tablePath(table) + "/columns")
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe %s: %w", table, err)
	}

	out := make([]matching.ColumnMeta, len(cols))
	for i, col := range cols {
		out[i] = matching.ColumnMeta{
			Name:     col.Name,
			DataType: col.Type,
			IsRowID:  strings.EqualFold(col.Name, c.rowIDColumn),
		}
	}
	return out, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.http.GetClient().CloseIdleConnections()
	return nil
}

// BreakerState reports the circuit breaker state.
func (c *Client) BreakerState() gobreaker.State {
	return c.breaker.State()
}
