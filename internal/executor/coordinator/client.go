// Shoal is a Redfish aggregator service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package coordinator is a typed REST client for the PostgREST-style
// coordination database (spec.md §6): uniform-shape CRUD over resources
// identified by filter expressions ("eq.", "in.(...)", "is.null"), bearer
// token plus apikey header auth. Grounded on the request shape of
// original_source's handlers/base.py (update_job_details_field) and
// sla_monitoring.py's protection-group/job queries.
package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"dcjobexec/internal/executor/model"
	"dcjobexec/internal/executor/signing"
)

// ErrLostRace is returned by ClaimJob when another worker's compare-and-set
// won first — not a failure, just "skip this job" (spec.md §4.1).
var ErrLostRace = errors.New("coordinator: lost claim race")

// ErrNotFound is returned when a filtered GET/PATCH matches no rows.
var ErrNotFound = errors.New("coordinator: not found")

// Filter is a set of `field -> "op.value"` pairs rendered as PostgREST query
// parameters, e.g. Filter{"status": "eq.pending", "id": "in.(a,b,c)"}.
type Filter map[string]string

// Eq builds the `eq.<value>` operator.
func Eq(value string) string { return "eq." + value }

// In builds the `in.(v1,v2,...)` operator.
func In(values ...string) string { return "in.(" + strings.Join(values, ",") + ")" }

// IsNull builds the `is.null` operator.
func IsNull() string { return "is.null" }

// Client talks to the coordinator's REST surface.
type Client struct {
	baseURL       string
	token         string
	apiKey        string
	signingSecret string
	httpClient    *http.Client
	now           func() time.Time
}

// New constructs a Client. httpClient may be nil to use http.DefaultClient's
// transport defaults with a 30s timeout. signingSecret authenticates
// Notify's outbound calls; it may be empty for deployments that never
// call Notify.
func New(baseURL, serviceToken, apiKey, signingSecret string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		token:         serviceToken,
		apiKey:        apiKey,
		signingSecret: signingSecret,
		httpClient:    httpClient,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (c *Client) headers(contentType string) http.Header {
	h := http.Header{}
	h.Set("apikey", c.apiKey)
	h.Set("Authorization", "Bearer "+c.token)
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	return h
}

func (c *Client) buildURL(resource string, filter Filter, extra url.Values) string {
	q := url.Values{}
	for field, op := range filter {
		q.Set(field, op)
	}
	for k, vs := range extra {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u := fmt.Sprintf("%s/rest/v1/%s", c.baseURL, resource)
	if encoded := q.Encode(); encoded != "" {
		u += "?" + encoded
	}
	return u
}

func (c *Client) do(ctx context.Context, method, rawURL string, headers http.Header, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, fmt.Errorf("coordinator: build request: %w", err)
	}
	req.Header = headers
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coordinator: %s %s: %w", method, rawURL, err)
	}
	return resp, nil
}

func readRows(resp *http.Response) ([]map[string]any, error) {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coordinator: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("coordinator: status %d: %s", resp.StatusCode, truncate(string(data), 512))
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var rows []map[string]any
	if err := json.Unmarshal(data, &rows); err != nil {
		// A PATCH/POST without return=representation yields no body or a
		// single object; treat both as "no rows to report".
		return nil, nil
	}
	return rows, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}

// Get fetches rows from resource matching filter, optionally restricted to
// selectFields (PostgREST `select=`) and ordered by orderBy (PostgREST
// `order=`, e.g. "created_at.asc").
func (c *Client) Get(ctx context.Context, resource string, filter Filter, selectFields, orderBy string, limit int) ([]map[string]any, error) {
	extra := url.Values{}
	if selectFields != "" {
		extra.Set("select", selectFields)
	}
	if orderBy != "" {
		extra.Set("order", orderBy)
	}
	if limit > 0 {
		extra.Set("limit", strconv.Itoa(limit))
	}
	u := c.buildURL(resource, filter, extra)
	resp, err := c.do(ctx, http.MethodGet, u, c.headers(""), nil)
	if err != nil {
		return nil, err
	}
	return readRows(resp)
}

// Post inserts a row into resource. If returnRepresentation is true, the
// inserted row is returned.
func (c *Client) Post(ctx context.Context, resource string, body map[string]any, returnRepresentation bool) ([]map[string]any, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("coordinator: marshal insert body: %w", err)
	}
	h := c.headers("application/json")
	if returnRepresentation {
		h.Set("Prefer", "return=representation")
	} else {
		h.Set("Prefer", "return=minimal")
	}
	u := c.buildURL(resource, nil, nil)
	resp, err := c.do(ctx, http.MethodPost, u, h, payload)
	if err != nil {
		return nil, err
	}
	return readRows(resp)
}

// Patch applies a partial update to rows matching filter and returns the
// updated rows (Prefer: return=representation), so callers can detect a
// zero-row compare-and-set loss by checking len(rows) == 0.
func (c *Client) Patch(ctx context.Context, resource string, filter Filter, body map[string]any) ([]map[string]any, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("coordinator: marshal patch body: %w", err)
	}
	h := c.headers("application/json")
	h.Set("Prefer", "return=representation")
	u := c.buildURL(resource, filter, nil)
	resp, err := c.do(ctx, http.MethodPatch, u, h, payload)
	if err != nil {
		return nil, err
	}
	return readRows(resp)
}

// Delete removes rows matching filter.
func (c *Client) Delete(ctx context.Context, resource string, filter Filter) error {
	u := c.buildURL(resource, filter, nil)
	resp, err := c.do(ctx, http.MethodDelete, u, c.headers(""), nil)
	if err != nil {
		return err
	}
	_, err = readRows(resp)
	return err
}

// ---- Job-specific helpers ----

// FetchPendingJobs returns up to limit pending jobs eligible to run now
// (schedule_at IS NULL OR schedule_at <= now), oldest first.
func (c *Client) FetchPendingJobs(ctx context.Context, limit int) ([]model.Job, error) {
	now := c.now().Format(time.RFC3339)
	extra := url.Values{}
	extra.Set("select", "*")
	extra.Set("order", "created_at.asc")
	extra.Set("limit", strconv.Itoa(limit))
	extra.Set("or", fmt.Sprintf("(schedule_at.is.null,schedule_at.lte.%s)", now))
	filter := Filter{"status": Eq(string(model.StatusPending))}
	u := c.buildURL("jobs", filter, extra)
	resp, err := c.do(ctx, http.MethodGet, u, c.headers(""), nil)
	if err != nil {
		return nil, err
	}
	rows, err := readRows(resp)
	if err != nil {
		return nil, err
	}
	return decodeJobs(rows)
}

// ClaimJob attempts the sole concurrency primitive: compare-and-set
// status pending -> running, started_at := now, worker_id := workerID.
// Returns ErrLostRace if another worker already claimed it.
func (c *Client) ClaimJob(ctx context.Context, jobID, workerID string) (*model.Job, error) {
	now := c.now()
	filter := Filter{
		"id":     Eq(jobID),
		"status": Eq(string(model.StatusPending)),
	}
	body := map[string]any{
		"status":     string(model.StatusRunning),
		"started_at": now.Format(time.RFC3339),
		"worker_id":  workerID,
	}
	rows, err := c.Patch(ctx, "jobs", filter, body)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrLostRace
	}
	jobs, err := decodeJobs(rows[:1])
	if err != nil {
		return nil, err
	}
	return &jobs[0], nil
}

// GetJob fetches a single job by id.
func (c *Client) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	rows, err := c.Get(ctx, "jobs", Filter{"id": Eq(jobID)}, "*", "", 1)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	jobs, err := decodeJobs(rows)
	if err != nil {
		return nil, err
	}
	return &jobs[0], nil
}

// SetJobStatus patches status plus any extra terminal fields
// (completed_at, error, etc.). details is written only when extra carries
// a "details" key, and then replaces the stored details wholesale.
func (c *Client) SetJobStatus(ctx context.Context, jobID string, status model.Status, extra map[string]any) error {
	body := map[string]any{"status": string(status)}
	for k, v := range extra {
		body[k] = v
	}
	_, err := c.Patch(ctx, "jobs", Filter{"id": Eq(jobID)}, body)
	return err
}

// MergeJobDetails performs the read-modify-write deep merge described in
// spec.md §4.2: fetch current details, deep-merge patch onto it
// (last-writer-wins at leaf), write back. Not atomic against a concurrent
// external writer (spec.md §5) — callers must not assume a neighboring
// field is stable across the merge.
func (c *Client) MergeJobDetails(ctx context.Context, jobID string, patch map[string]any) (map[string]any, error) {
	rows, err := c.Get(ctx, "jobs", Filter{"id": Eq(jobID)}, "details", "", 1)
	if err != nil {
		return nil, err
	}
	var current map[string]any
	if len(rows) > 0 {
		if d, ok := rows[0]["details"].(map[string]any); ok {
			current = d
		}
	}
	merged := DeepMerge(current, patch)
	if _, err := c.Patch(ctx, "jobs", Filter{"id": Eq(jobID)}, map[string]any{"details": merged}); err != nil {
		return nil, err
	}
	return merged, nil
}

// InsertJob creates a new job row, returning the inserted record.
func (c *Client) InsertJob(ctx context.Context, job map[string]any) (*model.Job, error) {
	rows, err := c.Post(ctx, "jobs", job, true)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	jobs, err := decodeJobs(rows[:1])
	if err != nil {
		return nil, err
	}
	return &jobs[0], nil
}

func decodeJobs(rows []map[string]any) ([]model.Job, error) {
	jobs := make([]model.Job, 0, len(rows))
	for _, row := range rows {
		data, err := json.Marshal(row)
		if err != nil {
			return nil, fmt.Errorf("coordinator: re-marshal row: %w", err)
		}
		var job model.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return nil, fmt.Errorf("coordinator: decode job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Notify signs payload and posts it to a notification edge function
// reachable alongside the coordinator's REST surface (spec.md §6,
// "Signed status-callback interface"), grounded on
// original_source/job_executor/handlers/sla_monitoring.py's
// _send_sla_alert, which builds its headers via
// hmac_signing.add_signature_headers before POSTing to
// "<base>/functions/v1/send-notification". An empty secret is a
// configuration error, not a silent unsigned fallback (signing.ErrNoSecret).
func (c *Client) Notify(ctx context.Context, functionPath string, payload map[string]any) error {
	headers, err := signing.Headers(c.signingSecret, payload)
	if err != nil {
		return fmt.Errorf("coordinator: sign notification: %w", err)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("coordinator: marshal notification payload: %w", err)
	}
	h := c.headers("application/json")
	for k, v := range headers {
		h.Set(k, v)
	}
	u := fmt.Sprintf("%s/functions/v1/%s", c.baseURL, functionPath)
	resp, err := c.do(ctx, http.MethodPost, u, h, body)
	if err != nil {
		return err
	}
	_, err = readRows(resp)
	return err
}

// DeepMerge recursively merges patch onto base, returning a new map.
// Leaves (non-map values, including arrays) follow last-writer-wins:
// patch's value replaces base's entirely. This differs deliberately from
// the Python original's shallow top-level merge (spec.md §9 Design Note).
func DeepMerge(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, pv := range patch {
		if bv, ok := out[k]; ok {
			bvMap, bvIsMap := bv.(map[string]any)
			pvMap, pvIsMap := pv.(map[string]any)
			if bvIsMap && pvIsMap {
				out[k] = DeepMerge(bvMap, pvMap)
				continue
			}
		}
		out[k] = pv
	}
	return out
}
