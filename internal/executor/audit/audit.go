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

// Package audit appends a CommandAuditRow to the coordinator for every
// outbound remote call (HTTP or SSH), giving operators a uniform log of
// what the executor did to the fleet. Grounded on the audit-call helper
// original_source's handlers reach for (executor.log_idrac_command) and on
// this codebase's metrics package's "record every op" discipline.
package audit

import (
	"context"
	"log/slog"
	"time"

	"dcjobexec/internal/executor/model"
	"dcjobexec/pkg/crypto"
)

const (
	requestExcerptLen  = 512
	responseExcerptLen = 512
)

// Poster is the subset of coordinator.Client the audit log needs, kept
// narrow so tests can fake it without standing up an HTTP server.
type Poster interface {
	Post(ctx context.Context, resource string, body map[string]any, returnRepresentation bool) ([]map[string]any, error)
}

// Log writes CommandAuditRows to the coordinator's command_audit resource.
type Log struct {
	client Poster
	logger *slog.Logger
}

// New constructs an audit Log.
func New(client Poster, logger *slog.Logger) *Log {
	return &Log{client: client, logger: logger}
}

// Record appends row to the coordinator. Failures are logged but never
// propagated — losing an audit row must not fail the handler that
// triggered it.
func (l *Log) Record(ctx context.Context, row model.CommandAuditRow) {
	row.RequestExcerpt = truncate(row.RequestExcerpt, requestExcerptLen)
	row.ResponseExcerpt = truncate(row.ResponseExcerpt, responseExcerptLen)

	body := map[string]any{
		"timestamp":        row.Timestamp.Format(time.RFC3339Nano),
		"job_id":           row.JobID,
		"server_id":        row.ServerID,
		"method":           row.Method,
		"endpoint":         crypto.RedactURL(row.Endpoint),
		"status_code":      row.StatusCode,
		"response_time_ms": row.ResponseTimeMs,
		"success":          row.Success,
		"error_message":    row.ErrorMessage,
		"request_body":     row.RequestExcerpt,
		"response_body":    row.ResponseExcerpt,
	}

	if _, err := l.client.Post(ctx, "command_audit", body, false); err != nil {
		if l.logger != nil {
			l.logger.Warn("audit: failed to record command", "job_id", row.JobID, "endpoint", row.Endpoint, "error", err)
		}
	}
}

// RecordCall is a convenience wrapper timing fn and recording the result.
func (l *Log) RecordCall(ctx context.Context, jobID, serverID, method, endpoint string, fn func() (statusCode int, err error)) error {
	start := time.Now()
	statusCode, err := fn()
	row := model.CommandAuditRow{
		Timestamp:      start,
		JobID:          jobID,
		ServerID:       serverID,
		Method:         method,
		Endpoint:       endpoint,
		StatusCode:     statusCode,
		ResponseTimeMs: time.Since(start).Milliseconds(),
		Success:        err == nil,
	}
	if err != nil {
		row.ErrorMessage = err.Error()
	}
	l.Record(ctx, row)
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
