package server

import (
	"context"
	"encoding/json"
	"log/slog"
)

// DriverHTTP is the Job.Driver value of jobs advanced by client requests,
// either the /batch/{id} redirect loop or explicit step calls.
const DriverHTTP = "http"

// httpDriver relies on the client to come back: the next request is the next step.
type httpDriver struct{}

func (httpDriver) ScheduleNextStep(context.Context, string) error { return nil }

func (httpDriver) DeliverFinal(_ context.Context, jobID string, results map[string]json.RawMessage, redirect string) error {
	slog.Debug("batch delivered over http", "job_id", jobID, "results", len(results), "redirect", redirect)
	return nil
}
