// Package worker drives batch jobs held by a remote batchrun server, stepping
// them through the HTTP API the way a browser follows continuation redirects.
package worker

import (
	"context"
	"time"

	"github.com/corvohq/batchrun/pkg/client"
)

// Config controls how a Worker steps jobs.
type Config struct {
	Client *client.Client
	// Token is sent with every step when the server requires one.
	Token string
	// Interval is the pause between steps; zero steps back to back.
	Interval time.Duration
	// OnStep, if set, observes every step result.
	OnStep func(*client.StepResult)
}

// Worker steps one remote job at a time until it finishes.
type Worker struct {
	cfg Config
}

func New(cfg Config) *Worker {
	return &Worker{cfg: cfg}
}

// Run steps jobID until the server reports it finished. A failed step returns
// its result together with the server's error. Cancelling ctx stops between
// steps and leaves the job resumable.
func (w *Worker) Run(ctx context.Context, jobID string) (*client.StepResult, error) {
	for {
		res, err := w.cfg.Client.Step(ctx, jobID, w.cfg.Token)
		if res != nil && w.cfg.OnStep != nil {
			w.cfg.OnStep(res)
		}
		if err != nil {
			return res, err
		}
		if res.Kind != "continue" {
			return res, nil
		}
		if w.cfg.Interval <= 0 {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			continue
		}
		timer := time.NewTimer(w.cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return res, ctx.Err()
		case <-timer.C:
		}
	}
}
