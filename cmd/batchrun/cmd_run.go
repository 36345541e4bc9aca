package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/corvohq/batchrun/internal/batch"
	"github.com/corvohq/batchrun/internal/jobfile"
	"github.com/corvohq/batchrun/internal/ops"
	"github.com/corvohq/batchrun/internal/store"
)

var (
	runDataDir string
	runStore   string
	runResume  string
)

// runCmd processes a job file to completion in this process. Progress is
// persisted after each step, so an interrupted run can be picked up with
// --resume.
var runCmd = &cobra.Command{
	Use:   "run [job-file]",
	Short: "Run a batch job locally to completion",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 && runResume == "" {
			return fmt.Errorf("a job file or --resume is required")
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runLocal(ctx, cmd, args)
	},
}

func init() {
	runCmd.Flags().StringVar(&runDataDir, "data-dir", "data", "Directory for job storage")
	runCmd.Flags().StringVar(&runStore, "store", store.BackendPebble, "Job store backend: pebble, badger, or sqlite")
	runCmd.Flags().StringVar(&runResume, "resume", "", "Resume a previously interrupted job by ID")
	runCmd.Flags().BoolVar(&outputJSON, "output-json", false, "Print final results as JSON")
	rootCmd.AddCommand(runCmd)
}

func runLocal(ctx context.Context, cmd *cobra.Command, args []string) error {
	db, err := store.Open(runStore, runDataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	reg := batch.NewRegistry()
	if err := ops.Register(reg); err != nil {
		return err
	}
	runner := batch.NewRunner(db, reg)
	inline := batch.NewInline(runner)
	out := cmd.OutOrStdout()
	inline.OnStep = func(res batch.StepResult) {
		p := res.Progress
		switch {
		case p.Message != "":
			fmt.Fprintf(out, "[%3d%%] %s\n", p.Percent, p.Message)
		case p.Title != "":
			fmt.Fprintf(out, "[%3d%%] %s (%d/%d)\n", p.Percent, p.Title, p.Completed, p.Total)
		default:
			fmt.Fprintf(out, "[%3d%%] %d/%d\n", p.Percent, p.Completed, p.Total)
		}
	}

	jobID := runResume
	if jobID == "" {
		req, err := jobfile.Load(args[0])
		if err != nil {
			return err
		}
		req.Driver = batch.DriverInline
		job, err := batch.NewQueue(db, reg).Submit(ctx, req)
		if err != nil {
			return err
		}
		jobID = job.ID
		fmt.Fprintf(out, "Running %s\n", jobID)
	}

	res, err := inline.Run(ctx, jobID)
	if err != nil {
		if ctx.Err() != nil {
			fmt.Fprintf(out, "Interrupted; resume with: batchrun run --resume %s\n", jobID)
		}
		return err
	}
	if outputJSON {
		return printJSON(out, res.Results)
	}
	fmt.Fprintf(out, "Finished %s with %d results\n", jobID, len(res.Results))
	keys := make([]string, 0, len(res.Results))
	for key := range res.Results {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(out, "  %s = %s\n", key, compactJSON(res.Results[key]))
	}
	return nil
}

func compactJSON(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	b, _ := json.Marshal(v)
	return string(b)
}
