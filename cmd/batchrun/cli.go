package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/corvohq/batchrun/internal/batch"
	"github.com/corvohq/batchrun/internal/jobfile"
	"github.com/corvohq/batchrun/pkg/client"
	"github.com/corvohq/batchrun/pkg/worker"
)

var (
	serverURL  string
	jobToken   string
	useH2C     bool
	outputJSON bool
)

func addClientFlags(cmds ...*cobra.Command) {
	for _, cmd := range cmds {
		cmd.Flags().StringVar(&serverURL, "server", defaultServerURL(), "Batchrun server URL (or set BATCHRUN_SERVER)")
		cmd.Flags().BoolVar(&useH2C, "h2c", false, "Talk HTTP/2 over cleartext to the server")
		cmd.Flags().BoolVar(&outputJSON, "output-json", false, "Output as JSON")
	}
}

func defaultServerURL() string {
	if v := strings.TrimSpace(os.Getenv("BATCHRUN_SERVER")); v != "" {
		return v
	}
	return "http://localhost:8080"
}

func newClient() *client.Client {
	if useH2C {
		return client.New(serverURL, client.WithH2C())
	}
	return client.New(serverURL)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// toClientRequest converts a parsed job file into the wire request.
func toClientRequest(req batch.SubmitRequest) (client.SubmitRequest, error) {
	var out client.SubmitRequest
	data, err := json.Marshal(req)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(data, &out)
	return out, err
}

var submitFile string
var submitDriver string

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a batch job from a YAML or JSON job file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if submitFile == "" {
			return fmt.Errorf("--file is required")
		}
		parsed, err := jobfile.Load(submitFile)
		if err != nil {
			return err
		}
		req, err := toClientRequest(parsed)
		if err != nil {
			return err
		}
		if submitDriver != "" {
			req.Driver = submitDriver
		}
		res, err := newClient().Submit(cmd.Context(), req)
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), res)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Submitted %s (%d operations, driver %s)\n", res.Job.ID, res.Progress.Total, res.Job.Driver)
		fmt.Fprintf(cmd.OutOrStdout(), "Continue: %s%s\n", strings.TrimRight(serverURL, "/"), res.ContinueURL)
		if res.Token != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "Token: %s\n", res.Token)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show a job's status and progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		view, err := newClient().Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), view)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Job:      %s\n", view.Job.ID)
		if view.Job.Title != "" {
			fmt.Fprintf(out, "Title:    %s\n", view.Job.Title)
		}
		fmt.Fprintf(out, "Status:   %s\n", view.Job.Status)
		fmt.Fprintf(out, "Progress: %d/%d (%d%%)\n", view.Progress.Completed, view.Progress.Total, view.Progress.Percent)
		if view.Progress.Message != "" {
			fmt.Fprintf(out, "Message:  %s\n", view.Progress.Message)
		}
		if f := view.Job.Failure; f != nil {
			fmt.Fprintf(out, "Failure:  %s %s: %s\n", f.Code, f.OpKey, f.Message)
		}
		return nil
	},
}

var stepCmd = &cobra.Command{
	Use:   "step <job-id>",
	Short: "Run the next step of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := newClient().Step(cmd.Context(), args[0], jobToken)
		if res != nil && outputJSON {
			if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
				return perr
			}
		} else if res != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %d%%\n", res.Kind, res.OpKey, res.Progress.Percent)
		}
		return err
	},
}

var listStatus string
var listDriver string
var listLimit int

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		jobs, err := newClient().List(cmd.Context(), client.ListOptions{
			Status: listStatus,
			Driver: listDriver,
			Limit:  listLimit,
		})
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), jobs)
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tDRIVER\tPROGRESS\tTITLE")
		for _, v := range jobs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d%%\t%s\n", v.Job.ID, v.Job.Status, v.Job.Driver, v.Progress.Percent, v.Job.Title)
		}
		return w.Flush()
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart <job-id>",
	Short: "Restart a job from its first operation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		view, err := newClient().Restart(cmd.Context(), args[0], jobToken)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Job %s restarted (%d operations)\n", view.Job.ID, view.Progress.Total)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <job-id>",
	Short: "Cancel and delete a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().Delete(cmd.Context(), args[0], jobToken); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Job %s deleted\n", args[0])
		return nil
	},
}

var driveInterval time.Duration

var driveCmd = &cobra.Command{
	Use:   "drive <job-id>",
	Short: "Step a server-held job until it finishes, printing progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		w := worker.New(worker.Config{
			Client:   newClient(),
			Token:    jobToken,
			Interval: driveInterval,
			OnStep: func(res *client.StepResult) {
				fmt.Fprintf(out, "[%3d%%] %s %s\n", res.Progress.Percent, res.Kind, res.OpKey)
			},
		})
		res, err := w.Run(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(out, res.Results)
		}
		if res.Redirect != "" {
			fmt.Fprintf(out, "Finished; redirect to %s\n", res.Redirect)
		}
		return nil
	},
}

func init() {
	driveCmd.Flags().StringVar(&jobToken, "token", "", "Continuation token")
	driveCmd.Flags().DurationVar(&driveInterval, "interval", 0, "Pause between steps")
	submitCmd.Flags().StringVarP(&submitFile, "file", "f", "", "Job file (YAML or JSON)")
	submitCmd.Flags().StringVar(&submitDriver, "driver", "", "Override the job file's driver")
	stepCmd.Flags().StringVar(&jobToken, "token", "", "Continuation token")
	restartCmd.Flags().StringVar(&jobToken, "token", "", "Continuation token")
	deleteCmd.Flags().StringVar(&jobToken, "token", "", "Continuation token")
	listCmd.Flags().StringVar(&listStatus, "status", "", "Only jobs with this status")
	listCmd.Flags().StringVar(&listDriver, "driver", "", "Only jobs with this driver")
	listCmd.Flags().IntVar(&listLimit, "limit", 0, "Maximum jobs returned (0 = all)")

	addClientFlags(submitCmd, statusCmd, stepCmd, listCmd, restartCmd, deleteCmd, driveCmd)
	rootCmd.AddCommand(submitCmd, statusCmd, stepCmd, listCmd, restartCmd, deleteCmd, driveCmd)
}
