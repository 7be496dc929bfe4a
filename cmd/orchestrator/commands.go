package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/hlsconverter/orchestrator/internal/job"
	"github.com/hlsconverter/orchestrator/internal/queue"
	"github.com/hlsconverter/orchestrator/internal/scheduler"
)

// withApp opens the components a one-shot command needs and closes them
// afterwards.
func (c *commandContext) withApp(cmd *cobra.Command, opts appOptions, fn func(*app) error) error {
	cfg, log, err := c.ensureConfig()
	if err != nil {
		return err
	}
	a, err := openApp(cmd.Context(), cfg, log, opts)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func newEnqueueCommand(ctx *commandContext) *cobra.Command {
	var id, name string

	cmd := &cobra.Command{
		Use:   "enqueue <video-key>",
		Short: "Queue an uploaded video for transcoding",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, appOptions{}, func(a *app) error {
				if id == "" {
					id = uuid.NewString()
				}
				e := queue.Entry{JobID: id, VideoKey: args[0], VideoName: name}
				if err := a.pool.Enqueue(cmd.Context(), e); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Queued job %s\n", id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Job id (default: random UUID)")
	cmd.Flags().StringVar(&name, "name", "", "Output name (default: the job id)")
	return cmd
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var (
		jobID  string
		list   bool
		status string
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue, capacity and job status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, appOptions{}, func(a *app) error {
				out := cmd.OutOrStdout()

				if jobID != "" {
					j, err := a.jobStore.Get(cmd.Context(), jobID)
					if err != nil {
						return err
					}
					if asJSON {
						return writeJSON(cmd, j)
					}
					fmt.Fprint(out, renderTable([]string{"Field", "Value"}, jobRows(j)))
					return nil
				}

				if list {
					s := job.Status(status)
					if s != "" && !s.Valid() {
						return fmt.Errorf("unknown status %q", status)
					}
					jobs, total, err := a.jobStore.List(cmd.Context(), job.Filter{Status: s, Limit: limit})
					if err != nil {
						return err
					}
					if asJSON {
						return writeJSON(cmd, map[string]any{"jobs": jobs, "total": total})
					}
					if len(jobs) == 0 {
						fmt.Fprintln(out, "No jobs")
						return nil
					}
					rows := make([][]string, 0, len(jobs))
					for _, j := range jobs {
						rows = append(rows, []string{j.ID, j.Name, string(j.Status), j.UpdatedAt.Format(time.RFC3339), j.ErrorMessage})
					}
					fmt.Fprint(out, renderTable([]string{"ID", "Name", "Status", "Updated", "Error"}, rows))
					fmt.Fprintf(out, "%d of %d jobs\n", len(jobs), total)
					return nil
				}

				stats, err := a.pool.Stats(cmd.Context())
				if err != nil {
					return err
				}
				counts, err := a.jobStore.Stats(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, map[string]any{"scheduler": stats, "jobs": counts})
				}
				fmt.Fprint(out, renderTable([]string{"Scheduler", "Value"}, [][]string{
					{"Queued", strconv.FormatInt(stats.QueuedJobs, 10)},
					{"Processing", strconv.FormatInt(stats.ProcessingJobs, 10)},
					{"Max concurrent", strconv.FormatInt(stats.MaxConcurrentJobs, 10)},
					{"Available slots", strconv.FormatInt(stats.AvailableSlots, 10)},
					{"Keep alive", yesNo(stats.KeepAlive)},
				}, 1))
				fmt.Fprint(out, renderTable([]string{"Job status", "Count"}, [][]string{
					{string(job.StatusUploaded), strconv.Itoa(counts.Uploaded)},
					{string(job.StatusQueued), strconv.Itoa(counts.Queued)},
					{string(job.StatusProcessing), strconv.Itoa(counts.Processing)},
					{string(job.StatusCompleted), strconv.Itoa(counts.Completed)},
					{string(job.StatusFailed), strconv.Itoa(counts.Failed)},
				}, 1))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&jobID, "job", "", "Show a single job")
	cmd.Flags().BoolVar(&list, "list", false, "List recent jobs")
	cmd.Flags().StringVar(&status, "status", "", "With --list, only jobs in this status")
	cmd.Flags().IntVar(&limit, "limit", 20, "With --list, maximum jobs shown")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func newKeepAliveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:       "keepalive <on|off>",
		Short:     "Keep schedulers running on an empty queue, or let them stop",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			on, err := parseOnOff(args[0])
			if err != nil {
				return err
			}
			return ctx.withApp(cmd, appOptions{}, func(a *app) error {
				if err := a.pool.SetKeepAlive(cmd.Context(), on); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Keep-alive %s\n", args[0])
				return nil
			})
		},
	}
}

func newCleanupCommand(ctx *commandContext) *cobra.Command {
	var grace time.Duration

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Turn keep-alive off and stop every worker container",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, appOptions{runtime: true}, func(a *app) error {
				stopped, err := a.pool.Cleanup(cmd.Context(), grace)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Stopped %d worker(s)\n", stopped)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&grace, "grace", 10*time.Second, "Time each worker gets to exit before it is killed")
	return cmd
}

func newReconcileCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Release capacity held by departed orchestrators and fail orphaned jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, appOptions{runtime: true}, func(a *app) error {
				lock, err := a.lockPath()
				if err != nil {
					return err
				}
				report, err := a.pool.Reconcile(cmd.Context(), lock, scheduler.ReconcileOptions{
					Grace: a.cfg.Scheduler.ReconcileGrace,
				})
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, report)
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable([]string{"Reconcile", "Value"}, [][]string{
					{"Adopted units", strconv.Itoa(report.Adopted)},
					{"Running", strconv.Itoa(report.Running)},
					{"Exited", strconv.Itoa(report.Exited)},
					{"Left to live owners", strconv.Itoa(report.Live)},
					{"Awaiting a serving process", strconv.Itoa(report.Orphaned)},
					{"Released slots", strconv.FormatInt(report.Released, 10)},
					{"Previous load", strconv.FormatInt(report.PreviousLoad, 10)},
					{"Failed jobs", strconv.Itoa(len(report.FailedJobs))},
				}, 1))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func jobRows(j *job.Job) [][]string {
	rows := [][]string{
		{"ID", j.ID},
		{"Name", j.Name},
		{"Input", j.InputRef},
		{"Status", string(j.Status)},
		{"Created", j.CreatedAt.Format(time.RFC3339)},
		{"Updated", j.UpdatedAt.Format(time.RFC3339)},
	}
	if j.OutputRef != "" {
		rows = append(rows, []string{"Output", j.OutputRef})
	}
	if len(j.Resolutions) > 0 {
		b, _ := json.Marshal(j.Resolutions)
		rows = append(rows, []string{"Resolutions", string(b)})
	}
	if j.ErrorMessage != "" {
		rows = append(rows, []string{"Error", j.ErrorMessage})
	}
	return rows
}

func parseOnOff(v string) (bool, error) {
	switch v {
	case "on", "true", "1":
		return true, nil
	case "off", "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", v)
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
