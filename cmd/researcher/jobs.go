package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/researcher/internal/signals"
	"github.com/ShayCichocki/researcher/pkg/models"
)

var (
	cancelWait     time.Duration
	resultJSON     bool
	shareExpiresIn int
)

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "List jobs or show one job's tasks",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(a *app) error {
			if len(args) == 0 {
				jobs, err := a.svc.List(cmd.Context(), "")
				if err != nil {
					return err
				}
				if len(jobs) == 0 {
					fmt.Println("No jobs. Run 'researcher run <request>' to start one.")
					return nil
				}
				printJobs(os.Stdout, jobs)
				return nil
			}
			snap, err := a.svc.Get(cmd.Context(), "", args[0])
			if err != nil {
				return err
			}
			printSnapshot(os.Stdout, snap)
			return nil
		})
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Ask the running server to cancel a job",
	Long: `Drop a cancel signal for the job into the signals directory. A running
'researcher serve' picks it up, cancels the job and removes the signal.

With --wait, block until the job reaches a terminal status.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path, err := signals.SendCancel(cfg.Signals.Dir, args[0])
		if err != nil {
			return err
		}
		printStatus("✓", fmt.Sprintf("Cancel signal written to %s", path), color.FgGreen)
		if cancelWait <= 0 {
			return nil
		}

		return withStore(func(a *app) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), cancelWait)
			defer cancel()
			ticker := time.NewTicker(250 * time.Millisecond)
			defer ticker.Stop()
			for {
				job, err := a.db.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				if job == nil {
					return fmt.Errorf("job %s not found", args[0])
				}
				if job.Status.Terminal() {
					printStatus("●", fmt.Sprintf("Job %s is %s", job.ID, job.Status), color.FgCyan)
					return nil
				}
				select {
				case <-ctx.Done():
					return fmt.Errorf("job %s still %s: is 'researcher serve' running?", job.ID, job.Status)
				case <-ticker.C:
				}
			}
		})
	},
}

var resultCmd = &cobra.Command{
	Use:   "result <job-id>",
	Short: "Print a finished job's report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(a *app) error {
			result, err := a.svc.Result(cmd.Context(), "", args[0])
			if err != nil {
				return err
			}
			snap, err := a.svc.Get(cmd.Context(), "", args[0])
			if err != nil {
				return err
			}
			return printResult(os.Stdout, &snap.Job, result, resultJSON)
		})
	},
}

var shareCmd = &cobra.Command{
	Use:   "share <job-id>",
	Short: "Create a public link to a completed job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(a *app) error {
			link, err := a.svc.CreateShare(cmd.Context(), "", args[0], shareExpiresIn)
			if err != nil {
				return err
			}
			fmt.Printf("%s %s\n", color.GreenString("✓"), link.Token)
			if link.ExpiresAt != nil {
				fmt.Printf("  expires %s\n", link.ExpiresAt.Format(time.RFC3339))
			}
			fmt.Printf("  GET /v1/shared/%s\n", link.Token)
			return nil
		})
	},
}

var revokeCmd = &cobra.Command{
	Use:   "revoke <token>",
	Short: "Revoke a share link",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(a *app) error {
			if err := a.svc.RevokeShare(cmd.Context(), "", args[0]); err != nil {
				return err
			}
			printStatus("✓", "Share link revoked", color.FgGreen)
			return nil
		})
	},
}

func init() {
	cancelCmd.Flags().DurationVar(&cancelWait, "wait", 0, "Wait up to this long for the job to stop")
	resultCmd.Flags().BoolVar(&resultJSON, "json", false, "Print the result as JSON")
	shareCmd.Flags().IntVar(&shareExpiresIn, "expires-in-days", 0, "Days until the link expires (0 = never)")
}

// withStore runs fn against the job store without starting collaborators.
func withStore(fn func(a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	return fn(a)
}

func printJobs(w io.Writer, jobs []models.Job) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tPROGRESS\tCREATED\tREQUEST")
	for i := range jobs {
		j := &jobs[i]
		fmt.Fprintf(tw, "%s\t%s\t%.0f%%\t%s\t%s\n",
			j.ID, colorStatus(j.Status), j.ProgressPercentage(),
			j.CreatedAt.Local().Format("2006-01-02 15:04"), truncate(j.Request, 60))
	}
	tw.Flush()
}

func printSnapshot(w io.Writer, s *models.JobSnapshot) {
	j := &s.Job
	fmt.Fprintf(w, "Job %s\n", j.ID)
	fmt.Fprintf(w, "  Request: %s\n", j.Request)
	fmt.Fprintf(w, "  Owner:   %s\n", j.Owner)
	fmt.Fprintf(w, "  Status:  %s\n", colorStatus(j.Status))
	fmt.Fprintf(w, "  Tasks:   %d completed, %d failed, %d skipped of %d\n",
		j.CompletedTasks, j.FailedTasks, j.SkippedTasks, j.TotalTasks)
	if j.TotalWaves > 0 {
		fmt.Fprintf(w, "  Wave:    %d of %d\n", j.CurrentWave, j.TotalWaves)
	}
	if j.Error != "" {
		fmt.Fprintf(w, "  Error:   %s\n", j.Error)
	}
	if len(s.Tasks) == 0 {
		return
	}

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tTYPE\tWAVE\tSTATUS\tRETRIES")
	for _, t := range s.Tasks {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%d\n", t.Key, t.Type, t.Wave, t.Status, t.RetryCount)
	}
	tw.Flush()
}

func colorStatus(s models.JobStatus) string {
	switch s {
	case models.JobStatusComplete:
		return color.GreenString(string(s))
	case models.JobStatusFailed:
		return color.RedString(string(s))
	case models.JobStatusCancelled:
		return color.YellowString(string(s))
	default:
		return color.CyanString(string(s))
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
