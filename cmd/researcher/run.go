package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/researcher/pkg/models"
)

var (
	runMaxTasks int
	runSources  []string
	runDepth    string
	runOwner    string
	runJSON     bool
	runPlanFile string
)

var runCmd = &cobra.Command{
	Use:   "run <request>",
	Short: "Run one research job in the foreground",
	Long: `Plan and execute a research request in this process, printing progress
events as they happen and the final report when the job ends.

Press Ctrl+C once to cancel the job. Tasks already running finish, the rest
are skipped, and the partial result is printed.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().IntVar(&runMaxTasks, "max-tasks", 0, "Cap on planned tasks (0 = no cap)")
	runCmd.Flags().StringSliceVar(&runSources, "source", nil, "Restrict retrieval to these sources (repeatable)")
	runCmd.Flags().StringVar(&runDepth, "depth", "", "Depth hint: quick, standard or deep")
	runCmd.Flags().StringVar(&runOwner, "owner", "", "Owner recorded on the job (default: anonymous)")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Print the result as JSON")
	runCmd.Flags().StringVar(&runPlanFile, "plan", "", "Use this YAML plan instead of planning with the LLM")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runPlanFile != "" {
		cfg.Planner.Source = "file"
		cfg.Planner.PlanFile = runPlanFile
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	job, err := a.svc.Create(cmd.Context(), runOwner, strings.Join(args, " "), models.Constraints{
		MaxTasks: runMaxTasks,
		Sources:  runSources,
		Depth:    runDepth,
	})
	if err != nil {
		return err
	}
	fmt.Printf("%s Job %s\n", color.CyanString("●"), job.ID)

	sub, err := a.svc.Subscribe(cmd.Context(), "", job.ID, 0)
	if err != nil {
		return err
	}

	interrupted := ctx.Done()
	for events := sub.Events(); events != nil; {
		select {
		case e, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			printEvent(os.Stdout, e)
		case <-interrupted:
			interrupted = nil
			printStatus("⚠", "Cancelling job", color.FgYellow)
			if err := a.svc.Cancel(context.Background(), "", job.ID); err != nil {
				a.logger.Warn("cancel failed", "job_id", job.ID, "error", err)
			}
		}
	}

	final, err := a.svc.Wait(cmd.Context(), job.ID)
	if err != nil {
		return err
	}
	result, err := a.svc.Result(cmd.Context(), "", job.ID)
	if err != nil {
		return err
	}
	if err := printResult(os.Stdout, final, result, runJSON); err != nil {
		return err
	}
	if final.Status != models.JobStatusComplete {
		return fmt.Errorf("job %s %s", final.ID, final.Status)
	}
	return nil
}

// printEvent writes one progress event as a colored line.
func printEvent(w io.Writer, e models.Event) {
	fmt.Fprintln(w, formatEvent(e))
}

func formatEvent(e models.Event) string {
	switch e.Type {
	case models.EventJobStatus:
		var d models.JobStatusData
		_ = json.Unmarshal(e.Data, &d)
		return fmt.Sprintf("%s status %s (%d/%d tasks, %.0f%%)",
			color.CyanString("●"), d.Status, d.CompletedTasks, d.TotalTasks, d.ProgressPercentage)
	case models.EventTaskStarted:
		var d models.TaskStartedData
		_ = json.Unmarshal(e.Data, &d)
		return fmt.Sprintf("%s %s [%s] wave %d, attempt %d",
			color.BlueString("▶"), d.TaskKey, d.TaskType, d.Wave, d.Attempt)
	case models.EventTaskCompleted:
		var d models.TaskCompletedData
		_ = json.Unmarshal(e.Data, &d)
		return fmt.Sprintf("%s %s score %.2f, %d source(s)",
			color.GreenString("✓"), d.TaskKey, d.QualityScore, d.SourceCount)
	case models.EventTaskFailed:
		var d models.TaskFailedData
		_ = json.Unmarshal(e.Data, &d)
		if d.WillRetry {
			return fmt.Sprintf("%s %s: %s (retrying)", color.YellowString("↻"), d.TaskKey, d.Error)
		}
		return fmt.Sprintf("%s %s: %s", color.RedString("✗"), d.TaskKey, d.Error)
	case models.EventTaskSkipped:
		var d models.TaskSkippedData
		_ = json.Unmarshal(e.Data, &d)
		return fmt.Sprintf("%s %s skipped: %s", color.YellowString("-"), d.TaskKey, d.Reason)
	case models.EventWaveCompleted:
		var d models.WaveCompletedData
		_ = json.Unmarshal(e.Data, &d)
		return fmt.Sprintf("%s wave %d done: %d completed, %d failed, %d next",
			color.CyanString("═"), d.WaveNumber, d.TasksCompleted, d.TasksFailed, d.NextWaveTasks)
	case models.EventJobComplete:
		var d models.JobCompleteData
		_ = json.Unmarshal(e.Data, &d)
		return fmt.Sprintf("%s complete: %s", color.GreenString("✓"), d.Summary)
	case models.EventJobFailed:
		var d models.JobFailedData
		_ = json.Unmarshal(e.Data, &d)
		return fmt.Sprintf("%s failed: %s", color.RedString("✗"), d.Error)
	case models.EventJobCancelled:
		var d models.JobCancelledData
		_ = json.Unmarshal(e.Data, &d)
		return fmt.Sprintf("%s cancelled: %d completed, %d cancelled",
			color.YellowString("■"), d.TasksCompleted, d.TasksCancelled)
	default:
		return fmt.Sprintf("%s %s", e.Type, string(e.Data))
	}
}

// printResult writes the final report and any gaps.
func printResult(w io.Writer, job *models.Job, r *models.Result, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}

	fmt.Fprintf(w, "\n%s\n", color.New(color.Bold).Sprintf("Job %s: %s", job.ID, job.Status))
	if r.Summary != "" {
		fmt.Fprintln(w, r.Summary)
	}
	if r.Report != "" {
		fmt.Fprintf(w, "\n%s\n", r.Report)
	}
	if len(r.Gaps) > 0 {
		fmt.Fprintf(w, "\n%s\n", color.YellowString("Gaps:"))
		for _, g := range r.Gaps {
			fmt.Fprintf(w, "  - %s (%s): %s\n", g.Key, g.Status, g.Reason)
		}
	}
	return nil
}
