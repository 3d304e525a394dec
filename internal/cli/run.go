package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/ignatij/dagflow/internal/log"
	"github.com/ignatij/dagflow/pkg/models"
	"github.com/ignatij/dagflow/pkg/service"
	"github.com/spf13/cobra"
)

const timeLayout = time.RFC3339

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start, inspect and cancel workflow runs",
	}
	cmd.AddCommand(
		newExecuteCmd(),
		&cobra.Command{
			Use:   "get ID",
			Short: "Print a run as JSON",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withEngine(cmd.Context(), func(e *service.Engine) error {
					run, err := e.GetRun(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), run)
				})
			},
		},
		newHistoryCmd(),
		&cobra.Command{
			Use:   "tasks ID",
			Short: "List every task attempt of a run",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withEngine(cmd.Context(), func(e *service.Engine) error {
					execs, err := e.TaskExecutions(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					printExecutions(cmd.OutOrStdout(), execs)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "logs ID",
			Short: "List the execution notes of a run",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withEngine(cmd.Context(), func(e *service.Engine) error {
					logs, err := e.ExecutionLogs(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					for _, l := range logs {
						printf(cmd.OutOrStdout(), "%s [%s] %s %s\n", l.LoggedAt.Format(timeLayout), l.Level, l.TaskID, l.Message)
					}
					return nil
				})
			},
		},
		newCancelCmd(),
		newBackfillCmd(),
	)
	return cmd
}

func newExecuteCmd() *cobra.Command {
	var (
		file string
		wait bool
	)
	cmd := &cobra.Command{
		Use:   "execute [NAME]",
		Short: "Run a workflow in this process with the built-in executors",
		Long: `Run a workflow in this process with the built-in executors.

With -f the definition file is applied first and NAME may be omitted.
With --wait=false the command returns once the run is recorded; the run
resumes the next time an engine starts on the same database.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var name string
			if len(args) == 1 {
				name = args[0]
			}
			var def *models.WorkflowDefinition
			if file != "" {
				d, err := readDefinition(file)
				if err != nil {
					return err
				}
				if name != "" && name != d.Name {
					return fmt.Errorf("file defines workflow %q, not %q", d.Name, name)
				}
				name, def = d.Name, &d
			}
			if name == "" {
				return fmt.Errorf("a workflow NAME or -f FILE is required")
			}
			return executeWorkflow(ctx, cmd.OutOrStdout(), name, def, wait)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "apply this definition file before running")
	cmd.Flags().BoolVar(&wait, "wait", true, "wait for the run to finish and print its tasks")
	return cmd
}

func executeWorkflow(ctx context.Context, out io.Writer, name string, def *models.WorkflowDefinition, wait bool) error {
	cfg := loadConfig()
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	engine := newEngine(cfg, store)
	if err := engine.Start(ctx); err != nil {
		return err
	}
	defer engine.Stop()

	if def != nil {
		if _, _, err := applyDefinition(ctx, engine.Workflows(), *def); err != nil {
			return err
		}
	}
	run, err := engine.ExecuteWorkflow(ctx, name, service.WithTrigger(models.ManualRunTrigger))
	if err != nil {
		return err
	}
	printf(out, "Started run %s of workflow '%s' version %d\n", run.ID, run.WorkflowName, run.WorkflowVersion)
	if !wait {
		return nil
	}

	id := run.ID
	run, err = engine.WaitRun(ctx, id)
	if err != nil {
		log.GetLogger().Warnf("Interrupted, cancelling run %s", id)
		if cerr := engine.CancelRun(context.Background(), id); cerr != nil {
			return cerr
		}
		waitCtx, cancel := context.WithTimeout(context.Background(), cfg.Engine.CancelGrace+5*time.Second)
		defer cancel()
		if run, err = engine.WaitRun(waitCtx, id); err != nil {
			return err
		}
	}

	execs, err := engine.TaskExecutions(context.Background(), run.ID)
	if err != nil {
		return err
	}
	printExecutions(out, execs)
	printf(out, "Run %s finished %s\n", run.ID, run.Status)
	if run.Status != models.SuccessRunStatus {
		if run.Error != "" {
			return fmt.Errorf("run %s ended %s: task %s: %s", run.ID, run.Status, run.FailedTaskID, run.Error)
		}
		return fmt.Errorf("run %s ended %s", run.ID, run.Status)
	}
	return nil
}

func newHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history NAME",
		Short: "List the runs of a workflow, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(e *service.Engine) error {
				runs, err := e.RunHistory(cmd.Context(), args[0], limit)
				if err != nil {
					return err
				}
				if len(runs) == 0 {
					printf(cmd.OutOrStdout(), "No runs found.\n")
					return nil
				}
				printRuns(cmd.OutOrStdout(), runs)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")
	return cmd
}

func newCancelCmd() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a run on a running server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newAPIClient(server).do(cmd.Context(), "POST", "/api/v1/runs/"+args[0]+"/cancel", nil, nil); err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "Cancellation of run %s requested\n", args[0])
			return nil
		},
	}
	addServerFlag(cmd, &server)
	return cmd
}

func newBackfillCmd() *cobra.Command {
	var (
		server     string
		start, end string
	)
	cmd := &cobra.Command{
		Use:   "backfill NAME --start RFC3339 --end RFC3339",
		Short: "Start one run per logical date in a range on a running server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := time.Parse(timeLayout, start)
			if err != nil {
				return fmt.Errorf("invalid --start: %w", err)
			}
			to, err := time.Parse(timeLayout, end)
			if err != nil {
				return fmt.Errorf("invalid --end: %w", err)
			}
			var runs []models.Run
			body := map[string]time.Time{"start": from, "end": to}
			if err := newAPIClient(server).do(cmd.Context(), "POST", "/api/v1/workflows/"+args[0]+"/backfill", body, &runs); err != nil {
				return err
			}
			printRuns(cmd.OutOrStdout(), runs)
			return nil
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "first logical date (RFC3339)")
	cmd.Flags().StringVar(&end, "end", "", "last logical date (RFC3339)")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	addServerFlag(cmd, &server)
	return cmd
}

func printRuns(out io.Writer, runs []models.Run) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	printf(tw, "ID\tVERSION\tSTATUS\tTRIGGER\tLOGICAL DATE\tCREATED\n")
	for _, r := range runs {
		printf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n", r.ID, r.WorkflowVersion, r.Status, r.Trigger,
			formatTime(r.LogicalDate), r.CreatedAt.Format(timeLayout))
	}
	_ = tw.Flush()
}

func printExecutions(out io.Writer, execs []models.TaskExecution) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	printf(tw, "TASK\tATTEMPT\tSTATUS\tSTARTED\tFINISHED\tERROR\n")
	for _, e := range execs {
		printf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n", e.TaskID, e.Attempt, e.Status,
			formatTime(e.StartedAt), formatTime(e.FinishedAt), e.Error)
	}
	_ = tw.Flush()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(timeLayout)
}
