package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/config"
	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/cron"
)

func cronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage scheduled workflow dispatches",
		Long: `Manage the cron job store. Jobs edited here take effect when the
server next reloads the store; jobs declared in the config file are
managed by the server and re-synced on config reload.`,
	}
	cmd.AddCommand(cronListCmd())
	cmd.AddCommand(cronAddCmd())
	cmd.AddCommand(cronDeleteCmd())
	cmd.AddCommand(cronToggleCmd())
	cmd.AddCommand(cronRunsCmd())
	return cmd
}

func cronListCmd() *cobra.Command {
	var jsonOutput bool
	var showDisabled bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cron jobs",
		Run: func(cmd *cobra.Command, args []string) {
			svc := loadCronService()
			jobs := svc.ListJobs(showDisabled)
			printCronJobs(jobs, jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	cmd.Flags().BoolVar(&showDisabled, "all", false, "include disabled jobs")
	return cmd
}

func cronAddCmd() *cobra.Command {
	var (
		expr       string
		every      time.Duration
		paramsJSON string
		contextID  string
	)
	cmd := &cobra.Command{
		Use:   "add [name] [workflowId]",
		Short: "Add a cron job dispatching a workflow",
		Long: `Add a cron job. Give exactly one of --expr (5-field cron
expression) or --every (Go duration, e.g. 30m, 6h).

Examples:
  vibekit cron add nightly-report report-workflow --expr "0 3 * * *"
  vibekit cron add poll-feed fetch-feed --every 15m -p '{"url":"..."}'`,
		Args: cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			if (expr == "") == (every == 0) {
				fmt.Fprintln(os.Stderr, "Error: give exactly one of --expr or --every")
				os.Exit(1)
			}
			schedule := cron.Schedule{Kind: "cron", Expr: expr}
			if every > 0 {
				ms := every.Milliseconds()
				schedule = cron.Schedule{Kind: "every", EveryMS: &ms}
			}

			svc := loadCronService()
			job, err := svc.AddJob(args[0], schedule, args[1], parseParamsArg(paramsJSON), contextID)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				os.Exit(1)
			}
			fmt.Printf("Added job %s (%s)\n", job.ID, job.Name)
		},
	}
	cmd.Flags().StringVar(&expr, "expr", "", "cron expression schedule")
	cmd.Flags().DurationVar(&every, "every", 0, "fixed interval schedule")
	cmd.Flags().StringVarP(&paramsJSON, "params", "p", "", "workflow parameters as JSON")
	cmd.Flags().StringVarP(&contextID, "context", "c", "", "fixed context id (empty = fresh per run)")
	return cmd
}

func cronDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete [jobId]",
		Short: "Delete a cron job",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			svc := loadCronService()
			if err := svc.RemoveJob(args[0]); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				os.Exit(1)
			}
			fmt.Printf("Deleted job %s\n", args[0])
		},
	}
}

func cronToggleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "toggle [jobId] [on|off]",
		Short: "Enable or disable a cron job",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			enabled := args[1] == "on" || args[1] == "true" || args[1] == "1"
			svc := loadCronService()
			if err := svc.EnableJob(args[0], enabled); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				os.Exit(1)
			}
			fmt.Printf("Job %s enabled=%v\n", args[0], enabled)
		},
	}
}

func cronRunsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs [jobId]",
		Short: "Show a job's recent run log",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			svc := loadCronService()
			entries := svc.GetRunLog(args[0], limit)
			if len(entries) == 0 {
				fmt.Println("No runs recorded.")
				return
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(tw, "TIME\tSTATUS\tTASK\tERROR\n")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
					time.UnixMilli(e.Ts).Format(time.DateTime), e.Status, e.TaskID, e.Error)
			}
			tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum entries to show")
	return cmd
}

func printCronJobs(jobs []cron.Job, jsonOutput bool) {
	if jsonOutput {
		data, _ := json.MarshalIndent(jobs, "", "  ")
		fmt.Println(string(data))
		return
	}
	if len(jobs) == 0 {
		fmt.Println("No cron jobs configured.")
		return
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\tNAME\tENABLED\tSCHEDULE\tWORKFLOW\tLAST RUN\n")
	for _, j := range jobs {
		schedule := j.Schedule.Kind
		if j.Schedule.Expr != "" {
			schedule = j.Schedule.Expr
		} else if j.Schedule.EveryMS != nil {
			schedule = "every " + (time.Duration(*j.Schedule.EveryMS) * time.Millisecond).String()
		} else if j.Schedule.AtMS != nil {
			schedule = "at " + time.UnixMilli(*j.Schedule.AtMS).Format(time.DateTime)
		}

		lastRun := "never"
		if j.State.LastRunAtMS != nil {
			lastRun = time.UnixMilli(*j.State.LastRunAtMS).Format(time.DateTime)
		}

		idShort := j.ID
		if len(idShort) > 8 {
			idShort = idShort[:8]
		}
		fmt.Fprintf(tw, "%s\t%s\t%v\t%s\t%s\t%s\n",
			idShort, j.Name, j.Enabled, schedule, j.Dispatch.Workflow, lastRun)
	}
	tw.Flush()
}

// loadCronService opens the configured job store without starting the
// scheduling loop.
func loadCronService() *cron.Service {
	cfg, err := config.LoadOrDefault(resolveConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %s\n", err)
		os.Exit(1)
	}
	svc := cron.NewService(config.ExpandHome(cfg.Cron.StorePath), nil)
	if err := svc.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading cron store: %s\n", err)
		os.Exit(1)
	}
	return svc
}
