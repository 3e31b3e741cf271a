package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/config"
	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/task"
	"github.com/uratmangun/arbitrum-vibekit-sub004/pkg/a2a"
	"github.com/uratmangun/arbitrum-vibekit-sub004/pkg/protocol"
)

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect and control tasks",
	}
	cmd.AddCommand(taskListCmd())
	cmd.AddCommand(taskGetCmd())
	cmd.AddCommand(taskSearchCmd())
	cmd.AddCommand(taskCancelCmd())
	cmd.AddCommand(taskWatchCmd())
	return cmd
}

func taskListCmd() *cobra.Command {
	var (
		contextID  string
		states     []string
		limit      int
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks from the configured store",
		Long: `List tasks by reading the configured task store directly, no
running server needed. The memory backend persists nothing, so it
always lists empty.`,
		Run: func(cmd *cobra.Command, args []string) {
			store, closeStore := openTaskStore()
			defer closeStore()

			filter := task.Filter{ContextID: contextID, Limit: limit}
			for _, s := range states {
				filter.States = append(filter.States, a2a.TaskState(s))
			}
			tasks, err := store.List(context.Background(), filter)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				os.Exit(1)
			}
			printTaskTable(tasks, jsonOutput)
		},
	}
	cmd.Flags().StringVarP(&contextID, "context", "c", "", "filter by context id")
	cmd.Flags().StringSliceVar(&states, "state", nil, "filter by state (repeatable)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum tasks to show")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func taskSearchCmd() *cobra.Command {
	var (
		limit      int
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Full-text search task message history",
		Long: `Search task message text through the store's full-text index.
Needs the sqlite store backend; the other backends keep no text index.`,
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store, closeStore := openTaskStore()
			defer closeStore()

			searcher, ok := store.(task.Searcher)
			if !ok {
				fmt.Fprintln(os.Stderr, "Error: task search needs the sqlite store backend")
				os.Exit(1)
			}
			tasks, err := searcher.Search(context.Background(), args[0], limit)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				os.Exit(1)
			}
			printTaskTable(tasks, jsonOutput)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum tasks to show")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func taskGetCmd() *cobra.Command {
	var historyLength int
	cmd := &cobra.Command{
		Use:   "get [taskId]",
		Short: "Print a task snapshot",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			resp := requireOK(gatewayRPC(protocol.MethodTasksGet, map[string]interface{}{
				"id":            args[0],
				"historyLength": historyLength,
			}))
			printJSON(resp.Payload)
		},
	}
	cmd.Flags().IntVar(&historyLength, "history", 0, "limit returned history to the last N messages")
	return cmd
}

func taskCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel [taskId]",
		Short: "Cancel a running or paused task",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			resp := requireOK(gatewayRPC(protocol.MethodTasksCancel, map[string]interface{}{
				"id": args[0],
			}))
			printJSON(resp.Payload)
		},
	}
}

func taskWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch [taskId]",
		Short: "Stream a task's events until it reaches a terminal state",
		Long: `Subscribe to a task's event stream and print each update. The
stream rides through pauses: a watched task that pauses for input stays
subscribed and picks up again when someone resumes it.`,
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			conn, err := dialGateway()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			defer conn.Close()

			resp := requireOK(rpcOnConn(conn, protocol.MethodTasksResubscribe, map[string]interface{}{
				"id": args[0],
			}, 0))
			var snap struct {
				Status struct {
					State string `json:"state"`
				} `json:"status"`
			}
			decodePayload(resp.Payload, &snap)
			fmt.Fprintf(os.Stderr, "  [%s] (snapshot)\n", snap.Status.State)

			watchEvents(conn, false)
		},
	}
}

func printTaskTable(tasks []*a2a.Task, jsonOutput bool) {
	if jsonOutput {
		printJSON(tasks)
		return
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\tSTATE\tCONTEXT\tUPDATED\n")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.ID, t.Status.State, t.ContextID, t.Status.Timestamp)
	}
	tw.Flush()
}

// openTaskStore opens the configured task store backend for direct
// reads, the same way serve does.
func openTaskStore() (task.Store, func()) {
	cfg, err := config.LoadOrDefault(resolveConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %s\n", err)
		os.Exit(1)
	}
	store, closeStore, err := buildTaskStore(context.Background(), cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening task store: %s\n", err)
		os.Exit(1)
	}
	return store, closeStore
}
