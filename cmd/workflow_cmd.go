package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/cobra"

	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/workflow"
	"github.com/uratmangun/arbitrum-vibekit-sub004/pkg/protocol"
)

func workflowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "List, dispatch, and resume workflows on a running server",
	}
	cmd.AddCommand(workflowListCmd())
	cmd.AddCommand(workflowDispatchCmd())
	cmd.AddCommand(workflowResumeCmd())
	cmd.AddCommand(workflowStateCmd())
	return cmd
}

func workflowListCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered workflow plugins",
		Run: func(cmd *cobra.Command, args []string) {
			resp := requireOK(gatewayRPC(protocol.MethodWorkflowList, nil))

			var result struct {
				Workflows []workflow.Info `json:"workflows"`
			}
			if err := decodePayload(resp.Payload, &result); err != nil {
				fmt.Fprintf(os.Stderr, "Error parsing response: %v\n", err)
				os.Exit(1)
			}

			if jsonOutput {
				printJSON(result.Workflows)
				return
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tVERSION\tNAME\tDESCRIPTION")
			for _, info := range result.Workflows {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					info.ID, info.Version, info.Name, truncateCell(info.Description, 60))
			}
			w.Flush()
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func workflowDispatchCmd() *cobra.Command {
	var (
		paramsJSON string
		contextID  string
		watch      bool
	)
	cmd := &cobra.Command{
		Use:   "dispatch [workflowId]",
		Short: "Dispatch a workflow and print the task id",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			params := parseParamsArg(paramsJSON)

			if !watch {
				resp := requireOK(gatewayRPC(protocol.MethodWorkflowDispatch, map[string]interface{}{
					"workflowId": args[0],
					"parameters": params,
					"contextId":  contextID,
				}))
				printJSON(resp.Payload)
				return
			}

			conn, err := dialGateway()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			defer conn.Close()

			resp := requireOK(rpcOnConn(conn, protocol.MethodWorkflowDispatch, map[string]interface{}{
				"workflowId": args[0],
				"parameters": params,
				"contextId":  contextID,
				"stream":     true,
			}, 0))
			var ack struct {
				TaskID string `json:"taskId"`
			}
			decodePayload(resp.Payload, &ack)
			fmt.Fprintf(os.Stderr, "Task %s dispatched\n", ack.TaskID)

			state := watchEvents(conn, true)
			if state == "input-required" {
				fmt.Fprintf(os.Stderr, "Task paused. Resume with:\n  vibekit workflow resume %s --input '{...}'\n", ack.TaskID)
			}
		},
	}
	cmd.Flags().StringVarP(&paramsJSON, "params", "p", "", "workflow parameters as JSON")
	cmd.Flags().StringVarP(&contextID, "context", "c", "", "context id (empty = fresh context)")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "stream events until the task pauses or finishes")
	return cmd
}

func workflowResumeCmd() *cobra.Command {
	var (
		inputJSON string
		watch     bool
	)
	cmd := &cobra.Command{
		Use:   "resume [taskId]",
		Short: "Resume a paused workflow with input",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			input := parseParamsArg(inputJSON)
			checkResumeInput(args[0], input)

			if !watch {
				resp := requireOK(gatewayRPC(protocol.MethodWorkflowResume, map[string]interface{}{
					"taskId": args[0],
					"input":  input,
				}))
				printJSON(resp.Payload)
				return
			}

			conn, err := dialGateway()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			defer conn.Close()

			requireOK(rpcOnConn(conn, protocol.MethodWorkflowResume, map[string]interface{}{
				"taskId": args[0],
				"input":  input,
				"stream": true,
			}, 0))
			watchEvents(conn, true)
		},
	}
	cmd.Flags().StringVarP(&inputJSON, "input", "i", "", "resume input as JSON")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "stream events until the task pauses or finishes")
	return cmd
}

func workflowStateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state [taskId]",
		Short: "Show a workflow task's state and pause schema",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			resp := requireOK(gatewayRPC(protocol.MethodWorkflowState, map[string]interface{}{
				"id": args[0],
			}))
			printJSON(resp.Payload)
		},
	}
}

// checkResumeInput validates resume input against the task's pause schema
// before sending, when the server advertises one. The server itself treats
// resume input as opaque.
func checkResumeInput(taskID string, input map[string]interface{}) {
	resp, err := gatewayRPC(protocol.MethodWorkflowState, map[string]interface{}{"id": taskID})
	if err != nil || !resp.OK {
		return
	}
	var state struct {
		PauseSchema map[string]interface{} `json:"pauseSchema"`
	}
	if decodePayload(resp.Payload, &state) != nil || state.PauseSchema == nil {
		return
	}
	raw, _ := json.Marshal(state.PauseSchema)
	schema, err := jsonschema.CompileString("pause.json", string(raw))
	if err != nil {
		return
	}
	var doc interface{} = map[string]interface{}{}
	if input != nil {
		doc = toPlainJSON(input)
	}
	if err := schema.Validate(doc); err != nil {
		fmt.Fprintf(os.Stderr, "Error: input does not match the pause schema: %v\n", err)
		os.Exit(1)
	}
}

// toPlainJSON round-trips a value through encoding/json so the validator
// sees canonical types (float64 numbers and so on).
func toPlainJSON(v interface{}) interface{} {
	raw, _ := json.Marshal(v)
	var out interface{}
	json.Unmarshal(raw, &out)
	return out
}

// parseParamsArg parses a --params/--input JSON argument; empty means nil.
func parseParamsArg(s string) map[string]interface{} {
	if s == "" {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid JSON: %v\n", err)
		os.Exit(1)
	}
	return m
}
