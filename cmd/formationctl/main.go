// Command formationctl is a thin HTTP client for a running formationd
// node: list/get/create against the datastore's replicated collections,
// and submit run_task requests to the agent gateway.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	datastoreAddr string
	agentAddr     string
	vmmAddr       string
	token         string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "formationctl",
	Short: "Formation node CLI client",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&datastoreAddr, "datastore", "http://127.0.0.1:3010", "Datastore base URL")
	rootCmd.PersistentFlags().StringVar(&agentAddr, "agent", "http://127.0.0.1:3011", "Agent gateway base URL")
	rootCmd.PersistentFlags().StringVar(&vmmAddr, "vmm", "http://127.0.0.1:3012", "VMM service base URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "Bearer token for authenticated requests")

	rootCmd.AddCommand(listCmd, getCmd, createCmd, runTaskCmd, vmmCmd)
}

var httpClient = &http.Client{Timeout: 30 * time.Second}

func doRequest(method, url string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s returned %d: %s", url, resp.StatusCode, string(data))
	}
	return data, nil
}

func printJSON(data []byte) {
	var v any
	if json.Unmarshal(data, &v) == nil {
		pretty, _ := json.MarshalIndent(v, "", "  ")
		fmt.Println(string(pretty))
		return
	}
	fmt.Println(string(data))
}

var listCmd = &cobra.Command{
	Use:   "list <collection>",
	Short: "List every record in a datastore collection (peers, cidrs, clusters, instances, accounts, agents, dnsrecords, ...)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := doRequest(http.MethodGet, datastoreAddr+"/"+args[0]+"/list", nil)
		if err != nil {
			return err
		}
		printJSON(data)
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <collection> <id>",
	Short: "Fetch one record by id",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := doRequest(http.MethodGet, datastoreAddr+"/"+args[0]+"/"+args[1]+"/get", nil)
		if err != nil {
			return err
		}
		printJSON(data)
		return nil
	},
}

var createCmd = &cobra.Command{
	Use:   "create <collection> <json-file-or-->",
	Short: "Create a record from a JSON document (read from a file, or stdin when the argument is -)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var raw []byte
		var err error
		if args[1] == "-" {
			raw, err = io.ReadAll(os.Stdin)
		} else {
			raw, err = os.ReadFile(args[1])
		}
		if err != nil {
			return fmt.Errorf("reading request body: %w", err)
		}
		data, err := doRequest(http.MethodPost, datastoreAddr+"/"+args[0]+"/create", bytes.NewReader(raw))
		if err != nil {
			return err
		}
		printJSON(data)
		return nil
	},
}

var runTaskFlagStreaming bool
var runTaskFlagTimeout uint64

var runTaskCmd = &cobra.Command{
	Use:   "run-task <agent-id> <params-json-file-or-->",
	Short: "Submit a run_task request to the agent gateway",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var params []byte
		var err error
		if args[1] == "-" {
			params, err = io.ReadAll(os.Stdin)
		} else {
			params, err = os.ReadFile(args[1])
		}
		if err != nil {
			return fmt.Errorf("reading params: %w", err)
		}

		reqBody := map[string]any{"params": json.RawMessage(params), "streaming": runTaskFlagStreaming}
		if runTaskFlagTimeout > 0 {
			reqBody["timeout_seconds"] = runTaskFlagTimeout
		}
		encoded, err := json.Marshal(reqBody)
		if err != nil {
			return err
		}

		data, err := doRequest(http.MethodPost, agentAddr+"/agents/"+args[0]+"/run_task", bytes.NewReader(encoded))
		if err != nil {
			return err
		}
		if runTaskFlagStreaming {
			fmt.Println(string(data))
		} else {
			printJSON(data)
		}
		return nil
	},
}

func init() {
	runTaskCmd.Flags().BoolVar(&runTaskFlagStreaming, "stream", false, "Request a streamed (SSE) response")
	runTaskCmd.Flags().Uint64Var(&runTaskFlagTimeout, "timeout", 0, "Override the task timeout in seconds")
}

// vmmCmd groups the VMM service's instance lifecycle operations (C7),
// kept separate from the generic datastore list/get/create trio since
// instances are created through the VMM, not written directly to the
// datastore.
var vmmCmd = &cobra.Command{
	Use:   "vmm",
	Short: "Create and control VM instances through the VMM service",
}

var vmmCreateBuildID, vmmCreateNodeID string
var vmmCreateVCPU int
var vmmCreateMemoryMB int64

var vmmCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create and boot a new VM instance",
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := json.Marshal(map[string]any{
			"build_id":  vmmCreateBuildID,
			"node_id":   vmmCreateNodeID,
			"vcpu":      vmmCreateVCPU,
			"memory_mb": vmmCreateMemoryMB,
		})
		if err != nil {
			return err
		}
		data, err := doRequest(http.MethodPost, vmmAddr+"/instances/create", bytes.NewReader(body))
		if err != nil {
			return err
		}
		printJSON(data)
		return nil
	},
}

var vmmListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every known VM instance",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := doRequest(http.MethodGet, vmmAddr+"/instances/list", nil)
		if err != nil {
			return err
		}
		printJSON(data)
		return nil
	},
}

func vmmActionCmd(use, short, action string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := doRequest(http.MethodPost, vmmAddr+"/instances/"+args[0]+"/"+action, nil)
			if err != nil {
				return err
			}
			if len(data) > 0 {
				printJSON(data)
			}
			return nil
		},
	}
}

func init() {
	vmmCreateCmd.Flags().StringVar(&vmmCreateBuildID, "build-id", "", "Build id the instance boots from")
	vmmCreateCmd.Flags().StringVar(&vmmCreateNodeID, "node-id", "", "Host node id")
	vmmCreateCmd.Flags().IntVar(&vmmCreateVCPU, "vcpu", 1, "vCPU count")
	vmmCreateCmd.Flags().Int64Var(&vmmCreateMemoryMB, "memory-mb", 512, "Memory in MiB")
	_ = vmmCreateCmd.MarkFlagRequired("build-id")

	vmmCmd.AddCommand(
		vmmCreateCmd,
		vmmListCmd,
		vmmActionCmd("start <id>", "Start a stopped instance", "start"),
		vmmActionCmd("pause <id>", "Pause a running instance", "pause"),
		vmmActionCmd("stop <id>", "Stop a running instance", "stop"),
		vmmActionCmd("delete <id>", "Stop, release resources, and delete an instance", "delete"),
	)
}
