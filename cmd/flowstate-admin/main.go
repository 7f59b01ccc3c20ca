// Command flowstate-admin is an operator CLI over the dispatcher's own HTTP
// API: fleet/pod status, task and run lookup, run enqueue, and requeuing a
// failed run. It never touches the ledger directly — every subcommand is a
// thin wrapper over an HTTP call, grounded on the teacher's legatorctl
// client/format split (cmd/legatorctl/main.go, client.go, format.go).
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultServer = "http://127.0.0.1:8080"

type cliConfig struct {
	server     string
	apiKey     string
	jsonOutput bool
}

var errShowUsage = errors.New("show usage")

func main() {
	cfg, command, args, err := parseArgs(os.Args[1:])
	if errors.Is(err, errShowUsage) {
		printUsage()
		if len(os.Args) == 1 {
			os.Exit(1)
		}
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		printUsage()
		os.Exit(1)
	}

	client := NewAPIClient(cfg.server, cfg.apiKey)
	ctx := context.Background()

	switch command {
	case "fleet":
		err = runFleet(ctx, client, cfg, args)
	case "pod":
		err = runPod(ctx, client, cfg, args)
	case "task":
		err = runTask(ctx, client, cfg, args)
	case "run":
		err = runRun(ctx, client, cfg, args)
	case "requeue":
		err = runRequeue(ctx, client, cfg, args)
	case "version":
		fmt.Printf("flowstate-admin %s (commit: %s, built: %s)\n", version, commit, date)
		return
	case "help", "--help", "-h":
		printUsage()
	default:
		err = fmt.Errorf("unknown command: %s", command)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func parseArgs(args []string) (cliConfig, string, []string, error) {
	cfg := cliConfig{
		server: defaultServer,
		apiKey: os.Getenv("FLOWSTATE_API_KEY"),
	}

	idx := 0
	for idx < len(args) {
		arg := args[idx]
		if !strings.HasPrefix(arg, "-") {
			break
		}
		switch arg {
		case "--help", "-h":
			return cfg, "", nil, errShowUsage
		case "--server", "-s":
			if idx+1 >= len(args) {
				return cfg, "", nil, fmt.Errorf("--server requires a value")
			}
			cfg.server = args[idx+1]
			idx += 2
		case "--api-key":
			if idx+1 >= len(args) {
				return cfg, "", nil, fmt.Errorf("--api-key requires a value")
			}
			cfg.apiKey = args[idx+1]
			idx += 2
		case "--json":
			cfg.jsonOutput = true
			idx++
		default:
			return cfg, "", nil, fmt.Errorf("unknown flag: %s", arg)
		}
	}

	if idx >= len(args) {
		return cfg, "", nil, errShowUsage
	}
	return cfg, args[idx], args[idx+1:], nil
}

func printUsage() {
	fmt.Print(`Usage: flowstate-admin [--server <url>] [--api-key <key>] [--json] <command>

Commands:
  fleet                          Show fleet summary
  pod status                     Show the managed GPU pod's status
  pod drain <runner_id>          Stage a drain for a runner
  task get <id>                  Show a task's approval/status state
  run get <id>                   Show a run's state
  run enqueue <task_id> <action> <capability>
                                  Enqueue a new run
  requeue <run_id>                Re-enqueue a failed/timed-out run
`)
}

func runFleet(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("usage: flowstate-admin fleet")
	}
	view, err := client.FleetView(ctx)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, view)
	}

	headers := []string{"ID", "BACKEND", "CAPABILITY", "STATUS", "ACTIVE/MAX", "BUILDS/MAX", "HEALTHY"}
	rows := make([][]string, 0, len(view.Runners))
	for _, r := range view.Runners {
		rows = append(rows, []string{
			r.ID, r.Backend, r.Capability, r.Status,
			fmt.Sprintf("%d/%d", r.ActiveCount, r.MaxConcurrent),
			fmt.Sprintf("%d/%d", r.ActiveBuilds, r.MaxBuilds),
			fmt.Sprintf("%t", r.Healthy),
		})
	}
	RenderTable(os.Stdout, headers, rows)
	fmt.Printf("\nqueue_depth: %d  pod_status: %s\n", view.QueueDepth, view.PodStatus)
	return nil
}

func runPod(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: flowstate-admin pod status|drain <runner_id>")
	}
	switch args[0] {
	case "status":
		view, err := client.FleetView(ctx)
		if err != nil {
			return err
		}
		if cfg.jsonOutput {
			return PrintJSON(os.Stdout, map[string]string{"pod_status": view.PodStatus})
		}
		fmt.Println(view.PodStatus)
		return nil
	case "drain":
		if len(args) != 2 {
			return fmt.Errorf("usage: flowstate-admin pod drain <runner_id>")
		}
		if err := client.SetDrain(ctx, args[1], true); err != nil {
			return err
		}
		fmt.Println("drain staged")
		return nil
	default:
		return fmt.Errorf("unknown pod command: %s", args[0])
	}
}

func runTask(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) != 2 || args[0] != "get" {
		return fmt.Errorf("usage: flowstate-admin task get <id>")
	}
	task, err := client.GetTask(ctx, args[1])
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, task)
	}
	fmt.Printf("ID: %s\nStatus: %s\nApproval(spec/plan/research/verification): %s/%s/%s/%s\n",
		task.ID, task.Status, task.ApprovalSpec, task.ApprovalPlan, task.ApprovalResearch, task.ApprovalVerification)
	return nil
}

func runRun(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: flowstate-admin run get <id> | run enqueue <task_id> <action> <capability>")
	}
	switch args[0] {
	case "get":
		if len(args) != 2 {
			return fmt.Errorf("usage: flowstate-admin run get <id>")
		}
		run, err := client.GetRun(ctx, args[1])
		if err != nil {
			return err
		}
		if cfg.jsonOutput {
			return PrintJSON(os.Stdout, run)
		}
		fmt.Printf("ID: %s\nTaskID: %s\nAction: %s\nStatus: %s\n", run.ID, run.TaskID, run.Action, run.Status)
		if run.ErrorMessage != "" {
			fmt.Printf("Error: %s\n", run.ErrorMessage)
		}
		return nil
	case "enqueue":
		if len(args) != 4 {
			return fmt.Errorf("usage: flowstate-admin run enqueue <task_id> <action> <capability>")
		}
		runID, err := client.EnqueueRun(ctx, args[1], args[2], args[3])
		if err != nil {
			return err
		}
		fmt.Println(runID)
		return nil
	default:
		return fmt.Errorf("unknown run command: %s", args[0])
	}
}

func runRequeue(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: flowstate-admin requeue <run_id>")
	}
	run, err := client.GetRun(ctx, args[0])
	if err != nil {
		return err
	}
	newRunID, err := client.EnqueueRun(ctx, run.TaskID, string(run.Action), string(run.RequiredCapability))
	if err != nil {
		return err
	}
	fmt.Printf("requeued run %s as %s\n", run.ID, newRunID)
	return nil
}
