// Command pstatus reports a worker's status to the postdeck gateway. It is
// meant to run inside worker processes, next to the job they report on.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
)

type patch struct {
	Status   *string `json:"status,omitempty"`
	Task     *string `json:"task,omitempty"`
	Progress *int    `json:"progress,omitempty"`
	Error    *string `json:"error,omitempty"`
}

type agentState struct {
	Status   string  `json:"status"`
	Task     *string `json:"task,omitempty"`
	Progress *int    `json:"progress,omitempty"`
	Error    string  `json:"error,omitempty"`
}

type reply struct {
	State *struct {
		Agents  map[string]agentState `json:"agents"`
		Version uint64                `json:"version"`
	} `json:"state,omitempty"`
	Error string `json:"error,omitempty"`
}

func sendUpdate(natsURL, agentID string, p patch) (*reply, error) {
	conn, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	defer conn.Close()

	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal patch: %w", err)
	}

	msg, err := conn.Request("status.update."+agentID, data, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("status request: %w", err)
	}

	var resp reply
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal reply: %w", err)
	}
	return &resp, nil
}

func parseArgs(args []string) map[string]string {
	result := make(map[string]string)
	for i := 0; i < len(args); i++ {
		if len(args[i]) > 2 && args[i][:2] == "--" && i+1 < len(args) {
			result[args[i][2:]] = args[i+1]
			i++
		}
	}
	return result
}

// buildPatch turns a command and its flags into a patch. An unknown command
// or a bad progress value is an error.
func buildPatch(command string, args map[string]string) (patch, error) {
	var p patch
	switch command {
	case "idle", "working", "complete", "error":
		p.Status = &command
	case "progress":
	default:
		return p, fmt.Errorf("unknown command: %s", command)
	}

	if task, ok := args["task"]; ok {
		p.Task = &task
	}
	if v, ok := args["progress"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 100 {
			return p, fmt.Errorf("--progress must be 0-100")
		}
		p.Progress = &n
	}
	if msg, ok := args["error"]; ok {
		p.Error = &msg
	}
	if command == "progress" && p.Progress == nil {
		return p, fmt.Errorf("--progress is required")
	}
	return p, nil
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, `  pstatus working --task "..." [--progress 40]`)
	fmt.Fprintln(os.Stderr, "  pstatus progress --progress 60")
	fmt.Fprintln(os.Stderr, `  pstatus complete [--task "..."]`)
	fmt.Fprintln(os.Stderr, `  pstatus error --error "..."`)
	fmt.Fprintln(os.Stderr, "  pstatus idle")
	os.Exit(1)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = "nats://localhost:4222"
	}
	agentID := os.Getenv("AGENT_ID")
	if agentID == "" {
		fatal("AGENT_ID is required")
	}

	if len(os.Args) < 2 {
		usage()
	}

	p, err := buildPatch(os.Args[1], parseArgs(os.Args[2:]))
	if err != nil {
		fatal("%v", err)
	}

	resp, err := sendUpdate(natsURL, agentID, p)
	if err != nil {
		fatal("%v", err)
	}
	if resp.Error != "" {
		fatal("%s", resp.Error)
	}
	if resp.State != nil {
		a := resp.State.Agents[agentID]
		fmt.Printf("%s: %s (version %d)\n", agentID, a.Status, resp.State.Version)
	}
}
