// Manual smoke harness for a running ralphd: starts a run, tails its event
// stream, and optionally stops the run after a delay to exercise teardown.
//
//	go run ./scripts/smoke -addr http://localhost:8080 -repo acme/widget \
//	    -task "make the tests pass" -providers docker -stop-after 30s
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	v1 "github.com/ralphd/ralphd/pkg/api/v1"
)

var (
	addr      = flag.String("addr", "http://localhost:8080", "ralphd base URL")
	repo      = flag.String("repo", "", "repository (URL or owner/repo)")
	task      = flag.String("task", "", "task prompt")
	branch    = flag.String("branch", "", "branch to check out")
	providers = flag.String("providers", "docker", "comma-separated providers")
	stopAfter = flag.Duration("stop-after", 0, "stop the run after this delay (0 = run to completion)")
)

func main() {
	flag.Parse()
	if *repo == "" || *task == "" {
		fmt.Fprintln(os.Stderr, "usage: smoke -repo <repo> -task <task> [flags]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	run, err := startRun()
	if err != nil {
		fmt.Fprintf(os.Stderr, "start failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("run %s\n", run.RunID)
	pending := map[string]bool{}
	for _, p := range run.Providers {
		if p.Success {
			fmt.Printf("  %-8s sandbox %s\n", p.Provider, p.SandboxID)
			pending[p.Provider] = true
		} else {
			fmt.Printf("  %-8s FAILED: %s\n", p.Provider, p.Error)
		}
	}
	if len(pending) == 0 {
		os.Exit(1)
	}

	if *stopAfter > 0 {
		go func() {
			time.Sleep(*stopAfter)
			fmt.Printf("-- stopping run after %s --\n", *stopAfter)
			if err := stopRun(run.RunID); err != nil {
				fmt.Fprintf(os.Stderr, "stop failed: %v\n", err)
			}
		}()
	}

	if err := tailStream(run.RunID, pending); err != nil {
		fmt.Fprintf(os.Stderr, "stream failed: %v\n", err)
		os.Exit(1)
	}
}

func startRun() (*v1.StartRunResponse, error) {
	reqBody := v1.StartRunRequest{
		RepoURL:   *repo,
		Branch:    *branch,
		Task:      *task,
		Providers: strings.Split(*providers, ","),
	}
	buf, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}
	resp, err := http.Post(*addr+"/api/v1/run", "application/json", bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return nil, fmt.Errorf("%s: %s", resp.Status, e.Message)
	}
	var out v1.StartRunResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

func stopRun(runID string) error {
	resp, err := http.Post(*addr+"/api/v1/run/"+runID+"/stop", "application/json", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stop returned %s", resp.Status)
	}
	return nil
}

// tailStream prints the run's event stream until every provider in pending
// has reported its terminal status.
func tailStream(runID string, pending map[string]bool) error {
	resp, err := http.Get(*addr + "/api/v1/run/" + runID + "/stream")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream returned %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var frame v1.StreamFrame
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame); err != nil {
			fmt.Printf("?? %s\n", line)
			continue
		}
		if frame.Type == v1.FrameTypePing {
			continue
		}
		printFrame(frame)
		if frame.Type == "status" {
			if final, ok := frame.Data["final"].(bool); ok && final {
				delete(pending, frame.Provider)
				if len(pending) == 0 {
					return nil
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return fmt.Errorf("stream closed with %d providers still running", len(pending))
}

func printFrame(frame v1.StreamFrame) {
	ts := frame.Timestamp.Format("15:04:05")
	switch frame.Type {
	case "thought":
		text, _ := frame.Data["text"].(string)
		fmt.Printf("%s %-8s thought  %s\n", ts, frame.Provider, oneLine(text))
	case "tool_call":
		name, _ := frame.Data["name"].(string)
		title, _ := frame.Data["title"].(string)
		fmt.Printf("%s %-8s tool     %s %s\n", ts, frame.Provider, name, oneLine(title))
	case "error":
		msg, _ := frame.Data["error"].(string)
		fmt.Printf("%s %-8s error    %s\n", ts, frame.Provider, oneLine(msg))
	default:
		data, _ := json.Marshal(frame.Data)
		fmt.Printf("%s %-8s %-8s %s\n", ts, frame.Provider, frame.Type, data)
	}
}

func oneLine(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 160 {
		return s[:160] + "..."
	}
	return s
}
