package mockcode

import (
	"regexp"
	"strings"
	"sync"
	"time"
)

// Step kinds
const (
	StepText      = "text"
	StepReasoning = "reasoning"
	StepTool      = "tool"
	StepSleep     = "sleep"
)

// Step is one unit of simulated agent activity inside a message turn.
type Step struct {
	Kind string

	// text / reasoning step
	Text string

	// tool step
	Tool       string
	ToolTitle  string
	ToolOutput string
	ToolError  string

	// sleep step, also added before any step when set
	Delay time.Duration
}

// Scenario is everything the mock emits for a single prompt.
type Scenario struct {
	Steps []Step

	// OmitIdle suppresses the trailing session.idle/session.status events,
	// simulating an agent that stalls mid-turn.
	OmitIdle bool

	// ErrorName, when set, ends the turn with a session.error event and an
	// error response body instead of {info, parts}.
	ErrorName    string
	ErrorMessage string
}

// Script chooses the scenario for a prompt. sessionID is the session the
// prompt arrived on; call counts and keyword dispatch are up to the script.
type Script func(sessionID, prompt string) Scenario

// --- Step constructors ---

// Text returns an assistant text step.
func Text(s string) Step {
	return Step{Kind: StepText, Text: s}
}

// Reasoning returns a reasoning step.
func Reasoning(s string) Step {
	return Step{Kind: StepReasoning, Text: s}
}

// Tool returns a tool step that runs and completes.
func Tool(name, title, output string) Step {
	return Step{Kind: StepTool, Tool: name, ToolTitle: title, ToolOutput: output}
}

// FailedTool returns a tool step that ends in an error state.
func FailedTool(name, title, errMsg string) Step {
	return Step{Kind: StepTool, Tool: name, ToolTitle: title, ToolError: errMsg}
}

// Sleep returns a pure delay step.
func Sleep(d time.Duration) Step {
	return Step{Kind: StepSleep, Delay: d}
}

// markerPattern matches the completion marker an iteration prompt instructs
// the agent to emit. The mock lifts it from the prompt so scripted
// completions carry the run's real marker.
var markerPattern = regexp.MustCompile(`DONE_[a-z0-9]{8}`)

// MarkerFromPrompt extracts the completion marker from an iteration prompt,
// or returns "" when the prompt carries none.
func MarkerFromPrompt(prompt string) string {
	return markerPattern.FindString(prompt)
}

// Keyword triggers understood by the default script.
const (
	TriggerError  = "mock:error"
	TriggerSilent = "mock:silent"
	TriggerTools  = "mock:tools"
)

// DefaultScript simulates an agent that needs completeAfter prompts to
// finish a task: earlier prompts produce work-in-progress turns with a tool
// call, the final one replies with the completion marker found in the
// prompt. Keyword triggers in the prompt override the count-based behavior.
func DefaultScript(completeAfter int) Script {
	if completeAfter < 1 {
		completeAfter = 1
	}

	var mu sync.Mutex
	calls := 0

	return func(sessionID, prompt string) Scenario {
		switch {
		case strings.Contains(prompt, TriggerError):
			return Scenario{
				Steps:        []Step{Text("Something is about to go wrong.")},
				ErrorName:    "MockAgentError",
				ErrorMessage: "scripted failure",
			}
		case strings.Contains(prompt, TriggerSilent):
			return Scenario{OmitIdle: true}
		case strings.Contains(prompt, TriggerTools):
			return Scenario{Steps: []Step{
				Reasoning("Looking around the workspace."),
				Tool("bash", "ls -la", "total 12\nREADME.md\nmain.go"),
				Tool("read", "read main.go", "package main"),
				Text("Inspected the workspace."),
			}}
		}

		mu.Lock()
		calls++
		n := calls
		mu.Unlock()

		if n < completeAfter {
			return Scenario{Steps: []Step{
				Reasoning("Working through the task."),
				Tool("bash", "go test ./...", "ok"),
				Text("Progress made, more to do."),
			}}
		}

		reply := "The task is finished."
		if marker := MarkerFromPrompt(prompt); marker != "" {
			reply = "The task is finished.\n\n<promise>" + marker + "</promise>"
		}
		return Scenario{Steps: []Step{
			Tool("bash", "go test ./...", "ok"),
			Text(reply),
		}}
	}
}
