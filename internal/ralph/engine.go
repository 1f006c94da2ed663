// Package ralph implements the iteration engine: the completion-detection
// loop ("ralph" loop) driven against one prepared sandbox. Each iteration
// prompts the agent in a fresh session and scans the assistant's reply for
// the run's completion marker; the loop ends on the marker, on agent
// silence, on an agent error, or when the iteration budget runs out. Two
// variants share the contract: a blocking-chat engine that waits on each
// prompt's response body, and the default SSE-driven engine that reads
// completion off the agent's event stream.
package ralph

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ralphd/ralphd/internal/common/logger"
	"github.com/ralphd/ralphd/internal/common/stringutil"
	"github.com/ralphd/ralphd/internal/persistence"
	"github.com/ralphd/ralphd/internal/runlog"
	"github.com/ralphd/ralphd/internal/runs"
	"github.com/ralphd/ralphd/pkg/opencode"
)

// Reason explains why an iteration loop ended.
type Reason string

const (
	ReasonCompletionMarker Reason = "completion_marker"
	ReasonIdleTimeout      Reason = "idle_timeout"
	ReasonMaxIterations    Reason = "max_iterations"
	ReasonError            Reason = "error"
	ReasonAborted          Reason = "aborted"
)

// Result is the outcome of one provider's loop.
type Result struct {
	Success    bool
	Iterations int
	Reason     Reason
	// Err carries the failure detail for error and budget-abort outcomes.
	Err error
}

// Config wires one engine instance to its run.
type Config struct {
	RunID    string
	Provider runs.Provider
	WorkDir  string
	Task     string
	Loop     runs.LoopConfig

	// Client speaks to the sandbox's agent server. The caller owns its
	// lifecycle.
	Client *opencode.Client
	// Events receives the loop's published events.
	Events *runlog.Log
	// Store mirroring is best-effort; nil selects the no-op store, and a
	// zero RalphRowID skips mirroring entirely.
	Store      persistence.Store
	RalphRowID int64

	Logger *logger.Logger
	// OnSession observes each freshly created session id. Optional.
	OnSession func(sessionID string)
}

// Engine drives the loop against one prepared sandbox until terminal.
type Engine interface {
	Run(ctx context.Context) Result
}

// New selects the engine variant: SSE-driven when Loop.UseSSE is set,
// blocking-chat otherwise.
func New(cfg Config) Engine {
	b := newBase(cfg)
	if cfg.Loop.UseSSE {
		return &sseEngine{base: b}
	}
	return &blockingEngine{base: b}
}

// base carries the state and emission behavior shared by both variants.
type base struct {
	cfg          Config
	marker       Marker
	log          *logger.Logger
	emittedTools map[string]bool
}

func newBase(cfg Config) base {
	if cfg.Store == nil {
		cfg.Store = persistence.NewNoop()
	}
	if cfg.Loop.MaxIterations <= 0 {
		cfg.Loop.MaxIterations = 1
	}
	if cfg.Loop.IdleTimeout <= 0 {
		cfg.Loop.IdleTimeout = time.Minute
	}
	return base{
		cfg:    cfg,
		marker: NewMarker(),
		log: cfg.Logger.WithRunID(cfg.RunID).
			WithProvider(string(cfg.Provider)).
			WithFields(zap.String("component", "ralph")),
		emittedTools: make(map[string]bool),
	}
}

// markerFound reports whether the collected assistant text contains the
// completion marker.
func (b *base) markerFound(text string, iteration int) bool {
	if !b.marker.DetectedIn(text) {
		return false
	}
	b.log.Debug("completion marker detected",
		zap.Int("iteration", iteration),
		zap.String("tail", stringutil.Tail(strings.TrimSpace(text), 160)))
	return true
}

// checkAgent verifies the agent server is reachable before looping.
func (b *base) checkAgent(ctx context.Context) error {
	health, err := b.cfg.Client.Health(ctx)
	if err != nil {
		return fmt.Errorf("agent server unreachable: %w", err)
	}
	if !health.Healthy {
		return fmt.Errorf("agent server unhealthy (version %s)", health.Version)
	}
	return nil
}

func (b *base) publish(kind runs.EventKind, data map[string]interface{}) {
	b.cfg.Events.Publish(b.cfg.RunID, runs.NewAgentEvent(kind, b.cfg.Provider, data))
}

func (b *base) emitIteration(iteration int) {
	b.log.Info("iteration starting",
		zap.Int("iteration", iteration),
		zap.Int("max_iterations", b.cfg.Loop.MaxIterations))
	b.publish(runs.EventRalphIteration, map[string]interface{}{
		"iteration":     iteration,
		"maxIterations": b.cfg.Loop.MaxIterations,
	})
}

func (b *base) emitThought(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	b.publish(runs.EventThought, map[string]interface{}{"text": text})
}

// emitToolCall publishes one event per completed tool part. Parts stream
// multiple state updates under the same id; only the first completed one is
// surfaced.
func (b *base) emitToolCall(part opencode.Part) {
	if part.State == nil || part.State.Status != opencode.ToolStatusCompleted {
		return
	}
	key := part.ID
	if key == "" {
		key = part.CallID
	}
	if key != "" {
		if b.emittedTools[key] {
			return
		}
		b.emittedTools[key] = true
	}
	b.publish(runs.EventToolCall, map[string]interface{}{
		"name":  part.Tool,
		"title": part.State.Title,
		"state": part.State.Status,
	})
}

func (b *base) emitError(msg string) {
	b.publish(runs.EventError, map[string]interface{}{"error": msg})
}

func (b *base) emitComplete(res Result) {
	b.publish(runs.EventRalphComplete, map[string]interface{}{
		"success":    res.Success,
		"iterations": res.Iterations,
		"reason":     string(res.Reason),
	})
}

// finish publishes the loop's terminal record and mirrors the final status
// to the store. Aborted loops stay silent here: the coordinator reports the
// stop on its own, and budget aborts emit their error before finishing.
func (b *base) finish(res Result) Result {
	b.log.Info("loop finished",
		zap.Bool("success", res.Success),
		zap.Int("iterations", res.Iterations),
		zap.String("reason", string(res.Reason)),
		zap.Error(res.Err))

	switch res.Reason {
	case ReasonAborted:
	case ReasonError:
		msg := "iteration loop failed"
		if res.Err != nil {
			msg = res.Err.Error()
		}
		b.emitError(msg)
	default:
		b.emitComplete(res)
	}

	b.updateStatus(res)
	return res
}

// updateStatus records the loop outcome. Stop bookkeeping belongs to the
// coordinator, so aborted loops skip the write; the store treats repeats as
// last-write-wins either way.
func (b *base) updateStatus(res Result) {
	if b.cfg.RalphRowID == 0 || res.Reason == ReasonAborted {
		return
	}
	status := string(runs.StatusFailed)
	if res.Success {
		status = string(runs.StatusCompleted)
	}
	iterations := res.Iterations
	if err := b.cfg.Store.UpdateRalphStatus(context.Background(), b.cfg.RalphRowID, status, &iterations); err != nil {
		b.log.Warn("ralph status update failed", zap.Error(err))
	}
}

// mirrorEvent hands one raw agent event to the store under a coarse kind
// mapping. Subscribers and the run history never see these; they exist for
// after-the-fact inspection of what the agent server emitted.
func (b *base) mirrorEvent(ev *opencode.SDKEventEnvelope) {
	if b.cfg.RalphRowID == 0 || ev == nil || ev.Type == opencode.SDKEventServerHeartbeat {
		return
	}
	data := map[string]interface{}{"type": ev.Type}
	if len(ev.Properties) > 0 {
		data["properties"] = json.RawMessage(ev.Properties)
	}
	if err := b.cfg.Store.AddAgentEvent(context.Background(), b.cfg.RalphRowID, translateKind(ev), data); err != nil {
		b.log.Debug("agent event mirror failed", zap.Error(err))
	}
}

// translateKind maps raw agent event types onto stored event kinds.
func translateKind(ev *opencode.SDKEventEnvelope) runs.EventKind {
	switch {
	case ev.Type == opencode.SDKEventSessionError:
		return runs.EventError
	case strings.HasSuffix(ev.Type, ".disposed"):
		return runs.EventComplete
	case ev.Type == opencode.SDKEventMessagePartUpdated:
		if props, err := opencode.ParseMessagePartUpdated(ev.Properties); err == nil && props.Part.Type == opencode.PartTypeTool {
			return runs.EventToolCall
		}
		return runs.EventThought
	case strings.HasPrefix(ev.Type, "session."):
		return runs.EventStatus
	default:
		return runs.EventOutput
	}
}

func (b *base) sessionTitle(iteration int) string {
	return fmt.Sprintf("ralph %s %s #%d", b.cfg.RunID, b.cfg.Provider, iteration)
}
