package ralph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ralphd/ralphd/internal/tracing"
	"github.com/ralphd/ralphd/pkg/opencode"
)

// sseEngine reads completion off the agent's event stream: one subscription
// serves the whole loop, each prompt is fired without waiting on its
// response body, and a turn ends when the session reports idle. Liveness is
// the gap since the last non-heartbeat event; a gap past the idle timeout
// means the agent went quiet mid-turn and the run is treated as done.
type sseEngine struct {
	base
}

func (e *sseEngine) Run(ctx context.Context) Result {
	ctx, span := tracing.Tracer("ralph").Start(ctx, "ralph.sse", trace.WithAttributes(
		attribute.String("run.id", e.cfg.RunID),
		attribute.String("provider", string(e.cfg.Provider)),
	))
	defer span.End()

	if err := e.checkAgent(ctx); err != nil {
		return e.finish(Result{Reason: ReasonError, Err: err})
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := e.cfg.Client.Events(streamCtx)
	if err != nil {
		return e.finish(Result{Reason: ReasonError, Err: fmt.Errorf("subscribe agent events: %w", err)})
	}

	e.log.Info("sse loop starting",
		zap.Int("max_iterations", e.cfg.Loop.MaxIterations),
		zap.Duration("idle_timeout", e.cfg.Loop.IdleTimeout))

	for i := 1; i <= e.cfg.Loop.MaxIterations; i++ {
		e.emitIteration(i)

		sessionID, err := e.cfg.Client.CreateSession(ctx, e.sessionTitle(i))
		if err != nil {
			if ctx.Err() != nil {
				return e.finish(Result{Iterations: i, Reason: ReasonAborted, Err: ctx.Err()})
			}
			return e.finish(Result{Iterations: i, Reason: ReasonError, Err: fmt.Errorf("create session: %w", err)})
		}
		if e.cfg.OnSession != nil {
			e.cfg.OnSession(sessionID)
		}

		// Fire and forget: the response body duplicates what the stream
		// already delivers, and agent-side failures arrive as session.error.
		prompt := IterationPrompt(e.cfg.Task, i, e.cfg.Loop.MaxIterations, e.marker)
		go func() {
			if _, err := e.cfg.Client.Chat(streamCtx, sessionID, prompt); err != nil && streamCtx.Err() == nil {
				e.log.Debug("chat returned error", zap.String("session_id", sessionID), zap.Error(err))
			}
		}()

		res, done := e.awaitIdle(ctx, events, sessionID, i)
		if done {
			return e.finish(res)
		}
	}

	return e.finish(Result{Iterations: e.cfg.Loop.MaxIterations, Reason: ReasonMaxIterations})
}

// awaitIdle consumes stream events for one iteration until the session goes
// idle, errors, stalls past the idle timeout, or the loop is cancelled. done
// is false when the turn settled without the marker and the loop should
// prompt again.
func (e *sseEngine) awaitIdle(ctx context.Context, events <-chan *opencode.SDKEventEnvelope, sessionID string, iteration int) (Result, bool) {
	collector := NewCollector()

	idle := time.NewTimer(e.cfg.Loop.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return Result{Iterations: iteration, Reason: ReasonAborted, Err: ctx.Err()}, true

		case <-idle.C:
			// The agent went quiet: no events for a full timeout window.
			return Result{Success: true, Iterations: iteration, Reason: ReasonIdleTimeout}, true

		case ev, ok := <-events:
			if !ok {
				return Result{Iterations: iteration, Reason: ReasonError, Err: errors.New("agent event stream closed")}, true
			}
			if ev.Type == opencode.SDKEventServerHeartbeat {
				continue
			}
			// Stray sessions on the same server must not steer this loop.
			if !opencode.MatchesSession(ev, sessionID) {
				continue
			}

			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(e.cfg.Loop.IdleTimeout)

			e.mirrorEvent(ev)

			switch ev.Type {
			case opencode.SDKEventMessageUpdated:
				if props, err := opencode.ParseMessageUpdated(ev.Properties); err == nil {
					collector.SetRole(props.Info.ID, props.Info.Role)
				}

			case opencode.SDKEventMessagePartUpdated:
				props, err := opencode.ParseMessagePartUpdated(ev.Properties)
				if err != nil {
					continue
				}
				switch props.Part.Type {
				case opencode.PartTypeText:
					collector.AddPart(props.Part.MessageID, props.Part.ID, props.Part.Text)
				case opencode.PartTypeReasoning:
					collector.AddReasoning(props.Part.MessageID, props.Part.ID, props.Part.Text)
				case opencode.PartTypeTool:
					e.emitToolCall(props.Part)
				}

			case opencode.SDKEventSessionError:
				msg := "agent session error"
				if props, err := opencode.ParseSessionError(ev.Properties); err == nil && props.Error != nil {
					msg = fmt.Sprintf("%s: %s", props.Error.GetKind(), props.Error.GetMessage())
				}
				return Result{Iterations: iteration, Reason: ReasonError, Err: errors.New(msg)}, true

			case opencode.SDKEventSessionIdle:
				return e.settle(collector, iteration)

			case opencode.SDKEventSessionStatus:
				if props, err := opencode.ParseSessionStatus(ev.Properties); err == nil && props.Status.Type == "idle" {
					return e.settle(collector, iteration)
				}
			}
		}
	}
}

// settle finalizes one turn at session idle: surface the finished parts,
// then check the marker.
func (e *sseEngine) settle(collector *Collector, iteration int) (Result, bool) {
	for _, text := range collector.Finalized() {
		e.emitThought(text)
	}
	if e.markerFound(collector.Text(), iteration) {
		return Result{Success: true, Iterations: iteration, Reason: ReasonCompletionMarker}, true
	}
	return Result{}, false
}
