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

const (
	// iterationBudget is the per-iteration share of the blocking engine's
	// global timeout.
	iterationBudget = 180 * time.Second
	// iterationPause separates consecutive blocking iterations.
	iterationPause = 2 * time.Second
	// sessionRetryDelay precedes the single session-creation retry.
	sessionRetryDelay = 2 * time.Second
)

// blockingEngine submits each iteration's prompt and waits for the full
// response body. A side stream consumer feeds marker detection and surfaces
// tool activity while the call is in flight.
type blockingEngine struct {
	base
}

func (e *blockingEngine) Run(ctx context.Context) Result {
	ctx, span := tracing.Tracer("ralph").Start(ctx, "ralph.blocking", trace.WithAttributes(
		attribute.String("run.id", e.cfg.RunID),
		attribute.String("provider", string(e.cfg.Provider)),
	))
	defer span.End()

	if err := e.checkAgent(ctx); err != nil {
		return e.finish(Result{Reason: ReasonError, Err: err})
	}

	budget := time.Duration(e.cfg.Loop.MaxIterations) * iterationBudget
	loopCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	e.log.Info("blocking loop starting",
		zap.Int("max_iterations", e.cfg.Loop.MaxIterations),
		zap.Duration("budget", budget))

	for i := 1; i <= e.cfg.Loop.MaxIterations; i++ {
		e.emitIteration(i)

		res, done := e.iterate(loopCtx, i)
		if done {
			return e.finish(res)
		}

		if i < e.cfg.Loop.MaxIterations {
			select {
			case <-loopCtx.Done():
				return e.finish(e.abortResult(loopCtx, i))
			case <-time.After(iterationPause):
			}
		}
	}

	return e.finish(Result{Iterations: e.cfg.Loop.MaxIterations, Reason: ReasonMaxIterations})
}

// iterate runs one session exchange. done is false when the loop should try
// another iteration: either the turn finished without the marker, or chat
// failed in a way worth retrying.
func (e *blockingEngine) iterate(ctx context.Context, iteration int) (Result, bool) {
	sessionID, err := e.createSessionWithRetry(ctx, iteration)
	if err != nil {
		if ctx.Err() != nil {
			return e.abortResult(ctx, iteration), true
		}
		return Result{Iterations: iteration, Reason: ReasonError, Err: fmt.Errorf("create session: %w", err)}, true
	}
	if e.cfg.OnSession != nil {
		e.cfg.OnSession(sessionID)
	}

	collector := NewCollector()

	// The consumer is cancelled as soon as chat returns; late stream events
	// are lost, but the response body carries the final parts, so marker
	// detection never depends on them.
	streamCtx, stopStream := context.WithCancel(ctx)
	defer stopStream()
	streamDone := make(chan struct{})
	if events, err := e.cfg.Client.Events(streamCtx); err != nil {
		e.log.Warn("event stream unavailable for iteration", zap.Error(err))
		close(streamDone)
	} else {
		go func() {
			defer close(streamDone)
			e.consume(events, sessionID, collector)
		}()
	}

	prompt := IterationPrompt(e.cfg.Task, iteration, e.cfg.Loop.MaxIterations, e.marker)
	resp, chatErr := e.cfg.Client.Chat(ctx, sessionID, prompt)
	stopStream()
	<-streamDone

	if chatErr != nil {
		if ctx.Err() != nil {
			return e.abortResult(ctx, iteration), true
		}
		// Session-level failures end the iteration, not the loop.
		e.log.Warn("chat failed", zap.Int("iteration", iteration), zap.Error(chatErr))
		e.emitError(chatErr.Error())
		return Result{}, false
	}

	collector.SetRole(resp.Info.ID, resp.Info.Role)
	for _, part := range resp.Parts {
		switch part.Type {
		case opencode.PartTypeText:
			collector.AddPart(part.MessageID, part.ID, part.Text)
			e.emitThought(part.Text)
		case opencode.PartTypeReasoning:
			e.emitThought(part.Text)
		case opencode.PartTypeTool:
			e.emitToolCall(part)
		}
	}

	if e.markerFound(collector.Text(), iteration) {
		return Result{Success: true, Iterations: iteration, Reason: ReasonCompletionMarker}, true
	}
	return Result{}, false
}

// consume relays streamed activity for the current session while chat is in
// flight: text accumulates for detection, completed tools surface as events,
// everything mirrors to the store.
func (e *blockingEngine) consume(events <-chan *opencode.SDKEventEnvelope, sessionID string, collector *Collector) {
	for ev := range events {
		if ev.Type == opencode.SDKEventServerHeartbeat || !opencode.MatchesSession(ev, sessionID) {
			continue
		}
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
			case opencode.PartTypeTool:
				e.emitToolCall(props.Part)
			}
		}
	}
}

// createSessionWithRetry creates the iteration session, retrying once after
// a short delay.
func (e *blockingEngine) createSessionWithRetry(ctx context.Context, iteration int) (string, error) {
	title := e.sessionTitle(iteration)
	id, err := e.cfg.Client.CreateSession(ctx, title)
	if err == nil {
		return id, nil
	}

	e.log.Warn("session creation failed, retrying once", zap.Error(err))
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(sessionRetryDelay):
	}
	return e.cfg.Client.CreateSession(ctx, title)
}

// abortResult classifies the loop context's end: the loop's own deadline is
// the exhausted iteration budget, anything else is an external stop.
func (e *blockingEngine) abortResult(ctx context.Context, iterations int) Result {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err := fmt.Errorf("iteration budget exhausted after %d iterations", iterations)
		e.emitError(err.Error())
		return Result{Iterations: iterations, Reason: ReasonAborted, Err: err}
	}
	return Result{Iterations: iterations, Reason: ReasonAborted, Err: ctx.Err()}
}
