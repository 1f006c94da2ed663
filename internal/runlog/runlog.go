// Package runlog implements the per-run event log: an append-only history
// with fan-out to live subscribers and atomic replay-then-live handover.
package runlog

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/ralphd/ralphd/internal/common/logger"
	"github.com/ralphd/ralphd/internal/runs"
)

// Handler receives one event. Handlers run synchronously in registration
// order while the run's log is locked: enqueue and return, never call back
// into the Log.
type Handler func(ev runs.AgentEvent)

// Sink receives published events for durable storage off the publish path.
type Sink func(ctx context.Context, runID string, ev runs.AgentEvent) error

type subscriber struct {
	id int
	fn Handler
}

type runLog struct {
	mu      sync.Mutex
	events  []runs.AgentEvent
	counts  map[runs.Provider]int
	subs    []*subscriber
	nextSub int
}

type sinkEntry struct {
	runID string
	event runs.AgentEvent
}

// Log holds the event histories of all live runs.
type Log struct {
	logger *logger.Logger

	mu   sync.RWMutex
	runs map[string]*runLog

	sinkCh   chan sinkEntry
	sinkDone chan struct{}
}

const sinkBuffer = 1024

// New creates an empty log.
func New(log *logger.Logger) *Log {
	return &Log{
		logger: log.WithFields(zap.String("component", "runlog")),
		runs:   make(map[string]*runLog),
	}
}

// AttachSink starts the background worker that hands published events to the
// sink. Sink failures are logged, never surfaced to publishers; when the
// worker falls behind, events are dropped from the sink (history is
// unaffected).
func (l *Log) AttachSink(sink Sink) {
	l.sinkCh = make(chan sinkEntry, sinkBuffer)
	l.sinkDone = make(chan struct{})
	go func() {
		defer close(l.sinkDone)
		for entry := range l.sinkCh {
			if err := sink(context.Background(), entry.runID, entry.event); err != nil {
				l.logger.Warn("event sink write failed",
					zap.String("run_id", entry.runID),
					zap.String("event_id", entry.event.ID),
					zap.Error(err))
			}
		}
	}()
}

// Close stops the sink worker after draining queued events.
func (l *Log) Close() {
	if l.sinkCh != nil {
		close(l.sinkCh)
		<-l.sinkDone
	}
}

func (l *Log) get(runID string) *runLog {
	l.mu.RLock()
	rl, ok := l.runs[runID]
	l.mu.RUnlock()
	if ok {
		return rl
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if rl, ok = l.runs[runID]; ok {
		return rl
	}
	rl = &runLog{counts: make(map[runs.Provider]int)}
	l.runs[runID] = rl
	return rl
}

// Publish appends the event to the run's history and invokes every
// registered subscriber in registration order. A panicking subscriber is
// isolated; the remaining subscribers still receive the event.
func (l *Log) Publish(runID string, ev runs.AgentEvent) {
	rl := l.get(runID)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.events = append(rl.events, ev)
	rl.counts[ev.Provider]++

	if l.sinkCh != nil {
		select {
		case l.sinkCh <- sinkEntry{runID: runID, event: ev}:
		default:
			l.logger.Warn("event sink backlog full, dropping event",
				zap.String("run_id", runID),
				zap.String("event_id", ev.ID))
		}
	}

	for _, sub := range rl.subs {
		l.dispatch(runID, sub, ev)
	}
}

func (l *Log) dispatch(runID string, sub *subscriber, ev runs.AgentEvent) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("subscriber panicked",
				zap.String("run_id", runID),
				zap.Int("subscriber", sub.id),
				zap.Any("panic", r))
		}
	}()
	sub.fn(ev)
}

// Subscribe registers a live-tail handler and returns its unsubscribe
// function. No history is delivered; use SubscribeWithReplay for the
// replay-then-live handover.
func (l *Log) Subscribe(runID string, fn Handler) func() {
	rl := l.get(runID)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.addLocked(fn)
}

// SubscribeWithReplay atomically snapshots the history and registers the
// handler, so the caller can deliver the returned snapshot first and then
// the handler's live tail with no gap and no duplicate in between.
func (l *Log) SubscribeWithReplay(runID string, fn Handler) ([]runs.AgentEvent, func()) {
	rl := l.get(runID)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	history := make([]runs.AgentEvent, len(rl.events))
	copy(history, rl.events)
	return history, rl.addLocked(fn)
}

func (rl *runLog) addLocked(fn Handler) func() {
	sub := &subscriber{id: rl.nextSub, fn: fn}
	rl.nextSub++
	rl.subs = append(rl.subs, sub)

	var once sync.Once
	return func() {
		once.Do(func() {
			rl.mu.Lock()
			defer rl.mu.Unlock()
			for i, s := range rl.subs {
				if s.id == sub.id {
					rl.subs = append(rl.subs[:i], rl.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// History copies the run's full event history in publish order.
func (l *Log) History(runID string) []runs.AgentEvent {
	rl := l.get(runID)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	out := make([]runs.AgentEvent, len(rl.events))
	copy(out, rl.events)
	return out
}

// Count returns the total number of events stored for the run.
func (l *Log) Count(runID string) int {
	rl := l.get(runID)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.events)
}

// Counts returns per-provider event counts.
func (l *Log) Counts(runID string) map[runs.Provider]int {
	rl := l.get(runID)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	out := make(map[runs.Provider]int, len(rl.counts))
	for p, n := range rl.counts {
		out[p] = n
	}
	return out
}

// Subscribers returns the number of registered handlers for the run.
func (l *Log) Subscribers(runID string) int {
	l.mu.RLock()
	rl, ok := l.runs[runID]
	l.mu.RUnlock()
	if !ok {
		return 0
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.subs)
}

// Drop frees the run's history and subscriber set.
func (l *Log) Drop(runID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.runs, runID)
}
