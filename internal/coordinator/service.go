// Package coordinator owns run lifecycle: it validates start requests,
// registers runs, fans preparation pipelines out across providers, hands
// prepared sandboxes to the iteration engine, answers queries and stream
// subscriptions, and tears sandboxes down on stop or shutdown. One Service
// instance serves the whole process; a janitor frees terminal runs once they
// have no subscribers and their retention window has passed.
package coordinator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ralphd/ralphd/internal/common/config"
	apperrors "github.com/ralphd/ralphd/internal/common/errors"
	"github.com/ralphd/ralphd/internal/common/logger"
	"github.com/ralphd/ralphd/internal/events"
	"github.com/ralphd/ralphd/internal/events/bus"
	"github.com/ralphd/ralphd/internal/persistence"
	"github.com/ralphd/ralphd/internal/pipeline"
	"github.com/ralphd/ralphd/internal/runlog"
	"github.com/ralphd/ralphd/internal/runs"
	"github.com/ralphd/ralphd/internal/sandbox/driver"
	"github.com/ralphd/ralphd/internal/tracing"
)

// Common errors
var (
	ErrServiceAlreadyRunning = errors.New("service is already running")
	ErrServiceNotRunning     = errors.New("service is not running")
)

// busSource tags events the coordinator publishes on the notification bus.
const busSource = "coordinator"

// Deps are the process-wide collaborators the coordinator runs over.
type Deps struct {
	Config   *config.Config
	Gateway  *driver.Gateway
	Pipeline *pipeline.Pipeline
	Events   *runlog.Log
	Store    persistence.Store
	Bus      bus.EventBus
	Logger   *logger.Logger
}

// Service is the run coordinator. It owns the runs registry; every mutation
// of a run's per-provider state happens either in the provider's own
// goroutine (preparation, iteration) or under the stop path's exactly-once
// teardown.
type Service struct {
	deps   Deps
	log    *logger.Logger
	tracer trace.Tracer

	// prepSem bounds concurrent sandbox preparations across all runs.
	// nil means unbounded.
	prepSem *semaphore.Weighted

	mu   sync.RWMutex
	runs map[string]*runState

	runMu       sync.Mutex
	running     bool
	janitorStop chan struct{}
	janitorDone chan struct{}
}

// runState pairs a run with its cancellation scope and teardown bookkeeping.
type runState struct {
	run *runs.Run

	// ctx is the run-lifetime context. Cancelling it aborts queued
	// preparations and running iteration loops.
	ctx    context.Context
	cancel context.CancelFunc

	// wg counts the per-provider goroutines.
	wg sync.WaitGroup

	// stopRequested suppresses the natural run.completed notification once
	// a stop is underway; the stop path reports run.stopped instead.
	stopRequested atomic.Bool

	// stopOnce guards the stop sequence, destroyOnce the sandbox destroy
	// fan-out. They are separate because the janitor destroys sandboxes of
	// naturally finished runs without walking the stop sequence.
	stopOnce       sync.Once
	destroyOnce    sync.Once
	destroyResults []ProviderStopResult

	finishOnce sync.Once
}

// NewService creates the coordinator and attaches its persistence sink to the
// event log, so every published run event is mirrored to the store once the
// owning provider has a ralph row.
func NewService(deps Deps) *Service {
	if deps.Store == nil {
		deps.Store = persistence.NewNoop()
	}
	s := &Service{
		deps:   deps,
		log:    deps.Logger.WithFields(zap.String("component", "coordinator")),
		tracer: tracing.Tracer("coordinator"),
		runs:   make(map[string]*runState),
	}
	if n := deps.Config.Pipeline.MaxConcurrentPreps; n > 0 {
		s.prepSem = semaphore.NewWeighted(int64(n))
	}
	deps.Events.AttachSink(s.persistEvent)
	return s
}

// Start launches the terminal-run janitor.
func (s *Service) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return ErrServiceAlreadyRunning
	}
	s.running = true
	s.janitorStop = make(chan struct{})
	s.janitorDone = make(chan struct{})
	go s.janitor()

	s.log.Info("coordinator started",
		zap.Int("max_concurrent_preps", s.deps.Config.Pipeline.MaxConcurrentPreps),
		zap.Duration("retain_terminal_for", s.deps.Config.Runs.RetainTerminalDuration()))
	return nil
}

// Stop shuts the coordinator down: every non-terminal run is stopped as if
// by StopRun, terminal runs get their sandboxes destroyed, and the janitor
// exits. The event log itself stays open; its owner closes it.
func (s *Service) Stop(ctx context.Context) error {
	s.runMu.Lock()
	if !s.running {
		s.runMu.Unlock()
		return ErrServiceNotRunning
	}
	s.running = false
	close(s.janitorStop)
	s.runMu.Unlock()

	s.publishBus(events.Shutdown, "", map[string]interface{}{})

	s.mu.RLock()
	states := make([]*runState, 0, len(s.runs))
	for _, rs := range s.runs {
		states = append(states, rs)
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, rs := range states {
		rs := rs
		wg.Add(1)
		go func() {
			defer wg.Done()
			if rs.run.Terminal() {
				s.destroySandboxes(rs)
				return
			}
			s.stop(rs)
		}()
	}
	wg.Wait()

	<-s.janitorDone
	s.log.Info("coordinator stopped", zap.Int("runs", len(states)))
	return nil
}

// GetRun returns a snapshot of one run.
func (s *Service) GetRun(runID string) (*runs.Snapshot, error) {
	rs, ok := s.lookup(runID)
	if !ok {
		return nil, apperrors.NotFound("run", runID)
	}
	snap := rs.run.Snapshot(s.deps.Events.Counts(runID))
	return &snap, nil
}

// ListRuns returns snapshots of every registered run, newest first.
func (s *Service) ListRuns() []runs.Snapshot {
	s.mu.RLock()
	states := make([]*runState, 0, len(s.runs))
	for _, rs := range s.runs {
		states = append(states, rs)
	}
	s.mu.RUnlock()

	snaps := make([]runs.Snapshot, 0, len(states))
	for _, rs := range states {
		snaps = append(snaps, rs.run.Snapshot(s.deps.Events.Counts(rs.run.ID)))
	}
	sort.Slice(snaps, func(i, j int) bool {
		if !snaps[i].StartedAt.Equal(snaps[j].StartedAt) {
			return snaps[i].StartedAt.After(snaps[j].StartedAt)
		}
		return snaps[i].ID > snaps[j].ID
	})
	return snaps
}

// StreamRun subscribes fn to the run's event log and returns the history
// snapshot taken at subscription time. Deliver the history first, then the
// live tail; the returned cancel detaches the subscriber.
func (s *Service) StreamRun(runID string, fn runlog.Handler) ([]runs.AgentEvent, func(), error) {
	if _, ok := s.lookup(runID); !ok {
		return nil, nil, apperrors.NotFound("run", runID)
	}
	history, cancel := s.deps.Events.SubscribeWithReplay(runID, fn)
	return history, cancel, nil
}

// Providers lists every known provider with its configured flag.
func (s *Service) Providers() []driver.ProviderInfo {
	return s.deps.Gateway.Providers()
}

func (s *Service) lookup(runID string) (*runState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rs, ok := s.runs[runID]
	return rs, ok
}

// janitor frees terminal runs once they are subscriber-free and past the
// retention window. Freeing destroys any sandboxes a natural completion left
// behind, then drops the run's registry entry and event history.
func (s *Service) janitor() {
	defer close(s.janitorDone)

	interval := s.deps.Config.Runs.CleanupIntervalDuration()
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.janitorStop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Service) sweep() {
	retain := s.deps.Config.Runs.RetainTerminalDuration()
	now := time.Now().UTC()

	s.mu.RLock()
	candidates := make([]*runState, 0)
	for _, rs := range s.runs {
		candidates = append(candidates, rs)
	}
	s.mu.RUnlock()

	for _, rs := range candidates {
		ended := rs.run.EndedAt()
		if ended.IsZero() || now.Sub(ended) < retain {
			continue
		}
		if s.deps.Events.Subscribers(rs.run.ID) > 0 {
			continue
		}
		s.free(rs)
	}
}

// free destroys a run's remaining sandboxes and forgets it.
func (s *Service) free(rs *runState) {
	s.destroySandboxes(rs)

	s.mu.Lock()
	delete(s.runs, rs.run.ID)
	s.mu.Unlock()
	s.deps.Events.Drop(rs.run.ID)

	s.log.Info("terminal run freed",
		zap.String("run_id", rs.run.ID),
		zap.Time("ended_at", rs.run.EndedAt()))
}

// persistEvent is the runlog sink: it mirrors published run events into the
// store under the owning provider's ralph row. Events published before the
// row exists (preparation progress) are skipped, as is everything once the
// run has been freed.
func (s *Service) persistEvent(ctx context.Context, runID string, ev runs.AgentEvent) error {
	rs, ok := s.lookup(runID)
	if !ok {
		return nil
	}
	state, ok := rs.run.Provider(ev.Provider)
	if !ok || state.RalphRowID == 0 {
		return nil
	}
	return s.deps.Store.AddAgentEvent(ctx, state.RalphRowID, ev.Kind, ev.Data)
}

// publishBus sends a lifecycle notification. runID may be empty for
// process-scope subjects. Bus failures are logged and swallowed; the bus is
// an outbound mirror, never a dependency of the run itself.
func (s *Service) publishBus(eventType, runID string, data map[string]interface{}) {
	if s.deps.Bus == nil {
		return
	}
	subject := eventType
	if runID != "" {
		subject = events.BuildRunSubject(eventType, runID)
	}
	ev := bus.NewEvent(eventType, busSource, data)
	if err := s.deps.Bus.Publish(context.Background(), subject, ev); err != nil {
		s.log.Warn("bus publish failed",
			zap.String("subject", subject),
			zap.Error(err))
	}
}
