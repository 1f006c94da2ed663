package coordinator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	apperrors "github.com/ralphd/ralphd/internal/common/errors"
	"github.com/ralphd/ralphd/internal/common/stringutil"
	"github.com/ralphd/ralphd/internal/events"
	"github.com/ralphd/ralphd/internal/pipeline"
	"github.com/ralphd/ralphd/internal/ralph"
	"github.com/ralphd/ralphd/internal/runs"
	"github.com/ralphd/ralphd/pkg/opencode"
)

// defaultBranch is checked out when the start request names none.
const defaultBranch = "main"

// LoopOverrides carries the optional per-run loop settings from a start
// request. Zero values keep the configured defaults; UseSSE is a pointer so
// an explicit false can override a true default.
type LoopOverrides struct {
	MaxIterations int
	IdleTimeoutMs int
	UseSSE        *bool
}

// StartParams is a validated-on-entry start request.
type StartParams struct {
	RepoURL   string
	Branch    string
	Task      string
	Providers []string
	UserID    string
	Loop      LoopOverrides
}

// ProviderStart reports one provider's preparation outcome. Success means
// the sandbox is prepared and its iteration loop is running; the loop's own
// outcome arrives later through the event stream.
type ProviderStart struct {
	Provider  runs.Provider `json:"provider"`
	SandboxID string        `json:"sandboxId,omitempty"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
}

// StartResult is the synchronous part of a run: the id plus per-provider
// preparation outcomes, in request order.
type StartResult struct {
	RunID     string          `json:"runId"`
	Providers []ProviderStart `json:"providers"`
}

// StartRun validates the request, registers the run, and launches one
// preparation pipeline per provider. It returns once every preparation has
// settled; iteration loops continue in the background under the run's own
// context.
func (s *Service) StartRun(ctx context.Context, params StartParams) (*StartResult, error) {
	s.runMu.Lock()
	running := s.running
	s.runMu.Unlock()
	if !running {
		return nil, apperrors.Conflict("coordinator is not running")
	}

	if strings.TrimSpace(params.Task) == "" {
		return nil, apperrors.ValidationError("task", "task must not be empty")
	}
	repo, err := runs.ParseRepoURL(params.RepoURL)
	if err != nil {
		return nil, apperrors.ValidationError("repoUrl", err.Error())
	}
	branch := strings.TrimSpace(params.Branch)
	if branch == "" {
		branch = defaultBranch
	}
	providers, err := s.resolveProviders(params.Providers)
	if err != nil {
		return nil, err
	}
	loopCfg, err := s.loopConfig(params.Loop)
	if err != nil {
		return nil, err
	}

	run := runs.NewRun(repo, branch, params.Task, providers, params.UserID, loopCfg)

	// The span covers the synchronous phase: registration through the last
	// preparation settling.
	_, span := s.tracer.Start(ctx, "coordinator.start_run", trace.WithAttributes(
		attribute.String("run.id", run.ID),
		attribute.String("repo", repo.Slug()),
		attribute.Int("providers", len(providers)),
	))
	defer span.End()

	runCtx, cancel := context.WithCancel(context.Background())
	rs := &runState{run: run, ctx: runCtx, cancel: cancel}
	s.mu.Lock()
	s.runs[run.ID] = rs
	s.mu.Unlock()

	s.log.Info("run starting",
		zap.String("run_id", run.ID),
		zap.String("repo", repo.Slug()),
		zap.String("branch", branch),
		zap.String("task", stringutil.TruncateWithEllipsis(run.Task, 120)),
		zap.Int("providers", len(providers)),
		zap.Int("max_iterations", loopCfg.MaxIterations),
		zap.Bool("use_sse", loopCfg.UseSSE))

	s.publishBus(events.RunCreated, run.ID, map[string]interface{}{
		"runId":     run.ID,
		"repoUrl":   repo.CloneURL,
		"branch":    branch,
		"task":      run.Task,
		"providers": providerNames(providers),
	})

	prepped := make(chan ProviderStart, len(providers))
	for _, p := range providers {
		rs.wg.Add(1)
		go s.runProvider(rs, p, prepped)
	}

	byProvider := make(map[runs.Provider]ProviderStart, len(providers))
	for range providers {
		ps := <-prepped
		byProvider[ps.Provider] = ps
	}

	result := &StartResult{RunID: run.ID, Providers: make([]ProviderStart, 0, len(providers))}
	for _, p := range providers {
		result.Providers = append(result.Providers, byProvider[p])
	}
	return result, nil
}

// resolveProviders parses and deduplicates the requested provider tags and
// rejects any without a registered driver.
func (s *Service) resolveProviders(requested []string) ([]runs.Provider, error) {
	if len(requested) == 0 {
		return nil, apperrors.ValidationError("providers", "at least one provider is required")
	}
	providers := make([]runs.Provider, 0, len(requested))
	seen := make(map[runs.Provider]bool, len(requested))
	for _, raw := range requested {
		p, err := runs.ParseProvider(strings.TrimSpace(raw))
		if err != nil {
			return nil, apperrors.ValidationError("providers", err.Error())
		}
		if seen[p] {
			return nil, apperrors.ValidationError("providers", fmt.Sprintf("provider %s requested twice", p))
		}
		seen[p] = true
		if !s.deps.Gateway.Configured(p) {
			return nil, apperrors.ValidationError("providers", fmt.Sprintf("provider %s has no configured driver", p))
		}
		providers = append(providers, p)
	}
	return providers, nil
}

// loopConfig resolves the run's loop settings from the configured defaults
// and the request overrides.
func (s *Service) loopConfig(o LoopOverrides) (runs.LoopConfig, error) {
	cfg := runs.LoopConfig{
		MaxIterations: s.deps.Config.Ralph.MaxIterations,
		IdleTimeout:   s.deps.Config.Ralph.IdleTimeout(),
		UseSSE:        s.deps.Config.Ralph.UseSSE,
	}
	if o.MaxIterations < 0 {
		return cfg, apperrors.ValidationError("config.maxIterations", "must not be negative")
	}
	if o.MaxIterations > 0 {
		cfg.MaxIterations = o.MaxIterations
	}
	if o.IdleTimeoutMs < 0 {
		return cfg, apperrors.ValidationError("config.idleTimeoutMs", "must not be negative")
	}
	if o.IdleTimeoutMs > 0 {
		cfg.IdleTimeout = time.Duration(o.IdleTimeoutMs) * time.Millisecond
	}
	if o.UseSSE != nil {
		cfg.UseSSE = *o.UseSSE
	}
	return cfg, nil
}

// runProvider owns one provider's slot for the whole run: preparation, then
// the iteration loop. It reports the preparation outcome on prepped exactly
// once and keeps going on its own afterwards.
func (s *Service) runProvider(rs *runState, p runs.Provider, prepped chan<- ProviderStart) {
	defer rs.wg.Done()
	defer s.maybeFinishRun(rs)

	prep, err := s.prepare(rs, p)
	if err != nil {
		prepped <- ProviderStart{Provider: p, Error: err.Error()}
		// The pipeline already recorded the error; close the provider's
		// history with its terminal status frame.
		s.deps.Events.Publish(rs.run.ID, runs.NewAgentEvent(runs.EventStatus, p, map[string]interface{}{
			"status": string(runs.StatusFailed),
			"final":  true,
		}))
		s.publishBus(events.ProviderFailed, rs.run.ID, map[string]interface{}{
			"runId":    rs.run.ID,
			"provider": string(p),
			"error":    err.Error(),
		})
		return
	}
	prepped <- ProviderStart{Provider: p, SandboxID: prep.SandboxID, Success: true}

	s.publishBus(events.SandboxCreated, rs.run.ID, map[string]interface{}{
		"runId":     rs.run.ID,
		"provider":  string(p),
		"sandboxId": prep.SandboxID,
	})
	s.publishBus(events.ProviderPrepared, rs.run.ID, map[string]interface{}{
		"runId":     rs.run.ID,
		"provider":  string(p),
		"sandboxId": prep.SandboxID,
		"agentUrl":  prep.AgentURL,
	})

	s.iterate(rs, p, prep)
}

// prepare runs the preparation pipeline under the global semaphore. The
// pipeline marks the provider failed on its own errors; the queued-then-
// cancelled case is marked here because the pipeline never ran.
func (s *Service) prepare(rs *runState, p runs.Provider) (*pipeline.Result, error) {
	if s.prepSem != nil {
		if err := s.prepSem.Acquire(rs.ctx, 1); err != nil {
			werr := fmt.Errorf("preparation cancelled while queued: %w", err)
			rs.run.UpdateProvider(p, func(st *runs.ProviderRunState) {
				st.Status = runs.StatusFailed
				st.Error = werr.Error()
			})
			return nil, werr
		}
		defer s.prepSem.Release(1)
	}

	return s.deps.Pipeline.Run(rs.ctx, pipeline.Params{
		Run:           rs.run,
		Provider:      p,
		AgentPort:     s.deps.Config.Pipeline.AgentPort,
		WorkspaceRoot: s.deps.Config.Pipeline.WorkspaceRoot,
		OnStatus: func(st runs.Status) {
			s.publishBus(events.ProviderStatusChanged, rs.run.ID, map[string]interface{}{
				"runId":    rs.run.ID,
				"provider": string(p),
				"status":   string(st),
			})
		},
	})
}

// iterate drives the iteration engine against the prepared sandbox and
// records the loop's terminal outcome. Aborted loops record nothing: the
// stop path owns that bookkeeping.
func (s *Service) iterate(rs *runState, p runs.Provider, prep *pipeline.Result) {
	log := s.log.WithRunID(rs.run.ID).WithProvider(string(p))

	if prep.AgentURL == "" {
		s.failProvider(rs, p, "agent server unreachable: no agent URL resolved")
		return
	}

	ralphRowID := s.createRalph(rs, p)

	client := opencode.NewClient(prep.AgentURL, prep.WorkDir, prep.Password, s.deps.Logger)
	defer client.Close()

	engine := ralph.New(ralph.Config{
		RunID:      rs.run.ID,
		Provider:   p,
		WorkDir:    prep.WorkDir,
		Task:       rs.run.Task,
		Loop:       rs.run.Config,
		Client:     client,
		Events:     s.deps.Events,
		Store:      s.deps.Store,
		RalphRowID: ralphRowID,
		Logger:     s.deps.Logger,
		OnSession: func(sessionID string) {
			rs.run.UpdateProvider(p, func(st *runs.ProviderRunState) {
				st.SessionID = sessionID
			})
		},
	})

	res := engine.Run(rs.ctx)
	if res.Reason == ralph.ReasonAborted {
		log.Info("iteration loop aborted", zap.Int("iterations", res.Iterations))
		return
	}

	status := runs.StatusFailed
	if res.Success {
		status = runs.StatusCompleted
	}
	errMsg := ""
	if res.Err != nil {
		errMsg = res.Err.Error()
	}
	rs.run.UpdateProvider(p, func(st *runs.ProviderRunState) {
		st.Status = status
		st.Error = errMsg
	})
	s.deps.Events.Publish(rs.run.ID, runs.NewAgentEvent(runs.EventStatus, p, map[string]interface{}{
		"status": string(status),
		"final":  true,
	}))
	s.publishBus(events.ProviderStatusChanged, rs.run.ID, map[string]interface{}{
		"runId":    rs.run.ID,
		"provider": string(p),
		"status":   string(status),
	})
	if status == runs.StatusFailed {
		s.publishBus(events.ProviderFailed, rs.run.ID, map[string]interface{}{
			"runId":    rs.run.ID,
			"provider": string(p),
			"error":    errMsg,
		})
	}

	log.Info("provider finished",
		zap.String("status", string(status)),
		zap.Int("iterations", res.Iterations),
		zap.String("reason", string(res.Reason)))
}

// failProvider marks the provider failed and publishes the error plus the
// terminal status into the run history.
func (s *Service) failProvider(rs *runState, p runs.Provider, msg string) {
	rs.run.UpdateProvider(p, func(st *runs.ProviderRunState) {
		st.Status = runs.StatusFailed
		st.Error = msg
	})
	s.deps.Events.Publish(rs.run.ID, runs.NewAgentEvent(runs.EventError, p, map[string]interface{}{
		"error": msg,
	}))
	s.deps.Events.Publish(rs.run.ID, runs.NewAgentEvent(runs.EventStatus, p, map[string]interface{}{
		"status": string(runs.StatusFailed),
		"final":  true,
	}))
	s.publishBus(events.ProviderFailed, rs.run.ID, map[string]interface{}{
		"runId":    rs.run.ID,
		"provider": string(p),
		"error":    msg,
	})
}

// createRalph inserts the persistence row the iteration loop mirrors into.
// Zero means no row: persistence disabled, the sandbox insert failed, or
// this insert failed. All of those only cost us history, never the run.
func (s *Service) createRalph(rs *runState, p runs.Provider) int64 {
	state, ok := rs.run.Provider(p)
	if !ok || state.SandboxRowID == 0 {
		return 0
	}
	id, err := s.deps.Store.CreateRalph(context.Background(), rs.run.UserID, state.SandboxRowID, rs.run.Task)
	if err != nil {
		s.log.Warn("ralph row insert failed",
			zap.String("run_id", rs.run.ID),
			zap.String("provider", string(p)),
			zap.Error(err))
		return 0
	}
	rs.run.UpdateProvider(p, func(st *runs.ProviderRunState) {
		st.RalphRowID = id
	})
	return id
}

// maybeFinishRun publishes the run.completed notification once every
// provider is terminal. Stopped runs report run.stopped from the stop path
// instead.
func (s *Service) maybeFinishRun(rs *runState) {
	if rs.stopRequested.Load() || !rs.run.Terminal() {
		return
	}
	rs.finishOnce.Do(func() {
		status := rs.run.Status()
		s.log.Info("run finished",
			zap.String("run_id", rs.run.ID),
			zap.String("status", string(status)))
		s.publishBus(events.RunCompleted, rs.run.ID, map[string]interface{}{
			"runId":  rs.run.ID,
			"status": string(status),
		})
	})
}

func providerNames(providers []runs.Provider) []string {
	names := make([]string, 0, len(providers))
	for _, p := range providers {
		names = append(names, string(p))
	}
	return names
}
