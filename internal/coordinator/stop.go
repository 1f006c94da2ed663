package coordinator

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/ralphd/ralphd/internal/common/errors"
	"github.com/ralphd/ralphd/internal/events"
	"github.com/ralphd/ralphd/internal/runs"
)

// stoppedMessage is recorded on providers whose loops a stop cut short.
const stoppedMessage = "run stopped"

// ProviderStopResult reports one provider's teardown outcome.
type ProviderStopResult struct {
	Provider  runs.Provider `json:"provider"`
	SandboxID string        `json:"sandboxId,omitempty"`
	Destroyed bool          `json:"destroyed"`
	Error     string        `json:"error,omitempty"`
}

// StopResult is the outcome of a stop request. Success means every sandbox
// that existed was destroyed.
type StopResult struct {
	RunID     string               `json:"runId"`
	Success   bool                 `json:"success"`
	Providers []ProviderStopResult `json:"providers"`
}

// StopRun aborts the run's iteration loops, waits for them to settle,
// destroys every sandbox, and marks all remaining providers terminal. The
// teardown runs exactly once; repeated stops return the recorded outcome.
// The run stays queryable and streamable (replay only) until the janitor
// frees it.
func (s *Service) StopRun(ctx context.Context, runID string) (*StopResult, error) {
	rs, ok := s.lookup(runID)
	if !ok {
		return nil, apperrors.NotFound("run", runID)
	}
	s.stop(rs)

	result := &StopResult{RunID: runID, Success: true, Providers: rs.destroyResults}
	for _, pr := range result.Providers {
		if pr.SandboxID != "" && !pr.Destroyed {
			result.Success = false
		}
	}
	return result, nil
}

// stop runs the teardown sequence exactly once: cancel, settle, destroy,
// mark, announce.
func (s *Service) stop(rs *runState) {
	rs.stopOnce.Do(func() {
		log := s.log.WithRunID(rs.run.ID)
		log.Info("stopping run")

		rs.stopRequested.Store(true)
		rs.cancel()
		rs.wg.Wait()

		s.destroySandboxes(rs)
		s.markStopped(rs)

		s.publishBus(events.RunStopped, rs.run.ID, map[string]interface{}{
			"runId":  rs.run.ID,
			"status": string(rs.run.Status()),
		})
		log.Info("run stopped", zap.String("status", string(rs.run.Status())))
	})
}

// destroySandboxes tears down every sandbox the run created, in parallel,
// exactly once across stop, shutdown, and janitor paths. Destroy uses a
// background context: a caller disconnecting must not leave containers
// behind.
func (s *Service) destroySandboxes(rs *runState) {
	rs.destroyOnce.Do(func() {
		providers := rs.run.Providers
		results := make([]ProviderStopResult, len(providers))

		var g errgroup.Group
		for i, p := range providers {
			i, p := i, p
			state, _ := rs.run.Provider(p)
			results[i] = ProviderStopResult{Provider: p, SandboxID: state.SandboxID}
			if state.SandboxID == "" {
				continue
			}
			g.Go(func() error {
				if err := s.deps.Gateway.Destroy(context.Background(), p, state.SandboxID); err != nil {
					s.log.Warn("sandbox destroy failed",
						zap.String("run_id", rs.run.ID),
						zap.String("provider", string(p)),
						zap.String("sandbox_id", state.SandboxID),
						zap.Error(err))
					results[i].Error = err.Error()
					return nil
				}
				results[i].Destroyed = true
				s.publishBus(events.SandboxDestroyed, rs.run.ID, map[string]interface{}{
					"runId":     rs.run.ID,
					"provider":  string(p),
					"sandboxId": state.SandboxID,
				})
				return nil
			})
		}
		_ = g.Wait()
		rs.destroyResults = results
	})
}

// markStopped forces every non-terminal provider to failed with the stop
// message, mirrors that to the store, and publishes the final status event
// each provider is guaranteed to end its history with.
func (s *Service) markStopped(rs *runState) {
	for _, p := range rs.run.Providers {
		stopped := false
		rs.run.UpdateProvider(p, func(st *runs.ProviderRunState) {
			if st.Status.Terminal() {
				return
			}
			st.Status = runs.StatusFailed
			st.Error = stoppedMessage
			stopped = true
		})

		state, _ := rs.run.Provider(p)
		s.deps.Events.Publish(rs.run.ID, runs.NewAgentEvent(runs.EventStatus, p, map[string]interface{}{
			"status": string(state.Status),
			"final":  true,
		}))

		if stopped && state.RalphRowID != 0 {
			if err := s.deps.Store.UpdateRalphStatus(context.Background(), state.RalphRowID, "stopped", nil); err != nil {
				s.log.Warn("ralph stop status update failed",
					zap.String("run_id", rs.run.ID),
					zap.String("provider", string(p)),
					zap.Error(err))
			}
		}
	}
}
