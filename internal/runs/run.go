// Package runs defines the run data model: the Run, its per-provider states,
// agent events, and the repository reference grammar.
package runs

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Provider identifies a sandbox-execution backend.
type Provider string

// Known provider tags. A tag is accepted in a start request only when a
// driver is registered for it.
const (
	ProviderDocker  Provider = "docker"
	ProviderSprites Provider = "sprites"
	ProviderModal   Provider = "modal"
	ProviderDaytona Provider = "daytona"
)

// KnownProviders lists every recognized provider tag in stable order.
func KnownProviders() []Provider {
	return []Provider{ProviderDocker, ProviderSprites, ProviderModal, ProviderDaytona}
}

// ParseProvider validates a provider tag from a request.
func ParseProvider(s string) (Provider, error) {
	p := Provider(s)
	for _, known := range KnownProviders() {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown provider %q", s)
}

// Status is a per-provider run state. Transitions form a DAG:
// idle → cloning → installing → running → {completed|failed}.
// Any state may transition to failed. Paused is reserved for future
// suspension.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusCloning    Status = "cloning"
	StatusInstalling Status = "installing"
	StatusRunning    Status = "running"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// RunStatus is the aggregate status across providers.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// EventKind enumerates agent event kinds.
type EventKind string

const (
	EventStatus          EventKind = "status"
	EventCloneProgress   EventKind = "clone_progress"
	EventInstallProgress EventKind = "install_progress"
	EventOutput          EventKind = "output"
	EventError           EventKind = "error"
	EventThought         EventKind = "thought"
	EventToolCall        EventKind = "tool_call"
	EventToolResult      EventKind = "tool_result"
	EventComplete        EventKind = "complete"
	EventOpencodeReady   EventKind = "opencode_ready"
	EventRalphIteration  EventKind = "ralph_iteration"
	EventRalphComplete   EventKind = "ralph_complete"
)

// AgentEvent is one entry in a run's event history.
type AgentEvent struct {
	ID        string                 `json:"id"`
	Kind      EventKind              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Provider  Provider               `json:"provider"`
	Data      map[string]interface{} `json:"data"`
}

// NewAgentEvent stamps a fresh event with an id and timestamp.
func NewAgentEvent(kind EventKind, provider Provider, data map[string]interface{}) AgentEvent {
	return AgentEvent{
		ID:        uuid.New().String(),
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		Provider:  provider,
		Data:      data,
	}
}

// LoopConfig carries the per-run iteration settings.
type LoopConfig struct {
	MaxIterations int
	IdleTimeout   time.Duration
	UseSSE        bool
}

// ProviderRunState tracks one provider's progress through a run. It is
// written only by the goroutine that owns the provider's slot (the
// preparation pipeline, then the iteration engine, finally the coordinator
// at stop time); all access goes through the owning Run's lock.
type ProviderRunState struct {
	Provider  Provider
	SandboxID string
	Status    Status
	WorkDir   string
	AgentURL  string
	SessionID string
	// Persistence handles; zero when persistence is disabled or the insert
	// failed (best-effort).
	SandboxRowID int64
	RalphRowID   int64
	// Error holds the failure message for terminal failed states.
	Error string
}

// Run is one user-initiated orchestration spanning all requested providers.
type Run struct {
	ID        string
	Repo      RepoRef
	Branch    string
	Task      string
	Providers []Provider
	UserID    string
	Config    LoopConfig
	StartedAt time.Time

	mu      sync.RWMutex
	states  map[Provider]*ProviderRunState
	status  RunStatus
	endedAt time.Time
}

// NewRun allocates a Run with idle per-provider states.
func NewRun(repo RepoRef, branch, task string, providers []Provider, userID string, cfg LoopConfig) *Run {
	r := &Run{
		ID:        NewRunID(),
		Repo:      repo,
		Branch:    branch,
		Task:      task,
		Providers: append([]Provider(nil), providers...),
		UserID:    userID,
		Config:    cfg,
		StartedAt: time.Now().UTC(),
		states:    make(map[Provider]*ProviderRunState, len(providers)),
		status:    RunStatusRunning,
	}
	for _, p := range providers {
		r.states[p] = &ProviderRunState{Provider: p, Status: StatusIdle}
	}
	return r
}

// NewRunID generates a run identifier with a time component plus randomness.
func NewRunID() string {
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("run_%d_%s", time.Now().UnixMilli(), hex.EncodeToString(buf))
}

// UpdateProvider applies fn to the provider's state under the run lock and
// recomputes the aggregate status. It returns false when the provider is not
// part of the run.
func (r *Run) UpdateProvider(p Provider, fn func(*ProviderRunState)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.states[p]
	if !ok {
		return false
	}
	fn(state)
	r.recomputeLocked()
	return true
}

// Provider returns a copy of the provider's state.
func (r *Run) Provider(p Provider) (ProviderRunState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.states[p]
	if !ok {
		return ProviderRunState{}, false
	}
	return *state, true
}

// Status returns the aggregate run status.
func (r *Run) Status() RunStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// Terminal reports whether every provider state is final.
func (r *Run) Terminal() bool {
	return r.Status() != RunStatusRunning
}

// EndedAt returns the freeze timestamp, zero while the run is live.
func (r *Run) EndedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.endedAt
}

// recomputeLocked applies the aggregation rule: running while any provider
// is non-terminal; otherwise completed if at least one provider succeeded,
// else failed. The run is frozen (endedAt set) on the transition to a
// terminal aggregate.
func (r *Run) recomputeLocked() {
	anySuccess := false
	for _, state := range r.states {
		if !state.Status.Terminal() {
			r.status = RunStatusRunning
			return
		}
		if state.Status == StatusCompleted {
			anySuccess = true
		}
	}
	if anySuccess {
		r.status = RunStatusCompleted
	} else {
		r.status = RunStatusFailed
	}
	if r.endedAt.IsZero() {
		r.endedAt = time.Now().UTC()
	}
}

// ProviderSnapshot is a read-only copy of one provider's state.
type ProviderSnapshot struct {
	Provider   Provider `json:"provider"`
	SandboxID  string   `json:"sandboxId,omitempty"`
	Status     Status   `json:"status"`
	WorkDir    string   `json:"workDir,omitempty"`
	AgentURL   string   `json:"agentUrl,omitempty"`
	SessionID  string   `json:"sessionId,omitempty"`
	Error      string   `json:"error,omitempty"`
	EventCount int      `json:"eventCount"`
}

// Snapshot is a read-only copy of the run, shaped for API responses.
type Snapshot struct {
	ID        string             `json:"runId"`
	RepoURL   string             `json:"repoUrl"`
	Branch    string             `json:"branch"`
	Task      string             `json:"task"`
	Status    RunStatus          `json:"status"`
	StartedAt time.Time          `json:"startedAt"`
	EndedAt   *time.Time         `json:"endedAt,omitempty"`
	UserID    string             `json:"userId,omitempty"`
	Providers []ProviderSnapshot `json:"providers"`
}

// Snapshot copies the run state. Per-provider event counts are supplied by
// the caller (the event log owns them).
func (r *Run) Snapshot(eventCounts map[Provider]int) Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := Snapshot{
		ID:        r.ID,
		RepoURL:   r.Repo.CloneURL,
		Branch:    r.Branch,
		Task:      r.Task,
		Status:    r.status,
		StartedAt: r.StartedAt,
		UserID:    r.UserID,
		Providers: make([]ProviderSnapshot, 0, len(r.Providers)),
	}
	if !r.endedAt.IsZero() {
		ended := r.endedAt
		snap.EndedAt = &ended
	}
	for _, p := range r.Providers {
		state := r.states[p]
		snap.Providers = append(snap.Providers, ProviderSnapshot{
			Provider:   p,
			SandboxID:  state.SandboxID,
			Status:     state.Status,
			WorkDir:    state.WorkDir,
			AgentURL:   state.AgentURL,
			SessionID:  state.SessionID,
			Error:      state.Error,
			EventCount: eventCounts[p],
		})
	}
	return snap
}
