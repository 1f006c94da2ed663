// Package persistence implements the optional write-behind store recording
// sandboxes, ralph loops, and agent events. Every operation is best-effort:
// callers log failures and keep going, and a zero row id means the earlier
// insert never landed, so dependent writes are skipped.
package persistence

import (
	"context"

	"github.com/ralphd/ralphd/internal/runs"
)

// Store records run artifacts for later inspection. Implementations must
// tolerate duplicate terminal status writes (last write wins).
type Store interface {
	// CreateSandbox records a provisioned sandbox and returns its row id.
	CreateSandbox(ctx context.Context, user, sandboxID string, provider runs.Provider, repoURL string) (int64, error)
	// AttachURL sets the agent server URL on a recorded sandbox.
	AttachURL(ctx context.Context, sandboxRowID int64, url string) error
	// CreateRalph records the start of an iteration loop against a sandbox.
	CreateRalph(ctx context.Context, user string, sandboxRowID int64, task string) (int64, error)
	// AddAgentEvent appends one event to a recorded loop.
	AddAgentEvent(ctx context.Context, ralphRowID int64, kind runs.EventKind, data map[string]interface{}) error
	// UpdateRalphStatus sets the loop status; iterations is left unchanged
	// when nil.
	UpdateRalphStatus(ctx context.Context, ralphRowID int64, status string, iterations *int) error

	Close() error
}

// Noop discards every write. It backs runs with persistence disabled.
type Noop struct{}

// NewNoop returns the discard-everything store.
func NewNoop() *Noop { return &Noop{} }

func (*Noop) CreateSandbox(context.Context, string, string, runs.Provider, string) (int64, error) {
	return 0, nil
}

func (*Noop) AttachURL(context.Context, int64, string) error { return nil }

func (*Noop) CreateRalph(context.Context, string, int64, string) (int64, error) { return 0, nil }

func (*Noop) AddAgentEvent(context.Context, int64, runs.EventKind, map[string]interface{}) error {
	return nil
}

func (*Noop) UpdateRalphStatus(context.Context, int64, string, *int) error { return nil }

func (*Noop) Close() error { return nil }
