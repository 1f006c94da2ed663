// Package driver defines the sandbox capability surface shared by all
// providers and the gateway that resolves a provider tag to its configured
// driver.
package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ralphd/ralphd/internal/runs"
)

// CreateOptions parameterizes sandbox creation.
type CreateOptions struct {
	Name  string
	Image string
	RunID string
	Env   map[string]string
	// Ports the sandbox should expose (the agent server port).
	Ports []int
}

// Sandbox identifies a created sandbox.
type Sandbox struct {
	ID       string
	Provider runs.Provider
	Name     string
}

// Info describes a sandbox's current state.
type Info struct {
	ID        string
	Name      string
	State     string
	CreatedAt time.Time
}

// Command is one command execution inside a sandbox. Cmd is an argv vector;
// callers needing shell semantics wrap with ["sh", "-lc", script].
type Command struct {
	Cmd     []string
	WorkDir string
	Env     []string
	Timeout time.Duration
}

// ExecResult is the outcome of a buffered command execution.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// OutputFunc receives incremental command output. stream is "stdout" or
// "stderr".
type OutputFunc func(stream string, chunk []byte)

// Entry is one directory listing entry.
type Entry struct {
	Name string
	Dir  bool
}

// Driver is the per-provider sandbox capability set. Optional capabilities
// (ProcessUrls, RunCode) return an UnsupportedError when the provider cannot
// serve them.
type Driver interface {
	Provider() runs.Provider

	Create(ctx context.Context, opts CreateOptions) (*Sandbox, error)
	Destroy(ctx context.Context, sandboxID string) error
	Status(ctx context.Context, sandboxID string) (*Info, error)

	Run(ctx context.Context, sandboxID string, cmd Command) (*ExecResult, error)
	Stream(ctx context.Context, sandboxID string, cmd Command, onOutput OutputFunc) (int, error)

	ReadFile(ctx context.Context, sandboxID, path string) ([]byte, error)
	WriteFile(ctx context.Context, sandboxID, path string, data []byte) error
	ListDir(ctx context.Context, sandboxID, path string) ([]Entry, error)
	Mkdir(ctx context.Context, sandboxID, path string) error
	Rm(ctx context.Context, sandboxID, path string) error

	// ProcessUrls maps a sandbox port to the URLs it is reachable on.
	ProcessUrls(ctx context.Context, sandboxID string, port int) ([]string, error)
	// RunCode executes a source snippet in the named language runtime.
	RunCode(ctx context.Context, sandboxID, language, code string) (*ExecResult, error)

	Close() error
}

// UnsupportedError marks a capability the provider cannot serve.
type UnsupportedError struct {
	Provider   runs.Provider
	Capability string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("provider %s does not support %s", e.Provider, e.Capability)
}

// IsUnsupported reports whether err is a capability error.
func IsUnsupported(err error) bool {
	var u *UnsupportedError
	return errors.As(err, &u)
}

// UnavailableError marks a provider tag with no configured driver.
type UnavailableError struct {
	Provider runs.Provider
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("no driver configured for provider %s", e.Provider)
}

// IsUnavailable reports whether err is a missing-driver error.
func IsUnavailable(err error) bool {
	var u *UnavailableError
	return errors.As(err, &u)
}
