package driver

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/ralphd/ralphd/internal/common/logger"
	"github.com/ralphd/ralphd/internal/runs"
)

// OpTimeouts bounds gateway-dispatched driver operations. Exec applies only
// when the command carries no timeout of its own.
type OpTimeouts struct {
	Create  time.Duration
	Destroy time.Duration
	Status  time.Duration
	Exec    time.Duration
	FileIO  time.Duration
}

// DefaultOpTimeouts returns the stock per-operation bounds.
func DefaultOpTimeouts() OpTimeouts {
	return OpTimeouts{
		Create:  120 * time.Second,
		Destroy: 60 * time.Second,
		Status:  15 * time.Second,
		Exec:    180 * time.Second,
		FileIO:  30 * time.Second,
	}
}

// Gateway resolves (provider, operation) to the driver configured for that
// provider and applies the per-operation timeout. It holds no other logic.
type Gateway struct {
	logger   *logger.Logger
	timeouts OpTimeouts
	drivers  map[runs.Provider]Driver
}

// NewGateway creates a gateway over the given drivers.
func NewGateway(log *logger.Logger, timeouts OpTimeouts, drivers ...Driver) *Gateway {
	g := &Gateway{
		logger:   log.WithFields(zap.String("component", "driver-gateway")),
		timeouts: timeouts,
		drivers:  make(map[runs.Provider]Driver, len(drivers)),
	}
	for _, d := range drivers {
		g.drivers[d.Provider()] = d
		g.logger.Info("driver registered", zap.String("provider", string(d.Provider())))
	}
	return g
}

// Register adds a driver after construction.
func (g *Gateway) Register(d Driver) {
	g.drivers[d.Provider()] = d
	g.logger.Info("driver registered", zap.String("provider", string(d.Provider())))
}

// Configured reports whether the provider has a driver.
func (g *Gateway) Configured(p runs.Provider) bool {
	_, ok := g.drivers[p]
	return ok
}

// ProviderInfo pairs a provider tag with its configured flag.
type ProviderInfo struct {
	Provider   runs.Provider `json:"provider"`
	Configured bool          `json:"configured"`
}

// Providers lists every known provider tag with its configured flag, in
// stable order.
func (g *Gateway) Providers() []ProviderInfo {
	out := make([]ProviderInfo, 0, len(runs.KnownProviders()))
	for _, p := range runs.KnownProviders() {
		out = append(out, ProviderInfo{Provider: p, Configured: g.Configured(p)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

func (g *Gateway) driver(p runs.Provider) (Driver, error) {
	d, ok := g.drivers[p]
	if !ok {
		return nil, &UnavailableError{Provider: p}
	}
	return d, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

// Create dispatches sandbox creation.
func (g *Gateway) Create(ctx context.Context, p runs.Provider, opts CreateOptions) (*Sandbox, error) {
	d, err := g.driver(p)
	if err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx, g.timeouts.Create)
	defer cancel()
	return d.Create(ctx, opts)
}

// Destroy dispatches sandbox teardown.
func (g *Gateway) Destroy(ctx context.Context, p runs.Provider, sandboxID string) error {
	d, err := g.driver(p)
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx, g.timeouts.Destroy)
	defer cancel()
	return d.Destroy(ctx, sandboxID)
}

// Status dispatches a sandbox state probe.
func (g *Gateway) Status(ctx context.Context, p runs.Provider, sandboxID string) (*Info, error) {
	d, err := g.driver(p)
	if err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx, g.timeouts.Status)
	defer cancel()
	return d.Status(ctx, sandboxID)
}

// Run dispatches a buffered command execution. The command's own timeout
// wins; the gateway default applies only when unset.
func (g *Gateway) Run(ctx context.Context, p runs.Provider, sandboxID string, cmd Command) (*ExecResult, error) {
	d, err := g.driver(p)
	if err != nil {
		return nil, err
	}
	if cmd.Timeout == 0 {
		cmd.Timeout = g.timeouts.Exec
	}
	return d.Run(ctx, sandboxID, cmd)
}

// Stream dispatches a streaming command execution.
func (g *Gateway) Stream(ctx context.Context, p runs.Provider, sandboxID string, cmd Command, onOutput OutputFunc) (int, error) {
	d, err := g.driver(p)
	if err != nil {
		return -1, err
	}
	if cmd.Timeout == 0 {
		cmd.Timeout = g.timeouts.Exec
	}
	return d.Stream(ctx, sandboxID, cmd, onOutput)
}

// ReadFile dispatches a file read.
func (g *Gateway) ReadFile(ctx context.Context, p runs.Provider, sandboxID, path string) ([]byte, error) {
	d, err := g.driver(p)
	if err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx, g.timeouts.FileIO)
	defer cancel()
	return d.ReadFile(ctx, sandboxID, path)
}

// WriteFile dispatches a file write.
func (g *Gateway) WriteFile(ctx context.Context, p runs.Provider, sandboxID, path string, data []byte) error {
	d, err := g.driver(p)
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx, g.timeouts.FileIO)
	defer cancel()
	return d.WriteFile(ctx, sandboxID, path, data)
}

// ListDir dispatches a directory listing.
func (g *Gateway) ListDir(ctx context.Context, p runs.Provider, sandboxID, path string) ([]Entry, error) {
	d, err := g.driver(p)
	if err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx, g.timeouts.FileIO)
	defer cancel()
	return d.ListDir(ctx, sandboxID, path)
}

// Mkdir dispatches a directory creation.
func (g *Gateway) Mkdir(ctx context.Context, p runs.Provider, sandboxID, path string) error {
	d, err := g.driver(p)
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx, g.timeouts.FileIO)
	defer cancel()
	return d.Mkdir(ctx, sandboxID, path)
}

// Rm dispatches a recursive removal.
func (g *Gateway) Rm(ctx context.Context, p runs.Provider, sandboxID, path string) error {
	d, err := g.driver(p)
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx, g.timeouts.FileIO)
	defer cancel()
	return d.Rm(ctx, sandboxID, path)
}

// ProcessUrls dispatches the port-to-URL mapping.
func (g *Gateway) ProcessUrls(ctx context.Context, p runs.Provider, sandboxID string, port int) ([]string, error) {
	d, err := g.driver(p)
	if err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx, g.timeouts.Status)
	defer cancel()
	return d.ProcessUrls(ctx, sandboxID, port)
}

// RunCode dispatches a code snippet execution.
func (g *Gateway) RunCode(ctx context.Context, p runs.Provider, sandboxID, language, code string) (*ExecResult, error) {
	d, err := g.driver(p)
	if err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx, g.timeouts.Exec)
	defer cancel()
	return d.RunCode(ctx, sandboxID, language, code)
}

// Close closes every registered driver.
func (g *Gateway) Close() error {
	var firstErr error
	for p, d := range g.drivers {
		if err := d.Close(); err != nil {
			g.logger.Warn("driver close failed", zap.String("provider", string(p)), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
