// Package sprites implements the sandbox driver on Sprites.dev remote
// sandboxes. Sprites are created lazily on first command; the agent port is
// reached through a forwarded local port.
package sprites

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"os/exec"
	"strings"
	"sync"
	"time"

	sprites "github.com/superfly/sprites-go"
	"go.uber.org/zap"

	"github.com/ralphd/ralphd/internal/common/config"
	"github.com/ralphd/ralphd/internal/common/logger"
	"github.com/ralphd/ralphd/internal/runs"
	"github.com/ralphd/ralphd/internal/sandbox/driver"
)

const (
	createProbeTimeout = 120 * time.Second
	listTimeout        = 30 * time.Second
)

type proxyEntry struct {
	localPort int
	session   *sprites.ProxySession
}

// Driver runs sandboxes as Sprites.dev instances.
type Driver struct {
	client *sprites.Client
	logger *logger.Logger
	config config.SpritesConfig

	mu      sync.Mutex
	env     map[string][]string   // per-sandbox env from create options
	proxies map[string]proxyEntry // sandboxID:port -> forwarding session
}

// New creates a Sprites driver. The API token must be configured.
func New(cfg config.SpritesConfig, log *logger.Logger) (*Driver, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("sprites API token not configured")
	}
	return &Driver{
		client:  sprites.New(cfg.Token),
		logger:  log.WithFields(zap.String("component", "sprites-driver")),
		config:  cfg,
		env:     make(map[string][]string),
		proxies: make(map[string]proxyEntry),
	}, nil
}

// Provider returns the sprites tag.
func (d *Driver) Provider() runs.Provider { return runs.ProviderSprites }

// Create materializes the sprite by running a probe command; the platform
// provisions the instance on first use.
func (d *Driver) Create(ctx context.Context, opts driver.CreateOptions) (*driver.Sandbox, error) {
	name := opts.Name
	d.logger.Info("creating sprite", zap.String("sprite_name", name))

	sprite := d.client.Sprite(name)

	probeCtx, cancel := context.WithTimeout(ctx, createProbeTimeout)
	defer cancel()
	out, err := sprite.CommandContext(probeCtx, "echo", "ralphd-ready").Output()
	if err != nil {
		return nil, fmt.Errorf("failed to create sprite %q: %w", name, err)
	}
	if !strings.Contains(string(out), "ralphd-ready") {
		return nil, fmt.Errorf("unexpected sprite output: %s", string(out))
	}

	d.mu.Lock()
	d.env[name] = envSlice(opts.Env)
	d.mu.Unlock()

	return &driver.Sandbox{ID: name, Provider: runs.ProviderSprites, Name: name}, nil
}

// Destroy closes any forwarding sessions and destroys the sprite.
func (d *Driver) Destroy(_ context.Context, sandboxID string) error {
	d.closeProxies(sandboxID)

	d.mu.Lock()
	delete(d.env, sandboxID)
	d.mu.Unlock()

	sprite := d.client.Sprite(sandboxID)
	if err := sprite.Destroy(); err != nil {
		d.logger.Warn("failed to destroy sprite",
			zap.String("sprite_name", sandboxID),
			zap.Error(err))
		return fmt.Errorf("failed to destroy sprite %q: %w", sandboxID, err)
	}
	d.logger.Info("sprite destroyed", zap.String("sprite_name", sandboxID))
	return nil
}

// Status looks the sprite up in the platform listing.
func (d *Driver) Status(ctx context.Context, sandboxID string) (*driver.Info, error) {
	listCtx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	list, err := d.client.ListSprites(listCtx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list sprites: %w", err)
	}
	for _, s := range list.Sprites {
		if s.Name == sandboxID {
			return &driver.Info{
				ID:        s.Name,
				Name:      s.Name,
				State:     s.Status,
				CreatedAt: s.CreatedAt,
			}, nil
		}
	}
	return nil, fmt.Errorf("sprite %q not found", sandboxID)
}

// Run executes a command and buffers its output.
func (d *Driver) Run(ctx context.Context, sandboxID string, cmd driver.Command) (*driver.ExecResult, error) {
	var stdout, stderr strings.Builder
	exitCode, err := d.exec(ctx, sandboxID, cmd,
		&callbackWriter{stream: "stdout", onOutput: func(s string, b []byte) { stdout.Write(b) }},
		&callbackWriter{stream: "stderr", onOutput: func(s string, b []byte) { stderr.Write(b) }})
	if err != nil {
		return nil, err
	}
	return &driver.ExecResult{
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// Stream executes a command forwarding output incrementally.
func (d *Driver) Stream(ctx context.Context, sandboxID string, cmd driver.Command, onOutput driver.OutputFunc) (int, error) {
	return d.exec(ctx, sandboxID, cmd,
		&callbackWriter{stream: "stdout", onOutput: onOutput},
		&callbackWriter{stream: "stderr", onOutput: onOutput})
}

func (d *Driver) exec(ctx context.Context, sandboxID string, cmd driver.Command, stdout, stderr io.Writer) (int, error) {
	if len(cmd.Cmd) == 0 {
		return -1, fmt.Errorf("empty command")
	}
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	sprite := d.client.Sprite(sandboxID)
	c := sprite.CommandContext(ctx, cmd.Cmd[0], cmd.Cmd[1:]...)
	if cmd.WorkDir != "" {
		c.Dir = cmd.WorkDir
	}
	if env := d.commandEnv(sandboxID, cmd.Env); len(env) > 0 {
		c.Env = env
	}
	c.Stdout = stdout
	c.Stderr = stderr

	if err := c.Start(); err != nil {
		return -1, fmt.Errorf("failed to start command in sprite %q: %w", sandboxID, err)
	}
	if err := c.Wait(); err != nil {
		if code, ok := exitCode(err); ok {
			return code, nil
		}
		return -1, fmt.Errorf("command failed in sprite %q: %w", sandboxID, err)
	}
	return 0, nil
}

func exitCode(err error) (int, bool) {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), true
	}
	return 0, false
}

func (d *Driver) commandEnv(sandboxID string, extra []string) []string {
	d.mu.Lock()
	base := d.env[sandboxID]
	d.mu.Unlock()
	if len(extra) == 0 {
		return base
	}
	return append(append([]string(nil), base...), extra...)
}

// ReadFile reads a file through a base64 round-trip so binary content
// survives the command channel.
func (d *Driver) ReadFile(ctx context.Context, sandboxID, path string) ([]byte, error) {
	res, err := d.Run(ctx, sandboxID, driver.Command{
		Cmd: []string{"sh", "-c", fmt.Sprintf("base64 < %s", shellQuote(path))},
	})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("read %s failed: %s", path, strings.TrimSpace(res.Stderr))
	}
	data, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(res.Stdout, "\n", ""))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return data, nil
}

// WriteFile streams the content over the command's stdin.
func (d *Driver) WriteFile(ctx context.Context, sandboxID, path string, data []byte) error {
	if err := d.Mkdir(ctx, sandboxID, parentDir(path)); err != nil {
		return err
	}

	sprite := d.client.Sprite(sandboxID)
	c := sprite.CommandContext(ctx, "sh", "-c", fmt.Sprintf("cat > %s", shellQuote(path)))

	stdin, err := c.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	if err := c.Start(); err != nil {
		return fmt.Errorf("failed to start write to %s: %w", path, err)
	}
	if _, err := stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := stdin.Close(); err != nil {
		return fmt.Errorf("failed to close stdin: %w", err)
	}
	if err := c.Wait(); err != nil {
		return fmt.Errorf("write to %s failed: %w", path, err)
	}
	return nil
}

// ListDir lists a directory's entries.
func (d *Driver) ListDir(ctx context.Context, sandboxID, path string) ([]driver.Entry, error) {
	res, err := d.Run(ctx, sandboxID, driver.Command{
		Cmd: []string{"ls", "-1Ap", path},
	})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("ls %s failed: %s", path, strings.TrimSpace(res.Stderr))
	}

	var entries []driver.Entry
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasSuffix(line, "/") {
			entries = append(entries, driver.Entry{Name: strings.TrimSuffix(line, "/"), Dir: true})
		} else {
			entries = append(entries, driver.Entry{Name: line})
		}
	}
	return entries, nil
}

// Mkdir creates a directory and its parents.
func (d *Driver) Mkdir(ctx context.Context, sandboxID, path string) error {
	res, err := d.Run(ctx, sandboxID, driver.Command{
		Cmd: []string{"mkdir", "-p", path},
	})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("mkdir %s failed: %s", path, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// Rm removes a path recursively.
func (d *Driver) Rm(ctx context.Context, sandboxID, path string) error {
	res, err := d.Run(ctx, sandboxID, driver.Command{
		Cmd: []string{"rm", "-rf", path},
	})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("rm %s failed: %s", path, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// ProcessUrls forwards the sprite port to a local port and returns the
// local URL. Sessions are reused per (sandbox, port) and closed on Destroy.
func (d *Driver) ProcessUrls(ctx context.Context, sandboxID string, port int) ([]string, error) {
	key := proxyKey(sandboxID, port)

	d.mu.Lock()
	if entry, ok := d.proxies[key]; ok {
		d.mu.Unlock()
		return []string{fmt.Sprintf("http://127.0.0.1:%d", entry.localPort)}, nil
	}
	d.mu.Unlock()

	localPort, err := getFreePort()
	if err != nil {
		return nil, fmt.Errorf("failed to get free port: %w", err)
	}

	sprite := d.client.Sprite(sandboxID)
	session, err := sprite.ProxyPort(ctx, localPort, port)
	if err != nil {
		return nil, fmt.Errorf("port forwarding failed for sprite %q: %w", sandboxID, err)
	}

	d.mu.Lock()
	d.proxies[key] = proxyEntry{localPort: localPort, session: session}
	d.mu.Unlock()

	d.logger.Debug("port forwarding established",
		zap.String("sprite_name", sandboxID),
		zap.Int("local_port", localPort),
		zap.Int("remote_port", port))
	return []string{fmt.Sprintf("http://127.0.0.1:%d", localPort)}, nil
}

// RunCode is not offered; sprites execute commands, not hosted snippets.
func (d *Driver) RunCode(context.Context, string, string, string) (*driver.ExecResult, error) {
	return nil, &driver.UnsupportedError{Provider: runs.ProviderSprites, Capability: "runCode"}
}

// ListManaged lists sprites carrying our name prefix.
func (d *Driver) ListManaged(ctx context.Context) ([]driver.Info, error) {
	listCtx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	list, err := d.client.ListSprites(listCtx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list sprites: %w", err)
	}

	prefix := d.config.NamePrefix
	var infos []driver.Info
	for _, s := range list.Sprites {
		if prefix != "" && !strings.HasPrefix(s.Name, prefix) {
			continue
		}
		infos = append(infos, driver.Info{
			ID:        s.Name,
			Name:      s.Name,
			State:     s.Status,
			CreatedAt: s.CreatedAt,
		})
	}
	return infos, nil
}

// Close closes every forwarding session and the API client.
func (d *Driver) Close() error {
	d.mu.Lock()
	for key, entry := range d.proxies {
		if entry.session != nil {
			_ = entry.session.Close()
		}
		delete(d.proxies, key)
	}
	d.mu.Unlock()
	return d.client.Close()
}

func (d *Driver) closeProxies(sandboxID string) {
	prefix := sandboxID + ":"
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, entry := range d.proxies {
		if strings.HasPrefix(key, prefix) {
			if entry.session != nil {
				_ = entry.session.Close()
			}
			delete(d.proxies, key)
		}
	}
}

func proxyKey(sandboxID string, port int) string {
	return fmt.Sprintf("%s:%d", sandboxID, port)
}

// callbackWriter forwards each write to the output callback as one chunk.
type callbackWriter struct {
	stream   string
	onOutput driver.OutputFunc
}

func (w *callbackWriter) Write(p []byte) (int, error) {
	buf := make([]byte, len(p))
	copy(buf, p)
	w.onOutput(w.stream, buf)
	return len(p), nil
}

func envSlice(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out
}

func parentDir(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return "/"
	}
	return path[:idx]
}

// shellQuote wraps a path in single quotes, escaping embedded quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// getFreePort finds an available local port.
func getFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer func() { _ = l.Close() }()
	return l.Addr().(*net.TCPAddr).Port, nil
}
