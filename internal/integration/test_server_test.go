// Package integration runs the assembled ralphd stack in one process: the
// real coordinator, preparation pipeline, SQLite persistence, memory bus,
// and HTTP API, with sandboxes stubbed in memory and the agent played by
// mockcode.
package integration

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/ralphd/ralphd/internal/common/config"
	"github.com/ralphd/ralphd/internal/common/logger"
	"github.com/ralphd/ralphd/internal/coordinator"
	"github.com/ralphd/ralphd/internal/coordinator/api"
	"github.com/ralphd/ralphd/internal/db"
	"github.com/ralphd/ralphd/internal/events/bus"
	"github.com/ralphd/ralphd/internal/mockcode"
	"github.com/ralphd/ralphd/internal/persistence"
	"github.com/ralphd/ralphd/internal/pipeline"
	"github.com/ralphd/ralphd/internal/runlog"
	"github.com/ralphd/ralphd/internal/runs"
	"github.com/ralphd/ralphd/internal/sandbox/driver"
	v1 "github.com/ralphd/ralphd/pkg/api/v1"
)

// stubDriver answers the sandbox surface from memory; ProcessUrls points
// every sandbox at the shared mock agent server.
type stubDriver struct {
	provider runs.Provider
	agentURL string

	mu        sync.Mutex
	created   int
	destroyed []string
}

var _ driver.Driver = (*stubDriver)(nil)

func newStubDriver(p runs.Provider, agentURL string) *stubDriver {
	return &stubDriver{provider: p, agentURL: agentURL}
}

func (f *stubDriver) Provider() runs.Provider { return f.provider }

func (f *stubDriver) Create(_ context.Context, opts driver.CreateOptions) (*driver.Sandbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	id := fmt.Sprintf("sbx-%s-%d", f.provider, f.created)
	return &driver.Sandbox{ID: id, Provider: f.provider, Name: opts.Name}, nil
}

func (f *stubDriver) Destroy(_ context.Context, sandboxID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, sandboxID)
	return nil
}

func (f *stubDriver) destroyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.destroyed)
}

func (f *stubDriver) Status(context.Context, string) (*driver.Info, error) {
	return &driver.Info{State: "running"}, nil
}

func (f *stubDriver) Run(context.Context, string, driver.Command) (*driver.ExecResult, error) {
	return &driver.ExecResult{ExitCode: 0, Stdout: "ok"}, nil
}

func (f *stubDriver) Stream(context.Context, string, driver.Command, driver.OutputFunc) (int, error) {
	return 0, nil
}

func (f *stubDriver) ReadFile(context.Context, string, string) ([]byte, error) { return nil, nil }

func (f *stubDriver) WriteFile(context.Context, string, string, []byte) error { return nil }

func (f *stubDriver) ListDir(context.Context, string, string) ([]driver.Entry, error) {
	return nil, nil
}

func (f *stubDriver) Mkdir(context.Context, string, string) error { return nil }

func (f *stubDriver) Rm(context.Context, string, string) error { return nil }

func (f *stubDriver) ProcessUrls(context.Context, string, int) ([]string, error) {
	return []string{f.agentURL}, nil
}

func (f *stubDriver) RunCode(context.Context, string, string, string) (*driver.ExecResult, error) {
	return nil, &driver.UnsupportedError{Provider: f.provider, Capability: "runCode"}
}

func (f *stubDriver) Close() error { return nil }

// TestServer holds the assembled stack and its test doubles.
type TestServer struct {
	Server   *httptest.Server
	Service  *coordinator.Service
	Bus      bus.EventBus
	Drivers  map[runs.Provider]*stubDriver
	AgentURL string
	DBPath   string
	Logger   *logger.Logger
}

// NewTestServer wires the full daemon minus real sandboxes: a mock agent
// behind stub docker and modal drivers, SQLite persistence in a temp dir,
// and the API served from httptest.
func NewTestServer(t *testing.T, script mockcode.Script) *TestServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	agent := mockcode.New(mockcode.Config{Heartbeat: time.Minute}, script, log)
	agentSrv := httptest.NewServer(agent.Handler())
	t.Cleanup(agentSrv.Close)

	eventBus := bus.NewMemoryEventBus(log)

	dbPath := filepath.Join(t.TempDir(), "ralphd.db")
	store, err := persistence.Provide(config.PersistenceConfig{Driver: "sqlite", SQLitePath: dbPath}, log)
	require.NoError(t, err)

	drivers := map[runs.Provider]*stubDriver{
		runs.ProviderDocker: newStubDriver(runs.ProviderDocker, agentSrv.URL),
		runs.ProviderModal:  newStubDriver(runs.ProviderModal, agentSrv.URL),
	}
	gateway := driver.NewGateway(log, driver.DefaultOpTimeouts(),
		drivers[runs.ProviderDocker], drivers[runs.ProviderModal])
	profiles, err := driver.LoadProfiles()
	require.NoError(t, err)

	eventLog := runlog.New(log)
	pl := pipeline.New(pipeline.Deps{
		Gateway:  gateway,
		Profiles: profiles,
		Events:   eventLog,
		Store:    store,
		Logger:   log,
	})

	svc := coordinator.NewService(coordinator.Deps{
		Config: &config.Config{
			Ralph:    config.RalphConfig{MaxIterations: 3, IdleTimeoutMs: 5000, UseSSE: true},
			Pipeline: config.PipelineConfig{AgentPort: 4096, WorkspaceRoot: "/workspace", MaxConcurrentPreps: 4},
			Runs:     config.RunsConfig{RetainTerminalFor: 3600, CleanupInterval: 60},
		},
		Gateway:  gateway,
		Pipeline: pl,
		Events:   eventLog,
		Store:    store,
		Bus:      eventBus,
		Logger:   log,
	})
	require.NoError(t, svc.Start(context.Background()))

	router := gin.New()
	api.SetupRoutes(router.Group("/api/v1"), svc, log)
	server := httptest.NewServer(router)

	t.Cleanup(func() {
		server.Close()
		_ = svc.Stop(context.Background())
		_ = store.Close()
		eventBus.Close()
	})

	return &TestServer{
		Server:   server,
		Service:  svc,
		Bus:      eventBus,
		Drivers:  drivers,
		AgentURL: agentSrv.URL,
		DBPath:   dbPath,
		Logger:   log,
	}
}

// stallingScript keeps every session open: a reply, then no idle signal.
func stallingScript(string, string) mockcode.Scenario {
	return mockcode.Scenario{
		Steps:    []mockcode.Step{mockcode.Text("still working on it")},
		OmitIdle: true,
	}
}

func (ts *TestServer) do(t *testing.T, method, path string, body interface{}) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(buf)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.Server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := ts.Server.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

// StartRun launches a run over HTTP and returns the decoded response.
func (ts *TestServer) StartRun(t *testing.T, req v1.StartRunRequest) v1.StartRunResponse {
	t.Helper()
	resp, body := ts.do(t, http.MethodPost, "/api/v1/run", req)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var out v1.StartRunResponse
	require.NoError(t, json.Unmarshal(body, &out))
	return out
}

// Snapshot fetches the run over HTTP.
func (ts *TestServer) Snapshot(t *testing.T, runID string) runs.Snapshot {
	t.Helper()
	resp, body := ts.do(t, http.MethodGet, "/api/v1/run/"+runID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var snap runs.Snapshot
	require.NoError(t, json.Unmarshal(body, &snap))
	return snap
}

// WaitForStatus polls the run until it reports the wanted status.
func (ts *TestServer) WaitForStatus(t *testing.T, runID string, status runs.RunStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		return ts.Snapshot(t, runID).Status == status
	}, 15*time.Second, 25*time.Millisecond, "run never reached %s", status)
}

// OpenDB opens a read-only view of the persistence database.
func (ts *TestServer) OpenDB(t *testing.T) *sqlx.DB {
	t.Helper()
	reader, err := db.OpenSQLiteReader(ts.DBPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reader.Close() })
	return reader
}

// ReadStreamToEnd attaches to the run's SSE stream and collects frames until
// the terminal status frame, skipping pings.
func (ts *TestServer) ReadStreamToEnd(t *testing.T, runID string) []v1.StreamFrame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.Server.URL+"/api/v1/run/"+runID+"/stream", nil)
	require.NoError(t, err)
	resp, err := ts.Server.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var frames []v1.StreamFrame
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var frame v1.StreamFrame
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame))
		if frame.Type == v1.FrameTypePing {
			continue
		}
		frames = append(frames, frame)
		if final, ok := frame.Data["final"].(bool); ok && final && frame.Type == "status" {
			return frames
		}
	}
	t.Fatalf("stream ended before the terminal status frame: %v", scanner.Err())
	return nil
}

// busRecorder collects notifications from subscribed subjects.
type busRecorder struct {
	mu     sync.Mutex
	events []*bus.Event
}

// recordSubjects subscribes to the given patterns and collects everything
// published to them for the rest of the test.
func recordSubjects(t *testing.T, b bus.EventBus, patterns ...string) *busRecorder {
	t.Helper()
	rec := &busRecorder{}
	for _, pattern := range patterns {
		sub, err := b.Subscribe(pattern, func(_ context.Context, ev *bus.Event) error {
			rec.mu.Lock()
			rec.events = append(rec.events, ev)
			rec.mu.Unlock()
			return nil
		})
		require.NoError(t, err)
		t.Cleanup(func() { _ = sub.Unsubscribe() })
	}
	return rec
}

// Has reports whether a notification of the given type has arrived.
func (r *busRecorder) Has(eventType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Type == eventType {
			return true
		}
	}
	return false
}

// Find returns the first notification of the given type.
func (r *busRecorder) Find(eventType string) *bus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Type == eventType {
			return ev
		}
	}
	return nil
}
