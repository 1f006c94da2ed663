package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ralphd/ralphd/internal/common/config"
	apperrors "github.com/ralphd/ralphd/internal/common/errors"
	"github.com/ralphd/ralphd/internal/common/logger"
	"github.com/ralphd/ralphd/internal/events"
	"github.com/ralphd/ralphd/internal/events/bus"
	"github.com/ralphd/ralphd/internal/mockcode"
	"github.com/ralphd/ralphd/internal/persistence"
	"github.com/ralphd/ralphd/internal/pipeline"
	"github.com/ralphd/ralphd/internal/runlog"
	"github.com/ralphd/ralphd/internal/runs"
	"github.com/ralphd/ralphd/internal/sandbox/driver"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

// fakeDriver serves the driver surface from memory. Commands succeed with
// exit 0 unless failOn matches a substring of the joined argv; ProcessUrls
// reports agentURL, which tests point at a mock agent server.
type fakeDriver struct {
	provider runs.Provider
	agentURL string

	mu         sync.Mutex
	created    int
	destroyed  []string
	destroyErr error
	failOn     string
	files      map[string][]byte
}

var _ driver.Driver = (*fakeDriver)(nil)

func newFakeDriver(p runs.Provider, agentURL string) *fakeDriver {
	return &fakeDriver{provider: p, agentURL: agentURL, files: make(map[string][]byte)}
}

func (f *fakeDriver) Provider() runs.Provider { return f.provider }

func (f *fakeDriver) Create(_ context.Context, opts driver.CreateOptions) (*driver.Sandbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	id := fmt.Sprintf("sbx-%s-%d", f.provider, f.created)
	return &driver.Sandbox{ID: id, Provider: f.provider, Name: opts.Name}, nil
}

func (f *fakeDriver) Destroy(_ context.Context, sandboxID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyErr != nil {
		return f.destroyErr
	}
	f.destroyed = append(f.destroyed, sandboxID)
	return nil
}

func (f *fakeDriver) destroyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.destroyed)
}

func (f *fakeDriver) Status(context.Context, string) (*driver.Info, error) {
	return &driver.Info{State: "running"}, nil
}

func (f *fakeDriver) Run(_ context.Context, _ string, cmd driver.Command) (*driver.ExecResult, error) {
	f.mu.Lock()
	failOn := f.failOn
	f.mu.Unlock()
	if failOn != "" && strings.Contains(strings.Join(cmd.Cmd, " "), failOn) {
		return &driver.ExecResult{ExitCode: 1, Stderr: "simulated failure"}, nil
	}
	return &driver.ExecResult{ExitCode: 0, Stdout: "ok"}, nil
}

func (f *fakeDriver) Stream(ctx context.Context, sandboxID string, cmd driver.Command, _ driver.OutputFunc) (int, error) {
	res, err := f.Run(ctx, sandboxID, cmd)
	if err != nil {
		return 1, err
	}
	return res.ExitCode, nil
}

func (f *fakeDriver) ReadFile(_ context.Context, _ string, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.files[path], nil
}

func (f *fakeDriver) WriteFile(_ context.Context, _ string, path string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = data
	return nil
}

func (f *fakeDriver) ListDir(context.Context, string, string) ([]driver.Entry, error) {
	return nil, nil
}

func (f *fakeDriver) Mkdir(context.Context, string, string) error { return nil }

func (f *fakeDriver) Rm(context.Context, string, string) error { return nil }

func (f *fakeDriver) ProcessUrls(context.Context, string, int) ([]string, error) {
	if f.agentURL == "" {
		return nil, &driver.UnsupportedError{Provider: f.provider, Capability: "processUrls"}
	}
	return []string{f.agentURL}, nil
}

func (f *fakeDriver) RunCode(context.Context, string, string, string) (*driver.ExecResult, error) {
	return nil, &driver.UnsupportedError{Provider: f.provider, Capability: "runCode"}
}

func (f *fakeDriver) Close() error { return nil }

// recordingStore records persistence writes for assertions.
type recordingStore struct {
	mu         sync.Mutex
	sandboxes  []string
	urls       []string
	tasks      []string
	eventKinds []runs.EventKind
	statuses   []statusUpdate
	nextRow    int64
}

type statusUpdate struct {
	status     string
	iterations *int
}

var _ persistence.Store = (*recordingStore)(nil)

func (s *recordingStore) CreateSandbox(_ context.Context, _, sandboxID string, _ runs.Provider, _ string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sandboxes = append(s.sandboxes, sandboxID)
	s.nextRow++
	return s.nextRow, nil
}

func (s *recordingStore) AttachURL(_ context.Context, _ int64, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.urls = append(s.urls, url)
	return nil
}

func (s *recordingStore) CreateRalph(_ context.Context, _ string, _ int64, task string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task)
	s.nextRow++
	return s.nextRow, nil
}

func (s *recordingStore) AddAgentEvent(_ context.Context, _ int64, kind runs.EventKind, _ map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventKinds = append(s.eventKinds, kind)
	return nil
}

func (s *recordingStore) UpdateRalphStatus(_ context.Context, _ int64, status string, iterations *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, statusUpdate{status: status, iterations: iterations})
	return nil
}

func (s *recordingStore) Close() error { return nil }

func (s *recordingStore) sawEventKind(kind runs.EventKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.eventKinds {
		if k == kind {
			return true
		}
	}
	return false
}

func (s *recordingStore) statusValues() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.statuses))
	for _, u := range s.statuses {
		out = append(out, u.status)
	}
	return out
}

// busRecorder collects notification bus traffic.
type busRecorder struct {
	mu    sync.Mutex
	types []string
}

func (r *busRecorder) handle(_ context.Context, ev *bus.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, ev.Type)
	return nil
}

func (r *busRecorder) saw(eventType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.types {
		if t == eventType {
			return true
		}
	}
	return false
}

func testConfig() *config.Config {
	return &config.Config{
		Ralph:    config.RalphConfig{MaxIterations: 3, IdleTimeoutMs: 5000, UseSSE: true},
		Pipeline: config.PipelineConfig{AgentPort: 4096, WorkspaceRoot: "/workspace", MaxConcurrentPreps: 4},
		Runs:     config.RunsConfig{RetainTerminalFor: 3600, CleanupInterval: 60},
	}
}

type fixture struct {
	svc    *Service
	events *runlog.Log
	store  *recordingStore
	rec    *busRecorder
}

// newFixture wires a coordinator over fake drivers, a recording store, and
// an in-memory bus with a recorder subscribed to everything.
func newFixture(t *testing.T, cfg *config.Config, fakes ...*fakeDriver) *fixture {
	t.Helper()
	log := newTestLogger(t)

	drivers := make([]driver.Driver, 0, len(fakes))
	for _, f := range fakes {
		drivers = append(drivers, f)
	}
	gateway := driver.NewGateway(log, driver.DefaultOpTimeouts(), drivers...)
	profiles, err := driver.LoadProfiles()
	require.NoError(t, err)

	store := &recordingStore{}
	eventLog := runlog.New(log)
	pl := pipeline.New(pipeline.Deps{
		Gateway:  gateway,
		Profiles: profiles,
		Events:   eventLog,
		Store:    store,
		Logger:   log,
	})

	memBus := bus.NewMemoryEventBus(log)
	rec := &busRecorder{}
	_, err = memBus.Subscribe(">", rec.handle)
	require.NoError(t, err)

	svc := NewService(Deps{
		Config:   cfg,
		Gateway:  gateway,
		Pipeline: pl,
		Events:   eventLog,
		Store:    store,
		Bus:      memBus,
		Logger:   log,
	})
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { _ = svc.Stop(context.Background()) })

	return &fixture{svc: svc, events: eventLog, store: store, rec: rec}
}

// startMockAgent serves a scripted agent and returns its URL for fake
// drivers to report.
func startMockAgent(t *testing.T, script mockcode.Script) string {
	t.Helper()
	srv := mockcode.New(mockcode.Config{Heartbeat: time.Minute}, script, newTestLogger(t))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}

func startParams(providers ...string) StartParams {
	return StartParams{
		RepoURL:   "acme/widget",
		Task:      "make the widget tests pass",
		Providers: providers,
		UserID:    "user-1",
	}
}

// stallingScript keeps every session open: a reply, then no idle signal.
func stallingScript(string, string) mockcode.Scenario {
	return mockcode.Scenario{
		Steps:    []mockcode.Step{mockcode.Text("still working on it")},
		OmitIdle: true,
	}
}

func waitForBus(t *testing.T, rec *busRecorder, eventType string) {
	t.Helper()
	require.Eventually(t, func() bool { return rec.saw(eventType) },
		10*time.Second, 20*time.Millisecond, "bus never saw %s", eventType)
}

func TestStartRun_Validation(t *testing.T) {
	agentURL := startMockAgent(t, mockcode.DefaultScript(1))
	fx := newFixture(t, testConfig(), newFakeDriver(runs.ProviderDocker, agentURL))

	cases := []struct {
		name   string
		mutate func(*StartParams)
	}{
		{"empty task", func(p *StartParams) { p.Task = "  " }},
		{"bad repo url", func(p *StartParams) { p.RepoURL = "ftp://example.com/repo" }},
		{"no providers", func(p *StartParams) { p.Providers = nil }},
		{"unknown provider", func(p *StartParams) { p.Providers = []string{"qemu"} }},
		{"unconfigured provider", func(p *StartParams) { p.Providers = []string{"modal"} }},
		{"duplicate provider", func(p *StartParams) { p.Providers = []string{"docker", "docker"} }},
		{"negative iterations", func(p *StartParams) { p.Loop.MaxIterations = -1 }},
		{"negative idle timeout", func(p *StartParams) { p.Loop.IdleTimeoutMs = -5 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			params := startParams("docker")
			tc.mutate(&params)

			_, err := fx.svc.StartRun(context.Background(), params)
			require.Error(t, err)
			var appErr *apperrors.AppError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, "validation", appErr.Code)
		})
	}

	// No run was registered by any rejected request.
	assert.Empty(t, fx.svc.ListRuns())
}

func TestStartRun_CompletesAndRecords(t *testing.T) {
	agentURL := startMockAgent(t, mockcode.DefaultScript(1))
	fake := newFakeDriver(runs.ProviderDocker, agentURL)
	fx := newFixture(t, testConfig(), fake)

	res, err := fx.svc.StartRun(context.Background(), startParams("docker"))
	require.NoError(t, err)
	require.NotEmpty(t, res.RunID)
	require.Len(t, res.Providers, 1)
	assert.True(t, res.Providers[0].Success)
	assert.Equal(t, runs.ProviderDocker, res.Providers[0].Provider)
	assert.NotEmpty(t, res.Providers[0].SandboxID)

	waitForBus(t, fx.rec, events.RunCompleted)

	snap, err := fx.svc.GetRun(res.RunID)
	require.NoError(t, err)
	assert.Equal(t, runs.RunStatusCompleted, snap.Status)
	assert.Equal(t, "https://github.com/acme/widget.git", snap.RepoURL)
	assert.Equal(t, "main", snap.Branch)
	require.NotNil(t, snap.EndedAt)
	require.Len(t, snap.Providers, 1)
	p := snap.Providers[0]
	assert.Equal(t, runs.StatusCompleted, p.Status)
	assert.NotEmpty(t, p.SessionID)
	assert.Greater(t, p.EventCount, 0)

	// History ends with the terminal status after the loop's completion
	// record.
	history := fx.events.History(res.RunID)
	require.NotEmpty(t, history)
	last := history[len(history)-1]
	assert.Equal(t, runs.EventStatus, last.Kind)
	assert.Equal(t, string(runs.StatusCompleted), last.Data["status"])
	assert.Equal(t, true, last.Data["final"])
	var sawComplete bool
	for _, ev := range history {
		if ev.Kind == runs.EventRalphComplete {
			sawComplete = true
			assert.Equal(t, true, ev.Data["success"])
		}
	}
	assert.True(t, sawComplete)

	// Lifecycle notifications made it to the bus.
	assert.True(t, fx.rec.saw(events.RunCreated))
	assert.True(t, fx.rec.saw(events.ProviderStatusChanged))
	assert.True(t, fx.rec.saw(events.SandboxCreated))
	assert.True(t, fx.rec.saw(events.ProviderPrepared))

	// Persistence saw the sandbox, the ralph row, its terminal status, and
	// (asynchronously) the mirrored events.
	assert.Equal(t, []string{res.Providers[0].SandboxID}, fx.store.sandboxes)
	assert.Equal(t, []string{"make the widget tests pass"}, fx.store.tasks)
	assert.Contains(t, fx.store.statusValues(), string(runs.StatusCompleted))
	require.Eventually(t, func() bool { return fx.store.sawEventKind(runs.EventRalphComplete) },
		5*time.Second, 20*time.Millisecond)

	// The sandbox is still alive; only stop or the janitor destroys it.
	assert.Zero(t, fake.destroyCount())
}

func TestStartRun_PrepFailureFailsProvider(t *testing.T) {
	agentURL := startMockAgent(t, mockcode.DefaultScript(1))
	fake := newFakeDriver(runs.ProviderDocker, agentURL)
	fake.failOn = "git clone"
	fx := newFixture(t, testConfig(), fake)

	res, err := fx.svc.StartRun(context.Background(), startParams("docker"))
	require.NoError(t, err)
	require.Len(t, res.Providers, 1)
	assert.False(t, res.Providers[0].Success)
	assert.Contains(t, res.Providers[0].Error, pipeline.StepCloneRepo)

	waitForBus(t, fx.rec, events.RunCompleted)
	assert.True(t, fx.rec.saw(events.ProviderFailed))

	snap, err := fx.svc.GetRun(res.RunID)
	require.NoError(t, err)
	assert.Equal(t, runs.RunStatusFailed, snap.Status)
	assert.Equal(t, runs.StatusFailed, snap.Providers[0].Status)
	assert.NotEmpty(t, snap.Providers[0].Error)

	// Even a provider that never got past preparation closes its history
	// with the terminal status frame.
	history := fx.events.History(res.RunID)
	require.NotEmpty(t, history)
	last := history[len(history)-1]
	assert.Equal(t, runs.EventStatus, last.Kind)
	assert.Equal(t, string(runs.StatusFailed), last.Data["status"])
	assert.Equal(t, true, last.Data["final"])
}

func TestStartRun_MultiProviderAggregation(t *testing.T) {
	agentURL := startMockAgent(t, mockcode.DefaultScript(1))
	docker := newFakeDriver(runs.ProviderDocker, agentURL)
	sprites := newFakeDriver(runs.ProviderSprites, agentURL)
	sprites.failOn = "git clone"
	fx := newFixture(t, testConfig(), docker, sprites)

	res, err := fx.svc.StartRun(context.Background(), startParams("docker", "sprites"))
	require.NoError(t, err)
	require.Len(t, res.Providers, 2)

	// Results arrive in request order.
	assert.Equal(t, runs.ProviderDocker, res.Providers[0].Provider)
	assert.True(t, res.Providers[0].Success)
	assert.Equal(t, runs.ProviderSprites, res.Providers[1].Provider)
	assert.False(t, res.Providers[1].Success)

	waitForBus(t, fx.rec, events.RunCompleted)

	// One success is enough for a completed aggregate.
	snap, err := fx.svc.GetRun(res.RunID)
	require.NoError(t, err)
	assert.Equal(t, runs.RunStatusCompleted, snap.Status)
	byProvider := map[runs.Provider]runs.Status{}
	for _, p := range snap.Providers {
		byProvider[p.Provider] = p.Status
	}
	assert.Equal(t, runs.StatusCompleted, byProvider[runs.ProviderDocker])
	assert.Equal(t, runs.StatusFailed, byProvider[runs.ProviderSprites])
}

func TestGetRun_NotFound(t *testing.T) {
	agentURL := startMockAgent(t, mockcode.DefaultScript(1))
	fx := newFixture(t, testConfig(), newFakeDriver(runs.ProviderDocker, agentURL))

	_, err := fx.svc.GetRun("run_missing")
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "not_found", appErr.Code)

	_, err = fx.svc.StopRun(context.Background(), "run_missing")
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "not_found", appErr.Code)

	_, _, err = fx.svc.StreamRun("run_missing", func(runs.AgentEvent) {})
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "not_found", appErr.Code)
}

func TestListRuns_NewestFirst(t *testing.T) {
	agentURL := startMockAgent(t, mockcode.DefaultScript(1))
	fx := newFixture(t, testConfig(), newFakeDriver(runs.ProviderDocker, agentURL))

	first, err := fx.svc.StartRun(context.Background(), startParams("docker"))
	require.NoError(t, err)
	second, err := fx.svc.StartRun(context.Background(), startParams("docker"))
	require.NoError(t, err)

	snaps := fx.svc.ListRuns()
	require.Len(t, snaps, 2)
	assert.Equal(t, second.RunID, snaps[0].ID)
	assert.Equal(t, first.RunID, snaps[1].ID)
}

func TestStopRun_DestroysOnceAndMarksTerminal(t *testing.T) {
	agentURL := startMockAgent(t, stallingScript)
	fake := newFakeDriver(runs.ProviderDocker, agentURL)
	fx := newFixture(t, testConfig(), fake)

	params := startParams("docker")
	params.Loop.IdleTimeoutMs = 60000
	res, err := fx.svc.StartRun(context.Background(), params)
	require.NoError(t, err)
	require.True(t, res.Providers[0].Success)

	stop, err := fx.svc.StopRun(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.True(t, stop.Success)
	require.Len(t, stop.Providers, 1)
	assert.True(t, stop.Providers[0].Destroyed)
	assert.Equal(t, res.Providers[0].SandboxID, stop.Providers[0].SandboxID)
	assert.Equal(t, 1, fake.destroyCount())

	snap, err := fx.svc.GetRun(res.RunID)
	require.NoError(t, err)
	assert.Equal(t, runs.RunStatusFailed, snap.Status)
	assert.Equal(t, runs.StatusFailed, snap.Providers[0].Status)
	assert.Equal(t, stoppedMessage, snap.Providers[0].Error)

	// History ends with the final status marker.
	history := fx.events.History(res.RunID)
	require.NotEmpty(t, history)
	last := history[len(history)-1]
	assert.Equal(t, runs.EventStatus, last.Kind)
	assert.Equal(t, true, last.Data["final"])

	assert.True(t, fx.rec.saw(events.RunStopped))
	assert.True(t, fx.rec.saw(events.SandboxDestroyed))
	assert.False(t, fx.rec.saw(events.RunCompleted))
	assert.Contains(t, fx.store.statusValues(), "stopped")

	// A repeated stop reports the recorded outcome without another destroy.
	again, err := fx.svc.StopRun(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.True(t, again.Success)
	assert.Equal(t, 1, fake.destroyCount())
}

func TestStopRun_DestroyFailureReported(t *testing.T) {
	agentURL := startMockAgent(t, stallingScript)
	fake := newFakeDriver(runs.ProviderDocker, agentURL)
	fake.destroyErr = errors.New("daemon unavailable")
	fx := newFixture(t, testConfig(), fake)

	params := startParams("docker")
	params.Loop.IdleTimeoutMs = 60000
	res, err := fx.svc.StartRun(context.Background(), params)
	require.NoError(t, err)

	stop, err := fx.svc.StopRun(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.False(t, stop.Success)
	require.Len(t, stop.Providers, 1)
	assert.False(t, stop.Providers[0].Destroyed)
	assert.Contains(t, stop.Providers[0].Error, "daemon unavailable")

	// The run is still marked terminal even though teardown had errors.
	snap, err := fx.svc.GetRun(res.RunID)
	require.NoError(t, err)
	assert.Equal(t, runs.RunStatusFailed, snap.Status)
}

func TestStreamRun_ReplayThenLive(t *testing.T) {
	agentURL := startMockAgent(t, stallingScript)
	fx := newFixture(t, testConfig(), newFakeDriver(runs.ProviderDocker, agentURL))

	params := startParams("docker")
	params.Loop.IdleTimeoutMs = 60000
	res, err := fx.svc.StartRun(context.Background(), params)
	require.NoError(t, err)

	var mu sync.Mutex
	var live []runs.AgentEvent
	history, cancel, err := fx.svc.StreamRun(res.RunID, func(ev runs.AgentEvent) {
		mu.Lock()
		defer mu.Unlock()
		live = append(live, ev)
	})
	require.NoError(t, err)
	defer cancel()

	// Preparation progress was already in history at subscription time.
	require.NotEmpty(t, history)
	assert.Equal(t, runs.EventStatus, history[0].Kind)

	_, err = fx.svc.StopRun(context.Background(), res.RunID)
	require.NoError(t, err)

	// The final status arrives on the live tail, not the replay.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, ev := range live {
			if ev.Kind == runs.EventStatus && ev.Data["final"] == true {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	for _, ev := range history {
		assert.NotEqual(t, true, ev.Data["final"])
	}
}

func TestJanitor_FreesTerminalRuns(t *testing.T) {
	agentURL := startMockAgent(t, mockcode.DefaultScript(1))
	fake := newFakeDriver(runs.ProviderDocker, agentURL)
	cfg := testConfig()
	cfg.Runs.RetainTerminalFor = 0
	fx := newFixture(t, cfg, fake)

	res, err := fx.svc.StartRun(context.Background(), startParams("docker"))
	require.NoError(t, err)
	waitForBus(t, fx.rec, events.RunCompleted)

	fx.svc.sweep()

	// The run is gone, its history dropped, and the sandbox it left behind
	// was destroyed.
	_, err = fx.svc.GetRun(res.RunID)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "not_found", appErr.Code)
	assert.Empty(t, fx.events.History(res.RunID))
	assert.Equal(t, 1, fake.destroyCount())
}

func TestJanitor_KeepsRunsWithSubscribers(t *testing.T) {
	agentURL := startMockAgent(t, mockcode.DefaultScript(1))
	cfg := testConfig()
	cfg.Runs.RetainTerminalFor = 0
	fx := newFixture(t, cfg, newFakeDriver(runs.ProviderDocker, agentURL))

	res, err := fx.svc.StartRun(context.Background(), startParams("docker"))
	require.NoError(t, err)
	waitForBus(t, fx.rec, events.RunCompleted)

	_, cancel, err := fx.svc.StreamRun(res.RunID, func(runs.AgentEvent) {})
	require.NoError(t, err)

	fx.svc.sweep()
	_, err = fx.svc.GetRun(res.RunID)
	assert.NoError(t, err)

	cancel()
	fx.svc.sweep()
	_, err = fx.svc.GetRun(res.RunID)
	assert.Error(t, err)
}

func TestStop_ShutsDownActiveRuns(t *testing.T) {
	agentURL := startMockAgent(t, stallingScript)
	fake := newFakeDriver(runs.ProviderDocker, agentURL)
	fx := newFixture(t, testConfig(), fake)

	params := startParams("docker")
	params.Loop.IdleTimeoutMs = 60000
	res, err := fx.svc.StartRun(context.Background(), params)
	require.NoError(t, err)

	require.NoError(t, fx.svc.Stop(context.Background()))

	// The run was stopped and its sandbox destroyed; the registry still
	// answers queries.
	snap, err := fx.svc.GetRun(res.RunID)
	require.NoError(t, err)
	assert.Equal(t, runs.RunStatusFailed, snap.Status)
	assert.Equal(t, stoppedMessage, snap.Providers[0].Error)
	assert.Equal(t, 1, fake.destroyCount())

	// New work is refused, and a second shutdown reports not running.
	_, err = fx.svc.StartRun(context.Background(), startParams("docker"))
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "conflict", appErr.Code)
	assert.ErrorIs(t, fx.svc.Stop(context.Background()), ErrServiceNotRunning)
}

func TestStop_DestroysSandboxesOfFinishedRuns(t *testing.T) {
	agentURL := startMockAgent(t, mockcode.DefaultScript(1))
	fake := newFakeDriver(runs.ProviderDocker, agentURL)
	fx := newFixture(t, testConfig(), fake)

	res, err := fx.svc.StartRun(context.Background(), startParams("docker"))
	require.NoError(t, err)
	waitForBus(t, fx.rec, events.RunCompleted)
	require.Zero(t, fake.destroyCount())

	require.NoError(t, fx.svc.Stop(context.Background()))
	assert.Equal(t, 1, fake.destroyCount())

	// A completed run is not rewritten as stopped.
	snap, err := fx.svc.GetRun(res.RunID)
	require.NoError(t, err)
	assert.Equal(t, runs.RunStatusCompleted, snap.Status)
}
