package mockcode

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ralphd/ralphd/internal/common/logger"
	"github.com/ralphd/ralphd/pkg/opencode"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func startMock(t *testing.T, cfg Config, script Script) (*httptest.Server, *opencode.Client) {
	t.Helper()
	srv := New(cfg, script, newTestLogger(t))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	client := opencode.NewClient(ts.URL, "/workspace/demo", cfg.Password, newTestLogger(t))
	t.Cleanup(client.Close)
	return ts, client
}

// collect drains events from ch until idle for the grace window or the
// channel closes.
func collect(ch <-chan *opencode.SDKEventEnvelope, grace time.Duration) []*opencode.SDKEventEnvelope {
	var out []*opencode.SDKEventEnvelope
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-time.After(grace):
			return out
		}
	}
}

func typesOf(events []*opencode.SDKEventEnvelope) []string {
	var out []string
	for _, ev := range events {
		if ev.Type == opencode.SDKEventServerHeartbeat {
			continue
		}
		out = append(out, ev.Type)
	}
	return out
}

func TestServer_HealthAndSession(t *testing.T) {
	_, client := startMock(t, Config{}, DefaultScript(1))

	health, err := client.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, health.Healthy)

	id, err := client.CreateSession(context.Background(), "test")
	require.NoError(t, err)
	assert.Equal(t, "ses_mock_0001", id)
}

func TestServer_ChatPlaysScenario(t *testing.T) {
	script := func(sessionID, prompt string) Scenario {
		return Scenario{Steps: []Step{
			Reasoning("thinking about it"),
			Tool("bash", "go test", "ok"),
			Text("all tests pass"),
		}}
	}
	_, client := startMock(t, Config{Heartbeat: time.Minute}, script)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	events, err := client.Events(ctx)
	require.NoError(t, err)

	sessionID, err := client.CreateSession(ctx, "test")
	require.NoError(t, err)

	resp, err := client.Chat(ctx, sessionID, "do the thing")
	require.NoError(t, err)

	assert.Equal(t, "assistant", resp.Info.Role)
	assert.Equal(t, sessionID, resp.Info.SessionID)
	require.Len(t, resp.Parts, 3)
	assert.Equal(t, opencode.PartTypeReasoning, resp.Parts[0].Type)
	assert.Equal(t, opencode.PartTypeTool, resp.Parts[1].Type)
	require.NotNil(t, resp.Parts[1].State)
	assert.Equal(t, opencode.ToolStatusCompleted, resp.Parts[1].State.Status)
	assert.Equal(t, "ok", resp.Parts[1].State.Output)
	assert.Equal(t, opencode.PartTypeText, resp.Parts[2].Type)
	assert.Equal(t, "all tests pass", resp.Parts[2].Text)

	got := typesOf(collect(events, 200*time.Millisecond))
	// message.updated, reasoning part, tool running, tool completed,
	// text partial, text full, session.status, session.idle
	require.Len(t, got, 8)
	assert.Equal(t, opencode.SDKEventMessageUpdated, got[0])
	assert.Equal(t, opencode.SDKEventSessionStatus, got[6])
	assert.Equal(t, opencode.SDKEventSessionIdle, got[7])
}

func TestServer_ErrorScenario(t *testing.T) {
	script := func(sessionID, prompt string) Scenario {
		return Scenario{
			ErrorName:    "MockAgentError",
			ErrorMessage: "scripted failure",
		}
	}
	_, client := startMock(t, Config{Heartbeat: time.Minute}, script)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	events, err := client.Events(ctx)
	require.NoError(t, err)

	sessionID, err := client.CreateSession(ctx, "test")
	require.NoError(t, err)

	_, err = client.Chat(ctx, sessionID, "break")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MockAgentError")
	assert.Contains(t, err.Error(), "scripted failure")

	got := typesOf(collect(events, 200*time.Millisecond))
	require.NotEmpty(t, got)
	assert.Equal(t, opencode.SDKEventSessionError, got[len(got)-1])
}

func TestServer_SilentScenarioOmitsIdle(t *testing.T) {
	script := func(sessionID, prompt string) Scenario {
		return Scenario{OmitIdle: true}
	}
	_, client := startMock(t, Config{Heartbeat: time.Minute}, script)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	events, err := client.Events(ctx)
	require.NoError(t, err)

	sessionID, err := client.CreateSession(ctx, "test")
	require.NoError(t, err)

	_, err = client.Chat(ctx, sessionID, "stall")
	require.NoError(t, err)

	for _, typ := range typesOf(collect(events, 200*time.Millisecond)) {
		assert.NotEqual(t, opencode.SDKEventSessionIdle, typ)
	}
}

func TestServer_UnknownSession(t *testing.T) {
	_, client := startMock(t, Config{}, DefaultScript(1))

	_, err := client.Chat(context.Background(), "ses_missing", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session not found")
}

func TestServer_AuthEnforced(t *testing.T) {
	ts, client := startMock(t, Config{Password: "sekret"}, DefaultScript(1))

	// Bare request without credentials is rejected
	resp, err := http.Get(ts.URL + "/global/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Client configured with the password gets through
	health, err := client.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, health.Healthy)
}

func TestServer_HeartbeatsFlow(t *testing.T) {
	_, client := startMock(t, Config{Heartbeat: 20 * time.Millisecond}, DefaultScript(1))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, err := client.Events(ctx)
	require.NoError(t, err)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev != nil && ev.Type == opencode.SDKEventServerHeartbeat {
				return
			}
		case <-deadline:
			t.Fatal("no heartbeat observed")
		}
	}
}

func TestDefaultScript(t *testing.T) {
	prompt := "Work on the task. When done, print <promise>DONE_a1b2c3d4</promise> on its own line."

	t.Run("completes on the configured call", func(t *testing.T) {
		script := DefaultScript(2)

		first := script("ses-1", prompt)
		require.NotEmpty(t, first.Steps)
		for _, step := range first.Steps {
			assert.NotContains(t, step.Text, "DONE_a1b2c3d4")
		}

		second := script("ses-2", prompt)
		require.NotEmpty(t, second.Steps)
		last := second.Steps[len(second.Steps)-1]
		assert.Contains(t, last.Text, "<promise>DONE_a1b2c3d4</promise>")
	})

	t.Run("error trigger", func(t *testing.T) {
		sc := DefaultScript(1)("ses-1", "please mock:error now")
		assert.Equal(t, "MockAgentError", sc.ErrorName)
	})

	t.Run("silent trigger", func(t *testing.T) {
		sc := DefaultScript(1)("ses-1", "mock:silent")
		assert.True(t, sc.OmitIdle)
		assert.Empty(t, sc.Steps)
	})

	t.Run("tools trigger", func(t *testing.T) {
		sc := DefaultScript(1)("ses-1", "mock:tools")
		require.NotEmpty(t, sc.Steps)
		var sawTool bool
		for _, step := range sc.Steps {
			if step.Kind == StepTool {
				sawTool = true
			}
		}
		assert.True(t, sawTool)
	})
}

func TestMarkerFromPrompt(t *testing.T) {
	assert.Equal(t, "DONE_a1b2c3d4", MarkerFromPrompt("emit <promise>DONE_a1b2c3d4</promise> when finished"))
	assert.Equal(t, "", MarkerFromPrompt("no marker here"))
	assert.Equal(t, "", MarkerFromPrompt("DONE_TOOSHORT"))
}
