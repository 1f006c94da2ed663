package driver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ralphd/ralphd/internal/common/logger"
	"github.com/ralphd/ralphd/internal/runs"
)

// fakeDriver records calls and serves canned results.
type fakeDriver struct {
	provider runs.Provider
	created  []CreateOptions
	ran      []Command
	closed   bool
}

func (f *fakeDriver) Provider() runs.Provider { return f.provider }

func (f *fakeDriver) Create(_ context.Context, opts CreateOptions) (*Sandbox, error) {
	f.created = append(f.created, opts)
	return &Sandbox{ID: "sb-1", Provider: f.provider, Name: opts.Name}, nil
}

func (f *fakeDriver) Destroy(context.Context, string) error { return nil }

func (f *fakeDriver) Status(context.Context, string) (*Info, error) {
	return &Info{ID: "sb-1", State: "running"}, nil
}

func (f *fakeDriver) Run(_ context.Context, _ string, cmd Command) (*ExecResult, error) {
	f.ran = append(f.ran, cmd)
	return &ExecResult{ExitCode: 0, Stdout: "ok"}, nil
}

func (f *fakeDriver) Stream(_ context.Context, _ string, cmd Command, onOutput OutputFunc) (int, error) {
	f.ran = append(f.ran, cmd)
	onOutput("stdout", []byte("line\n"))
	return 0, nil
}

func (f *fakeDriver) ReadFile(context.Context, string, string) ([]byte, error) {
	return []byte("data"), nil
}

func (f *fakeDriver) WriteFile(context.Context, string, string, []byte) error { return nil }

func (f *fakeDriver) ListDir(context.Context, string, string) ([]Entry, error) {
	return []Entry{{Name: "go.mod"}}, nil
}

func (f *fakeDriver) Mkdir(context.Context, string, string) error { return nil }
func (f *fakeDriver) Rm(context.Context, string, string) error    { return nil }

func (f *fakeDriver) ProcessUrls(context.Context, string, int) ([]string, error) {
	return nil, &UnsupportedError{Provider: f.provider, Capability: "getProcessUrls"}
}

func (f *fakeDriver) RunCode(context.Context, string, string, string) (*ExecResult, error) {
	return nil, &UnsupportedError{Provider: f.provider, Capability: "runCode"}
}

func (f *fakeDriver) Close() error {
	f.closed = true
	return nil
}

func newTestGateway(t *testing.T, drivers ...Driver) *Gateway {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	return NewGateway(log, DefaultOpTimeouts(), drivers...)
}

func TestGatewayDispatchesToConfiguredDriver(t *testing.T) {
	fake := &fakeDriver{provider: runs.ProviderDocker}
	g := newTestGateway(t, fake)

	sb, err := g.Create(context.Background(), runs.ProviderDocker, CreateOptions{Name: "ralphd-x"})
	require.NoError(t, err)
	assert.Equal(t, "sb-1", sb.ID)
	require.Len(t, fake.created, 1)
	assert.Equal(t, "ralphd-x", fake.created[0].Name)
}

func TestGatewayUnknownProviderIsUnavailable(t *testing.T) {
	g := newTestGateway(t, &fakeDriver{provider: runs.ProviderDocker})

	_, err := g.Create(context.Background(), runs.ProviderModal, CreateOptions{})
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))
	assert.False(t, IsUnsupported(err))
}

func TestGatewayAppliesDefaultExecTimeout(t *testing.T) {
	fake := &fakeDriver{provider: runs.ProviderDocker}
	g := newTestGateway(t, fake)

	_, err := g.Run(context.Background(), runs.ProviderDocker, "sb-1", Command{Cmd: []string{"true"}})
	require.NoError(t, err)
	require.Len(t, fake.ran, 1)
	assert.Equal(t, DefaultOpTimeouts().Exec, fake.ran[0].Timeout)

	// Caller-supplied timeout wins.
	_, err = g.Run(context.Background(), runs.ProviderDocker, "sb-1", Command{Cmd: []string{"true"}, Timeout: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(1), int64(fake.ran[1].Timeout))
}

func TestGatewayProvidersListsConfiguredFlag(t *testing.T) {
	g := newTestGateway(t, &fakeDriver{provider: runs.ProviderDocker}, &fakeDriver{provider: runs.ProviderSprites})

	infos := g.Providers()
	require.Len(t, infos, len(runs.KnownProviders()))

	configured := map[runs.Provider]bool{}
	for _, info := range infos {
		configured[info.Provider] = info.Configured
	}
	assert.True(t, configured[runs.ProviderDocker])
	assert.True(t, configured[runs.ProviderSprites])
	assert.False(t, configured[runs.ProviderModal])
	assert.False(t, configured[runs.ProviderDaytona])
}

func TestGatewayCapabilityErrorSurfaces(t *testing.T) {
	g := newTestGateway(t, &fakeDriver{provider: runs.ProviderDocker})

	_, err := g.ProcessUrls(context.Background(), runs.ProviderDocker, "sb-1", 4096)
	require.Error(t, err)
	assert.True(t, IsUnsupported(err))
}

func TestGatewayCloseClosesAllDrivers(t *testing.T) {
	a := &fakeDriver{provider: runs.ProviderDocker}
	b := &fakeDriver{provider: runs.ProviderSprites}
	g := newTestGateway(t, a, b)

	require.NoError(t, g.Close())
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

func TestLoadProfiles(t *testing.T) {
	profiles, err := LoadProfiles()
	require.NoError(t, err)

	docker := ProfileFor(profiles, runs.ProviderDocker)
	assert.Equal(t, "ubuntu:24.04", docker.Image)
	assert.Equal(t, "/bin/sh", docker.Shell)
	assert.Equal(t, "apt-get", docker.PackageManager)

	// Managed providers leave the image to the platform.
	sprites := ProfileFor(profiles, runs.ProviderSprites)
	assert.Empty(t, sprites.Image)
}
