// Package docker implements the sandbox driver on the Docker Engine API.
// Sandboxes are long-lived containers kept alive with a sleep process;
// commands run through exec sessions and file transfer uses the tar-framed
// copy endpoints.
package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/ralphd/ralphd/internal/common/config"
	"github.com/ralphd/ralphd/internal/common/logger"
	"github.com/ralphd/ralphd/internal/runs"
	"github.com/ralphd/ralphd/internal/sandbox/driver"
)

const (
	labelManaged = "ralphd.managed"
	labelRunID   = "ralphd.run_id"
)

// Driver runs sandboxes as containers on a Docker daemon.
type Driver struct {
	cli    *client.Client
	logger *logger.Logger
	config config.DockerConfig
}

// New creates a Docker driver.
func New(cfg config.DockerConfig, log *logger.Logger) (*Driver, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &Driver{
		cli:    cli,
		logger: log.WithFields(zap.String("component", "docker-driver")),
		config: cfg,
	}, nil
}

// Provider returns the docker tag.
func (d *Driver) Provider() runs.Provider { return runs.ProviderDocker }

// Ping checks that the daemon is reachable.
func (d *Driver) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping failed: %w", err)
	}
	return nil
}

// Create pulls the image if needed, then creates and starts a container
// parked on a sleep process.
func (d *Driver) Create(ctx context.Context, opts driver.CreateOptions) (*driver.Sandbox, error) {
	d.logger.Info("creating sandbox container",
		zap.String("name", opts.Name),
		zap.String("image", opts.Image))

	if err := d.pullImage(ctx, opts.Image); err != nil {
		d.logger.Warn("image pull failed, trying local image",
			zap.String("image", opts.Image),
			zap.Error(err))
	}

	labels := map[string]string{
		labelManaged: "true",
	}
	if opts.RunID != "" {
		labels[labelRunID] = opts.RunID
	}

	env := make([]string, 0, len(opts.Env))
	for _, k := range sortedKeys(opts.Env) {
		env = append(env, fmt.Sprintf("%s=%s", k, opts.Env[k]))
	}

	containerCfg := &container.Config{
		Image:  opts.Image,
		Cmd:    []string{"sleep", "infinity"},
		Env:    env,
		Labels: labels,
	}
	hostCfg := &container.HostConfig{}
	if d.config.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(d.config.Network)
	}

	resp, err := d.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, opts.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container %s: %w", opts.Name, err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = d.cli.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
		return nil, fmt.Errorf("failed to start container %s: %w", resp.ID, err)
	}

	d.logger.Info("sandbox container started", zap.String("id", resp.ID), zap.String("name", opts.Name))
	return &driver.Sandbox{ID: resp.ID, Provider: runs.ProviderDocker, Name: opts.Name}, nil
}

func (d *Driver) pullImage(ctx context.Context, imageName string) error {
	reader, err := d.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageName, err)
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("error reading image pull output: %w", err)
	}
	return nil
}

// Destroy force-removes the container and its volumes.
func (d *Driver) Destroy(ctx context.Context, sandboxID string) error {
	d.logger.Info("removing sandbox container", zap.String("container_id", sandboxID))

	err := d.cli.ContainerRemove(ctx, sandboxID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil {
		return fmt.Errorf("failed to remove container %s: %w", sandboxID, err)
	}
	return nil
}

// Status inspects the container.
func (d *Driver) Status(ctx context.Context, sandboxID string) (*driver.Info, error) {
	inspect, err := d.cli.ContainerInspect(ctx, sandboxID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container %s: %w", sandboxID, err)
	}

	info := &driver.Info{
		ID:    inspect.ID,
		Name:  strings.TrimPrefix(inspect.Name, "/"),
		State: inspect.State.Status,
	}
	if created, err := time.Parse(time.RFC3339Nano, inspect.Created); err == nil {
		info.CreatedAt = created
	}
	return info, nil
}

// Run executes a command via an exec session and buffers its output.
func (d *Driver) Run(ctx context.Context, sandboxID string, cmd driver.Command) (*driver.ExecResult, error) {
	var stdout, stderr bytes.Buffer
	exitCode, err := d.exec(ctx, sandboxID, cmd, func(stream string, chunk []byte) {
		if stream == "stdout" {
			stdout.Write(chunk)
		} else {
			stderr.Write(chunk)
		}
	})
	if err != nil {
		return nil, err
	}
	return &driver.ExecResult{
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// Stream executes a command and forwards output incrementally.
func (d *Driver) Stream(ctx context.Context, sandboxID string, cmd driver.Command, onOutput driver.OutputFunc) (int, error) {
	return d.exec(ctx, sandboxID, cmd, onOutput)
}

func (d *Driver) exec(ctx context.Context, sandboxID string, cmd driver.Command, onOutput driver.OutputFunc) (int, error) {
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	execResp, err := d.cli.ContainerExecCreate(ctx, sandboxID, container.ExecOptions{
		Cmd:          cmd.Cmd,
		Env:          cmd.Env,
		WorkingDir:   cmd.WorkDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return -1, fmt.Errorf("failed to create exec in %s: %w", sandboxID, err)
	}

	attach, err := d.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return -1, fmt.Errorf("failed to attach exec in %s: %w", sandboxID, err)
	}
	defer attach.Close()

	done := make(chan error, 1)
	go func() {
		done <- demultiplex(attach.Reader, onOutput)
	}()

	select {
	case err := <-done:
		if err != nil {
			return -1, fmt.Errorf("exec stream in %s: %w", sandboxID, err)
		}
	case <-ctx.Done():
		attach.Close()
		<-done
		return -1, ctx.Err()
	}

	// The attach context may already be expired; inspect with a fresh one.
	inspectCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	inspect, err := d.cli.ContainerExecInspect(inspectCtx, execResp.ID)
	if err != nil {
		return -1, fmt.Errorf("failed to inspect exec in %s: %w", sandboxID, err)
	}
	return inspect.ExitCode, nil
}

// demultiplex reads Docker's multiplexed stream format. Each frame carries
// an 8-byte header: byte 0 is the stream type (1=stdout, 2=stderr), bytes
// 4-7 the big-endian frame size.
func demultiplex(reader io.Reader, onOutput driver.OutputFunc) error {
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}

		streamType := header[0]
		size := binary.BigEndian.Uint32(header[4:8])
		if size == 0 {
			continue
		}

		data := make([]byte, size)
		if _, err := io.ReadFull(reader, data); err != nil {
			return err
		}

		switch streamType {
		case 1:
			onOutput("stdout", data)
		case 2:
			onOutput("stderr", data)
		}
	}
}

// ReadFile copies a single file out of the container.
func (d *Driver) ReadFile(ctx context.Context, sandboxID, filePath string) ([]byte, error) {
	reader, _, err := d.cli.CopyFromContainer(ctx, sandboxID, filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to copy %s from %s: %w", filePath, sandboxID, err)
	}
	defer reader.Close()

	tr := tar.NewReader(reader)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, fmt.Errorf("file %s not found in copy stream", filePath)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read copy stream: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", filePath, err)
		}
		return data, nil
	}
}

// WriteFile copies a single file into the container, creating the parent
// directory first.
func (d *Driver) WriteFile(ctx context.Context, sandboxID, filePath string, data []byte) error {
	dir := path.Dir(filePath)
	if err := d.Mkdir(ctx, sandboxID, dir); err != nil {
		return err
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name: path.Base(filePath),
		Mode: 0644,
		Size: int64(len(data)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write tar header: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("failed to write tar body: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to finalize tar: %w", err)
	}

	err := d.cli.CopyToContainer(ctx, sandboxID, dir, &buf, container.CopyToContainerOptions{})
	if err != nil {
		return fmt.Errorf("failed to copy %s into %s: %w", filePath, sandboxID, err)
	}
	return nil
}

// ListDir lists a directory's entries.
func (d *Driver) ListDir(ctx context.Context, sandboxID, dirPath string) ([]driver.Entry, error) {
	res, err := d.Run(ctx, sandboxID, driver.Command{
		Cmd: []string{"ls", "-1Ap", dirPath},
	})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("ls %s failed: %s", dirPath, strings.TrimSpace(res.Stderr))
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
func (d *Driver) Mkdir(ctx context.Context, sandboxID, dirPath string) error {
	res, err := d.Run(ctx, sandboxID, driver.Command{
		Cmd: []string{"mkdir", "-p", dirPath},
	})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("mkdir %s failed: %s", dirPath, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// Rm removes a path recursively.
func (d *Driver) Rm(ctx context.Context, sandboxID, target string) error {
	res, err := d.Run(ctx, sandboxID, driver.Command{
		Cmd: []string{"rm", "-rf", target},
	})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("rm %s failed: %s", target, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// ProcessUrls resolves the container's network address for a port. The
// daemon-local bridge address is returned; callers reach the agent server
// through it.
func (d *Driver) ProcessUrls(ctx context.Context, sandboxID string, port int) ([]string, error) {
	ip, err := d.containerIP(ctx, sandboxID)
	if err != nil {
		return nil, err
	}
	return []string{fmt.Sprintf("http://%s:%d", ip, port)}, nil
}

func (d *Driver) containerIP(ctx context.Context, sandboxID string) (string, error) {
	inspect, err := d.cli.ContainerInspect(ctx, sandboxID)
	if err != nil {
		return "", fmt.Errorf("failed to inspect container %s: %w", sandboxID, err)
	}

	if inspect.NetworkSettings != nil {
		if inspect.NetworkSettings.IPAddress != "" {
			return inspect.NetworkSettings.IPAddress, nil
		}
		for netName, netSettings := range inspect.NetworkSettings.Networks {
			if netSettings.IPAddress != "" {
				d.logger.Debug("found container IP",
					zap.String("container_id", sandboxID),
					zap.String("network", netName),
					zap.String("ip", netSettings.IPAddress))
				return netSettings.IPAddress, nil
			}
		}
	}
	return "", fmt.Errorf("no IP address found for container %s", sandboxID)
}

// RunCode is not offered by the docker driver; sandboxes run commands, not
// hosted language snippets.
func (d *Driver) RunCode(context.Context, string, string, string) (*driver.ExecResult, error) {
	return nil, &driver.UnsupportedError{Provider: runs.ProviderDocker, Capability: "runCode"}
}

// ListManaged lists the containers this daemon holds for us, newest first.
func (d *Driver) ListManaged(ctx context.Context) ([]driver.Info, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", labelManaged+"=true")

	containers, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	infos := make([]driver.Info, 0, len(containers))
	for _, ctr := range containers {
		name := ""
		if len(ctr.Names) > 0 {
			name = strings.TrimPrefix(ctr.Names[0], "/")
		}
		infos = append(infos, driver.Info{
			ID:        ctr.ID,
			Name:      name,
			State:     ctr.State,
			CreatedAt: time.Unix(ctr.Created, 0),
		})
	}
	return infos, nil
}

// Close closes the Docker client.
func (d *Driver) Close() error {
	return d.cli.Close()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
