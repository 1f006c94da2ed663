// Package pipeline brings one provider's sandbox from nothing to "agent
// server reachable": create the sandbox, ensure git, clone the repository,
// install project dependencies, install the agent runtime, write the agent
// configuration and task prompt, start the agent server, and resolve its
// public URL. Every step publishes a progress event whose id is derived from
// the run, provider, and step label, so stream consumers can coalesce
// re-emissions of the same step instead of appending duplicates.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ralphd/ralphd/internal/common/logger"
	"github.com/ralphd/ralphd/internal/persistence"
	"github.com/ralphd/ralphd/internal/runlog"
	"github.com/ralphd/ralphd/internal/runs"
	"github.com/ralphd/ralphd/internal/sandbox/driver"
	"github.com/ralphd/ralphd/internal/tracing"
)

// Step labels in execution order. They key the stable step event ids and
// appear in progress payloads.
const (
	StepCreateSandbox = "create_sandbox"
	StepEnsureGit     = "ensure_git"
	StepCloneRepo     = "clone_repository"
	StepInstallDeps   = "install_dependencies"
	StepInstallAgent  = "install_agent"
	StepWriteConfig   = "write_agent_config"
	StepWritePrompt   = "write_prompt"
	StepStartAgent    = "start_agent"
	StepResolveURL    = "resolve_url"
)

// Step statuses carried in progress payloads.
const (
	stepRunning   = "running"
	stepCompleted = "completed"
	stepFailed    = "failed"
	stepSkipped   = "skipped"
)

// Per-step budgets: probes are short, clones and installs long, compilation
// longest.
const (
	probeTimeout   = 20 * time.Second
	toolingTimeout = 3 * time.Minute
	cloneTimeout   = 5 * time.Minute
	installTimeout = 10 * time.Minute
	buildTimeout   = 15 * time.Minute
	startTimeout   = 30 * time.Second
)

// StepEventID derives the stable event id for a pipeline step.
func StepEventID(runID string, provider runs.Provider, label string) string {
	return fmt.Sprintf("%s_%s_%s", runID, provider, label)
}

// Deps are the collaborators shared by every pipeline.
type Deps struct {
	Gateway  *driver.Gateway
	Profiles map[runs.Provider]driver.Profile
	Events   *runlog.Log
	Store    persistence.Store
	Logger   *logger.Logger
}

// Params describes one provider's preparation.
type Params struct {
	Run      *runs.Run
	Provider runs.Provider
	// AgentPort is the fixed TCP port the agent server binds inside the
	// sandbox.
	AgentPort int
	// WorkspaceRoot is the in-sandbox directory the repository is cloned
	// under.
	WorkspaceRoot string
	// OnStatus observes provider state transitions (cloning, installing,
	// running, failed). Optional.
	OnStatus func(runs.Status)
}

// Result is what the iteration engine needs to take over the sandbox.
type Result struct {
	SandboxID string
	WorkDir   string
	// AgentURL may be empty when the provider cannot resolve process URLs;
	// the iteration engine refuses to start without one.
	AgentURL string
	// Password authenticates against the agent server. It lives only in
	// memory for the duration of the run.
	Password string
}

// Pipeline executes preparations. One instance serves all runs.
type Pipeline struct {
	deps   Deps
	logger *logger.Logger
	tracer trace.Tracer
}

// New creates a pipeline over the shared collaborators. A nil Store is
// replaced with the no-op store.
func New(deps Deps) *Pipeline {
	if deps.Store == nil {
		deps.Store = persistence.NewNoop()
	}
	return &Pipeline{
		deps:   deps,
		logger: deps.Logger.WithFields(zap.String("component", "pipeline")),
		tracer: tracing.Tracer("pipeline"),
	}
}

// prep is the mutable working state of one preparation.
type prep struct {
	params    Params
	profile   driver.Profile
	log       *logger.Logger
	sandboxID string
	workDir   string
	password  string
	agentURL  string
}

// Run prepares the provider's sandbox. On failure the provider state is
// marked failed with the step error; the sandbox, if created, is left for
// the coordinator's normal teardown.
func (p *Pipeline) Run(ctx context.Context, params Params) (*Result, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.prepare", trace.WithAttributes(
		attribute.String("run.id", params.Run.ID),
		attribute.String("provider", string(params.Provider)),
	))
	defer span.End()

	res, err := p.prepare(ctx, params)
	if err != nil {
		span.RecordError(err)
	}
	return res, err
}

func (p *Pipeline) prepare(ctx context.Context, params Params) (*Result, error) {
	pr := &prep{
		params:  params,
		profile: driver.ProfileFor(p.deps.Profiles, params.Provider),
		log:     p.logger.WithRunID(params.Run.ID).WithProvider(string(params.Provider)),
	}

	pr.log.Info("preparing sandbox",
		zap.String("repo", params.Run.Repo.Slug()),
		zap.String("branch", params.Run.Branch))

	p.setStatus(pr, runs.StatusCloning)
	if err := p.createSandbox(ctx, pr); err != nil {
		return nil, p.fail(pr, StepCreateSandbox, err)
	}
	if err := p.ensureGit(ctx, pr); err != nil {
		return nil, p.fail(pr, StepEnsureGit, err)
	}
	if err := p.cloneRepository(ctx, pr); err != nil {
		return nil, p.fail(pr, StepCloneRepo, err)
	}

	p.setStatus(pr, runs.StatusInstalling)
	if err := p.installDependencies(ctx, pr); err != nil {
		return nil, p.fail(pr, StepInstallDeps, err)
	}
	if err := p.installAgent(ctx, pr); err != nil {
		return nil, p.fail(pr, StepInstallAgent, err)
	}
	if err := p.writeAgentConfig(ctx, pr); err != nil {
		return nil, p.fail(pr, StepWriteConfig, err)
	}
	if err := p.writeTaskPrompt(ctx, pr); err != nil {
		return nil, p.fail(pr, StepWritePrompt, err)
	}
	if err := p.startAgentServer(ctx, pr); err != nil {
		return nil, p.fail(pr, StepStartAgent, err)
	}
	if err := p.resolveAgentURL(ctx, pr); err != nil {
		return nil, p.fail(pr, StepResolveURL, err)
	}

	p.setStatus(pr, runs.StatusRunning)
	pr.log.Info("sandbox prepared",
		zap.String("sandbox_id", pr.sandboxID),
		zap.String("work_dir", pr.workDir),
		zap.String("agent_url", pr.agentURL))

	return &Result{
		SandboxID: pr.sandboxID,
		WorkDir:   pr.workDir,
		AgentURL:  pr.agentURL,
		Password:  pr.password,
	}, nil
}

// setStatus moves the provider state machine and mirrors the transition into
// the event log.
func (p *Pipeline) setStatus(pr *prep, status runs.Status) {
	pr.params.Run.UpdateProvider(pr.params.Provider, func(st *runs.ProviderRunState) {
		st.Status = status
	})
	p.publish(pr, runs.NewAgentEvent(runs.EventStatus, pr.params.Provider, map[string]interface{}{
		"status": string(status),
	}))
	if pr.params.OnStatus != nil {
		pr.params.OnStatus(status)
	}
}

// fail marks the provider failed, records the step error, and wraps it with
// the step label.
func (p *Pipeline) fail(pr *prep, step string, err error) error {
	pr.log.Error("preparation step failed", zap.String("step", step), zap.Error(err))

	p.publish(pr, runs.NewAgentEvent(runs.EventError, pr.params.Provider, map[string]interface{}{
		"step":  step,
		"error": err.Error(),
	}))
	pr.params.Run.UpdateProvider(pr.params.Provider, func(st *runs.ProviderRunState) {
		st.Status = runs.StatusFailed
		st.Error = err.Error()
	})
	if pr.params.OnStatus != nil {
		pr.params.OnStatus(runs.StatusFailed)
	}
	return fmt.Errorf("%s: %w", step, err)
}

// emitStep publishes a step progress event under the step's stable id.
func (p *Pipeline) emitStep(pr *prep, label, status, message string) {
	data := map[string]interface{}{
		"step":   label,
		"status": status,
	}
	if message != "" {
		data["message"] = message
	}
	p.publish(pr, runs.AgentEvent{
		ID:        StepEventID(pr.params.Run.ID, pr.params.Provider, label),
		Kind:      runs.EventStatus,
		Timestamp: time.Now().UTC(),
		Provider:  pr.params.Provider,
		Data:      data,
	})
}

func (p *Pipeline) publish(pr *prep, ev runs.AgentEvent) {
	p.deps.Events.Publish(pr.params.Run.ID, ev)
}

// exec runs a shell script inside the sandbox and buffers its output.
func (p *Pipeline) exec(ctx context.Context, pr *prep, script string, timeout time.Duration) (*driver.ExecResult, error) {
	return p.deps.Gateway.Run(ctx, pr.params.Provider, pr.sandboxID, driver.Command{
		Cmd:     []string{pr.profile.Shell, "-lc", script},
		WorkDir: pr.workDir,
		Timeout: timeout,
	})
}
