package pipeline

import (
	"context"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/ralphd/ralphd/internal/common/stringutil"
	"github.com/ralphd/ralphd/internal/runs"
	"github.com/ralphd/ralphd/internal/sandbox/driver"
	"github.com/ralphd/ralphd/pkg/opencode"
)

// ensureNode installs Node.js 22.x on Debian-family images when missing.
// npm carries both the dependency managers and the agent package.
const ensureNode = "command -v node >/dev/null 2>&1 || " +
	"(curl -fsSL https://deb.nodesource.com/setup_22.x | bash - >/dev/null 2>&1 && " +
	"apt-get install -y -qq nodejs >/dev/null 2>&1)"

// installAgentScript installs the agent package, falling back to the
// vendor's installer when npm fails.
const installAgentScript = "command -v opencode >/dev/null 2>&1 || " +
	"npm install -g opencode-ai || " +
	"(curl -fsSL https://opencode.ai/install | bash)"

// verifyAgentScript confirms the agent binary exists on PATH or in the
// installer's default location.
const verifyAgentScript = `command -v opencode >/dev/null 2>&1 || test -x "$HOME/.opencode/bin/opencode"`

func installGitScript(packageManager string) string {
	switch packageManager {
	case "apk":
		return "apk add --no-cache git curl ca-certificates"
	case "yum":
		return "yum install -y -q git curl ca-certificates"
	default:
		return "apt-get update -qq && apt-get install -y -qq git curl ca-certificates"
	}
}

func (p *Pipeline) createSandbox(ctx context.Context, pr *prep) error {
	p.emitStep(pr, StepCreateSandbox, stepRunning, "")

	run := pr.params.Run
	sandbox, err := p.deps.Gateway.Create(ctx, pr.params.Provider, driver.CreateOptions{
		Name:  fmt.Sprintf("%s-%s", run.ID, pr.params.Provider),
		Image: pr.profile.Image,
		RunID: run.ID,
		Ports: []int{pr.params.AgentPort},
	})
	if err != nil {
		p.emitStep(pr, StepCreateSandbox, stepFailed, err.Error())
		return err
	}
	pr.sandboxID = sandbox.ID

	var rowID int64
	if id, serr := p.deps.Store.CreateSandbox(ctx, run.UserID, sandbox.ID, pr.params.Provider, run.Repo.CloneURL); serr != nil {
		pr.log.Warn("sandbox not recorded", zap.Error(serr))
	} else {
		rowID = id
	}
	run.UpdateProvider(pr.params.Provider, func(st *runs.ProviderRunState) {
		st.SandboxID = sandbox.ID
		st.SandboxRowID = rowID
	})

	p.emitStep(pr, StepCreateSandbox, stepCompleted, "sandbox "+sandbox.ID)
	return nil
}

func (p *Pipeline) ensureGit(ctx context.Context, pr *prep) error {
	p.emitStep(pr, StepEnsureGit, stepRunning, "")

	if res, err := p.exec(ctx, pr, "git --version", probeTimeout); err == nil && res.ExitCode == 0 {
		p.emitStep(pr, StepEnsureGit, stepSkipped, "git already installed")
		return nil
	}

	res, err := p.exec(ctx, pr, installGitScript(pr.profile.PackageManager), toolingTimeout)
	if err != nil {
		p.emitStep(pr, StepEnsureGit, stepFailed, err.Error())
		return err
	}
	if res.ExitCode != 0 {
		err := fmt.Errorf("git install exited %d: %s", res.ExitCode, snippet(res.Stderr))
		p.emitStep(pr, StepEnsureGit, stepFailed, err.Error())
		return err
	}
	p.emitStep(pr, StepEnsureGit, stepCompleted, "")
	return nil
}

func (p *Pipeline) cloneRepository(ctx context.Context, pr *prep) error {
	p.emitStep(pr, StepCloneRepo, stepRunning, "")

	run := pr.params.Run
	if err := p.deps.Gateway.Mkdir(ctx, pr.params.Provider, pr.sandboxID, pr.params.WorkspaceRoot); err != nil {
		p.emitStep(pr, StepCloneRepo, stepFailed, err.Error())
		return fmt.Errorf("create workspace root: %w", err)
	}

	workDir := path.Join(pr.params.WorkspaceRoot, run.Repo.Name)
	args := []string{"clone", "--depth", "1", "--single-branch", "--progress"}
	if run.Branch != "" {
		args = append(args, "--branch", run.Branch)
	}
	args = append(args, run.Repo.CloneURL, workDir)

	exit, err := p.deps.Gateway.Stream(ctx, pr.params.Provider, pr.sandboxID, driver.Command{
		Cmd:     append([]string{"git"}, args...),
		Timeout: cloneTimeout,
	}, func(stream string, chunk []byte) {
		p.publish(pr, runs.NewAgentEvent(runs.EventCloneProgress, pr.params.Provider, map[string]interface{}{
			"chunk": string(chunk),
		}))
	})
	if err != nil {
		p.emitStep(pr, StepCloneRepo, stepFailed, err.Error())
		return fmt.Errorf("git clone: %w", err)
	}
	if exit != 0 {
		err := fmt.Errorf("git clone exited %d", exit)
		p.emitStep(pr, StepCloneRepo, stepFailed, err.Error())
		return err
	}

	pr.workDir = workDir
	run.UpdateProvider(pr.params.Provider, func(st *runs.ProviderRunState) {
		st.WorkDir = workDir
	})
	p.emitStep(pr, StepCloneRepo, stepCompleted, fmt.Sprintf("cloned %s into %s", run.Repo.Slug(), workDir))
	return nil
}

func (p *Pipeline) installDependencies(ctx context.Context, pr *prep) error {
	p.emitStep(pr, StepInstallDeps, stepRunning, "")

	entries, err := p.deps.Gateway.ListDir(ctx, pr.params.Provider, pr.sandboxID, pr.workDir)
	if err != nil {
		p.emitStep(pr, StepInstallDeps, stepFailed, err.Error())
		return fmt.Errorf("list workspace: %w", err)
	}

	plan := PlanInstall(entries)
	if plan == nil {
		p.emitStep(pr, StepInstallDeps, stepSkipped, "no recognized project manifest")
		return nil
	}
	pr.log.Info("installing dependencies", zap.String("tool", plan.Tool))

	if plan.Ensure != "" {
		res, err := p.exec(ctx, pr, plan.Ensure, toolingTimeout)
		if err != nil {
			p.emitStep(pr, StepInstallDeps, stepFailed, err.Error())
			return fmt.Errorf("ensure %s: %w", plan.Tool, err)
		}
		if res.ExitCode != 0 {
			err := fmt.Errorf("ensure %s exited %d: %s", plan.Tool, res.ExitCode, snippet(res.Stderr))
			p.emitStep(pr, StepInstallDeps, stepFailed, err.Error())
			return err
		}
	}

	exit, err := p.deps.Gateway.Stream(ctx, pr.params.Provider, pr.sandboxID, driver.Command{
		Cmd:     []string{pr.profile.Shell, "-lc", plan.Install},
		WorkDir: pr.workDir,
		Timeout: plan.Timeout,
	}, func(stream string, chunk []byte) {
		p.publish(pr, runs.NewAgentEvent(runs.EventInstallProgress, pr.params.Provider, map[string]interface{}{
			"tool":  plan.Tool,
			"chunk": string(chunk),
		}))
	})
	if err != nil {
		p.emitStep(pr, StepInstallDeps, stepFailed, err.Error())
		return fmt.Errorf("%s: %w", plan.Tool, err)
	}
	if exit != 0 {
		err := fmt.Errorf("%s exited %d", plan.Tool, exit)
		p.emitStep(pr, StepInstallDeps, stepFailed, err.Error())
		return err
	}

	p.emitStep(pr, StepInstallDeps, stepCompleted, plan.Tool)
	return nil
}

// installAgent is best-effort up to the final verification: install commands
// may fail on images that already carry the binary, so only the probe
// decides.
func (p *Pipeline) installAgent(ctx context.Context, pr *prep) error {
	p.emitStep(pr, StepInstallAgent, stepRunning, "")

	if res, err := p.exec(ctx, pr, ensureNode, toolingTimeout); err != nil || res.ExitCode != 0 {
		pr.log.Warn("node runtime install failed",
			zap.Error(err),
			zap.String("output", execSnippet(res)))
	}

	exit, err := p.deps.Gateway.Stream(ctx, pr.params.Provider, pr.sandboxID, driver.Command{
		Cmd:     []string{pr.profile.Shell, "-lc", installAgentScript},
		Timeout: installTimeout,
	}, func(stream string, chunk []byte) {
		p.publish(pr, runs.NewAgentEvent(runs.EventInstallProgress, pr.params.Provider, map[string]interface{}{
			"tool":  "opencode",
			"chunk": string(chunk),
		}))
	})
	if err != nil || exit != 0 {
		pr.log.Warn("agent install command failed",
			zap.Int("exit_code", exit),
			zap.Error(err))
	}

	res, err := p.exec(ctx, pr, verifyAgentScript, probeTimeout)
	if err != nil {
		p.emitStep(pr, StepInstallAgent, stepFailed, err.Error())
		return fmt.Errorf("verify agent binary: %w", err)
	}
	if res.ExitCode != 0 {
		err := fmt.Errorf("agent binary not found after install")
		p.emitStep(pr, StepInstallAgent, stepFailed, err.Error())
		return err
	}

	p.emitStep(pr, StepInstallAgent, stepCompleted, "")
	return nil
}

func (p *Pipeline) writeAgentConfig(ctx context.Context, pr *prep) error {
	p.emitStep(pr, StepWriteConfig, stepRunning, "")

	dir := path.Join(pr.workDir, ".opencode")
	if err := p.deps.Gateway.Mkdir(ctx, pr.params.Provider, pr.sandboxID, dir); err != nil {
		p.emitStep(pr, StepWriteConfig, stepFailed, err.Error())
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := p.deps.Gateway.WriteFile(ctx, pr.params.Provider, pr.sandboxID,
		path.Join(dir, "opencode.json"), []byte(AgentConfig)); err != nil {
		p.emitStep(pr, StepWriteConfig, stepFailed, err.Error())
		return fmt.Errorf("write agent config: %w", err)
	}

	p.emitStep(pr, StepWriteConfig, stepCompleted, "")
	return nil
}

func (p *Pipeline) writeTaskPrompt(ctx context.Context, pr *prep) error {
	p.emitStep(pr, StepWritePrompt, stepRunning, "")

	task := strings.TrimSpace(pr.params.Run.Task) + "\n"
	if err := p.deps.Gateway.WriteFile(ctx, pr.params.Provider, pr.sandboxID,
		path.Join(pr.workDir, "prompt.md"), []byte(task)); err != nil {
		p.emitStep(pr, StepWritePrompt, stepFailed, err.Error())
		return fmt.Errorf("write task prompt: %w", err)
	}

	p.emitStep(pr, StepWritePrompt, stepCompleted, "")
	return nil
}

func (p *Pipeline) startAgentServer(ctx context.Context, pr *prep) error {
	p.emitStep(pr, StepStartAgent, stepRunning, "")

	pr.password = opencode.GenerateServerPassword()
	logPath := path.Join(pr.params.WorkspaceRoot, "opencode.log")
	script := fmt.Sprintf(
		`export PATH="$HOME/.opencode/bin:$PATH"; nohup opencode serve --hostname 0.0.0.0 --port %d > %s 2>&1 &`,
		pr.params.AgentPort, logPath)

	res, err := p.deps.Gateway.Run(ctx, pr.params.Provider, pr.sandboxID, driver.Command{
		Cmd:     []string{pr.profile.Shell, "-lc", script},
		WorkDir: pr.workDir,
		Env:     []string{"OPENCODE_SERVER_PASSWORD=" + pr.password},
		Timeout: startTimeout,
	})
	if err != nil {
		p.emitStep(pr, StepStartAgent, stepFailed, err.Error())
		return fmt.Errorf("start agent server: %w", err)
	}
	if res.ExitCode != 0 {
		err := fmt.Errorf("agent server launch exited %d: %s", res.ExitCode, snippet(res.Stderr))
		p.emitStep(pr, StepStartAgent, stepFailed, err.Error())
		return err
	}

	p.emitStep(pr, StepStartAgent, stepCompleted, fmt.Sprintf("port %d", pr.params.AgentPort))
	return nil
}

// resolveAgentURL degrades to an empty URL rather than failing: providers
// without process URL support still finish preparation, and the iteration
// engine rejects the empty URL with a clear error.
func (p *Pipeline) resolveAgentURL(ctx context.Context, pr *prep) error {
	p.emitStep(pr, StepResolveURL, stepRunning, "")

	run := pr.params.Run
	urls, err := p.deps.Gateway.ProcessUrls(ctx, pr.params.Provider, pr.sandboxID, pr.params.AgentPort)
	switch {
	case err == nil && len(urls) > 0:
		pr.agentURL = urls[0]
		p.emitStep(pr, StepResolveURL, stepCompleted, pr.agentURL)
	case driver.IsUnsupported(err):
		p.emitStep(pr, StepResolveURL, stepSkipped, "provider does not expose process URLs")
	case err != nil:
		pr.log.Warn("process url resolution failed", zap.Error(err))
		p.publish(pr, runs.NewAgentEvent(runs.EventError, pr.params.Provider, map[string]interface{}{
			"step":  StepResolveURL,
			"error": err.Error(),
		}))
		p.emitStep(pr, StepResolveURL, stepFailed, err.Error())
	default:
		p.emitStep(pr, StepResolveURL, stepSkipped, "no URLs reported for agent port")
	}

	run.UpdateProvider(pr.params.Provider, func(st *runs.ProviderRunState) {
		st.AgentURL = pr.agentURL
	})

	if pr.agentURL != "" {
		if state, ok := run.Provider(pr.params.Provider); ok && state.SandboxRowID != 0 {
			if err := p.deps.Store.AttachURL(ctx, state.SandboxRowID, pr.agentURL); err != nil {
				pr.log.Warn("agent url not recorded", zap.Error(err))
			}
		}
		p.publish(pr, runs.NewAgentEvent(runs.EventOpencodeReady, pr.params.Provider, map[string]interface{}{
			"url": pr.agentURL,
		}))
	}
	return nil
}

// snippet bounds command output for error messages.
func snippet(s string) string {
	return stringutil.Tail(strings.TrimSpace(s), 240)
}

func execSnippet(res *driver.ExecResult) string {
	if res == nil {
		return ""
	}
	if out := snippet(res.Stderr); out != "" {
		return out
	}
	return snippet(res.Stdout)
}
