package pipeline

import (
	"time"

	"github.com/ralphd/ralphd/internal/sandbox/driver"
)

// InstallPlan is the dependency installation strategy chosen from the
// repository's top-level files.
type InstallPlan struct {
	// Tool names the package manager or build tool, for progress events.
	Tool string
	// Ensure installs the tool itself when the image lacks it. Empty when
	// nothing needs bootstrapping.
	Ensure string
	// Install runs in the repository's work directory.
	Install string
	Timeout time.Duration
}

// PlanInstall inspects top-level entries and picks the install strategy:
// package.json routes to the package manager whose lockfile is present,
// Python manifests go through pip, Cargo.toml builds, go.mod downloads
// modules. Nil means nothing was recognized and the step is a no-op.
func PlanInstall(entries []driver.Entry) *InstallPlan {
	names := make(map[string]bool, len(entries))
	for _, e := range entries {
		if !e.Dir {
			names[e.Name] = true
		}
	}

	switch {
	case names["package.json"]:
		return nodePlan(names)
	case names["requirements.txt"]:
		return &InstallPlan{
			Tool:    "pip",
			Ensure:  ensurePip,
			Install: "pip install -r requirements.txt || pip3 install -r requirements.txt",
			Timeout: installTimeout,
		}
	case names["pyproject.toml"]:
		return &InstallPlan{
			Tool:    "pip",
			Ensure:  ensurePip,
			Install: "pip install . || pip3 install .",
			Timeout: installTimeout,
		}
	case names["Cargo.toml"]:
		return &InstallPlan{
			Tool:    "cargo",
			Install: "cargo build",
			Timeout: buildTimeout,
		}
	case names["go.mod"]:
		return &InstallPlan{
			Tool:    "go",
			Install: "go mod download",
			Timeout: installTimeout,
		}
	default:
		return nil
	}
}

const ensurePip = "command -v pip >/dev/null 2>&1 || command -v pip3 >/dev/null 2>&1 || " +
	"apt-get install -y -qq python3-pip >/dev/null 2>&1"

// nodePlan picks the Node.js package manager by lockfile. The alternative
// managers install globally through npm, so node itself is always ensured
// first.
func nodePlan(names map[string]bool) *InstallPlan {
	switch {
	case names["pnpm-lock.yaml"]:
		return &InstallPlan{
			Tool:    "pnpm",
			Ensure:  ensureNode + " && (command -v pnpm >/dev/null 2>&1 || npm install -g pnpm)",
			Install: "pnpm install",
			Timeout: installTimeout,
		}
	case names["yarn.lock"]:
		return &InstallPlan{
			Tool:    "yarn",
			Ensure:  ensureNode + " && (command -v yarn >/dev/null 2>&1 || npm install -g yarn)",
			Install: "yarn install",
			Timeout: installTimeout,
		}
	case names["bun.lockb"], names["bun.lock"]:
		return &InstallPlan{
			Tool:    "bun",
			Ensure:  ensureNode + " && (command -v bun >/dev/null 2>&1 || npm install -g bun)",
			Install: "bun install",
			Timeout: installTimeout,
		}
	default:
		return &InstallPlan{
			Tool:    "npm",
			Ensure:  ensureNode,
			Install: "npm install --no-audit --no-fund",
			Timeout: installTimeout,
		}
	}
}
