package v1

// RunConfig carries optional per-run overrides for the iteration loop.
type RunConfig struct {
	MaxIterations int   `json:"maxIterations,omitempty"`
	IdleTimeoutMs int   `json:"idleTimeoutMs,omitempty"`
	UseSSE        *bool `json:"useSSE,omitempty"`
}

// StartRunRequest for launching a run across one or more providers
type StartRunRequest struct {
	RepoURL   string     `json:"repoUrl" binding:"required"`
	Branch    string     `json:"branch,omitempty"`
	Task      string     `json:"task" binding:"required"`
	Providers []string   `json:"providers"`
	Config    *RunConfig `json:"config,omitempty"`
	UserID    string     `json:"userId,omitempty"`
}

// ProviderStartResult reports the preparation outcome for one provider
type ProviderStartResult struct {
	Provider  string `json:"provider"`
	SandboxID string `json:"sandboxId,omitempty"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// StartRunResponse for the run launch endpoint
type StartRunResponse struct {
	RunID     string                `json:"runId"`
	Providers []ProviderStartResult `json:"providers"`
}

// ProviderStopResult reports the teardown outcome for one provider
type ProviderStopResult struct {
	Provider  string `json:"provider"`
	SandboxID string `json:"sandboxId,omitempty"`
	Destroyed bool   `json:"destroyed"`
	Error     string `json:"error,omitempty"`
}

// StopRunResponse for the run stop endpoint
type StopRunResponse struct {
	RunID     string               `json:"runId"`
	Success   bool                 `json:"success"`
	Providers []ProviderStopResult `json:"providers"`
}

// ProviderInfo describes one known provider and whether a driver is wired
type ProviderInfo struct {
	Name       string `json:"name"`
	Configured bool   `json:"configured"`
}

// ProvidersResponse for the provider listing endpoint
type ProvidersResponse struct {
	Providers []ProviderInfo `json:"providers"`
}
