package driver

import (
	"embed"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/ralphd/ralphd/internal/runs"
)

//go:embed profiles.yaml
var profilesFS embed.FS

// Profile holds the per-provider sandbox defaults.
type Profile struct {
	Image string `yaml:"image"`
	User  string `yaml:"user"`
	// Shell is the login shell used to wrap script commands.
	Shell string `yaml:"shell"`
	// PackageManager installs missing tooling inside the sandbox.
	PackageManager string `yaml:"packageManager"`
}

type profileConfig struct {
	Providers map[string]Profile `yaml:"providers"`
}

// LoadProfiles parses the embedded provider defaults.
func LoadProfiles() (map[runs.Provider]Profile, error) {
	data, err := profilesFS.ReadFile("profiles.yaml")
	if err != nil {
		return nil, fmt.Errorf("read provider profiles: %w", err)
	}
	var cfg profileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse provider profiles: %w", err)
	}
	out := make(map[runs.Provider]Profile, len(cfg.Providers))
	for name, p := range cfg.Providers {
		provider, err := runs.ParseProvider(name)
		if err != nil {
			return nil, fmt.Errorf("provider profiles: %w", err)
		}
		out[provider] = p
	}
	return out, nil
}

// ProfileFor returns the profile for a provider, falling back to the docker
// defaults when the provider has no entry.
func ProfileFor(profiles map[runs.Provider]Profile, p runs.Provider) Profile {
	if profile, ok := profiles[p]; ok {
		return profile
	}
	return profiles[runs.ProviderDocker]
}
