package config

import (
	"os"
	"strings"
)

// Credentials holds provider API keys the orchestrator forwards into a
// spawned agent process's environment — the Spawner has no notion of any
// one provider, so this is the one place that decides which key goes
// where. Config files hold Credentials keyed by provider name, matching
// provider.Registry's own naming.
type Credentials map[string]CredentialConfig

// CredentialConfig names the environment variable a provider's CLI expects
// its key in (e.g. ANTHROPIC_API_KEY) and, optionally, a value to use when
// the environment itself doesn't already have one set.
type CredentialConfig struct {
	EnvVar string `mapstructure:"env_var"`
	Value  string `mapstructure:"value"`
}

// KeySource records where a resolved credential came from.
type KeySource string

const (
	KeySourceEnv    KeySource = "environment"
	KeySourceConfig KeySource = "config_file"
	KeySourceNone   KeySource = "none"
)

// Resolve looks up the credential configured for provider, preferring the
// orchestrator's own environment over the config file so an operator's
// shell always wins without editing a file. It returns the env var name to
// forward into the spawned process (so ExtraEnv callers can build
// "NAME=value") along with the value and where it came from.
func (c Credentials) Resolve(provider string) (envVar, value string, source KeySource) {
	cred, ok := c[provider]
	if !ok || cred.EnvVar == "" {
		return "", "", KeySourceNone
	}
	if v := os.Getenv(cred.EnvVar); v != "" {
		return cred.EnvVar, v, KeySourceEnv
	}
	if v := os.ExpandEnv(cred.Value); v != "" && !strings.HasPrefix(v, "${") {
		return cred.EnvVar, v, KeySourceConfig
	}
	return cred.EnvVar, "", KeySourceNone
}

// ExtraEnv resolves every configured provider credential into the
// KEY=VALUE map spawner.WithExtraEnv expects, skipping providers with no
// resolvable value.
func (c Credentials) ExtraEnv() map[string]string {
	out := make(map[string]string, len(c))
	for provider := range c {
		envVar, value, source := c.Resolve(provider)
		if source == KeySourceNone || envVar == "" {
			continue
		}
		out[envVar] = value
	}
	return out
}

// Mask returns a display-safe version of a credential value: the first 7
// and last 4 characters, or "(not set)"/"***" for empty or too-short
// values.
func Mask(value string) string {
	if value == "" {
		return "(not set)"
	}
	if len(value) <= 15 {
		return "***"
	}
	return value[:7] + "..." + value[len(value)-4:]
}
