// Package credentials loads provider API keys from standard locations and
// realizes the CredentialPort the turn loop's retry path (spec.md §4.1.d)
// uses to request rotation on a rate-limited 429.
//
// Grounded on src/internal/credentials/credentials.go's TOML file/env-var
// priority scheme, generalized into an interface (Port) so TurnDriver can
// depend on the contract rather than the file-loading concretion.
package credentials

import (
	"context"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Provider names recognized by the standard credentials file.
const (
	Anthropic = "anthropic"
	OpenAI    = "openai"
	Google    = "google"
	Mistral   = "mistral"
	Groq      = "groq"
	Bedrock   = "bedrock"
)

// Port is what TurnDriver depends on: read a provider's current key, and
// optionally rotate it after a rate-limit signal.
type Port interface {
	Get(provider string) (apiKey string, ok bool)
	RotateOnRateLimit(ctx context.Context, provider string) (apiKey string, rotated bool, err error)
}

// Credentials holds API keys loaded from credentials.toml.
type Credentials struct {
	Anthropic *ProviderCreds `toml:"anthropic"`
	OpenAI    *ProviderCreds `toml:"openai"`
	Google    *ProviderCreds `toml:"google"`
	Mistral   *ProviderCreds `toml:"mistral"`
	Groq      *ProviderCreds `toml:"groq"`
	Bedrock   *BedrockCreds  `toml:"bedrock"`
}

// ProviderCreds holds a bearer API key for a single provider.
type ProviderCreds struct {
	APIKey string `toml:"api_key"`
}

// BedrockCreds holds the AWS role/region pair used for STS-based rotation.
type BedrockCreds struct {
	Region  string `toml:"region"`
	RoleARN string `toml:"role_arn"`
}

// StandardPaths returns credential file locations in priority order.
func StandardPaths() []string {
	paths := []string{"credentials.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".config", "agentcore", "credentials.toml"),
			filepath.Join(home, ".agentcore", "credentials.toml"),
		)
	}
	return paths
}

// Load loads credentials from the first available standard location. A
// missing file at every path is not an error: callers fall back to
// environment variables set some other way.
func Load() (*Credentials, string, error) {
	for _, path := range StandardPaths() {
		if _, err := os.Stat(path); err == nil {
			creds, err := LoadFile(path)
			if err != nil {
				return nil, path, err
			}
			return creds, path, nil
		}
	}
	return nil, "", nil
}

// LoadFile loads credentials from a specific file.
func LoadFile(path string) (*Credentials, error) {
	var creds Credentials
	if _, err := toml.DecodeFile(path, &creds); err != nil {
		return nil, err
	}
	return &creds, nil
}

// Apply sets environment variables from loaded credentials, only where the
// environment doesn't already carry a value, so explicit configuration
// always wins over the file.
func (c *Credentials) Apply() {
	if c == nil {
		return
	}
	if c.Anthropic != nil && c.Anthropic.APIKey != "" {
		setIfEmpty("ANTHROPIC_API_KEY", c.Anthropic.APIKey)
	}
	if c.OpenAI != nil && c.OpenAI.APIKey != "" {
		setIfEmpty("OPENAI_API_KEY", c.OpenAI.APIKey)
	}
	if c.Google != nil && c.Google.APIKey != "" {
		setIfEmpty("GOOGLE_API_KEY", c.Google.APIKey)
	}
	if c.Mistral != nil && c.Mistral.APIKey != "" {
		setIfEmpty("MISTRAL_API_KEY", c.Mistral.APIKey)
	}
	if c.Groq != nil && c.Groq.APIKey != "" {
		setIfEmpty("GROQ_API_KEY", c.Groq.APIKey)
	}
}

func setIfEmpty(key, value string) {
	if os.Getenv(key) == "" {
		os.Setenv(key, value)
	}
}

// Get returns the current API key for provider, reading straight from the
// environment (which Apply has already primed from the credentials file).
func (c *Credentials) Get(provider string) (string, bool) {
	var key string
	switch provider {
	case Anthropic:
		key = os.Getenv("ANTHROPIC_API_KEY")
	case OpenAI:
		key = os.Getenv("OPENAI_API_KEY")
	case Google:
		key = os.Getenv("GOOGLE_API_KEY")
	case Mistral:
		key = os.Getenv("MISTRAL_API_KEY")
	case Groq:
		key = os.Getenv("GROQ_API_KEY")
	default:
		return "", false
	}
	return key, key != ""
}

// RotateOnRateLimit is the non-Bedrock default: no rotation mechanism, so a
// 429 with a rotation request is reported as not rotated rather than erroring
// the turn — the caller falls through to its ordinary backoff.
func (c *Credentials) RotateOnRateLimit(ctx context.Context, provider string) (string, bool, error) {
	return "", false, nil
}
