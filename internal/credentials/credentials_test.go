package credentials

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFileAndApplyPrimesEmptyEnvOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials.toml")
	content := "[anthropic]\napi_key = \"from-file\"\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	os.Unsetenv("ANTHROPIC_API_KEY")
	creds, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	creds.Apply()
	defer os.Unsetenv("ANTHROPIC_API_KEY")

	if got, _ := creds.Get(Anthropic); got != "from-file" {
		t.Fatalf("expected from-file, got %q", got)
	}
}

func TestApplyDoesNotOverrideExplicitEnv(t *testing.T) {
	os.Setenv("OPENAI_API_KEY", "explicit-env")
	defer os.Unsetenv("OPENAI_API_KEY")

	creds := &Credentials{OpenAI: &ProviderCreds{APIKey: "from-file"}}
	creds.Apply()

	if got, _ := creds.Get(OpenAI); got != "explicit-env" {
		t.Fatalf("explicit env var must win, got %q", got)
	}
}

func TestGetUnknownProviderReturnsFalse(t *testing.T) {
	creds := &Credentials{}
	if _, ok := creds.Get("unknown"); ok {
		t.Fatal("expected false for unknown provider")
	}
}
