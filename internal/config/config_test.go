package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// mockSecrets is a test double for the secret store.
type mockSecrets struct {
	values map[string]string
	err    error
}

func (m *mockSecrets) Get(key string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	v, ok := m.values[key]
	if !ok {
		return "", ErrSecretNotFound
	}
	return v, nil
}

func (m *mockSecrets) Set(key, value string) error {
	if m.values == nil {
		m.values = map[string]string{}
	}
	m.values[key] = value
	return nil
}

func writeTempConfig(t *testing.T, content string) *fileBackend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	b, err := newFileBackend(path)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func withKey() *mockSecrets {
	return &mockSecrets{values: map[string]string{SecretLLMAPIKey: "test-key"}}
}

func TestDefaults(t *testing.T) {
	t.Setenv("INKWELL_LLM_API_KEY", "")
	cfg, err := loadWith(writeTempConfig(t, ""), withKey())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
	if cfg.LLM.Provider != "auto" {
		t.Errorf("LLM.Provider = %q, want auto", cfg.LLM.Provider)
	}
	if cfg.LLM.APIKey != "test-key" {
		t.Errorf("LLM.APIKey = %q, want key from secret store", cfg.LLM.APIKey)
	}
	if cfg.LLM.ExtractionModel != cfg.LLM.Model {
		t.Errorf("LLM.ExtractionModel = %q, want fallback to %q", cfg.LLM.ExtractionModel, cfg.LLM.Model)
	}
	if cfg.Limiter.MaxConcurrent != 4 {
		t.Errorf("Limiter.MaxConcurrent = %d, want 4", cfg.Limiter.MaxConcurrent)
	}
	if got := cfg.Limiter.Timeout().Seconds(); got != 300 {
		t.Errorf("Limiter.Timeout() = %vs, want 300s", got)
	}
	if cfg.Continuity.PassScore != 7 || cfg.Continuity.RejectScore != 4 {
		t.Errorf("Continuity = %+v, want pass 7 reject 4", cfg.Continuity)
	}
	if cfg.Branches.Keep != 3 {
		t.Errorf("Branches.Keep = %d, want 3", cfg.Branches.Keep)
	}
	if cfg.Jobs.Poll().Milliseconds() != 500 {
		t.Errorf("Jobs.Poll() = %v, want 500ms", cfg.Jobs.Poll())
	}
}

func TestFileValues(t *testing.T) {
	t.Setenv("INKWELL_LLM_API_KEY", "")
	b := writeTempConfig(t, `
server:
  port: 5200
  mcp_stdio: true
llm:
  provider: ollama
  model: big-model
  extraction_model: small-model
continuity:
  pass_score: 8.5
  reject_score: 3
agents:
  noir:
    model: noir-model
    temperature: 1.1
    system_prompt: Write hard-boiled prose.
`)
	cfg, err := loadWith(b, &mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 5200 || !cfg.Server.MCPStdio {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if cfg.LLM.Provider != "ollama" || cfg.LLM.Model != "big-model" || cfg.LLM.ExtractionModel != "small-model" {
		t.Errorf("LLM = %+v", cfg.LLM)
	}
	if cfg.Continuity.PassScore != 8.5 || cfg.Continuity.RejectScore != 3 {
		t.Errorf("Continuity = %+v", cfg.Continuity)
	}
	noir, ok := cfg.Agents["noir"]
	if !ok {
		t.Fatalf("agents section not decoded: %+v", cfg.Agents)
	}
	if noir.Model != "noir-model" || noir.Temperature != 1.1 || noir.SystemPrompt == "" {
		t.Errorf("noir agent = %+v", noir)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	b := writeTempConfig(t, "server:\n  port: 5200\n")
	t.Setenv("INKWELL_SERVER_PORT", "6300")
	t.Setenv("INKWELL_CONTINUITY_PASS_SCORE", "9")
	t.Setenv("INKWELL_LLM_API_KEY", "env-key")

	cfg, err := loadWith(b, withKey())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 6300 {
		t.Errorf("Server.Port = %d, want 6300", cfg.Server.Port)
	}
	if cfg.Continuity.PassScore != 9 {
		t.Errorf("PassScore = %v, want 9", cfg.Continuity.PassScore)
	}
	if cfg.LLM.APIKey != "env-key" {
		t.Errorf("APIKey = %q, env must win over secret store", cfg.LLM.APIKey)
	}
}

func TestContinuityWeightsFromFile(t *testing.T) {
	t.Setenv("INKWELL_LLM_API_KEY", "")
	b := writeTempConfig(t, `
continuity:
  near_match_ratio: 0.6
  weights:
    opening: 0.5
    event: 0.25
`)
	cfg, err := loadWith(b, withKey())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	w := cfg.Continuity.Weights
	if w.Opening != 0.5 || w.Event != 0.25 {
		t.Errorf("Weights = %+v, want opening 0.5 event 0.25", w)
	}
	if w.Hook != 0.2 || w.Timeline != 0.1 {
		t.Errorf("unset weights should keep defaults, got %+v", w)
	}
	if cfg.Continuity.NearMatchRatio != 0.6 {
		t.Errorf("NearMatchRatio = %v, want 0.6", cfg.Continuity.NearMatchRatio)
	}
}

func TestContinuityWeightsFromEnv(t *testing.T) {
	t.Setenv("INKWELL_LLM_API_KEY", "")
	t.Setenv("INKWELL_CONTINUITY_WEIGHTS_TIMELINE", "0.35")
	t.Setenv("INKWELL_CONTINUITY_NEAR_MATCH_RATIO", "0.8")
	b := writeTempConfig(t, "continuity:\n  weights:\n    timeline: 0.05\n")
	cfg, err := loadWith(b, withKey())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Continuity.Weights.Timeline != 0.35 {
		t.Errorf("Timeline = %v, env must win over file", cfg.Continuity.Weights.Timeline)
	}
	if cfg.Continuity.NearMatchRatio != 0.8 {
		t.Errorf("NearMatchRatio = %v, want 0.8", cfg.Continuity.NearMatchRatio)
	}
}

func TestInvalidEnvIgnored(t *testing.T) {
	t.Setenv("INKWELL_LLM_API_KEY", "")
	t.Setenv("INKWELL_SERVER_PORT", "not-a-port")
	cfg, err := loadWith(writeTempConfig(t, ""), withKey())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want default 4100", cfg.Server.Port)
	}
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    string
	}{
		{"reject above pass", "continuity:\n  pass_score: 5\n  reject_score: 6\n", "RejectScore"},
		{"bad duration", "limiter:\n  call_timeout: soon\n", "CallTimeout"},
		{"bad provider", "llm:\n  provider: carrier-pigeon\n", "Provider"},
		{"too many branches kept", "branches:\n  keep: 9\n", "Keep"},
		{"negative weight", "continuity:\n  weights:\n    hook: -1\n", "Hook"},
		{"near match ratio above one", "continuity:\n  near_match_ratio: 1.5\n", "NearMatchRatio"},
		{"all weights zero", "continuity:\n  weights:\n    opening: 0\n    event: 0\n    hook: 0\n    timeline: 0\n", "weights"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("INKWELL_LLM_API_KEY", "")
			_, err := loadWith(writeTempConfig(t, tc.content), withKey())
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %s", err, tc.want)
			}
		})
	}
}

func TestMissingAPIKeyForOpenAI(t *testing.T) {
	t.Setenv("INKWELL_LLM_API_KEY", "")
	_, err := loadWith(writeTempConfig(t, "llm:\n  provider: openai\n"), &mockSecrets{})
	if err == nil {
		t.Fatal("expected error for missing API key")
	}
	if !strings.Contains(err.Error(), "INKWELL_LLM_API_KEY") {
		t.Errorf("error should tell the user how to set the key: %v", err)
	}
}

func TestSetKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	b, err := newFileBackend(path)
	if err != nil {
		t.Fatal(err)
	}

	if err := setKey(b, "server.port", "4500"); err != nil {
		t.Fatalf("setKey port: %v", err)
	}
	if err := setKey(b, "continuity.pass_score", "7.5"); err != nil {
		t.Fatalf("setKey pass_score: %v", err)
	}
	if err := setKey(b, "server.port", "abc"); err == nil {
		t.Error("expected error for non-integer port")
	}
	if err := setKey(b, "no.such.key", "x"); err == nil {
		t.Error("expected error for unknown key")
	}
	if err := setKey(b, SecretLLMAPIKey, "x"); err == nil {
		t.Error("expected error when setting a secret via config")
	}

	reloaded, err := newFileBackend(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Setenv("INKWELL_LLM_API_KEY", "")
	t.Setenv("INKWELL_SERVER_PORT", "")
	cfg, err := loadWith(reloaded, withKey())
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 4500 || cfg.Continuity.PassScore != 7.5 {
		t.Errorf("persisted values not read back: port=%d pass=%v", cfg.Server.Port, cfg.Continuity.PassScore)
	}
}

func TestFileBackendDelete(t *testing.T) {
	b := writeTempConfig(t, "llm:\n  model: m1\n  ollama_model: m2\n")
	if err := b.Delete("llm.model"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := b.GetString("llm.model"); ok {
		t.Error("llm.model still present after Delete")
	}
	if v, ok, _ := b.GetString("llm.ollama_model"); !ok || v != "m2" {
		t.Errorf("sibling key lost: %q %v", v, ok)
	}
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.LLM.APIKey = "super-secret"
	for _, k := range ShowAll(cfg) {
		if k.Key == SecretLLMAPIKey || strings.Contains(k.Value, "super-secret") {
			t.Errorf("secret leaked in ShowAll: %+v", k)
		}
	}
	if len(ValidKeys()) != len(ShowAll(cfg)) {
		t.Errorf("ValidKeys and ShowAll disagree")
	}
}

func TestGetAPIToken(t *testing.T) {
	t.Run("env wins", func(t *testing.T) {
		t.Setenv("INKWELL_API_TOKEN", "from-env")
		tok, err := GetAPIToken(&mockSecrets{})
		if err != nil || tok != "from-env" {
			t.Errorf("GetAPIToken = %q, %v", tok, err)
		}
	})
	t.Run("generated once", func(t *testing.T) {
		t.Setenv("INKWELL_API_TOKEN", "")
		s := &mockSecrets{}
		first, err := GetAPIToken(s)
		if err != nil {
			t.Fatal(err)
		}
		if len(first) != 64 {
			t.Errorf("token length = %d, want 64 hex chars", len(first))
		}
		second, err := GetAPIToken(s)
		if err != nil {
			t.Fatal(err)
		}
		if first != second {
			t.Error("token regenerated on second call")
		}
	})
	t.Run("store error", func(t *testing.T) {
		t.Setenv("INKWELL_API_TOKEN", "")
		boom := errors.New("disk on fire")
		if _, err := GetAPIToken(&mockSecrets{err: boom}); !errors.Is(err, boom) {
			t.Errorf("err = %v, want %v", err, boom)
		}
	})
}

func TestFileSecretsRoundTrip(t *testing.T) {
	s := FileSecrets{Path: filepath.Join(t.TempDir(), "nested", "secrets.yaml")}
	if _, err := s.Get(SecretLLMAPIKey); !errors.Is(err, ErrSecretNotFound) {
		t.Fatalf("Get on empty store = %v, want ErrSecretNotFound", err)
	}
	if err := s.Set(SecretLLMAPIKey, "k"); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(s.Path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("secrets file mode = %v, want 0600", info.Mode().Perm())
	}
	if v, err := s.Get(SecretLLMAPIKey); err != nil || v != "k" {
		t.Errorf("Get = %q, %v", v, err)
	}
}
