package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Log        LogConfig
	LLM        LLMConfig
	Limiter    LimiterConfig
	Generation GenerationConfig
	Continuity ContinuityConfig
	Branches   BranchesConfig
	Jobs       JobsConfig
	Style      StyleConfig
	// Agents are named model presets, read from the agents section of
	// config.yaml only.
	Agents map[string]Agent `validate:"dive"`
}

type ServerConfig struct {
	Port int `validate:"min=1,max=65535"`
	// MCPStdio serves MCP tools on stdin/stdout alongside HTTP.
	MCPStdio bool
}

type StorageConfig struct {
	DataDir string `validate:"required"`
}

type LogConfig struct {
	Level string `validate:"oneof=debug info warn error"`
}

type LLMConfig struct {
	Provider          string `validate:"oneof=auto openai ollama"`
	BaseURL           string `validate:"required,url"`
	APIKey            string `validate:"required_if=Provider openai"`
	Model             string `validate:"required"`
	ExtractionModel   string
	RequestsPerMinute int    `validate:"min=0"`
	Timeout           string `validate:"duration"`
	OllamaURL         string `validate:"required,url"`
	OllamaModel       string `validate:"required"`
}

type LimiterConfig struct {
	MaxConcurrent int    `validate:"min=1,max=64"`
	CallTimeout   string `validate:"duration"`
}

type GenerationConfig struct {
	MaxRepairAttempts int     `validate:"min=0,max=5"`
	Temperature       float64 `validate:"gt=0,lte=2"`
	MaxTokens         int     `validate:"min=1"`
	ContextTokens     int     `validate:"min=500"`
	RecentChapters    int     `validate:"min=0,max=10"`
	SummaryChapters   int     `validate:"min=0,max=100"`
}

type ContinuityConfig struct {
	PassScore   float64 `validate:"gt=0,lte=10"`
	RejectScore float64 `validate:"gte=0,ltfield=PassScore"`
	Weights     ContinuityWeights
	// NearMatchRatio is the share of a signal's significant terms that must
	// appear in a draft.
	NearMatchRatio float64 `validate:"gt=0,lte=1"`
}

type ContinuityWeights struct {
	Opening  float64 `validate:"gte=0"`
	Event    float64 `validate:"gte=0"`
	Hook     float64 `validate:"gte=0"`
	Timeline float64 `validate:"gte=0"`
}

// Sum is the total weight; at least one weight must be positive.
func (w ContinuityWeights) Sum() float64 {
	return w.Opening + w.Event + w.Hook + w.Timeline
}

type BranchesConfig struct {
	Keep int `validate:"min=1,max=8"`
}

type JobsConfig struct {
	Workers      int    `validate:"min=1,max=16"`
	PollInterval string `validate:"duration"`
}

type StyleConfig struct {
	CacheTTL string `validate:"duration"`
}

type Agent struct {
	Model        string  `yaml:"model"`
	Temperature  float64 `yaml:"temperature" validate:"gte=0,lte=2"`
	SystemPrompt string  `yaml:"system_prompt"`
}

func defaults() Config {
	return Config{
		Server:  ServerConfig{Port: 4100},
		Storage: StorageConfig{DataDir: defaultDataDir()},
		Log:     LogConfig{Level: "info"},
		LLM: LLMConfig{
			Provider:    "auto",
			BaseURL:     "https://openrouter.ai/api/v1",
			Model:       "anthropic/claude-sonnet-4",
			Timeout:     "5m",
			OllamaURL:   "http://localhost:11434",
			OllamaModel: "mistral-nemo",
		},
		Limiter: LimiterConfig{MaxConcurrent: 4, CallTimeout: "300s"},
		Generation: GenerationConfig{
			MaxRepairAttempts: 2,
			Temperature:       0.8,
			MaxTokens:         8000,
			ContextTokens:     6000,
			RecentChapters:    2,
			SummaryChapters:   10,
		},
		Continuity: ContinuityConfig{
			PassScore:      7,
			RejectScore:    4,
			Weights:        ContinuityWeights{Opening: 0.4, Event: 0.3, Hook: 0.2, Timeline: 0.1},
			NearMatchRatio: 0.5,
		},
		Branches:   BranchesConfig{Keep: 3},
		Jobs:       JobsConfig{Workers: 2, PollInterval: "500ms"},
		Style:      StyleConfig{CacheTTL: "60s"},
	}
}

// Load reads configuration in increasing precedence: defaults, the YAML
// config file, then INKWELL_* environment variables. A .env file in the
// working directory is loaded into the environment first without replacing
// variables that are already set. The model API key falls back to the
// secrets file.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "[WARN] could not load .env: %v\n", err)
	}
	b, err := newFileBackend(FilePath())
	if err != nil {
		return Config{}, err
	}
	return loadWith(b, NewSecrets())
}

func loadWith(b ConfigBackend, secrets SecretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	if sd, ok := b.(sectionDecoder); ok {
		if _, err := sd.DecodeSection("agents", &cfg.Agents); err != nil {
			return Config{}, err
		}
	}

	applyEnvOverrides(&cfg)

	if cfg.LLM.APIKey == "" && secrets != nil {
		if key, err := secrets.Get(SecretLLMAPIKey); err == nil {
			cfg.LLM.APIKey = key
		}
	}
	if cfg.LLM.ExtractionModel == "" {
		cfg.LLM.ExtractionModel = cfg.LLM.Model
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Validate checks field constraints. Durations are Go duration strings.
func (c *Config) Validate() error {
	validate := validator.New()
	validate.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		d, err := time.ParseDuration(fl.Field().String())
		return err == nil && d > 0
	})
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && c.LLM.APIKey == "" && hasField(verrs, "APIKey") {
			return fmt.Errorf("missing model API key for provider openai. Set INKWELL_LLM_API_KEY or run `inkwell config set-secret %s`", SecretLLMAPIKey)
		}
		return err
	}
	if c.Continuity.Weights.Sum() <= 0 {
		return errors.New("continuity weights must not all be zero")
	}
	return nil
}

func hasField(errs validator.ValidationErrors, field string) bool {
	for _, e := range errs {
		if e.Field() == field {
			return true
		}
	}
	return false
}

func (c LLMConfig) RequestTimeout() time.Duration { return mustDuration(c.Timeout) }
func (c LimiterConfig) Timeout() time.Duration { return mustDuration(c.CallTimeout) }
func (c JobsConfig) Poll() time.Duration { return mustDuration(c.PollInterval) }
func (c StyleConfig) TTL() time.Duration { return mustDuration(c.CacheTTL) }

// mustDuration parses a duration already checked by Validate.
func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
