package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

func stringKey(key, env string, field func(cfg *Config) *string) keySpec {
	return keySpec{
		key: key, typ: kString, env: env,
		apply:   func(cfg *Config, v any) { *field(cfg) = v.(string) },
		extract: func(cfg Config) any { return *field(&cfg) },
	}
}

func intKey(key, env string, field func(cfg *Config) *int) keySpec {
	return keySpec{
		key: key, typ: kInt, env: env,
		apply:   func(cfg *Config, v any) { *field(cfg) = v.(int) },
		extract: func(cfg Config) any { return *field(&cfg) },
	}
}

func floatKey(key, env string, field func(cfg *Config) *float64) keySpec {
	return keySpec{
		key: key, typ: kFloat, env: env,
		apply:   func(cfg *Config, v any) { *field(cfg) = v.(float64) },
		extract: func(cfg Config) any { return *field(&cfg) },
	}
}

func boolKey(key, env string, field func(cfg *Config) *bool) keySpec {
	return keySpec{
		key: key, typ: kBool, env: env,
		apply:   func(cfg *Config, v any) { *field(cfg) = v.(bool) },
		extract: func(cfg Config) any { return *field(&cfg) },
	}
}

var specs = []keySpec{
	intKey("server.port", "INKWELL_SERVER_PORT", func(c *Config) *int { return &c.Server.Port }),
	boolKey("server.mcp_stdio", "INKWELL_SERVER_MCP_STDIO", func(c *Config) *bool { return &c.Server.MCPStdio }),
	stringKey("storage.data_dir", "INKWELL_STORAGE_DATA_DIR", func(c *Config) *string { return &c.Storage.DataDir }),
	stringKey("log.level", "INKWELL_LOG_LEVEL", func(c *Config) *string { return &c.Log.Level }),

	stringKey("llm.provider", "INKWELL_LLM_PROVIDER", func(c *Config) *string { return &c.LLM.Provider }),
	stringKey("llm.base_url", "INKWELL_LLM_BASE_URL", func(c *Config) *string { return &c.LLM.BaseURL }),
	{
		key: SecretLLMAPIKey, typ: kString, env: "INKWELL_LLM_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.LLM.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.APIKey },
	},
	stringKey("llm.model", "INKWELL_LLM_MODEL", func(c *Config) *string { return &c.LLM.Model }),
	stringKey("llm.extraction_model", "INKWELL_LLM_EXTRACTION_MODEL", func(c *Config) *string { return &c.LLM.ExtractionModel }),
	intKey("llm.requests_per_minute", "INKWELL_LLM_REQUESTS_PER_MINUTE", func(c *Config) *int { return &c.LLM.RequestsPerMinute }),
	stringKey("llm.timeout", "INKWELL_LLM_TIMEOUT", func(c *Config) *string { return &c.LLM.Timeout }),
	stringKey("llm.ollama_url", "INKWELL_LLM_OLLAMA_URL", func(c *Config) *string { return &c.LLM.OllamaURL }),
	stringKey("llm.ollama_model", "INKWELL_LLM_OLLAMA_MODEL", func(c *Config) *string { return &c.LLM.OllamaModel }),

	intKey("limiter.max_concurrent", "INKWELL_LIMITER_MAX_CONCURRENT", func(c *Config) *int { return &c.Limiter.MaxConcurrent }),
	stringKey("limiter.call_timeout", "INKWELL_LIMITER_CALL_TIMEOUT", func(c *Config) *string { return &c.Limiter.CallTimeout }),

	intKey("generation.max_repair_attempts", "INKWELL_GENERATION_MAX_REPAIR_ATTEMPTS", func(c *Config) *int { return &c.Generation.MaxRepairAttempts }),
	floatKey("generation.temperature", "INKWELL_GENERATION_TEMPERATURE", func(c *Config) *float64 { return &c.Generation.Temperature }),
	intKey("generation.max_tokens", "INKWELL_GENERATION_MAX_TOKENS", func(c *Config) *int { return &c.Generation.MaxTokens }),
	intKey("generation.context_tokens", "INKWELL_GENERATION_CONTEXT_TOKENS", func(c *Config) *int { return &c.Generation.ContextTokens }),
	intKey("generation.recent_chapters", "INKWELL_GENERATION_RECENT_CHAPTERS", func(c *Config) *int { return &c.Generation.RecentChapters }),
	intKey("generation.summary_chapters", "INKWELL_GENERATION_SUMMARY_CHAPTERS", func(c *Config) *int { return &c.Generation.SummaryChapters }),

	floatKey("continuity.pass_score", "INKWELL_CONTINUITY_PASS_SCORE", func(c *Config) *float64 { return &c.Continuity.PassScore }),
	floatKey("continuity.reject_score", "INKWELL_CONTINUITY_REJECT_SCORE", func(c *Config) *float64 { return &c.Continuity.RejectScore }),
	floatKey("continuity.weights.opening", "INKWELL_CONTINUITY_WEIGHTS_OPENING", func(c *Config) *float64 { return &c.Continuity.Weights.Opening }),
	floatKey("continuity.weights.event", "INKWELL_CONTINUITY_WEIGHTS_EVENT", func(c *Config) *float64 { return &c.Continuity.Weights.Event }),
	floatKey("continuity.weights.hook", "INKWELL_CONTINUITY_WEIGHTS_HOOK", func(c *Config) *float64 { return &c.Continuity.Weights.Hook }),
	floatKey("continuity.weights.timeline", "INKWELL_CONTINUITY_WEIGHTS_TIMELINE", func(c *Config) *float64 { return &c.Continuity.Weights.Timeline }),
	floatKey("continuity.near_match_ratio", "INKWELL_CONTINUITY_NEAR_MATCH_RATIO", func(c *Config) *float64 { return &c.Continuity.NearMatchRatio }),

	intKey("branches.keep", "INKWELL_BRANCHES_KEEP", func(c *Config) *int { return &c.Branches.Keep }),

	intKey("jobs.workers", "INKWELL_JOBS_WORKERS", func(c *Config) *int { return &c.Jobs.Workers }),
	stringKey("jobs.poll_interval", "INKWELL_JOBS_POLL_INTERVAL", func(c *Config) *string { return &c.Jobs.PollInterval }),

	stringKey("style.cache_ttl", "INKWELL_STYLE_CACHE_TTL", func(c *Config) *string { return &c.Style.CacheTTL }),
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				bv, err := strconv.ParseBool(v)
				if err != nil {
					return fmt.Errorf("reading %s: invalid bool %q", s.key, v)
				}
				s.apply(cfg, bv)
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				f, err := strconv.ParseFloat(v, 64)
				if err != nil {
					return fmt.Errorf("reading %s: invalid number %q", s.key, v)
				}
				s.apply(cfg, f)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using configured value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}

func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	default:
		return raw, nil
	}
}
