package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidBackendNames lists the adapter names the default registry knows about.
// Used by [Validate] to warn about unrecognised backends.
var ValidBackendNames = []string{
	"openai", "anthropic", "gemini", "ollama",
	"deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// ValidLatencyClasses lists the recognised latency class overrides.
var ValidLatencyClasses = []string{"fast", "balanced", "slow"}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. ${VAR} references are expanded from the environment
// before decoding so API keys can stay out of the file.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.Expand(string(raw), func(name string) string {
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return "${" + name + "}"
	})

	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued tuning knobs with their documented
// defaults. Explicit zero values that are meaningful (e.g., Disabled=false)
// are untouched.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	if cfg.Analysis.WordDropGuard == 0 {
		cfg.Analysis.WordDropGuard = 0.15
	}
	if cfg.Analysis.StaleJobTimeoutMinutes == 0 {
		cfg.Analysis.StaleJobTimeoutMinutes = 15
	}
	if cfg.Analysis.MaxConcurrentJobs == 0 {
		cfg.Analysis.MaxConcurrentJobs = 4
	}

	s := &cfg.Speaker
	if s.TalkTimeIdealMin == 0 {
		s.TalkTimeIdealMin = 30
	}
	if s.TalkTimeIdealMax == 0 {
		s.TalkTimeIdealMax = 40
	}
	if s.QuestionSharePercent == 0 {
		s.QuestionSharePercent = 60
	}
	if s.ShortTurnWords == 0 {
		s.ShortTurnWords = 50
	}
	if s.WeightIdealTalk == 0 {
		s.WeightIdealTalk = 0.4
	}
	if s.WeightLowTalk == 0 {
		s.WeightLowTalk = 0.2
	}
	if s.WeightQuestions == 0 {
		s.WeightQuestions = 0.3
	}
	if s.WeightShortTurn == 0 {
		s.WeightShortTurn = 0.2
	}
	if s.WeightLanguage == 0 {
		s.WeightLanguage = 0.1
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Providers
	names := make(map[string]int, len(cfg.Providers))
	for i, p := range cfg.Providers {
		prefix := fmt.Sprintf("providers[%d]", i)
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := names[p.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of providers[%d]", prefix, p.Name, prev))
			}
			names[p.Name] = i
		}
		if p.Backend == "" {
			errs = append(errs, fmt.Errorf("%s.backend is required", prefix))
		} else if !slices.Contains(ValidBackendNames, p.Backend) {
			slog.Warn("unknown backend name — may be a typo or third-party adapter",
				"provider", p.Name,
				"backend", p.Backend,
				"known", ValidBackendNames,
			)
		}
		if p.Model == "" {
			errs = append(errs, fmt.Errorf("%s.model is required", prefix))
		}
		if p.CostPerInputToken < 0 || p.CostPerOutputToken < 0 {
			errs = append(errs, fmt.Errorf("%s: token costs must not be negative", prefix))
		}
		if p.LatencyClass != "" && !slices.Contains(ValidLatencyClasses, p.LatencyClass) {
			errs = append(errs, fmt.Errorf("%s.latency_class %q is invalid; valid values: fast, balanced, slow", prefix, p.LatencyClass))
		}
	}

	// Routing chains must reference declared, enabled providers.
	for _, chain := range []struct {
		name string
		cc   ChainConfig
	}{
		{"routing.correction", cfg.Routing.Correction},
		{"routing.competency", cfg.Routing.Competency},
		{"routing.insight", cfg.Routing.Insight},
	} {
		if len(chain.cc.Chain) == 0 {
			errs = append(errs, fmt.Errorf("%s.chain must list at least one provider", chain.name))
			continue
		}
		for _, ref := range chain.cc.Chain {
			idx, ok := names[ref]
			if !ok {
				errs = append(errs, fmt.Errorf("%s.chain references undeclared provider %q", chain.name, ref))
				continue
			}
			if cfg.Providers[idx].Disabled {
				slog.Warn("routing chain references disabled provider; it will be skipped",
					"chain", chain.name, "provider", ref)
			}
		}
		for tier, start := range chain.cc.Promote {
			if start < 0 || start >= len(chain.cc.Chain) {
				errs = append(errs, fmt.Errorf("%s.promote[%s] index %d is out of range [0, %d)", chain.name, tier, start, len(chain.cc.Chain)))
			}
		}
	}

	// Speaker heuristics
	if cfg.Speaker.TalkTimeIdealMin >= cfg.Speaker.TalkTimeIdealMax {
		errs = append(errs, fmt.Errorf("speaker.talk_time_ideal_min %.1f must be below talk_time_ideal_max %.1f", cfg.Speaker.TalkTimeIdealMin, cfg.Speaker.TalkTimeIdealMax))
	}
	if cfg.Speaker.QuestionSharePercent <= 0 || cfg.Speaker.QuestionSharePercent > 100 {
		errs = append(errs, fmt.Errorf("speaker.question_share_percent %.1f is out of range (0, 100]", cfg.Speaker.QuestionSharePercent))
	}

	// Analysis
	if cfg.Analysis.WordDropGuard < 0 || cfg.Analysis.WordDropGuard >= 1 {
		errs = append(errs, fmt.Errorf("analysis.word_drop_guard %.2f is out of range [0, 1)", cfg.Analysis.WordDropGuard))
	}

	// Collaborators
	if cfg.Collaborators.TranscriptsURL == "" {
		slog.Warn("collaborators.transcripts_url is empty; analyses can only run with segments supplied in the request")
	}
	if cfg.Collaborators.PlanGateURL == "" {
		slog.Warn("collaborators.plan_gate_url is empty; plan gating is disabled")
	}

	return errors.Join(errs...)
}
