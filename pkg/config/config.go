// Package config loads grillo settings from flags, environment and an
// optional YAML file through viper.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/grillo/pkg/engine"
	"github.com/go-go-golems/grillo/pkg/orchestrator"
	"github.com/go-go-golems/grillo/pkg/redisstream"
	"github.com/go-go-golems/grillo/pkg/turn"
)

const EnvPrefix = "GRILLO"

type ServerSettings struct {
	Addr             string        `mapstructure:"addr" yaml:"addr"`
	IdleTTL          time.Duration `mapstructure:"idle-ttl" yaml:"idle-ttl"`
	ReportGraceTTL   time.Duration `mapstructure:"report-grace-ttl" yaml:"report-grace-ttl"`
	EvictionInterval time.Duration `mapstructure:"eviction-interval" yaml:"eviction-interval"`
	AudioTTL         time.Duration `mapstructure:"audio-ttl" yaml:"audio-ttl"`
}

type StoreSettings struct {
	// Backend is one of memory, redis or sqlite.
	Backend       string        `mapstructure:"backend" yaml:"backend"`
	RedisAddr     string        `mapstructure:"redis-addr" yaml:"redis-addr"`
	RedisPassword string        `mapstructure:"redis-password" yaml:"redis-password"`
	RedisDB       int           `mapstructure:"redis-db" yaml:"redis-db"`
	Prefix        string        `mapstructure:"prefix" yaml:"prefix"`
	SQLitePath    string        `mapstructure:"sqlite-path" yaml:"sqlite-path"`
	LockLease     time.Duration `mapstructure:"lock-lease" yaml:"lock-lease"`
	// RequireRedis refuses to start when the redis backend is unreachable
	// instead of degrading to the in-memory store.
	RequireRedis bool `mapstructure:"require-redis" yaml:"require-redis"`
}

type EngineSettings struct {
	// Provider is one of scripted, openai or groq.
	Provider     string  `mapstructure:"provider" yaml:"provider"`
	BaseURL      string  `mapstructure:"base-url" yaml:"base-url"`
	APIKey       string  `mapstructure:"api-key" yaml:"api-key"`
	ChatModel    string  `mapstructure:"chat-model" yaml:"chat-model"`
	ScoringModel string  `mapstructure:"scoring-model" yaml:"scoring-model"`
	STTModel     string  `mapstructure:"stt-model" yaml:"stt-model"`
	TTSModel     string  `mapstructure:"tts-model" yaml:"tts-model"`
	Voice        string  `mapstructure:"voice" yaml:"voice"`
	Temperature  float32 `mapstructure:"temperature" yaml:"temperature"`
	ResumeTokens int     `mapstructure:"resume-tokens" yaml:"resume-tokens"`
}

type PolicySettings struct {
	SilenceStreak   int     `mapstructure:"silence-streak" yaml:"silence-streak"`
	ClosingFraction float64 `mapstructure:"closing-fraction" yaml:"closing-fraction"`
	MaxTurns        int     `mapstructure:"max-turns" yaml:"max-turns"`
	TurnsPerMinute  int     `mapstructure:"turns-per-minute" yaml:"turns-per-minute"`
	MinTurns        int     `mapstructure:"min-turns" yaml:"min-turns"`
}

type ClientSettings struct {
	Server string `mapstructure:"server" yaml:"server"`
}

type Settings struct {
	Server ServerSettings       `mapstructure:"server" yaml:"server"`
	Store  StoreSettings        `mapstructure:"store" yaml:"store"`
	Events redisstream.Settings `mapstructure:"events" yaml:"events"`
	Engine EngineSettings       `mapstructure:"engine" yaml:"engine"`
	Policy PolicySettings       `mapstructure:"policy" yaml:"policy"`
	Turn   turn.Thresholds      `mapstructure:"turn" yaml:"turn"`
	Client ClientSettings       `mapstructure:"client" yaml:"client"`
}

func Defaults() Settings {
	p := orchestrator.DefaultPolicy()
	return Settings{
		Server: ServerSettings{
			Addr:             ":8080",
			IdleTTL:          30 * time.Minute,
			ReportGraceTTL:   10 * time.Minute,
			EvictionInterval: time.Minute,
			AudioTTL:         15 * time.Minute,
		},
		Store: StoreSettings{
			Backend:    "memory",
			RedisAddr:  "localhost:6379",
			Prefix:     "grillo",
			SQLitePath: "grillo.db",
			LockLease:  2 * time.Minute,
		},
		Events: redisstream.DefaultSettings(),
		Engine: EngineSettings{
			Provider:     "scripted",
			Temperature:  0.6,
			ResumeTokens: engine.DefaultResumeTokens,
		},
		Policy: PolicySettings{
			SilenceStreak:   p.SilenceStreak,
			ClosingFraction: p.ClosingFraction,
			MaxTurns:        p.MaxTurns,
			TurnsPerMinute:  p.TurnsPerMinute,
			MinTurns:        p.MinTurns,
		},
		Turn:   turn.DefaultThresholds(),
		Client: ClientSettings{Server: "http://localhost:8080"},
	}
}

// envAliases are accepted next to the GRILLO_SECTION_KEY names.
var envAliases = map[string][]string{
	"store.redis-addr": {"GRILLO_REDIS_ADDR"},
	"engine.api-key":   {"GRILLO_OPENAI_API_KEY", "GROQ_API_KEY", "OPENAI_API_KEY"},
}

// NewViper builds a viper instance with defaults, environment binding and,
// when present, the config file. An explicit configFile must exist; the
// default $HOME/.grillo/config.yaml is optional.
func NewViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for key, names := range envAliases {
		args := append([]string{key, envName(key)}, names...)
		if err := v.BindEnv(args...); err != nil {
			return nil, errors.Wrapf(err, "bind env for %s", key)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", configFile)
		}
		return v, nil
	}
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".grillo"))
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config")
		}
	}
	return v, nil
}

func envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(key))
}

// SetDefaults registers every known key so environment variables resolve
// during Unmarshal.
func SetDefaults(v *viper.Viper) {
	for key, value := range flatten("", toMap(Defaults())) {
		v.SetDefault(key, value)
	}
}

// Load decodes and validates the settings held by v.
func Load(v *viper.Viper) (Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, errors.Wrap(err, "decode settings")
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s Settings) Validate() error {
	switch s.Store.Backend {
	case "memory", "redis", "sqlite":
	default:
		return errors.Errorf("store.backend: unknown backend %q", s.Store.Backend)
	}
	switch s.Engine.Provider {
	case "scripted":
	case "openai", "groq":
		if strings.TrimSpace(s.Engine.APIKey) == "" {
			return errors.Errorf("engine.api-key is required for provider %s", s.Engine.Provider)
		}
	default:
		return errors.Errorf("engine.provider: unknown provider %q", s.Engine.Provider)
	}
	if s.Server.IdleTTL <= 0 || s.Server.ReportGraceTTL <= 0 {
		return errors.New("server ttls must be positive")
	}
	if s.Policy.ClosingFraction < 0 || s.Policy.ClosingFraction >= 1 {
		return errors.Errorf("policy.closing-fraction %v outside [0,1)", s.Policy.ClosingFraction)
	}
	return nil
}

func (p PolicySettings) ToPolicy() orchestrator.Policy {
	return orchestrator.Policy{
		SilenceStreak:   p.SilenceStreak,
		ClosingFraction: p.ClosingFraction,
		MaxTurns:        p.MaxTurns,
		TurnsPerMinute:  p.TurnsPerMinute,
		MinTurns:        p.MinTurns,
	}
}

// OpenAIConfig fills provider specific defaults. Groq gets its endpoint and
// the models the hosted service offers; it has no speech synthesis.
func (e EngineSettings) OpenAIConfig() engine.OpenAIConfig {
	cfg := engine.OpenAIConfig{
		APIKey:       e.APIKey,
		BaseURL:      e.BaseURL,
		ChatModel:    e.ChatModel,
		ScoringModel: e.ScoringModel,
		STTModel:     e.STTModel,
		TTSModel:     e.TTSModel,
		Voice:        e.Voice,
		Temperature:  e.Temperature,
		ResumeTokens: e.ResumeTokens,
	}
	if e.Provider == "groq" {
		if cfg.BaseURL == "" {
			cfg.BaseURL = engine.GroqBaseURL
		}
		if cfg.ChatModel == "" {
			cfg.ChatModel = "llama-3.1-8b-instant"
		}
		if cfg.STTModel == "" {
			cfg.STTModel = "whisper-large-v3-turbo"
		}
	}
	return cfg
}

// SpeechEnabled reports whether the provider should synthesize speech.
func (e EngineSettings) SpeechEnabled() bool {
	if e.Provider == "groq" {
		return e.TTSModel != ""
	}
	return e.Provider == "openai"
}

// Dump renders the effective settings as YAML with secrets masked.
func Dump(s Settings) ([]byte, error) {
	if s.Engine.APIKey != "" {
		s.Engine.APIKey = "***"
	}
	if s.Store.RedisPassword != "" {
		s.Store.RedisPassword = "***"
	}
	return yaml.Marshal(toMap(s))
}

// toMap round-trips s through YAML so durations render as strings and the
// keys match the mapstructure names.
func toMap(s Settings) map[string]any {
	out := map[string]any{}
	node := yaml.Node{}
	if err := node.Encode(s); err != nil {
		return out
	}
	_ = node.Decode(&out)
	return stringifyDurations(out, s)
}

func stringifyDurations(m map[string]any, s Settings) map[string]any {
	durations := map[string]time.Duration{
		"server.idle-ttl":          s.Server.IdleTTL,
		"server.report-grace-ttl":  s.Server.ReportGraceTTL,
		"server.eviction-interval": s.Server.EvictionInterval,
		"server.audio-ttl":         s.Server.AudioTTL,
		"store.lock-lease":         s.Store.LockLease,
		"turn.silence-hold":        s.Turn.SilenceHold,
		"turn.max-listen":          s.Turn.MaxListen,
		"turn.inactivity-timeout":  s.Turn.InactivityTimeout,
	}
	for key, d := range durations {
		section, name, _ := strings.Cut(key, ".")
		if sub, ok := m[section].(map[string]any); ok {
			sub[name] = d.String()
		}
	}
	return m
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := map[string]any{}
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := val.(map[string]any); ok {
			for sk, sv := range flatten(key, sub) {
				out[sk] = sv
			}
			continue
		}
		out[key] = val
	}
	return out
}
