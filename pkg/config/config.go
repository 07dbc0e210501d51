// Package config loads chatrelay settings: defaults, then a YAML file, then CHATRELAY_* environment
// variables. Command-line flags are applied last by the caller.
package config

import (
	"bytes"
	stderrors "errors"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/chatrelay/pkg/llm"
	"github.com/go-go-golems/chatrelay/pkg/redisstream"
	"github.com/go-go-golems/chatrelay/pkg/relay"
)

const EnvPrefix = "CHATRELAY_"

type Config struct {
	Server ServerSettings       `yaml:"server"`
	Store  StoreSettings        `yaml:"store"`
	LLM    LLMSettings          `yaml:"llm"`
	Relay  RelaySettings        `yaml:"relay"`
	Title  TitleSettings        `yaml:"title"`
	Redis  redisstream.Settings `yaml:"redis"`
	Log    LogSettings          `yaml:"log"`
}

type ServerSettings struct {
	Addr            string        `yaml:"addr"`
	RequestTimeout  time.Duration `yaml:"request-timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown-timeout"`
	UserHeader      string        `yaml:"user-header"`
	// WSIdleTimeout is how long a channel subscription outlives its last websocket.
	WSIdleTimeout  time.Duration `yaml:"ws-idle-timeout"`
	AllowedOrigins []string      `yaml:"allowed-origins"`
}

type StoreSettings struct {
	// Driver is "sqlite" or "memory".
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

type LLMSettings struct {
	// Provider is "openai" (any OpenAI-compatible API) or "echo".
	Provider    string        `yaml:"provider"`
	BaseURL     string        `yaml:"base-url"`
	APIKey      string        `yaml:"api-key"`
	Model       string        `yaml:"model"`
	Temperature float32       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
}

type RelaySettings struct {
	FlushInterval  time.Duration `yaml:"flush-interval"`
	FragmentDelay  time.Duration `yaml:"fragment-delay"`
	LivenessWindow time.Duration `yaml:"liveness-window"`
}

type TitleSettings struct {
	Model string `yaml:"model"`
	// TokenBudget caps the conversation excerpt sent for titling. Zero disables the cap.
	TokenBudget int `yaml:"token-budget"`
}

type LogSettings struct {
	Level string `yaml:"level"`
	// Format is "auto", "console" or "json".
	Format string `yaml:"format"`
}

func Default() Config {
	return Config{
		Server: ServerSettings{
			Addr:            ":8080",
			RequestTimeout:  120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			UserHeader:      "X-User-ID",
			WSIdleTimeout:   time.Minute,
		},
		Store: StoreSettings{Driver: "sqlite", Path: "chatrelay.db"},
		LLM: LLMSettings{
			Provider:    "openai",
			BaseURL:     llm.DefaultBaseURL,
			Model:       llm.DefaultModel,
			Temperature: llm.DefaultTemperature,
			Timeout:     120 * time.Second,
		},
		Relay: RelaySettings{
			FlushInterval:  relay.DefaultFlushInterval,
			FragmentDelay:  relay.DefaultFragmentDelay,
			LivenessWindow: relay.DefaultLivenessWindow,
		},
		Title: TitleSettings{Model: llm.DefaultModel, TokenBudget: 2048},
		Redis: redisstream.DefaultSettings(),
		Log:   LogSettings{Level: "info", Format: "auto"},
	}
}

// Load returns defaults overlaid with the YAML file at path (if any) and the environment.
func Load(path string, lookupEnv func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrapf(err, "read config %s", path)
		}
		if err := Decode(data, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "parse config %s", path)
		}
	}
	if lookupEnv == nil {
		lookupEnv = os.LookupEnv
	}
	if err := cfg.ApplyEnv(lookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Decode overlays YAML onto cfg. Unknown keys are rejected.
func Decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !stderrors.Is(err, io.EOF) {
		return err
	}
	return nil
}

type envBinding struct {
	key string
	set func(string) error
}

func (c *Config) envBindings() []envBinding {
	str := func(dst *string) func(string) error {
		return func(v string) error { *dst = v; return nil }
	}
	dur := func(dst *time.Duration) func(string) error {
		return func(v string) error {
			d, err := time.ParseDuration(v)
			if err != nil {
				return err
			}
			*dst = d
			return nil
		}
	}
	return []envBinding{
		{"ADDR", str(&c.Server.Addr)},
		{"REQUEST_TIMEOUT", dur(&c.Server.RequestTimeout)},
		{"USER_HEADER", str(&c.Server.UserHeader)},
		{"STORE_DRIVER", str(&c.Store.Driver)},
		{"STORE_PATH", str(&c.Store.Path)},
		{"LLM_PROVIDER", str(&c.LLM.Provider)},
		{"LLM_BASE_URL", str(&c.LLM.BaseURL)},
		{"LLM_API_KEY", str(&c.LLM.APIKey)},
		{"LLM_MODEL", str(&c.LLM.Model)},
		{"LLM_TEMPERATURE", func(v string) error {
			f, err := strconv.ParseFloat(v, 32)
			if err != nil {
				return err
			}
			c.LLM.Temperature = float32(f)
			return nil
		}},
		{"FLUSH_INTERVAL", dur(&c.Relay.FlushInterval)},
		{"FRAGMENT_DELAY", dur(&c.Relay.FragmentDelay)},
		{"LIVENESS_WINDOW", dur(&c.Relay.LivenessWindow)},
		{"TITLE_MODEL", str(&c.Title.Model)},
		{"REDIS_ENABLED", func(v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return err
			}
			c.Redis.Enabled = b
			return nil
		}},
		{"REDIS_ADDR", str(&c.Redis.Addr)},
		{"REDIS_PASSWORD", str(&c.Redis.Password)},
		{"REDIS_INSTANCE", str(&c.Redis.Instance)},
		{"LOG_LEVEL", str(&c.Log.Level)},
		{"LOG_FORMAT", str(&c.Log.Format)},
	}
}

// ApplyEnv overlays CHATRELAY_* variables. OPENROUTER_API_KEY is honored when no key is set.
func (c *Config) ApplyEnv(lookupEnv func(string) (string, bool)) error {
	for _, b := range c.envBindings() {
		v, ok := lookupEnv(EnvPrefix + b.key)
		if !ok {
			continue
		}
		if err := b.set(strings.TrimSpace(v)); err != nil {
			return errors.Wrapf(err, "invalid %s%s", EnvPrefix, b.key)
		}
	}
	if c.LLM.APIKey == "" {
		if v, ok := lookupEnv("OPENROUTER_API_KEY"); ok {
			c.LLM.APIKey = strings.TrimSpace(v)
		}
	}
	return nil
}

func (c Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite":
		if strings.TrimSpace(c.Store.Path) == "" {
			return errors.New("store.path is required for the sqlite driver")
		}
	case "memory":
	default:
		return errors.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	switch c.LLM.Provider {
	case "openai", "echo":
	default:
		return errors.Errorf("unknown llm.provider %q", c.LLM.Provider)
	}
	switch c.Log.Format {
	case "auto", "console", "json":
	default:
		return errors.Errorf("unknown log.format %q", c.Log.Format)
	}
	if c.Server.RequestTimeout <= 0 {
		return errors.New("server.request-timeout must be positive")
	}
	if c.Relay.FlushInterval < 0 || c.Relay.FragmentDelay < 0 {
		return errors.New("relay intervals must be >= 0")
	}
	if c.Relay.LivenessWindow <= 0 {
		return errors.New("relay.liveness-window must be positive")
	}
	if c.Title.TokenBudget < 0 {
		return errors.New("title.token-budget must be >= 0")
	}
	return c.Redis.Validate()
}
