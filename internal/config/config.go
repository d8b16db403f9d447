// Package config loads parley settings from parley.yaml, PARLEY_* environment
// variables and a nearby .env file.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	EnvPrefix  = "PARLEY"
	configName = "parley"
)

type Config struct {
	Log         LogConfig         `mapstructure:"log"`
	DataDir     string            `mapstructure:"data_dir"`
	Transcripts TranscriptsConfig `mapstructure:"transcripts"`
	Catalog     CatalogConfig     `mapstructure:"catalog"`
	Engine      EngineConfig      `mapstructure:"engine"`
	Events      EventsConfig      `mapstructure:"events"`
	Server      ServerConfig      `mapstructure:"server"`
	Defaults    DefaultsConfig    `mapstructure:"defaults"`
	Sources     []SourceConfig    `mapstructure:"sources"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Caller bool   `mapstructure:"caller"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Prefix   string `mapstructure:"prefix"`
	Group    string `mapstructure:"group"`
	Consumer string `mapstructure:"consumer"`
}

type TranscriptsConfig struct {
	// Backend is file, redis or memory.
	Backend string      `mapstructure:"backend"`
	Layout  string      `mapstructure:"layout"`
	Dir     string      `mapstructure:"dir"`
	Redis   RedisConfig `mapstructure:"redis"`
}

type CatalogConfig struct {
	// Driver is sqlite (pure Go), sqlite3 (cgo) or memory.
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

type EngineConfig struct {
	CommitPolicy   string        `mapstructure:"commit_policy"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	SinkBuffer     int           `mapstructure:"sink_buffer"`
}

type EventsConfig struct {
	// Backend is memory or redis.
	Backend string      `mapstructure:"backend"`
	Redis   RedisConfig `mapstructure:"redis"`
}

type ServerConfig struct {
	Addr  string `mapstructure:"addr"`
	Token string `mapstructure:"token"`
}

type DefaultsConfig struct {
	Source string `mapstructure:"source"`
	Model  string `mapstructure:"model"`
}

// SourceConfig is an upstream seeded into the catalog at startup.
type SourceConfig struct {
	ID        string `mapstructure:"id"`
	Name      string `mapstructure:"name"`
	API       string `mapstructure:"api"`
	BaseURL   string `mapstructure:"base_url"`
	APIKey    string `mapstructure:"api_key"`
	APIKeyEnv string `mapstructure:"api_key_env"`
	Model     string `mapstructure:"model"`
}

// ResolvedAPIKey returns APIKey, or the value of APIKeyEnv when APIKey is empty.
func (s SourceConfig) ResolvedAPIKey() string {
	if key := strings.TrimSpace(s.APIKey); key != "" {
		return key
	}
	if env := strings.TrimSpace(s.APIKeyEnv); env != "" {
		return strings.TrimSpace(os.Getenv(env))
	}
	return ""
}

// Options controls where Load looks.
type Options struct {
	// File is an explicit config file; it must exist when set.
	File string
	// SearchDirs replaces the default search path (cwd, then ~/.parley).
	SearchDirs []string
	// DotEnvDir is where the .env lookup starts; "" means cwd.
	DotEnvDir  string
	SkipDotEnv bool
	// Overrides take precedence over every other source, e.g. CLI flags.
	Overrides map[string]any
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.caller", false)
	v.SetDefault("data_dir", "~/.parley")
	v.SetDefault("transcripts.backend", "file")
	v.SetDefault("transcripts.layout", "namespaced")
	v.SetDefault("transcripts.dir", "")
	v.SetDefault("transcripts.redis.addr", "localhost:6379")
	v.SetDefault("transcripts.redis.prefix", "parley")
	v.SetDefault("catalog.driver", "sqlite")
	v.SetDefault("catalog.path", "")
	v.SetDefault("engine.commit_policy", "partial")
	v.SetDefault("engine.request_timeout", 5*time.Minute)
	v.SetDefault("engine.sink_buffer", 64)
	v.SetDefault("events.backend", "memory")
	v.SetDefault("events.redis.addr", "localhost:6379")
	v.SetDefault("events.redis.group", "parley")
	v.SetDefault("events.redis.consumer", "parley-1")
	v.SetDefault("server.addr", "127.0.0.1:8080")
	v.SetDefault("server.token", "")
	v.SetDefault("defaults.source", "")
	v.SetDefault("defaults.model", "")
}

// Load resolves the configuration. A missing parley.yaml on the search path
// is not an error; defaults and the environment still apply.
func Load(opts Options) (*Config, string, error) {
	if !opts.SkipDotEnv {
		if _, err := LoadDotEnv(opts.DotEnvDir); err != nil {
			return nil, "", err
		}
	}
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file := strings.TrimSpace(opts.File); file != "" {
		v.SetConfigFile(expandHome(file))
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		dirs := opts.SearchDirs
		if dirs == nil {
			dirs = []string{".", "~/.parley"}
		}
		for _, dir := range dirs {
			v.AddConfigPath(expandHome(dir))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if opts.File != "" || !errors.As(err, &notFound) {
			return nil, "", errors.Wrap(err, "config: read")
		}
	}
	for key, value := range opts.Overrides {
		v.Set(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, "", errors.Wrap(err, "config: decode")
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return &cfg, v.ConfigFileUsed(), nil
}

func (c *Config) normalize() {
	c.DataDir = expandHome(strings.TrimSpace(c.DataDir))
	c.Transcripts.Backend = strings.ToLower(strings.TrimSpace(c.Transcripts.Backend))
	c.Transcripts.Dir = expandHome(strings.TrimSpace(c.Transcripts.Dir))
	if c.Transcripts.Dir == "" {
		c.Transcripts.Dir = filepath.Join(c.DataDir, "transcripts")
	}
	c.Catalog.Driver = strings.ToLower(strings.TrimSpace(c.Catalog.Driver))
	c.Catalog.Path = expandHome(strings.TrimSpace(c.Catalog.Path))
	if c.Catalog.Path == "" && c.Catalog.Driver != "memory" {
		c.Catalog.Path = filepath.Join(c.DataDir, "parley.db")
	}
	c.Events.Backend = strings.ToLower(strings.TrimSpace(c.Events.Backend))
	for i := range c.Sources {
		c.Sources[i].ID = strings.TrimSpace(c.Sources[i].ID)
	}
}

// Validate rejects settings no component can honour.
func (c *Config) Validate() error {
	switch c.Transcripts.Backend {
	case "file", "redis", "memory":
	default:
		return errors.Errorf("config: unknown transcripts.backend %q", c.Transcripts.Backend)
	}
	switch c.Transcripts.Layout {
	case "namespaced", "session_only":
	default:
		return errors.Errorf("config: unknown transcripts.layout %q", c.Transcripts.Layout)
	}
	switch c.Catalog.Driver {
	case "sqlite", "sqlite3", "memory":
	default:
		return errors.Errorf("config: unknown catalog.driver %q", c.Catalog.Driver)
	}
	switch c.Events.Backend {
	case "memory", "redis":
	default:
		return errors.Errorf("config: unknown events.backend %q", c.Events.Backend)
	}
	switch strings.ToLower(strings.TrimSpace(c.Engine.CommitPolicy)) {
	case "", "partial", "discard":
	default:
		return errors.Errorf("config: unknown engine.commit_policy %q", c.Engine.CommitPolicy)
	}
	if c.Engine.RequestTimeout < 0 {
		return errors.New("config: engine.request_timeout must not be negative")
	}
	seen := map[string]bool{}
	for _, src := range c.Sources {
		if src.ID == "" {
			return errors.New("config: every source needs an id")
		}
		if seen[src.ID] {
			return errors.Errorf("config: duplicate source id %q", src.ID)
		}
		seen[src.ID] = true
	}
	return nil
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
