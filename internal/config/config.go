// Package config handles companion configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order used when no
// explicit path is given: ./config.yaml, ~/.config/companion/config.yaml,
// /etc/companion/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "companion", "config.yaml"))
	}

	paths = append(paths, "/etc/companion/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must
// exist. Otherwise the first existing entry of DefaultSearchPaths wins.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all companion configuration.
type Config struct {
	Listen     ListenConfig    `yaml:"listen"`
	Models     ModelsConfig    `yaml:"models"`
	OpenAI     OpenAIConfig    `yaml:"openai"`
	Anthropic  AnthropicConfig `yaml:"anthropic"`
	Ollama     OllamaConfig    `yaml:"ollama"`
	Engine     EngineConfig    `yaml:"engine"`
	Scheduler  SchedulerConfig `yaml:"scheduler"`
	Weather    WeatherConfig   `yaml:"weather"`
	MQTT       MQTTConfig      `yaml:"mqtt"`
	API        APIConfig       `yaml:"api"`
	DataDir    string          `yaml:"data_dir"`
	PersonaDir string          `yaml:"persona_dir"`
	LogLevel   string          `yaml:"log_level"`
	LogFormat  string          `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the API server bind address.
type ListenConfig struct {
	Address string `yaml:"address"` // "" = all interfaces
	Port    int    `yaml:"port"`
}

// ModelsConfig selects the default model and maps model names to
// completion providers.
type ModelsConfig struct {
	Default     string        `yaml:"default"`
	Provider    string        `yaml:"provider"` // provider for unmapped models
	Temperature float64       `yaml:"temperature"`
	Available   []ModelConfig `yaml:"available"`
}

// ModelConfig routes one model name to a provider.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // openai, anthropic, ollama
}

// OpenAIConfig configures any OpenAI-compatible chat completions endpoint.
type OpenAIConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// Configured reports whether an endpoint has been set.
func (c OpenAIConfig) Configured() bool { return c.BaseURL != "" }

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// Configured reports whether an API key has been set.
func (c AnthropicConfig) Configured() bool { return c.APIKey != "" }

// OllamaConfig defines the local Ollama endpoint.
type OllamaConfig struct {
	URL string `yaml:"url"`
}

// Configured reports whether an Ollama URL has been set.
func (c OllamaConfig) Configured() bool { return c.URL != "" }

// EngineConfig tunes generation behaviour.
type EngineConfig struct {
	// GenerationTimeout bounds one completion stream read (default 2m).
	GenerationTimeout string `yaml:"generation_timeout"`
	// BubbleStagger is the timestamp offset between bubbles (default 500ms).
	BubbleStagger string `yaml:"bubble_stagger"`
}

// SchedulerConfig controls the background sweep.
type SchedulerConfig struct {
	Enabled       bool   `yaml:"enabled"`
	SweepInterval string `yaml:"sweep_interval"` // default 5s
	Timezone      string `yaml:"timezone"`       // IANA name; default Local
}

// WeatherConfig enables the situational weather fact.
type WeatherConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BaseURL  string `yaml:"base_url"`  // Open-Meteo compatible
	CacheTTL string `yaml:"cache_ttl"` // default 30m
	// Contact (e-mail or URL) is added to the User-Agent of forecast
	// requests.
	Contact string `yaml:"contact"`
}

// MQTTConfig mirrors conversation notifications to an MQTT broker.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"` // mqtt://host:1883 or mqtts://
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"` // default "companion"
}

// APIConfig bounds how fast clients may trigger generations.
type APIConfig struct {
	// RequestsPerMinute limits generation requests per conversation.
	// Zero disables limiting.
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// Load reads configuration from a YAML file. Environment variables in
// the file are expanded before parsing and defaults fill unset fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a configuration that talks to a local Ollama.
func Default() *Config {
	cfg := &Config{
		Listen: ListenConfig{Port: 8080},
		Models: ModelsConfig{
			Default:     "qwen3:8b",
			Provider:    "ollama",
			Temperature: 0.8,
		},
		Ollama:    OllamaConfig{URL: "http://localhost:11434"},
		Scheduler: SchedulerConfig{Enabled: true},
		DataDir:   "data",
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.Engine.GenerationTimeout == "" {
		c.Engine.GenerationTimeout = "2m"
	}
	if c.Engine.BubbleStagger == "" {
		c.Engine.BubbleStagger = "500ms"
	}
	if c.Scheduler.SweepInterval == "" {
		c.Scheduler.SweepInterval = "5s"
	}
	if c.Weather.BaseURL == "" {
		c.Weather.BaseURL = "https://api.open-meteo.com"
	}
	if c.Weather.CacheTTL == "" {
		c.Weather.CacheTTL = "30m"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "companion"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "companion"
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
}

// Validate checks the configuration for errors that should stop startup.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q (valid: text, json)", c.LogFormat))
	}

	durations := map[string]string{
		"engine.generation_timeout": c.Engine.GenerationTimeout,
		"engine.bubble_stagger":     c.Engine.BubbleStagger,
		"scheduler.sweep_interval":  c.Scheduler.SweepInterval,
		"weather.cache_ttl":         c.Weather.CacheTTL,
	}
	for name, v := range durations {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s %q: %w", name, v, err))
			continue
		}
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, v))
		}
	}

	if c.Scheduler.Timezone != "" {
		if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone %q: %w", c.Scheduler.Timezone, err))
		}
	}

	known := map[string]bool{"openai": true, "anthropic": true, "ollama": true}
	if c.Models.Provider != "" && !known[c.Models.Provider] {
		errs = append(errs, fmt.Errorf("models.provider %q (valid: openai, anthropic, ollama)", c.Models.Provider))
	}
	for _, m := range c.Models.Available {
		if !known[m.Provider] {
			errs = append(errs, fmt.Errorf("model %q has unknown provider %q", m.Name, m.Provider))
		}
	}

	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required when mqtt is enabled"))
	}
	if c.API.RequestsPerMinute < 0 {
		errs = append(errs, errors.New("api.requests_per_minute must not be negative"))
	}

	return errors.Join(errs...)
}

// Durations returns the parsed engine and scheduler durations. Call
// after Validate has passed.
func (c *Config) Durations() (generationTimeout, bubbleStagger, sweepInterval, weatherTTL time.Duration) {
	generationTimeout, _ = time.ParseDuration(c.Engine.GenerationTimeout)
	bubbleStagger, _ = time.ParseDuration(c.Engine.BubbleStagger)
	sweepInterval, _ = time.ParseDuration(c.Scheduler.SweepInterval)
	weatherTTL, _ = time.ParseDuration(c.Weather.CacheTTL)
	return
}

// Location returns the scheduler's time zone, falling back to Local.
func (c *Config) Location() *time.Location {
	if c.Scheduler.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}
