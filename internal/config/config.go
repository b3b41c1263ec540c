package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPath      = "crewline.yml"
	TransportTG      = "telegram"
	TransportWebhook = "webhook"
)

// Config models crewline.yml.
type Config struct {
	Bot struct {
		Token         string `yaml:"token"`
		Transport     string `yaml:"transport"`
		WebhookURL    string `yaml:"webhook_url"`
		WebhookSecret string `yaml:"webhook_secret"`
		PollTimeout   int    `yaml:"poll_timeout"`
	} `yaml:"bot"`
	Admins  []int64 `yaml:"admins"`
	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`
	HTTP struct {
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"http"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Notify struct {
		RatePerSecond float64 `yaml:"rate_per_second"`
		Burst         int     `yaml:"burst"`
		Concurrency   int     `yaml:"concurrency"`
	} `yaml:"notify"`
	Registration struct {
		RequireSurname bool `yaml:"require_surname"`
	} `yaml:"registration"`
}

// Default returns a config with every optional field filled in.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Bot.Transport == "" {
		c.Bot.Transport = TransportTG
	}
	if c.Bot.PollTimeout <= 0 {
		c.Bot.PollTimeout = 30
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "crewline.db"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = "127.0.0.1:8080"
	}
	if c.HTTP.BasePath == "" {
		c.HTTP.BasePath = "/v0"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Notify.RatePerSecond <= 0 {
		c.Notify.RatePerSecond = 25
	}
	if c.Notify.Burst <= 0 {
		c.Notify.Burst = 5
	}
	if c.Notify.Concurrency <= 0 {
		c.Notify.Concurrency = 4
	}
}

// Load reads the YAML file at path (missing file means defaults) and overlays
// CREWLINE_* environment variables. The legacy BOT_TOKEN, ADMIN_IDS and
// DATABASE_URL variables are honoured too.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			parsed, err := parse(data)
			if err != nil {
				return nil, fmt.Errorf("config %s: %w", path, err)
			}
			cfg = parsed
		case os.IsNotExist(err):
		default:
			return nil, err
		}
	}
	if err := applyEnv(cfg, envViper()); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// FromYAML parses and validates config YAML.
func FromYAML(data []byte) (*Config, error) {
	cfg, err := parse(data)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	return &cfg, nil
}

func envViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("CREWLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("bot.token", "CREWLINE_BOT_TOKEN", "BOT_TOKEN")
	_ = v.BindEnv("admins", "CREWLINE_ADMINS", "ADMIN_IDS")
	_ = v.BindEnv("storage.path", "CREWLINE_STORAGE_PATH", "DATABASE_URL")
	return v
}

func applyEnv(cfg *Config, v *viper.Viper) error {
	setString := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	setString("bot.token", &cfg.Bot.Token)
	setString("bot.transport", &cfg.Bot.Transport)
	setString("bot.webhook_url", &cfg.Bot.WebhookURL)
	setString("bot.webhook_secret", &cfg.Bot.WebhookSecret)
	setString("http.addr", &cfg.HTTP.Addr)
	setString("http.base_path", &cfg.HTTP.BasePath)
	setString("http.jwt_secret", &cfg.HTTP.JWTSecret)
	setString("log.level", &cfg.Log.Level)
	setString("log.format", &cfg.Log.Format)
	if v.IsSet("storage.path") {
		cfg.Storage.Path = StoragePath(v.GetString("storage.path"))
	}
	if v.IsSet("admins") {
		ids, err := ParseAdminIDs(v.GetString("admins"))
		if err != nil {
			return err
		}
		cfg.Admins = ids
	}
	if v.IsSet("notify.rate_per_second") {
		cfg.Notify.RatePerSecond = v.GetFloat64("notify.rate_per_second")
	}
	if v.IsSet("notify.concurrency") {
		cfg.Notify.Concurrency = v.GetInt("notify.concurrency")
	}
	if v.IsSet("registration.require_surname") {
		cfg.Registration.RequireSurname = v.GetBool("registration.require_surname")
	}
	return nil
}

// ParseAdminIDs parses a comma separated list of identities. Blank entries are skipped.
func ParseAdminIDs(raw string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid admin id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// StoragePath strips the sqlite:/// scheme used by DATABASE_URL style values.
func StoragePath(raw string) string {
	raw = strings.TrimSpace(raw)
	for _, prefix := range []string{"sqlite:///", "sqlite://", "file:"} {
		if strings.HasPrefix(raw, prefix) {
			return strings.TrimPrefix(raw, prefix)
		}
	}
	return raw
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Bot.Transport {
	case TransportTG:
		if strings.TrimSpace(c.Bot.Token) == "" {
			return fmt.Errorf("config.bot.token is required for the telegram transport")
		}
	case TransportWebhook:
		if strings.TrimSpace(c.Bot.WebhookURL) == "" {
			return fmt.Errorf("config.bot.webhook_url is required for the webhook transport")
		}
	default:
		return fmt.Errorf("config.bot.transport must be 'telegram' or 'webhook'")
	}
	seen := make(map[int64]struct{}, len(c.Admins))
	for _, id := range c.Admins {
		if id <= 0 {
			return fmt.Errorf("config.admins contains invalid id %d", id)
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("config.admins contains duplicate id %d", id)
		}
		seen[id] = struct{}{}
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("config.storage.path is required")
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("config.log.format must be 'json' or 'console'")
	}
	if c.Notify.RatePerSecond <= 0 {
		return fmt.Errorf("config.notify.rate_per_second must be positive")
	}
	if c.Notify.Concurrency <= 0 {
		return fmt.Errorf("config.notify.concurrency must be positive")
	}
	return nil
}

// Warnings reports configuration that is valid but probably unintended.
func (c *Config) Warnings() []string {
	var out []string
	if len(c.Admins) == 0 {
		out = append(out, "no admins configured; every registration becomes a worker")
	}
	if c.HTTP.JWTSecret == "" {
		out = append(out, "http.jwt_secret is empty; only /health is reachable on the HTTP API")
	}
	return out
}
