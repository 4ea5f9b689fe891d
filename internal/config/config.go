package config

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "HUB"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "hub.db"
	defaultLogLevel     = "info"
)

// Origins holds the external base URLs of the upstream services this hub
// talks to, plus its own.
type Origins struct {
	Hub    string
	Git    string
	Hg     string
	Lists  string
	Todo   string
	Builds string
}

// Secrets holds the per-service shared secrets used to verify inbound
// webhook signatures. Each falls back to the shared webhook secret when no
// service-specific value is configured.
type Secrets struct {
	Git    string
	Hg     string
	Lists  string
	Todo   string
	Builds string
}

// AppConfig captures runtime configuration for the hub service.
type AppConfig struct {
	HTTPAddress    string
	DatabasePath   string
	LogLevel       string
	Origins        Origins
	WebhookSecrets Secrets
	// InternalAuthSecret signs the bearer tokens attached to outbound
	// service calls made on behalf of a user.
	InternalAuthSecret string
	// TokenKey is the 32-byte key sealing build correlation tokens,
	// configured as 64 hex characters.
	TokenKey []byte
	// ListsDomain is the mail domain of the lists service, used for
	// posting addresses on build notification triggers.
	ListsDomain string
}

// NewViper returns a viper instance with defaults and env bindings applied.
func NewViper() *viper.Viper {
	v := viper.New()
	ApplyDefaults(v)
	return v
}

// ApplyDefaults configures defaults and env bindings on the given viper.
func ApplyDefaults(v *viper.Viper) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("http.address", defaultHTTPAddress)
	v.SetDefault("database.path", defaultDatabasePath)
	v.SetDefault("log.level", defaultLogLevel)

	v.SetDefault("origins.hub", "")
	v.SetDefault("origins.git", "")
	v.SetDefault("origins.hg", "")
	v.SetDefault("origins.lists", "")
	v.SetDefault("origins.todo", "")
	v.SetDefault("origins.builds", "")
	v.SetDefault("lists.domain", "")
}

// Load parses runtime configuration from viper.
func Load(v *viper.Viper) (AppConfig, error) {
	shared := v.GetString("webhook.secret")
	cfg := AppConfig{
		HTTPAddress:  v.GetString("http.address"),
		DatabasePath: v.GetString("database.path"),
		LogLevel:     v.GetString("log.level"),
		Origins: Origins{
			Hub:    strings.TrimSuffix(v.GetString("origins.hub"), "/"),
			Git:    strings.TrimSuffix(v.GetString("origins.git"), "/"),
			Hg:     strings.TrimSuffix(v.GetString("origins.hg"), "/"),
			Lists:  strings.TrimSuffix(v.GetString("origins.lists"), "/"),
			Todo:   strings.TrimSuffix(v.GetString("origins.todo"), "/"),
			Builds: strings.TrimSuffix(v.GetString("origins.builds"), "/"),
		},
		WebhookSecrets: Secrets{
			Git:    fallback(v.GetString("webhook.git_secret"), shared),
			Hg:     fallback(v.GetString("webhook.hg_secret"), shared),
			Lists:  fallback(v.GetString("webhook.lists_secret"), shared),
			Todo:   fallback(v.GetString("webhook.todo_secret"), shared),
			Builds: fallback(v.GetString("webhook.builds_secret"), shared),
		},
		InternalAuthSecret: v.GetString("auth.signing_secret"),
		ListsDomain:        v.GetString("lists.domain"),
	}

	rawKey := v.GetString("token.key")
	if rawKey != "" {
		key, err := hex.DecodeString(rawKey)
		if err != nil {
			return AppConfig{}, fmt.Errorf("token.key is not valid hex: %w", err)
		}
		cfg.TokenKey = key
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.Origins.Hub) == "" {
		return fmt.Errorf("origins.hub is required")
	}
	if c.Origins.Git == "" || c.Origins.Lists == "" ||
		c.Origins.Todo == "" || c.Origins.Builds == "" {
		return fmt.Errorf("origins.git, origins.lists, origins.todo, and origins.builds are required")
	}
	if strings.TrimSpace(c.InternalAuthSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if c.WebhookSecrets.Git == "" || c.WebhookSecrets.Hg == "" ||
		c.WebhookSecrets.Lists == "" || c.WebhookSecrets.Todo == "" ||
		c.WebhookSecrets.Builds == "" {
		return fmt.Errorf("webhook.secret (or per-service secrets) is required")
	}
	if len(c.TokenKey) != 32 {
		return fmt.Errorf("token.key must be 64 hex characters (32 bytes)")
	}
	return nil
}

func fallback(value, shared string) string {
	if value != "" {
		return value
	}
	return shared
}
