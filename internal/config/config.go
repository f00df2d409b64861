package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	// DefaultModel is the fine-tuned model every reply is requested from.
	DefaultModel = "ft:gpt-4.1-nano-2025-04-14:facufunctions:pruebatienda:CshSJDGz"
	// DefaultTitle is given to every new conversation.
	DefaultTitle = "Nueva conversación"
)

// Config holds the application configuration
type Config struct {
	LLM     LLMConfig     `mapstructure:"llm"`
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	Session SessionConfig `mapstructure:"session"`
	Log     LogConfig     `mapstructure:"log"`
}

// LLMConfig holds the completion service configuration
type LLMConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	OrgID   string        `mapstructure:"org_id"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ServerConfig holds the server configuration
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           string   `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"` // empty: same-origin only

	// AdminAPI exposes listing and deleting any conversation without a
	// session check. Off unless the deployment is private.
	AdminAPI bool `mapstructure:"admin_api"`
}

// StorageConfig selects the conversation database.
type StorageConfig struct {
	Driver       string `mapstructure:"driver"` // sqlite or postgres
	DSN          string `mapstructure:"dsn"`
	DefaultTitle string `mapstructure:"default_title"`
}

// SessionConfig configures the signed session cookie.
type SessionConfig struct {
	CookieName string `mapstructure:"cookie_name"`
	Secret     string `mapstructure:"secret"`
	MaxAge     int    `mapstructure:"max_age"`
	Secure     bool   `mapstructure:"secure"`
}

// LogConfig holds logging options.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Addr returns host:port for the HTTP listener.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%s", s.Host, s.Port)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.org_id", "")
	v.SetDefault("llm.model", DefaultModel)
	v.SetDefault("llm.timeout", time.Duration(0)) // 0 keeps the client's own HTTP client
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.admin_api", false)
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.dsn", "chat.db")
	v.SetDefault("storage.default_title", DefaultTitle)
	v.SetDefault("session.cookie_name", "chatbot")
	v.SetDefault("session.secret", "")
	v.SetDefault("session.max_age", 1209600)
	v.SetDefault("session.secure", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads configuration from a .env file (if any), config.yaml (or the file
// named by CONFIG_PATH) and the environment, in increasing precedence.
// A missing config file is not an error.
func Load() (*Config, error) {
	// .env is optional; variables may be set some other way
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	return &cfg, nil
}

// Validate reports the first setting that prevents the server from starting.
func (c *Config) Validate() error {
	if c.LLM.APIKey == "" {
		return errors.New("llm.api_key (or OPENAI_API_KEY) is required")
	}
	if c.LLM.Model == "" {
		return errors.New("llm.model is required")
	}
	switch c.Storage.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported storage driver %q", c.Storage.Driver)
	}
	if c.Session.Secret == "" {
		return errors.New("session.secret is required")
	}
	return nil
}
