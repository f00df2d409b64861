package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleConfig = `
llm:
  base_url: https://api.example.com
  api_key: dummy
  model: gpt-4o
  timeout: 15s
server:
  host: 127.0.0.1
  port: "9000"
  admin_api: true
  allowed_origins:
    - https://app.example.com
storage:
  driver: postgres
  dsn: postgres://chat@localhost/chat?sslmode=disable
session:
  secret: s3cret
log:
  level: debug
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	tmp, err := os.CreateTemp(t.TempDir(), "cfg-*.yaml")
	if err != nil {
		t.Fatalf("temp file: %v", err)
	}
	if _, err := tmp.WriteString(body); err != nil {
		t.Fatalf("write: %v", err)
	}
	tmp.Close()
	return tmp.Name()
}

// TestLoad_File verifies that Load reads the file named by CONFIG_PATH.
func TestLoad_File(t *testing.T) {
	t.Setenv("CONFIG_PATH", writeConfig(t, sampleConfig))

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "https://api.example.com", cfg.LLM.BaseURL)
	require.Equal(t, "dummy", cfg.LLM.APIKey)
	require.Equal(t, "gpt-4o", cfg.LLM.Model)
	require.Equal(t, 15*time.Second, cfg.LLM.Timeout)
	require.Equal(t, "127.0.0.1:9000", cfg.Server.Addr())
	require.True(t, cfg.Server.AdminAPI)
	require.Equal(t, []string{"https://app.example.com"}, cfg.Server.AllowedOrigins)
	require.Equal(t, "postgres", cfg.Storage.Driver)
	require.Equal(t, "debug", cfg.Log.Level)
	require.NoError(t, cfg.Validate())
}

func TestLoad_DefaultsAndEnv(t *testing.T) {
	t.Setenv("CONFIG_PATH", writeConfig(t, "log:\n  format: text\n"))
	t.Setenv("OPENAI_API_KEY", "from-openai-env")
	t.Setenv("SESSION_SECRET", "env-secret")
	t.Setenv("SERVER_PORT", "8181")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, DefaultModel, cfg.LLM.Model)
	require.Equal(t, "from-openai-env", cfg.LLM.APIKey)
	require.Equal(t, "env-secret", cfg.Session.Secret)
	require.Equal(t, "8181", cfg.Server.Port)
	require.Equal(t, "sqlite", cfg.Storage.Driver)
	require.Equal(t, DefaultTitle, cfg.Storage.DefaultTitle)
	require.Equal(t, "chatbot", cfg.Session.CookieName)
	require.Equal(t, "text", cfg.Log.Format)
}

func TestLoad_DefaultsAreRestrictive(t *testing.T) {
	t.Setenv("CONFIG_PATH", writeConfig(t, "log:\n  level: info\n"))

	cfg, err := Load()
	require.NoError(t, err)
	require.False(t, cfg.Server.AdminAPI)
	require.Empty(t, cfg.Server.AllowedOrigins)
	require.Zero(t, cfg.LLM.Timeout, "no timeout unless configured")
}

func TestLoad_LLMKeyTakesPrecedence(t *testing.T) {
	t.Setenv("CONFIG_PATH", writeConfig(t, sampleConfig))
	t.Setenv("OPENAI_API_KEY", "ignored")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "dummy", cfg.LLM.APIKey)
}

func TestValidate(t *testing.T) {
	valid := Config{
		LLM:     LLMConfig{APIKey: "k", Model: "m"},
		Storage: StorageConfig{Driver: "sqlite"},
		Session: SessionConfig{Secret: "s"},
	}
	require.NoError(t, valid.Validate())

	noKey := valid
	noKey.LLM.APIKey = ""
	require.Error(t, noKey.Validate())

	badDriver := valid
	badDriver.Storage.Driver = "mysql"
	require.ErrorContains(t, badDriver.Validate(), "mysql")

	noSecret := valid
	noSecret.Session.Secret = ""
	require.Error(t, noSecret.Validate())
}
