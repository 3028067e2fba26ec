package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			MaxMessageChars: 4096,
			ShutdownGrace:   "20s",
		},
		Agent: AgentConfig{
			Name:         "Sofia",
			Company:      "Cognox.ai",
			HistoryLimit: 40,
			Timezone:     "America/Sao_Paulo",
		},
		Provider: ProviderConfig{
			Type:    "openai",
			Timeout: "30s",
		},
		Channel: ChannelConfig{
			Type: "whatsapp",
			WhatsApp: WhatsAppConfig{
				APIBase: "https://graph.facebook.com/v19.0",
				SendRPS: 10,
			},
		},
		Pacing: PacingConfig{
			PreSendPerBubble: "900ms",
			PreSendMax:       "4s",
			InterBubbleMin:   "1200ms",
			InterBubbleMax:   "3s",
		},
		Delivery: DeliveryConfig{
			MaxRetries:   2,
			RetryBackoff: "1s",
			MaxBubbles:   5,
		},
		Scheduling: SchedulingConfig{
			SlotWindowDays: 7,
			MaxSlots:       10,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "~/.sofia/sofia.db",
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "sofia",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error — defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	// Secrets (env-only, never read from the file)
	envStr("SOFIA_OPENAI_API_KEY", &c.Provider.OpenAIAPIKey)
	envStr("SOFIA_ANTHROPIC_API_KEY", &c.Provider.AnthropicAPIKey)
	envStr("SOFIA_WHATSAPP_ACCESS_TOKEN", &c.Channel.WhatsApp.AccessToken)
	envStr("SOFIA_WHATSAPP_VERIFY_TOKEN", &c.Channel.WhatsApp.VerifyToken)
	envStr("SOFIA_TELEGRAM_TOKEN", &c.Channel.Telegram.Token)
	envStr("SOFIA_CALENDLY_TOKEN", &c.Scheduling.CalendlyToken)
	envStr("SOFIA_POSTGRES_DSN", &c.Database.PostgresDSN)

	// Auto-enable scheduling when Calendly credentials are provided
	if c.Scheduling.CalendlyToken != "" {
		c.Scheduling.Enabled = true
	}

	// Non-secret overrides
	envStr("SOFIA_PROVIDER", &c.Provider.Type)
	envStr("SOFIA_MODEL", &c.Provider.Model)
	envStr("SOFIA_CHANNEL", &c.Channel.Type)
	envStr("SOFIA_DB_DRIVER", &c.Database.Driver)
	envStr("SOFIA_DB_PATH", &c.Database.Path)
	envStr("SOFIA_HOST", &c.Server.Host)
	if v := os.Getenv("SOFIA_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Server.Port = port
		}
	}

	// Telemetry
	envStr("SOFIA_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("SOFIA_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("SOFIA_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("SOFIA_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("SOFIA_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
