package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the Sofia gateway.
type Config struct {
	Server     ServerConfig     `json:"server"`
	Agent      AgentConfig      `json:"agent"`
	Provider   ProviderConfig   `json:"provider"`
	Channel    ChannelConfig    `json:"channel"`
	Pacing     PacingConfig     `json:"pacing"`
	Delivery   DeliveryConfig   `json:"delivery"`
	Scheduling SchedulingConfig `json:"scheduling,omitempty"`
	Database   DatabaseConfig   `json:"database,omitempty"`
	Telemetry  TelemetryConfig  `json:"telemetry,omitempty"`
}

// ServerConfig configures the webhook HTTP listener.
type ServerConfig struct {
	Host            string `json:"host"`
	Port            int    `json:"port"`
	MaxMessageChars int    `json:"max_message_chars,omitempty"` // inbound text longer than this is truncated
	ShutdownGrace   string `json:"shutdown_grace,omitempty"`    // Go duration, default "20s"
}

// AgentConfig describes the assistant persona and conversation behavior.
type AgentConfig struct {
	Name         string `json:"name"`                    // e.g. "Sofia"
	Company      string `json:"company"`                 // e.g. "Cognox.ai"
	SystemPrompt string `json:"system_prompt,omitempty"` // appended to the built-in behavior policy
	HistoryLimit int    `json:"history_limit,omitempty"` // max messages sent to the provider (0 = all)
	Timezone     string `json:"timezone,omitempty"`      // IANA name for time-of-day greetings
	FallbackText string `json:"fallback_text,omitempty"` // reply when generation fails
}

// ProviderConfig selects and configures the generation backend.
// API keys are NEVER read from the config file — env only.
type ProviderConfig struct {
	Type            string `json:"type"`               // "openai" or "anthropic"
	Model           string `json:"model,omitempty"`    // override provider default
	APIBase         string `json:"api_base,omitempty"` // override API endpoint
	OpenAIAPIKey    string `json:"-"`                  // from SOFIA_OPENAI_API_KEY
	AnthropicAPIKey string `json:"-"`                  // from SOFIA_ANTHROPIC_API_KEY
	Timeout         string `json:"timeout,omitempty"`  // per-call timeout, Go duration (default "30s")
}

// ChannelConfig selects the outbound messaging channel.
type ChannelConfig struct {
	Type     string               `json:"type"` // "whatsapp", "whatsapp_bridge", "telegram"
	WhatsApp WhatsAppConfig       `json:"whatsapp,omitempty"`
	Bridge   WhatsAppBridgeConfig `json:"bridge,omitempty"`
	Telegram TelegramConfig       `json:"telegram,omitempty"`
}

// WhatsAppConfig configures the Meta Cloud API channel.
// VerifyToken and AccessToken come from env only.
type WhatsAppConfig struct {
	PhoneNumberID string `json:"phone_number_id"`
	VerifyToken   string `json:"-"`                  // from SOFIA_WHATSAPP_VERIFY_TOKEN
	AccessToken   string `json:"-"`                  // from SOFIA_WHATSAPP_ACCESS_TOKEN
	APIBase       string `json:"api_base,omitempty"` // default https://graph.facebook.com/v19.0
	SendRPS       int    `json:"send_rps,omitempty"` // outbound rate limit, default 10
}

// WhatsAppBridgeConfig configures the whatsapp-web.js style WebSocket bridge.
type WhatsAppBridgeConfig struct {
	URL string `json:"url"` // ws:// endpoint of the bridge process
}

// TelegramConfig configures the Telegram bot channel.
type TelegramConfig struct {
	Token string `json:"-"` // from SOFIA_TELEGRAM_TOKEN
}

// PacingConfig bounds the human-typing simulation delays.
type PacingConfig struct {
	PreSendPerBubble string `json:"pre_send_per_bubble,omitempty"` // default "900ms"
	PreSendMax       string `json:"pre_send_max,omitempty"`        // default "4s"
	InterBubbleMin   string `json:"inter_bubble_min,omitempty"`    // default "1200ms"
	InterBubbleMax   string `json:"inter_bubble_max,omitempty"`    // default "3s"
}

// DeliveryConfig bounds retry behavior for bubble sends.
type DeliveryConfig struct {
	MaxRetries   int    `json:"max_retries,omitempty"`   // retries per bubble after the first attempt (default 2)
	RetryBackoff string `json:"retry_backoff,omitempty"` // base backoff, Go duration (default "1s")
	MaxBubbles   int    `json:"max_bubbles,omitempty"`   // hard cap per reply (default 5)
}

// SchedulingConfig configures the availability lookup.
// CalendlyToken comes from env only.
type SchedulingConfig struct {
	Enabled         bool   `json:"enabled,omitempty"`
	CalendlyToken   string `json:"-"` // from SOFIA_CALENDLY_TOKEN
	CalendlyUserURI string `json:"calendly_user_uri,omitempty"`
	SlotWindowDays  int    `json:"slot_window_days,omitempty"` // default 7
	MaxSlots        int    `json:"max_slots,omitempty"`        // default 10
}

// DatabaseConfig selects the conversation store backend.
// PostgresDSN comes from env only.
type DatabaseConfig struct {
	Driver      string `json:"driver,omitempty"` // "sqlite" (default) or "postgres"
	Path        string `json:"path,omitempty"`   // sqlite file path
	PostgresDSN string `json:"-"`                // from SOFIA_POSTGRES_DSN
}

// TelemetryConfig configures the optional OTLP trace exporter.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`     // host:port of the OTLP collector
	Protocol    string `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	ServiceName string `json:"service_name,omitempty"` // default "sofia"
	Insecure    bool   `json:"insecure,omitempty"`
}

// ProviderTimeout returns the parsed per-call generation timeout.
func (c *Config) ProviderTimeout() time.Duration {
	return parseDuration(c.Provider.Timeout, 30*time.Second)
}

// ShutdownGrace returns the parsed in-flight turn grace period.
func (c *Config) ShutdownGrace() time.Duration {
	return parseDuration(c.Server.ShutdownGrace, 20*time.Second)
}

// RetryBackoff returns the parsed per-bubble retry base backoff.
func (c *Config) RetryBackoff() time.Duration {
	return parseDuration(c.Delivery.RetryBackoff, time.Second)
}

// Validate checks requirements that Load cannot default away.
func (c *Config) Validate() error {
	switch c.Channel.Type {
	case "whatsapp":
		if c.Channel.WhatsApp.PhoneNumberID == "" {
			return fmt.Errorf("channel.whatsapp.phone_number_id is required")
		}
		if c.Channel.WhatsApp.AccessToken == "" {
			return fmt.Errorf("SOFIA_WHATSAPP_ACCESS_TOKEN is not set")
		}
	case "whatsapp_bridge":
		if c.Channel.Bridge.URL == "" {
			return fmt.Errorf("channel.bridge.url is required")
		}
	case "telegram":
		if c.Channel.Telegram.Token == "" {
			return fmt.Errorf("SOFIA_TELEGRAM_TOKEN is not set")
		}
	default:
		return fmt.Errorf("unknown channel type %q", c.Channel.Type)
	}

	switch c.Provider.Type {
	case "openai":
		if c.Provider.OpenAIAPIKey == "" {
			return fmt.Errorf("SOFIA_OPENAI_API_KEY is not set")
		}
	case "anthropic":
		if c.Provider.AnthropicAPIKey == "" {
			return fmt.Errorf("SOFIA_ANTHROPIC_API_KEY is not set")
		}
	default:
		return fmt.Errorf("unknown provider type %q", c.Provider.Type)
	}

	if c.Database.Driver == "postgres" && c.Database.PostgresDSN == "" {
		return fmt.Errorf("SOFIA_POSTGRES_DSN is not set")
	}
	return nil
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
