// Package config provides the configuration schema and loader for the
// Leeriya collaborative music server.
package config

import "time"

// LogLevel controls log verbosity for the Leeriya server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for Leeriya.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server ServerConfig `yaml:"server"`
	Token  TokenConfig  `yaml:"token"`
	Room   RoomConfig   `yaml:"room"`
	Lyria  LyriaConfig  `yaml:"lyria"`
}

// ServerConfig holds network and logging settings for the Leeriya server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// BaseURL is the public base URL used to build join links returned from
	// room creation (e.g., "https://music.example.com"). Leave empty to
	// return relative join paths.
	BaseURL string `yaml:"base_url"`

	// CORSOrigins lists allowed Origin values for cross-origin requests.
	// The single entry "*" allows any origin.
	CORSOrigins []string `yaml:"cors_origins"`
}

// TokenConfig holds settings for the signed join tokens that gate the
// WebSocket endpoints.
type TokenConfig struct {
	// Secret is the HMAC-SHA256 signing key. Use ${LEERIYA_TOKEN_SECRET}
	// to source it from the environment.
	Secret string `yaml:"secret"`

	// TTL is how long issued tokens stay valid.
	TTL time.Duration `yaml:"ttl"`
}

// RoomConfig holds room lifecycle settings.
type RoomConfig struct {
	// ReservationTTL is how long a reserved role stays claimable before the
	// reservation lapses.
	ReservationTTL time.Duration `yaml:"reservation_ttl"`

	// IdleTimeout is how long an empty room survives before the reaper
	// destroys it.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// LyriaConfig selects and configures the music generator backend.
type LyriaConfig struct {
	// UseMock forces the deterministic in-process synthesizer. The mock is
	// also used automatically when APIKey is empty.
	UseMock bool `yaml:"use_mock"`

	// APIKey authenticates against the Gemini API for the live backend.
	APIKey string `yaml:"api_key"`

	// Model is the generative music model identifier.
	Model string `yaml:"model"`

	// BaseURL overrides the live backend's default WebSocket endpoint.
	// Leave empty to use the built-in default.
	BaseURL string `yaml:"base_url"`
}

// Defaults mirrored into zero-valued fields by the loader.
const (
	defaultListenAddr     = ":8080"
	defaultLogLevel       = LogInfo
	defaultTokenSecret    = "dev-secret-change-me"
	defaultTokenTTL       = 24 * time.Hour
	defaultReservationTTL = 30 * time.Second
	defaultIdleTimeout    = 30 * time.Minute
	defaultLyriaModel     = "models/lyria-realtime-exp"
)

// applyDefaults fills unset fields with their documented defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = defaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = defaultLogLevel
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = []string{"*"}
	}
	if cfg.Token.Secret == "" {
		cfg.Token.Secret = defaultTokenSecret
	}
	if cfg.Token.TTL == 0 {
		cfg.Token.TTL = defaultTokenTTL
	}
	if cfg.Room.ReservationTTL == 0 {
		cfg.Room.ReservationTTL = defaultReservationTTL
	}
	if cfg.Room.IdleTimeout == 0 {
		cfg.Room.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Lyria.Model == "" {
		cfg.Lyria.Model = defaultLyriaModel
	}
}
