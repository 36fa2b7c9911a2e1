package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. `${VAR}` references in the file are expanded from the
// environment before decoding.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}

	cfg, err := LoadFromReader(strings.NewReader(os.ExpandEnv(string(raw))))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals. Unknown YAML keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}

	if cfg.Token.Secret == defaultTokenSecret {
		slog.Warn("token.secret is the built-in development default; set LEERIYA_TOKEN_SECRET before exposing the server")
	}
	if cfg.Token.TTL < 0 {
		errs = append(errs, fmt.Errorf("token.ttl %s must be positive", cfg.Token.TTL))
	}

	if cfg.Room.ReservationTTL < 0 {
		errs = append(errs, fmt.Errorf("room.reservation_ttl %s must be positive", cfg.Room.ReservationTTL))
	}
	if cfg.Room.IdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("room.idle_timeout %s must be positive", cfg.Room.IdleTimeout))
	}

	if !cfg.Lyria.UseMock && cfg.Lyria.APIKey == "" {
		slog.Warn("lyria.api_key is empty; the live backend is unavailable and rooms will fall back to the mock synthesizer")
	}

	return errors.Join(errs...)
}
