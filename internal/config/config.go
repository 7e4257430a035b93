// Package config loads edgestream TOML configuration. Keys that are
// absent from the file keep their defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/edgestream/internal/logging"
	"github.com/danmuck/edgestream/internal/peer"
	"github.com/danmuck/edgestream/internal/protocol/frame"
	"github.com/danmuck/edgestream/internal/protocol/session"
)

var ErrInvalidConfig = errors.New("config: invalid")

type Config struct {
	Name     string
	LogLevel string
	Server   peer.ServerConfig
	Client   peer.ClientConfig
}

func Default() Config {
	server := peer.DefaultServerConfig()
	client := peer.DefaultClientConfig()
	return Config{
		Name:     server.Name,
		LogLevel: "info",
		Server:   server,
		Client:   client,
	}
}

type fileConfig struct {
	Name     string        `toml:"name"`
	LogLevel string        `toml:"log_level"`
	Server   serverSection `toml:"server"`
	Client   clientSection `toml:"client"`
	Session  sessionTable  `toml:"session"`
}

type serverSection struct {
	Listen        []string `toml:"listen"`
	HTTPAddr      string   `toml:"http_addr"`
	WebSocketPath string   `toml:"websocket_path"`
	CORSOrigins   []string `toml:"cors_origins"`
}

type clientSection struct {
	Endpoint           string `toml:"endpoint"`
	MaxConnectAttempts int    `toml:"max_connect_attempts"`
}

type sessionTable struct {
	MaxChunkSize     int          `toml:"max_chunk_size"`
	MaxFramePayload  int          `toml:"max_frame_payload"`
	MaxMessageBytes  int          `toml:"max_message_bytes"`
	ConnectTimeout   string       `toml:"connect_timeout"`
	HandshakeTimeout string       `toml:"handshake_timeout"`
	RequestTimeout   string       `toml:"request_timeout"`
	SecurityMode     string       `toml:"security_mode"`
	AuthToken        string       `toml:"auth_token"`
	Backoff          backoffTable `toml:"backoff"`
	TLS              tlsTable     `toml:"tls"`
}

type backoffTable struct {
	InitialDelay string  `toml:"initial_delay"`
	Multiplier   float64 `toml:"multiplier"`
	MaxDelay     string  `toml:"max_delay"`
	Jitter       bool    `toml:"jitter"`
}

type tlsTable struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

// Load reads path over Default and validates the result.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return build(raw, meta)
}

// Decode parses TOML text the same way Load parses a file.
func Decode(data string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return build(raw, meta)
}

func build(raw fileConfig, meta toml.MetaData) (Config, error) {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return Config{}, fmt.Errorf("%w: unknown keys %s", ErrInvalidConfig, strings.Join(keys, ", "))
	}

	cfg := Default()
	if meta.IsDefined("name") {
		if name := strings.TrimSpace(raw.Name); name != "" {
			cfg.Name = name
		}
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}

	if meta.IsDefined("server", "listen") {
		cfg.Server.Listen = normalizeList(raw.Server.Listen)
	}
	if meta.IsDefined("server", "http_addr") {
		cfg.Server.HTTPAddr = strings.TrimSpace(raw.Server.HTTPAddr)
	}
	if meta.IsDefined("server", "websocket_path") {
		cfg.Server.WebSocketPath = strings.TrimSpace(raw.Server.WebSocketPath)
	}
	if meta.IsDefined("server", "cors_origins") {
		cfg.Server.CORSOrigins = normalizeList(raw.Server.CORSOrigins)
	}

	if meta.IsDefined("client", "endpoint") {
		cfg.Client.Endpoint = strings.TrimSpace(raw.Client.Endpoint)
	}
	if meta.IsDefined("client", "max_connect_attempts") {
		cfg.Client.MaxConnectAttempts = raw.Client.MaxConnectAttempts
	}

	sess, err := overlaySession(cfg.Server.Session, raw.Session, meta)
	if err != nil {
		return Config{}, err
	}
	cfg.Server.Name = cfg.Name
	cfg.Server.Session = sess
	cfg.Client.Session = sess

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func overlaySession(cfg session.Config, raw sessionTable, meta toml.MetaData) (session.Config, error) {
	if meta.IsDefined("session", "max_chunk_size") {
		cfg.MaxChunkSize = raw.MaxChunkSize
	}
	if meta.IsDefined("session", "max_frame_payload") {
		cfg.MaxFramePayload = raw.MaxFramePayload
	}
	if meta.IsDefined("session", "max_message_bytes") {
		cfg.MaxMessageBytes = raw.MaxMessageBytes
	}

	durations := []struct {
		key   string
		raw   string
		field *time.Duration
	}{
		{"connect_timeout", raw.ConnectTimeout, &cfg.ConnectTimeout},
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.HandshakeTimeout},
		{"request_timeout", raw.RequestTimeout, &cfg.RequestTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined("session", d.key) {
			continue
		}
		v, err := parseDuration(d.raw)
		if err != nil {
			return session.Config{}, fmt.Errorf("parse session.%s: %w", d.key, err)
		}
		*d.field = v
	}

	if meta.IsDefined("session", "security_mode") {
		cfg.SecurityMode = session.NormalizeSecurityMode(session.SecurityMode(raw.SecurityMode))
	}

	if meta.IsDefined("session", "auth_token") {
		cfg.AuthToken = strings.TrimSpace(raw.AuthToken)
	}

	if meta.IsDefined("session", "backoff", "initial_delay") {
		v, err := parseDuration(raw.Backoff.InitialDelay)
		if err != nil {
			return session.Config{}, fmt.Errorf("parse session.backoff.initial_delay: %w", err)
		}
		cfg.Backoff.InitialDelay = v
	}
	if meta.IsDefined("session", "backoff", "max_delay") {
		v, err := parseDuration(raw.Backoff.MaxDelay)
		if err != nil {
			return session.Config{}, fmt.Errorf("parse session.backoff.max_delay: %w", err)
		}
		cfg.Backoff.MaxDelay = v
	}
	if meta.IsDefined("session", "backoff", "multiplier") {
		cfg.Backoff.Multiplier = raw.Backoff.Multiplier
	}
	if meta.IsDefined("session", "backoff", "jitter") {
		cfg.Backoff.Jitter = raw.Backoff.Jitter
	}

	if meta.IsDefined("session", "tls", "enabled") {
		cfg.TLS.Enabled = raw.TLS.Enabled
	}
	if meta.IsDefined("session", "tls", "mutual") {
		cfg.TLS.Mutual = raw.TLS.Mutual
	}
	if meta.IsDefined("session", "tls", "cert_file") {
		cfg.TLS.CertFile = strings.TrimSpace(raw.TLS.CertFile)
	}
	if meta.IsDefined("session", "tls", "key_file") {
		cfg.TLS.KeyFile = strings.TrimSpace(raw.TLS.KeyFile)
	}
	if meta.IsDefined("session", "tls", "ca_file") {
		cfg.TLS.CAFile = strings.TrimSpace(raw.TLS.CAFile)
	}
	if meta.IsDefined("session", "tls", "server_name") {
		cfg.TLS.ServerName = strings.TrimSpace(raw.TLS.ServerName)
	}
	if meta.IsDefined("session", "tls", "insecure_skip_verify") {
		cfg.TLS.InsecureSkipVerify = raw.TLS.InsecureSkipVerify
	}
	return cfg, nil
}

// Validate checks values that defaults cannot repair.
func (c Config) Validate() error {
	if c.LogLevel != "" {
		if _, ok := logging.ParseLevel(c.LogLevel); !ok {
			return fmt.Errorf("%w: log_level %q", ErrInvalidConfig, c.LogLevel)
		}
	}
	s := c.Server.Session
	if s.MaxChunkSize < 0 || s.MaxFramePayload < 0 || s.MaxMessageBytes < 0 {
		return fmt.Errorf("%w: session sizes must not be negative", ErrInvalidConfig)
	}
	if s.MaxFramePayload > frame.MaxLength {
		return fmt.Errorf("%w: session.max_frame_payload %d exceeds %d", ErrInvalidConfig, s.MaxFramePayload, frame.MaxLength)
	}
	if s.Backoff.Multiplier != 0 && s.Backoff.Multiplier < 1 {
		return fmt.Errorf("%w: session.backoff.multiplier must be >= 1", ErrInvalidConfig)
	}
	switch s.SecurityMode {
	case session.SecurityModeDevelopment, session.SecurityModeProduction:
	default:
		return fmt.Errorf("%w: %w: %q", ErrInvalidConfig, session.ErrInvalidSecurityMode, s.SecurityMode)
	}
	for _, raw := range c.Server.Listen {
		if _, err := peer.ParseEndpoint(raw); err != nil {
			return fmt.Errorf("%w: server.listen: %w", ErrInvalidConfig, err)
		}
	}
	if p := c.Server.WebSocketPath; p != "" && !strings.HasPrefix(p, "/") {
		return fmt.Errorf("%w: server.websocket_path must start with /", ErrInvalidConfig)
	}
	if c.Client.Endpoint != "" {
		if _, err := peer.ParseEndpoint(c.Client.Endpoint); err != nil {
			return fmt.Errorf("%w: client.endpoint: %w", ErrInvalidConfig, err)
		}
	}
	if c.Client.MaxConnectAttempts < 0 {
		return fmt.Errorf("%w: client.max_connect_attempts must not be negative", ErrInvalidConfig)
	}
	return nil
}

func parseDuration(raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", raw)
	}
	return d, nil
}

func normalizeList(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
