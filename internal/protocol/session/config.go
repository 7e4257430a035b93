package session

import (
	"time"

	"github.com/danmuck/edgestream/internal/protocol/frame"
)

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

// TLSConfig describes transport-level TLS for tcp and quic endpoints.
type TLSConfig struct {
	Enabled            bool
	Mutual             bool
	CertFile           string
	KeyFile            string
	CAFile             string
	ServerName         string
	InsecureSkipVerify bool
}

// Config defines framing limits and connection reliability defaults.
type Config struct {
	// MaxChunkSize bounds a single transport write of payload bytes.
	MaxChunkSize int
	// MaxFramePayload bounds the payload segment of one frame when a
	// logical payload is split.
	MaxFramePayload int
	// MaxMessageBytes bounds one reassembled logical payload.
	MaxMessageBytes int

	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration
	Backoff          BackoffConfig

	SecurityMode SecurityMode
	TLS          TLSConfig
	// AuthToken is the bearer token required on websocket upgrades.
	AuthToken string
}

const (
	DefaultMaxChunkSize    = 4096
	DefaultMaxFramePayload = 4096
	DefaultMaxMessageBytes = 64 << 20
)

func DefaultConfig() Config {
	return Config{
		MaxChunkSize:     DefaultMaxChunkSize,
		MaxFramePayload:  DefaultMaxFramePayload,
		MaxMessageBytes:  DefaultMaxMessageBytes,
		ConnectTimeout:   5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		RequestTimeout:   30 * time.Second,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
		SecurityMode: SecurityModeDevelopment,
	}
}

// WithDefaults fills unset fields from DefaultConfig and clamps the frame
// payload to what the header can express.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.MaxChunkSize <= 0 {
		c.MaxChunkSize = d.MaxChunkSize
	}
	if c.MaxFramePayload <= 0 {
		c.MaxFramePayload = d.MaxFramePayload
	}
	if c.MaxFramePayload > frame.MaxLength {
		c.MaxFramePayload = frame.MaxLength
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = d.MaxMessageBytes
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.Backoff.InitialDelay <= 0 && c.Backoff.MaxDelay <= 0 && c.Backoff.Multiplier == 0 {
		c.Backoff = d.Backoff
	}
	c.SecurityMode = NormalizeSecurityMode(c.SecurityMode)
	return c
}
