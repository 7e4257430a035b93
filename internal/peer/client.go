package peer

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	"github.com/danmuck/edgestream/internal/observability"
	"github.com/danmuck/edgestream/internal/protocol/requests"
	"github.com/danmuck/edgestream/internal/protocol/session"
	"github.com/rs/zerolog"
)

var ErrEndpointRequired = errors.New("peer: endpoint required")

type ClientConfig struct {
	Endpoint string
	Session  session.Config
	// MaxConnectAttempts bounds one Connect call; zero retries forever.
	MaxConnectAttempts int
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Session: session.DefaultConfig(),
	}
}

// Client dials one endpoint and keeps a Connection bound to it.
type Client struct {
	cfg      ClientConfig
	endpoint Endpoint
	conn     *Connection
	rng      *rand.Rand
	log      zerolog.Logger
}

func NewClient(cfg ClientConfig, handler requests.Handler) (*Client, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, ErrEndpointRequired
	}
	ep, err := ParseEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	cfg.Session = cfg.Session.WithDefaults()
	if err := cfg.Session.ValidateClientTransport(); err != nil {
		return nil, err
	}
	return &Client{
		cfg:      cfg,
		endpoint: ep,
		conn:     NewConnection(cfg.Session, handler),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		log:      observability.Component("client").With().Str("endpoint", ep.String()).Logger(),
	}, nil
}

func (c *Client) Endpoint() Endpoint {
	return c.endpoint
}

func (c *Client) Connection() *Connection {
	return c.conn
}

// Connect dials until it succeeds, ctx ends, or MaxConnectAttempts is
// used up.
func (c *Client) Connect(ctx context.Context) error {
	var attempt int
	for {
		attempt++
		t, err := Dial(ctx, c.endpoint, c.cfg.Session)
		if err == nil {
			c.conn.Connect(t)
			c.log.Info().Int("attempt", attempt).Msg("connected")
			return nil
		}
		c.log.Warn().Err(err).Int("attempt", attempt).Msg("dial failed")
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !c.shouldRetry(attempt) {
			return err
		}
		if err := c.sleepBackoff(ctx, attempt); err != nil {
			return err
		}
	}
}

// Run connects and reconnects after every loss until ctx ends.
func (c *Client) Run(ctx context.Context) error {
	for {
		if err := c.Connect(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			c.conn.Disconnect("client stopped")
			return ctx.Err()
		case <-c.conn.Done():
			c.log.Info().Msg("reconnecting")
		}
	}
}

func (c *Client) SendRequest(ctx context.Context, req *requests.Request) (*requests.ReceivedResponse, error) {
	return c.conn.SendRequest(ctx, req)
}

func (c *Client) Close() {
	c.conn.Disconnect("client closed")
}

func (c *Client) shouldRetry(attempt int) bool {
	if c.cfg.MaxConnectAttempts <= 0 {
		return true
	}
	return attempt < c.cfg.MaxConnectAttempts
}

func (c *Client) sleepBackoff(ctx context.Context, attempt int) error {
	return c.cfg.Session.Backoff.Wait(ctx, attempt, c.rng)
}
