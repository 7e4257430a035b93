package peer

import (
	"context"
	"sync"

	"github.com/danmuck/edgestream/internal/observability"
	"github.com/danmuck/edgestream/internal/protocol/requests"
	"github.com/danmuck/edgestream/internal/protocol/session"
	"github.com/danmuck/edgestream/internal/protocol/transport"
	"github.com/rs/zerolog"
)

// Connection is one duplex session over a bound transport.
type Connection struct {
	cfg      session.Config
	sender   *session.PayloadSender
	receiver *session.PayloadReceiver
	manager  *requests.Manager

	mu             sync.Mutex
	connected      bool
	done           chan struct{}
	onDisconnected session.DisconnectedHandler

	log zerolog.Logger
}

func NewConnection(cfg session.Config, handler requests.Handler) *Connection {
	cfg = cfg.WithDefaults()
	c := &Connection{
		cfg:      cfg,
		sender:   session.NewPayloadSender(cfg),
		receiver: session.NewPayloadReceiver(cfg),
		done:     make(chan struct{}),
		log:      observability.Component("connection"),
	}
	close(c.done)
	c.manager = requests.NewManager(c.sender, c.receiver, handler, cfg)
	c.receiver.OnPayload(c.manager.HandlePayload)
	c.sender.OnDisconnected(c.lost)
	c.receiver.OnDisconnected(c.lost)
	return c
}

// Connect binds t to both directions. A live binding is disconnected
// first.
func (c *Connection) Connect(t transport.Transport) {
	if c.IsConnected() {
		c.Disconnect("rebinding transport")
	}
	c.mu.Lock()
	c.connected = true
	c.done = make(chan struct{})
	c.mu.Unlock()

	c.sender.Connect(t)
	c.receiver.Connect(t)
	c.log.Debug().Msg("connected")
}

func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// OnDisconnected registers the handler called once per connection loss.
func (c *Connection) OnDisconnected(h session.DisconnectedHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnected = h
}

// Done is closed when the current binding is lost.
func (c *Connection) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

func (c *Connection) SetHandler(h requests.Handler) {
	c.manager.SetHandler(h)
}

// SendRequest applies the configured request timeout unless ctx already
// carries a deadline.
func (c *Connection) SendRequest(ctx context.Context, req *requests.Request) (*requests.ReceivedResponse, error) {
	if _, ok := ctx.Deadline(); !ok && c.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}
	return c.manager.SendRequest(ctx, req)
}

func (c *Connection) Pending() []requests.PendingRequest {
	return c.manager.Pending()
}

func (c *Connection) Disconnect(reason string) {
	c.lost(session.DisconnectedEvent{Reason: reason})
}

// lost tears down both directions and fails pending requests. Only the
// first call per binding notifies.
func (c *Connection) lost(e session.DisconnectedEvent) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	done := c.done
	h := c.onDisconnected
	c.mu.Unlock()

	c.sender.Disconnect(e.Reason)
	c.receiver.Disconnect(e.Reason)
	c.manager.Disconnect(e.String())
	close(done)
	c.log.Info().Str("reason", e.String()).Msg("connection lost")
	if h != nil {
		h(e)
	}
}
