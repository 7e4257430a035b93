package peer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/edgestream/internal/auth"
	"github.com/danmuck/edgestream/internal/observability"
	"github.com/danmuck/edgestream/internal/protocol/requests"
	"github.com/danmuck/edgestream/internal/protocol/session"
	"github.com/danmuck/edgestream/internal/protocol/transport"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultWebSocketPath = "/api/messages"
	shutdownTimeout      = 5 * time.Second
)

var (
	ErrNoListeners      = errors.New("peer: server has no listen endpoints")
	ErrAlreadyListening = errors.New("peer: server already listening")
	ErrNotListening     = errors.New("peer: server not listening")
)

type ServerConfig struct {
	Name string
	// Listen holds tcp://, unix:// and quic:// endpoints.
	Listen []string
	// HTTPAddr serves the websocket endpoint, /health and /metrics.
	HTTPAddr      string
	WebSocketPath string
	CORSOrigins   []string
	Session       session.Config
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Name:          "edgestream",
		WebSocketPath: DefaultWebSocketPath,
		Session:       session.DefaultConfig(),
	}
}

// Server accepts transports on every configured endpoint and serves each
// with its own Connection.
type Server struct {
	cfg     ServerConfig
	handler requests.Handler

	router   *gin.Engine
	upgrader websocket.Upgrader
	started  time.Time

	mu         sync.Mutex
	conns      map[*Connection]struct{}
	streams    []boundListener
	quics      []boundQUIC
	httpServer *http.Server
	httpLn     net.Listener
	listening  bool

	log zerolog.Logger
}

type boundListener struct {
	endpoint Endpoint
	ln       net.Listener
}

type boundQUIC struct {
	endpoint Endpoint
	ln       *quic.Listener
}

func NewServer(cfg ServerConfig, handler requests.Handler) (*Server, error) {
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = "edgestream"
	}
	if strings.TrimSpace(cfg.WebSocketPath) == "" {
		cfg.WebSocketPath = DefaultWebSocketPath
	}
	if len(cfg.Listen) == 0 && strings.TrimSpace(cfg.HTTPAddr) == "" {
		return nil, ErrNoListeners
	}
	for _, raw := range cfg.Listen {
		ep, err := ParseEndpoint(raw)
		if err != nil {
			return nil, err
		}
		if ep.Scheme == SchemeWS || ep.Scheme == SchemeWSS {
			return nil, fmt.Errorf("%w: websocket is served on the http address, not %s", ErrInvalidEndpoint, raw)
		}
	}
	cfg.Session = cfg.Session.WithDefaults()
	if err := cfg.Session.ValidateServerTransport(); err != nil {
		return nil, err
	}

	observability.RegisterMetrics()
	s := &Server{
		cfg:     cfg,
		handler: handler,
		conns:   make(map[*Connection]struct{}),
		started: time.Now(),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: cfg.Session.HandshakeTimeout,
		},
		log: observability.Component("server").With().Str("server", cfg.Name).Logger(),
	}
	s.upgrader.CheckOrigin = s.checkOrigin
	s.router = s.newRouter()
	return s, nil
}

func (s *Server) newRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(s.cfg.Name))
	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: s.cfg.CORSOrigins,
			AllowMethods: []string{"GET"},
			AllowHeaders: []string{"Origin", "Content-Type", auth.HeaderAuthorization},
			MaxAge:       12 * time.Hour,
		}))
	}
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"uptime":      time.Since(s.started).String(),
			"server":      s.cfg.Name,
			"connections": s.ConnectionCount(),
			"version":     Version,
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if token := s.cfg.Session.AuthToken; token != "" {
		r.GET(s.cfg.WebSocketPath, auth.RequireToken(auth.StaticToken{Token: token}), s.acceptWebSocket)
	} else {
		r.GET(s.cfg.WebSocketPath, s.acceptWebSocket)
	}
	return r
}

// Router exposes the HTTP surface, for mounting or tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Listen binds every endpoint without serving yet.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listening {
		return ErrAlreadyListening
	}
	if err := s.listenLocked(); err != nil {
		s.closeListenersLocked()
		return err
	}
	s.listening = true
	return nil
}

func (s *Server) listenLocked() error {
	for _, raw := range s.cfg.Listen {
		ep, err := ParseEndpoint(raw)
		if err != nil {
			return err
		}
		switch ep.Scheme {
		case SchemeQUIC:
			tlsCfg, err := quicServerTLS(s.cfg.Session)
			if err != nil {
				return err
			}
			ln, err := quic.ListenAddr(ep.Address, tlsCfg, quicConfig(s.cfg.Session))
			if err != nil {
				return err
			}
			ep.Address = ln.Addr().String()
			s.quics = append(s.quics, boundQUIC{endpoint: ep, ln: ln})
		case SchemeUnix:
			if err := removeStaleSocket(ep.Address); err != nil {
				return err
			}
			ln, err := net.Listen("unix", ep.Address)
			if err != nil {
				return err
			}
			s.streams = append(s.streams, boundListener{endpoint: ep, ln: ln})
		default:
			ln, err := net.Listen("tcp", ep.Address)
			if err != nil {
				return err
			}
			if s.cfg.Session.TLS.Enabled {
				tlsCfg, err := s.cfg.Session.ServerTLSConfig()
				if err != nil {
					_ = ln.Close()
					return err
				}
				ln = tls.NewListener(ln, tlsCfg)
			}
			ep.Address = ln.Addr().String()
			s.streams = append(s.streams, boundListener{endpoint: ep, ln: ln})
		}
	}
	if addr := strings.TrimSpace(s.cfg.HTTPAddr); addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return err
		}
		s.httpLn = ln
		s.httpServer = &http.Server{
			Handler:           s.router,
			ReadHeaderTimeout: s.cfg.Session.HandshakeTimeout,
		}
	}
	return nil
}

// Endpoints reports the bound stream and QUIC endpoints with resolved
// ports.
func (s *Server) Endpoints() []Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Endpoint, 0, len(s.streams)+len(s.quics))
	for _, b := range s.streams {
		out = append(out, b.endpoint)
	}
	for _, b := range s.quics {
		out = append(out, b.endpoint)
	}
	return out
}

// HTTPAddr reports the bound HTTP address, or "" when none is served.
func (s *Server) HTTPAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpLn == nil {
		return ""
	}
	return s.httpLn.Addr().String()
}

// Run listens if needed and serves until ctx ends or a listener fails.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	listening := s.listening
	s.mu.Unlock()
	if !listening {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	return s.Serve(ctx)
}

// Serve runs every accept loop under one errgroup. Cancelling ctx closes
// the listeners and disconnects every connection.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	if !s.listening {
		s.mu.Unlock()
		return ErrNotListening
	}
	streams := append([]boundListener(nil), s.streams...)
	quics := append([]boundQUIC(nil), s.quics...)
	httpSrv, httpLn := s.httpServer, s.httpLn
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, b := range streams {
		b := b
		g.Go(func() error { return s.acceptStream(gctx, b) })
	}
	for _, b := range quics {
		b := b
		g.Go(func() error { return s.acceptQUIC(gctx, b) })
	}
	if httpSrv != nil {
		g.Go(func() error {
			s.log.Info().Str("addr", httpLn.Addr().String()).Msg("http listening")
			if err := httpSrv.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		s.shutdown()
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Server) acceptStream(ctx context.Context, b boundListener) error {
	s.log.Info().Str("endpoint", b.endpoint.String()).Msg("listening")
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("peer: accept %s: %w", b.endpoint, err)
		}
		s.attach(transport.NewStreamTransport(conn), string(b.endpoint.Scheme), conn.RemoteAddr().String())
	}
}

func (s *Server) acceptQUIC(ctx context.Context, b boundQUIC) error {
	s.log.Info().Str("endpoint", b.endpoint.String()).Msg("listening")
	for {
		conn, err := b.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, quic.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("peer: accept %s: %w", b.endpoint, err)
		}
		go s.openQUIC(ctx, conn)
	}
}

func (s *Server) openQUIC(ctx context.Context, conn quic.Connection) {
	openCtx, cancel := context.WithTimeout(ctx, s.cfg.Session.HandshakeTimeout)
	defer cancel()
	stream, err := conn.AcceptStream(openCtx)
	if err == nil {
		err = readStreamOpen(stream)
	}
	if err != nil {
		s.log.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("quic stream not opened")
		_ = conn.CloseWithError(0, "")
		return
	}
	s.attach(transport.NewQUICTransport(conn, stream), string(SchemeQUIC), conn.RemoteAddr().String())
}

// checkOrigin admits upgrades without an Origin header, from the serving
// host itself, or from an origin listed in CORSOrigins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.CORSOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func (s *Server) acceptWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", c.ClientIP()).Msg("websocket upgrade failed")
		return
	}
	s.attach(transport.NewWebSocketTransport(conn), string(SchemeWS), c.ClientIP())
}

// attach gives t its own Connection and tracks it until it is lost.
func (s *Server) attach(t transport.Transport, scheme, remote string) *Connection {
	conn := NewConnection(s.cfg.Session, s.handler)
	logger := s.log.With().Str("scheme", scheme).Str("remote", remote).Logger()
	conn.OnDisconnected(func(e session.DisconnectedEvent) {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		logger.Info().Str("reason", e.String()).Msg("peer disconnected")
	})
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	conn.Connect(t)
	logger.Info().Msg("peer connected")
	return conn
}

// Connections returns the live connections, for sending requests to
// connected peers.
func (s *Server) Connections() []*Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Connection, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}

func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) shutdown() {
	s.mu.Lock()
	httpSrv := s.httpServer
	s.closeListenersLocked()
	s.httpServer, s.httpLn = nil, nil
	s.listening = false
	s.mu.Unlock()

	if httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := httpSrv.Shutdown(ctx); err != nil {
			s.log.Warn().Err(err).Msg("http shutdown")
		}
		cancel()
	}
	for _, c := range s.Connections() {
		c.Disconnect("server shutting down")
	}
	s.log.Info().Msg("server stopped")
}

func (s *Server) closeListenersLocked() {
	for _, b := range s.streams {
		_ = b.ln.Close()
		if b.endpoint.Scheme == SchemeUnix {
			_ = os.Remove(b.endpoint.Address)
		}
	}
	for _, b := range s.quics {
		_ = b.ln.Close()
	}
	if s.httpLn != nil && s.httpServer == nil {
		_ = s.httpLn.Close()
	}
	s.streams, s.quics = nil, nil
}

// removeStaleSocket clears a leftover socket file from an earlier run.
func removeStaleSocket(path string) error {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("peer: %s exists and is not a socket", path)
	}
	return os.Remove(path)
}
