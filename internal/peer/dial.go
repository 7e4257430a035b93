package peer

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/danmuck/edgestream/internal/auth"
	"github.com/danmuck/edgestream/internal/protocol/session"
	"github.com/danmuck/edgestream/internal/protocol/transport"
	"github.com/gorilla/websocket"
	"github.com/quic-go/quic-go"
)

// Dial opens a transport to ep.
func Dial(ctx context.Context, ep Endpoint, cfg session.Config) (transport.Transport, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.ValidateClientTransport(); err != nil {
		return nil, err
	}
	switch ep.Scheme {
	case SchemeTCP:
		return dialStream(ctx, "tcp", ep.Address, cfg, cfg.TLS.Enabled)
	case SchemeUnix:
		return dialStream(ctx, "unix", ep.Address, cfg, false)
	case SchemeWS, SchemeWSS:
		return dialWebSocket(ctx, ep, cfg)
	case SchemeQUIC:
		return dialQUIC(ctx, ep, cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidEndpoint, ep.Scheme)
	}
}

func dialStream(ctx context.Context, network, address string, cfg session.Config, useTLS bool) (transport.Transport, error) {
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	if !useTLS {
		return transport.NewStreamTransport(rawConn), nil
	}

	tlsCfg, err := cfg.ClientTLSConfig(address)
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return transport.NewStreamTransport(conn), nil
}

func dialWebSocket(ctx context.Context, ep Endpoint, cfg session.Config) (transport.Transport, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.HandshakeTimeout,
		NetDialContext:   (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
	}
	if ep.Scheme == SchemeWSS && cfg.TLS.Enabled {
		tlsCfg, err := cfg.ClientTLSConfig(ep.Address)
		if err != nil {
			return nil, err
		}
		dialer.TLSClientConfig = tlsCfg
	}
	conn, _, err := dialer.DialContext(ctx, ep.String(), auth.Header(cfg.AuthToken))
	if err != nil {
		return nil, err
	}
	return transport.NewWebSocketTransport(conn), nil
}

func dialQUIC(ctx context.Context, ep Endpoint, cfg session.Config) (transport.Transport, error) {
	tlsCfg, err := quicClientTLS(cfg, ep.Address)
	if err != nil {
		return nil, err
	}
	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout+cfg.HandshakeTimeout)
	defer cancel()
	conn, err := quic.DialAddr(dialCtx, ep.Address, tlsCfg, quicConfig(cfg))
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(dialCtx)
	if err == nil {
		err = writeStreamOpen(stream)
	}
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, fmt.Errorf("peer: open quic stream: %w", err)
	}
	return transport.NewQUICTransport(conn, stream), nil
}
