package peer

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var ErrInvalidEndpoint = errors.New("peer: invalid endpoint")

type Scheme string

const (
	SchemeTCP  Scheme = "tcp"
	SchemeUnix Scheme = "unix"
	SchemeWS   Scheme = "ws"
	SchemeWSS  Scheme = "wss"
	SchemeQUIC Scheme = "quic"
)

// Endpoint is a parsed transport address. Address is host:port for
// network schemes and a filesystem path for unix sockets. Path is only
// used by websocket endpoints.
type Endpoint struct {
	Scheme  Scheme
	Address string
	Path    string
}

// ParseEndpoint accepts tcp://, unix://, ws://, wss:// and quic:// URLs. A
// bare host:port is treated as tcp.
func ParseEndpoint(raw string) (Endpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Endpoint{}, fmt.Errorf("%w: empty", ErrInvalidEndpoint)
	}
	if !strings.Contains(raw, "://") {
		raw = string(SchemeTCP) + "://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}

	ep := Endpoint{Scheme: Scheme(strings.ToLower(u.Scheme))}
	switch ep.Scheme {
	case SchemeUnix:
		ep.Address = u.Host + u.Path
		if ep.Address == "" {
			return Endpoint{}, fmt.Errorf("%w: unix endpoint needs a socket path", ErrInvalidEndpoint)
		}
		return ep, nil
	case SchemeTCP, SchemeQUIC:
	case SchemeWS, SchemeWSS:
		ep.Path = u.Path
		if ep.Path == "" {
			ep.Path = DefaultWebSocketPath
		}
	default:
		return Endpoint{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidEndpoint, u.Scheme)
	}
	if u.Host == "" || u.Port() == "" {
		return Endpoint{}, fmt.Errorf("%w: %s endpoint needs host:port", ErrInvalidEndpoint, ep.Scheme)
	}
	ep.Address = u.Host
	return ep, nil
}

func (e Endpoint) String() string {
	switch e.Scheme {
	case SchemeUnix:
		return string(e.Scheme) + "://" + e.Address
	case SchemeWS, SchemeWSS:
		return (&url.URL{Scheme: string(e.Scheme), Host: e.Address, Path: e.Path}).String()
	default:
		return string(e.Scheme) + "://" + e.Address
	}
}

// Host returns the host part of a network address.
func (e Endpoint) Host() string {
	if e.Scheme == SchemeUnix {
		return ""
	}
	if u, err := url.Parse("//" + e.Address); err == nil {
		return u.Hostname()
	}
	return e.Address
}
