package peer

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/danmuck/edgestream/internal/protocol/session"
	"github.com/quic-go/quic-go"
)

// QUICProtocol is the ALPN name negotiated on quic:// endpoints.
const QUICProtocol = "edgestream/1"

// A QUIC stream becomes visible to the listener only once bytes flow on
// it, so the dialer writes this opening byte and the listener consumes it
// before binding the stream.
const quicStreamOpen byte = 0x1e

var ErrQUICStreamOpen = errors.New("peer: bad quic stream opening byte")

func quicConfig(cfg session.Config) *quic.Config {
	return &quic.Config{
		HandshakeIdleTimeout: cfg.HandshakeTimeout,
		KeepAlivePeriod:      cfg.ConnectTimeout,
	}
}

func writeStreamOpen(w io.Writer) error {
	_, err := w.Write([]byte{quicStreamOpen})
	return err
}

func readStreamOpen(r io.Reader) error {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return err
	}
	if b[0] != quicStreamOpen {
		return fmt.Errorf("%w: 0x%02x", ErrQUICStreamOpen, b[0])
	}
	return nil
}

// quicServerTLS uses the configured certificate when TLS is enabled. In
// development mode without one it generates a throwaway self-signed
// certificate, since QUIC cannot run without TLS.
func quicServerTLS(cfg session.Config) (*tls.Config, error) {
	if cfg.TLS.Enabled {
		return cfg.ServerTLSConfig(QUICProtocol)
	}
	if session.NormalizeSecurityMode(cfg.SecurityMode) != session.SecurityModeDevelopment {
		return nil, session.ErrTLSRequired
	}
	cert, err := selfSignedCertificate()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{QUICProtocol},
	}, nil
}

func quicClientTLS(cfg session.Config, address string) (*tls.Config, error) {
	if cfg.TLS.Enabled {
		return cfg.ClientTLSConfig(address, QUICProtocol)
	}
	if session.NormalizeSecurityMode(cfg.SecurityMode) != session.SecurityModeDevelopment {
		return nil, session.ErrTLSRequired
	}
	return &tls.Config{
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: true,
		NextProtos:         []string{QUICProtocol},
	}, nil
}

func selfSignedCertificate() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: big.NewInt(now.UnixNano()),
		Subject:      pkix.Name{CommonName: "edgestream-dev"},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}
