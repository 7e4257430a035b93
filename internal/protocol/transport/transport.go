// Package transport defines the byte-oriented collaborator contract the
// session layer writes frames to and reads frames from, plus adapters for
// concrete connections.
package transport

import (
	"errors"
	"io"
	"sync"
)

var ErrClosed = errors.New("transport: closed")

// Sender writes raw bytes. A short write without error is retried by the
// caller.
type Sender interface {
	Send(p []byte) (int, error)
	Close() error
}

// Receiver reads up to len(p) bytes. Zero bytes signals that the peer
// closed the connection.
type Receiver interface {
	Receive(p []byte) (int, error)
	Close() error
}

type Transport interface {
	Sender
	Receiver
}

type receiverReader struct {
	r Receiver
}

// Reader adapts r to io.Reader, turning a zero-byte receive into io.EOF.
func Reader(r Receiver) io.Reader {
	return &receiverReader{r: r}
}

func (rr *receiverReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := rr.r.Receive(p)
	if n == 0 && err == nil {
		return 0, io.EOF
	}
	return n, err
}

// StreamTransport adapts an ordered byte stream such as a TCP connection,
// a unix socket, a named pipe, or a QUIC stream.
type StreamTransport struct {
	rwc       io.ReadWriteCloser
	closeOnce sync.Once
	closeErr  error
}

func NewStreamTransport(rwc io.ReadWriteCloser) *StreamTransport {
	return &StreamTransport{rwc: rwc}
}

func (t *StreamTransport) Send(p []byte) (int, error) {
	return t.rwc.Write(p)
}

func (t *StreamTransport) Receive(p []byte) (int, error) {
	n, err := t.rwc.Read(p)
	if errors.Is(err, io.EOF) && n == 0 {
		return 0, nil
	}
	return n, err
}

func (t *StreamTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.rwc.Close()
	})
	return t.closeErr
}
