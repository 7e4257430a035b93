package transport

import (
	"errors"
	"io"
	"sync"

	"github.com/quic-go/quic-go"
)

// QUICTransport runs the byte stream over one bidirectional QUIC stream.
// Closing it tears down the whole QUIC connection.
type QUICTransport struct {
	conn   quic.Connection
	stream quic.Stream

	closeOnce sync.Once
	closeErr  error
}

func NewQUICTransport(conn quic.Connection, stream quic.Stream) *QUICTransport {
	return &QUICTransport{conn: conn, stream: stream}
}

func (t *QUICTransport) Send(p []byte) (int, error) {
	return t.stream.Write(p)
}

func (t *QUICTransport) Receive(p []byte) (int, error) {
	n, err := t.stream.Read(p)
	if n == 0 && isCleanClose(err) {
		return 0, nil
	}
	return n, err
}

// isCleanClose reports an orderly end of the stream: EOF, or the peer
// closing the connection with application code 0. Any other code is an
// error the caller should see.
func isCleanClose(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) {
		return true
	}
	var appErr *quic.ApplicationError
	return errors.As(err, &appErr) && appErr.ErrorCode == 0
}

func (t *QUICTransport) Close() error {
	t.closeOnce.Do(func() {
		_ = t.stream.Close()
		t.closeErr = t.conn.CloseWithError(0, "")
	})
	return t.closeErr
}
