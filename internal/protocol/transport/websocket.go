package transport

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const closeGracePeriod = time.Second

// WebSocketTransport carries the byte stream over binary websocket
// messages. Message boundaries carry no meaning; Receive drains each
// message across as many calls as needed.
type WebSocketTransport struct {
	conn *websocket.Conn

	readMu  sync.Mutex
	pending io.Reader

	closeOnce sync.Once
	closeErr  error
}

func NewWebSocketTransport(conn *websocket.Conn) *WebSocketTransport {
	return &WebSocketTransport{conn: conn}
}

func (t *WebSocketTransport) Send(p []byte) (int, error) {
	if err := t.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (t *WebSocketTransport) Receive(p []byte) (int, error) {
	t.readMu.Lock()
	defer t.readMu.Unlock()
	for {
		if t.pending == nil {
			kind, r, err := t.conn.NextReader()
			if err != nil {
				if isNormalClose(err) {
					return 0, nil
				}
				return 0, err
			}
			if kind != websocket.BinaryMessage {
				continue
			}
			t.pending = r
		}
		n, err := t.pending.Read(p)
		if errors.Is(err, io.EOF) {
			t.pending = nil
			if n == 0 {
				continue
			}
			return n, nil
		}
		return n, err
	}
}

func (t *WebSocketTransport) Close() error {
	t.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseNormalClosure,
	)
}
