package session

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/danmuck/edgestream/internal/observability"
	"github.com/danmuck/edgestream/internal/protocol/frame"
	"github.com/danmuck/edgestream/internal/protocol/stream"
	"github.com/danmuck/edgestream/internal/protocol/transport"
	"github.com/rs/zerolog"
)

// sendPacket is one outbound frame: a header, the stream its payload
// segment is read from, and an optional completion callback.
type sendPacket struct {
	header  frame.Header
	payload *stream.Stream
	onSent  func()
}

// PayloadSender writes frames to the bound transport. Each SendPayload
// call holds the write lock for its header and every chunk, so payloads
// from concurrent callers never interleave on the wire.
type PayloadSender struct {
	mu             sync.Mutex
	sender         transport.Sender
	generation     uint64
	inflight       *stream.Stream
	onDisconnected DisconnectedHandler

	writeMu   sync.Mutex
	headerBuf [frame.MaxHeaderLength]byte

	maxChunk int
	log      zerolog.Logger
}

func NewPayloadSender(cfg Config) *PayloadSender {
	cfg = cfg.WithDefaults()
	return &PayloadSender{
		maxChunk: cfg.MaxChunkSize,
		log:      observability.Component("payload_sender"),
	}
}

// OnDisconnected registers the handler fired once per disconnect. A nil
// handler clears it.
func (s *PayloadSender) OnDisconnected(h DisconnectedHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDisconnected = h
}

// Connect binds t. Binding while connected closes the replaced
// transport; a write still running on it fails without disconnecting t.
func (s *PayloadSender) Connect(t transport.Sender) {
	s.mu.Lock()
	prev, inflight := s.sender, s.inflight
	s.sender = t
	s.generation++
	s.inflight = nil
	s.mu.Unlock()

	if prev == nil {
		return
	}
	s.log.Debug().Msg("rebinding connected sender")
	if inflight != nil {
		_ = inflight.Close()
	}
	if err := prev.Close(); err != nil {
		s.log.Debug().Err(err).Msg("replaced transport close")
	}
}

func (s *PayloadSender) IsConnected() bool {
	return s.State() == StateConnected
}

// Generation identifies the current binding. It is zero while
// disconnected and changes on every Connect.
func (s *PayloadSender) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sender == nil {
		return 0
	}
	return s.generation
}

func (s *PayloadSender) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sender == nil {
		return StateDisconnected
	}
	return StateConnected
}

// SendPayload writes header followed by header.PayloadLength bytes read
// from payload in chunks of at most the configured chunk size. Failures
// are reported only through the disconnect notification. onSent runs on
// its own goroutine once every byte has been written.
func (s *PayloadSender) SendPayload(header frame.Header, payload *stream.Stream, onSent func()) {
	p := sendPacket{header: header, payload: payload, onSent: onSent}

	s.writeMu.Lock()
	gen, written, err := s.writePacket(p)
	s.writeMu.Unlock()

	if err != nil {
		s.log.Warn().Err(err).Str("id", header.ID.String()).Str("type", header.Type.String()).Msg("write failed")
		s.disconnect(gen, disconnectFromError(err))
		return
	}
	if !written {
		s.log.Debug().Str("id", header.ID.String()).Msg("dropping payload while disconnected")
		return
	}
	observability.RecordFrame(observability.DirectionOut, header.Type.String(), header.PayloadLength)
	if p.onSent != nil {
		go p.onSent()
	}
}

// Disconnect closes and unbinds the transport, closes the stream of a
// packet still being written, and fires the disconnect notification. It
// is a no-op while already disconnected.
func (s *PayloadSender) Disconnect(reason string) {
	s.disconnect(0, DisconnectedEvent{Reason: reason})
}

// disconnect tears down binding gen, or whatever is bound when gen is
// zero. A stale gen is ignored.
func (s *PayloadSender) disconnect(gen uint64, e DisconnectedEvent) {
	s.mu.Lock()
	t := s.sender
	if t == nil {
		s.mu.Unlock()
		return
	}
	if gen != 0 && gen != s.generation {
		s.mu.Unlock()
		s.log.Debug().Str("reason", e.String()).Msg("ignoring failure on replaced binding")
		return
	}
	s.sender = nil
	inflight := s.inflight
	s.inflight = nil
	h := s.onDisconnected
	s.mu.Unlock()

	if inflight != nil {
		_ = inflight.Close()
	}
	if err := t.Close(); err != nil {
		s.log.Debug().Err(err).Msg("transport close")
	}
	observability.RecordDisconnect("sender")
	s.log.Info().Str("reason", e.String()).Msg("disconnected")
	if h != nil {
		h(e)
	}
}

// begin returns the bound transport and its generation, recording p's
// stream as in flight on that binding.
func (s *PayloadSender) begin(p *stream.Stream) (transport.Sender, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sender == nil {
		return nil, 0
	}
	s.inflight = p
	return s.sender, s.generation
}

func (s *PayloadSender) finish(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation == gen {
		s.inflight = nil
	}
}

// writePacket must be called with writeMu held. It reports false without
// touching the wire when no transport is bound, and returns the
// generation of the binding it wrote to.
func (s *PayloadSender) writePacket(p sendPacket) (uint64, bool, error) {
	t, gen := s.begin(p.payload)
	if t == nil {
		return 0, false, nil
	}
	defer s.finish(gen)

	if err := frame.EncodeHeader(p.header, s.headerBuf[:]); err != nil {
		return gen, false, err
	}
	if err := sendAll(t, s.headerBuf[:]); err != nil {
		return gen, false, fmt.Errorf("session: write header: %w", err)
	}

	count := p.header.PayloadLength
	if count > 0 && p.payload == nil {
		return gen, false, fmt.Errorf("%w: no stream for %d bytes", ErrShortPayload, count)
	}
	for count > 0 {
		chunk, err := p.payload.ReadChunk(min(count, s.maxChunk))
		if err != nil && !errors.Is(err, io.EOF) {
			return gen, false, fmt.Errorf("session: read payload: %w", err)
		}
		if len(chunk) == 0 {
			return gen, false, fmt.Errorf("%w: %d of %d bytes missing", ErrShortPayload, count, p.header.PayloadLength)
		}
		if err := sendAll(t, chunk); err != nil {
			return gen, false, fmt.Errorf("session: write payload: %w", err)
		}
		count -= len(chunk)
	}
	return gen, true, nil
}

// sendAll retries partial sends until b is fully written.
func sendAll(t transport.Sender, b []byte) error {
	for len(b) > 0 {
		n, err := t.Send(b)
		if err != nil {
			return err
		}
		if n <= 0 {
			return io.ErrShortWrite
		}
		b = b[n:]
	}
	return nil
}
