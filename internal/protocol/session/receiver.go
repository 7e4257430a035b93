package session

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/edgestream/internal/observability"
	"github.com/danmuck/edgestream/internal/protocol/frame"
	"github.com/danmuck/edgestream/internal/protocol/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const readBufferSize = 64 << 10

// Payload is one completed logical payload, or a cancel signal when Type
// is a cancel type.
type Payload struct {
	Type frame.PayloadType
	ID   uuid.UUID
	Body []byte
}

// PayloadHandler receives completed payloads on the read goroutine. It
// must not block; long work belongs on another goroutine.
type PayloadHandler func(Payload)

// receivePacket is the reassembly buffer for one id.
type receivePacket struct {
	typ frame.PayloadType
	buf bytes.Buffer
}

// PayloadReceiver reads frames from the bound transport and reassembles
// logical payloads by id.
type PayloadReceiver struct {
	mu             sync.Mutex
	receiver       transport.Receiver
	generation     uint64
	buffers        map[uuid.UUID]*receivePacket
	onPayload      PayloadHandler
	onDisconnected DisconnectedHandler

	limits     frame.Limits
	maxMessage int
	log        zerolog.Logger
}

func NewPayloadReceiver(cfg Config) *PayloadReceiver {
	cfg = cfg.WithDefaults()
	return &PayloadReceiver{
		buffers:    make(map[uuid.UUID]*receivePacket),
		limits:     frame.DefaultLimits(),
		maxMessage: cfg.MaxMessageBytes,
		log:        observability.Component("payload_receiver"),
	}
}

func (r *PayloadReceiver) OnPayload(h PayloadHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onPayload = h
}

func (r *PayloadReceiver) OnDisconnected(h DisconnectedHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDisconnected = h
}

// Connect binds t and starts reading from it. Binding while connected
// closes the replaced transport; its read loop stops reporting.
func (r *PayloadReceiver) Connect(t transport.Receiver) {
	r.mu.Lock()
	prev := r.receiver
	if prev != nil {
		r.buffers = make(map[uuid.UUID]*receivePacket)
	}
	r.receiver = t
	r.generation++
	gen := r.generation
	r.mu.Unlock()

	if prev != nil {
		r.log.Debug().Msg("rebinding connected receiver")
		if err := prev.Close(); err != nil {
			r.log.Debug().Err(err).Msg("replaced transport close")
		}
	}
	go r.run(gen, t)
}

func (r *PayloadReceiver) IsConnected() bool {
	return r.State() == StateConnected
}

func (r *PayloadReceiver) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.receiver == nil {
		return StateDisconnected
	}
	return StateConnected
}

// ExpectStream opens a reassembly buffer for a stream id announced by a
// request or response. Stream frames for ids never announced are a
// framing error.
func (r *PayloadReceiver) ExpectStream(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.buffers[id]; !ok {
		r.buffers[id] = &receivePacket{typ: frame.TypeStream}
	}
}

// Pending reports how many logical payloads are partially reassembled.
func (r *PayloadReceiver) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffers)
}

func (r *PayloadReceiver) Disconnect(reason string) {
	r.disconnect(0, DisconnectedEvent{Reason: reason})
}

// disconnect tears down the binding. A non-zero gen only applies if it is
// still the current binding, so a stale read loop cannot cut a newer one.
func (r *PayloadReceiver) disconnect(gen uint64, e DisconnectedEvent) {
	r.mu.Lock()
	t := r.receiver
	if t == nil || (gen != 0 && gen != r.generation) {
		r.mu.Unlock()
		return
	}
	r.receiver = nil
	r.buffers = make(map[uuid.UUID]*receivePacket)
	h := r.onDisconnected
	r.mu.Unlock()

	if err := t.Close(); err != nil {
		r.log.Debug().Err(err).Msg("transport close")
	}
	observability.RecordDisconnect("receiver")
	r.log.Info().Str("reason", e.String()).Msg("disconnected")
	if h != nil {
		h(e)
	}
}

func (r *PayloadReceiver) run(gen uint64, t transport.Receiver) {
	reader := bufio.NewReaderSize(transport.Reader(t), readBufferSize)
	for {
		fr, err := frame.ReadFrame(reader, r.limits)
		if err != nil {
			if errors.Is(err, frame.ErrShortHeader) || errors.Is(err, frame.ErrShortPayload) {
				err = fmt.Errorf("%w: %v", ErrTransportClosed, err)
			}
			r.disconnect(gen, disconnectFromError(err))
			return
		}
		if !r.current(gen) {
			return
		}
		observability.RecordFrame(observability.DirectionIn, fr.Header.Type.String(), fr.Header.PayloadLength)
		if err := r.processFrame(fr); err != nil {
			r.log.Warn().Err(err).Str("id", fr.Header.ID.String()).Msg("rejecting frame")
			r.disconnect(gen, disconnectFromError(err))
			return
		}
	}
}

func (r *PayloadReceiver) current(gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.receiver != nil && r.generation == gen
}

func (r *PayloadReceiver) processFrame(fr frame.Frame) error {
	h := fr.Header
	switch h.Type {
	case frame.TypeCancelAll:
		r.mu.Lock()
		r.buffers = make(map[uuid.UUID]*receivePacket)
		r.mu.Unlock()
		r.deliver(Payload{Type: h.Type, ID: h.ID})
		return nil
	case frame.TypeCancelStream:
		r.mu.Lock()
		delete(r.buffers, h.ID)
		r.mu.Unlock()
		r.deliver(Payload{Type: h.Type, ID: h.ID})
		return nil
	}

	r.mu.Lock()
	pkt, ok := r.buffers[h.ID]
	if !ok {
		if h.Type == frame.TypeStream {
			r.mu.Unlock()
			return fmt.Errorf("%w: stream frame for unknown id %s", frame.ErrFraming, h.ID)
		}
		pkt = &receivePacket{typ: h.Type}
		r.buffers[h.ID] = pkt
	} else if pkt.typ != h.Type {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s frame for open %s payload %s", frame.ErrFraming, h.Type, pkt.typ, h.ID)
	}
	if r.maxMessage > 0 && pkt.buf.Len()+len(fr.Payload) > r.maxMessage {
		delete(r.buffers, h.ID)
		r.mu.Unlock()
		return fmt.Errorf("%w: payload %s exceeds %d bytes", frame.ErrFraming, h.ID, r.maxMessage)
	}
	pkt.buf.Write(fr.Payload)
	if !h.End {
		r.mu.Unlock()
		return nil
	}
	delete(r.buffers, h.ID)
	r.mu.Unlock()

	r.deliver(Payload{Type: pkt.typ, ID: h.ID, Body: pkt.buf.Bytes()})
	return nil
}

func (r *PayloadReceiver) deliver(p Payload) {
	r.mu.Lock()
	h := r.onPayload
	r.mu.Unlock()
	if h == nil {
		r.log.Debug().Str("id", p.ID.String()).Str("type", p.Type.String()).Msg("no payload handler")
		return
	}
	h(p)
}
