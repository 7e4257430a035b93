package requests

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/edgestream/internal/protocol/frame"
	"github.com/danmuck/edgestream/internal/protocol/payload"
	"github.com/danmuck/edgestream/internal/protocol/stream"
	"github.com/google/uuid"
)

// describe assigns a fresh id to every outbound stream and builds the
// descriptions announced in the request or response payload.
func describe(streams []ContentStream) ([]payload.StreamDescription, []uuid.UUID, error) {
	if len(streams) == 0 {
		return nil, nil, nil
	}
	descs := make([]payload.StreamDescription, 0, len(streams))
	ids := make([]uuid.UUID, 0, len(streams))
	for i, cs := range streams {
		if cs.Stream == nil {
			return nil, nil, fmt.Errorf("streams[%d] has no content", i)
		}
		id := uuid.New()
		d := payload.NewStreamDescription(id.String())
		d.Name = cs.Name
		d.ContentType = cs.ContentType
		if n, ok := cs.Stream.Remaining(); ok {
			d.Length = &n
		}
		descs = append(descs, d)
		ids = append(ids, id)
	}
	return descs, ids, nil
}

func closeStreams(streams []ContentStream) {
	for _, cs := range streams {
		if cs.Stream != nil {
			_ = cs.Stream.Close()
		}
	}
}

// sendExchange writes a request or response payload followed by its
// streams, all on the binding current when it starts. On failure the
// streams not yet completed are cancelled on the wire and closed.
func (m *Manager) sendExchange(ctx context.Context, typ frame.PayloadType, id uuid.UUID, body []byte, streams []ContentStream, streamIDs []uuid.UUID) error {
	gen := m.sender.Generation()
	if gen == 0 {
		closeStreams(streams)
		return ErrConnectionLost
	}
	if err := m.sendLogical(ctx, gen, typ, id, stream.FromBytes(body)); err != nil {
		closeStreams(streams)
		m.cancelOutbound(gen, err, append([]uuid.UUID{id}, streamIDs...))
		return err
	}
	for i, cs := range streams {
		if err := m.sendLogical(ctx, gen, frame.TypeStream, streamIDs[i], cs.Stream); err != nil {
			closeStreams(streams[i+1:])
			m.cancelOutbound(gen, err, streamIDs[i:])
			return err
		}
	}
	return nil
}

// sendLogical splits s into frames of at most maxFrame bytes under id,
// marking the last one End. It closes s when done.
func (m *Manager) sendLogical(ctx context.Context, gen uint64, typ frame.PayloadType, id uuid.UUID, s *stream.Stream) error {
	defer func() { _ = s.Close() }()
	if n, ok := s.Remaining(); ok {
		return m.sendBounded(ctx, gen, typ, id, s, n)
	}
	return m.sendUnbounded(ctx, gen, typ, id, s)
}

func (m *Manager) sendBounded(ctx context.Context, gen uint64, typ frame.PayloadType, id uuid.UUID, s *stream.Stream, n int64) error {
	if n == 0 {
		return m.sendFrame(gen, frame.Header{Type: typ, ID: id, End: true}, nil)
	}
	for n > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		size := min(n, int64(m.maxFrame))
		h := frame.Header{Type: typ, ID: id, PayloadLength: int(size), End: size == n}
		if err := m.sendFrame(gen, h, s); err != nil {
			return err
		}
		n -= size
	}
	return nil
}

// sendUnbounded reads one frame ahead so the final frame can carry End.
func (m *Manager) sendUnbounded(ctx context.Context, gen uint64, typ frame.PayloadType, id uuid.UUID, s *stream.Stream) error {
	cur, err := s.ReadChunk(m.maxFrame)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("requests: read stream %s: %w", id, err)
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var next []byte
		if len(cur) == m.maxFrame {
			next, err = s.ReadChunk(m.maxFrame)
			if err != nil && !errors.Is(err, io.EOF) {
				return fmt.Errorf("requests: read stream %s: %w", id, err)
			}
		}
		end := len(next) == 0
		h := frame.Header{Type: typ, ID: id, PayloadLength: len(cur), End: end}
		if err := m.sendFrame(gen, h, stream.FromBytes(cur)); err != nil {
			return err
		}
		if end {
			return nil
		}
		cur = next
	}
}

// sendFrame counts a frame as sent only if binding gen survived the
// write. A frame cut short by a rebind is lost with its connection.
func (m *Manager) sendFrame(gen uint64, h frame.Header, s *stream.Stream) error {
	m.sender.SendPayload(h, s, nil)
	if m.sender.Generation() != gen {
		return ErrConnectionLost
	}
	return nil
}

// cancelOutbound tells the peer to drop the partial payloads in ids. It
// is skipped once binding gen is gone.
func (m *Manager) cancelOutbound(gen uint64, cause error, ids []uuid.UUID) {
	if errors.Is(cause, ErrConnectionLost) || m.sender.Generation() != gen {
		return
	}
	for _, id := range ids {
		m.sender.SendPayload(frame.Header{Type: frame.TypeCancelStream, ID: id, End: true}, nil, nil)
	}
	m.log.Debug().Err(cause).Int("streams", len(ids)).Msg("cancelled outbound payloads")
}
