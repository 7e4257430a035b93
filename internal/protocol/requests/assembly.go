package requests

import (
	"fmt"
	"time"

	"github.com/danmuck/edgestream/internal/protocol/frame"
	"github.com/danmuck/edgestream/internal/protocol/payload"
	"github.com/google/uuid"
)

// assembly is an inbound request or response waiting on the streams it
// announced.
type assembly struct {
	typ     frame.PayloadType
	id      uuid.UUID
	verb    string
	path    string
	status  int
	streams []ReceivedStream
	index   map[uuid.UUID]int
	missing int
	started time.Time
}

func newAssembly(typ frame.PayloadType, id uuid.UUID, descs []payload.StreamDescription) (*assembly, error) {
	a := &assembly{
		typ:     typ,
		id:      id,
		index:   make(map[uuid.UUID]int, len(descs)),
		started: time.Now(),
	}
	for i, d := range descs {
		sid, err := uuid.Parse(d.ID)
		if err != nil {
			return nil, fmt.Errorf("streams[%d] id %q: %w", i, d.ID, err)
		}
		if sid == id {
			return nil, fmt.Errorf("streams[%d] reuses the %s id", i, typ)
		}
		if _, dup := a.index[sid]; dup {
			return nil, fmt.Errorf("streams[%d] duplicate id %s", i, sid)
		}
		a.index[sid] = len(a.streams)
		a.streams = append(a.streams, ReceivedStream{
			ID:          sid,
			Name:        d.Name,
			ContentType: d.ContentType,
		})
	}
	a.missing = len(a.streams)
	return a, nil
}

func (a *assembly) streamIDs() []uuid.UUID {
	ids := make([]uuid.UUID, len(a.streams))
	for i, s := range a.streams {
		ids[i] = s.ID
	}
	return ids
}

// fill stores body for stream sid and reports whether every announced
// stream has arrived.
func (a *assembly) fill(sid uuid.UUID, body []byte) bool {
	i, ok := a.index[sid]
	if !ok {
		return a.missing == 0
	}
	delete(a.index, sid)
	a.streams[i].Body = body
	a.missing--
	return a.missing == 0
}

func (a *assembly) request() *ReceivedRequest {
	return &ReceivedRequest{ID: a.id, Verb: a.verb, Path: a.path, Streams: a.streams}
}

func (a *assembly) response() *ReceivedResponse {
	return &ReceivedResponse{ID: a.id, StatusCode: a.status, Streams: a.streams}
}
