package requests

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/danmuck/edgestream/internal/observability"
	"github.com/danmuck/edgestream/internal/protocol/frame"
	"github.com/danmuck/edgestream/internal/protocol/payload"
	"github.com/danmuck/edgestream/internal/protocol/session"
	"github.com/danmuck/edgestream/internal/protocol/stream"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// PayloadSender is the outbound half the manager writes through.
// session.PayloadSender satisfies it.
type PayloadSender interface {
	SendPayload(header frame.Header, payload *stream.Stream, onSent func())
	IsConnected() bool
	// Generation is zero while disconnected and changes whenever the
	// transport is rebound.
	Generation() uint64
}

// StreamExpecter opens reassembly for announced stream ids.
// session.PayloadReceiver satisfies it.
type StreamExpecter interface {
	ExpectStream(id uuid.UUID)
}

// Manager correlates outbound requests with their responses and answers
// inbound requests through a Handler.
type Manager struct {
	sender   PayloadSender
	expecter StreamExpecter
	pending  *PendingTable

	mu           sync.Mutex
	handler      Handler
	assemblies   map[uuid.UUID]*assembly
	streamOwners map[uuid.UUID]uuid.UUID
	handlerCtx   context.Context
	cancel       context.CancelFunc

	maxFrame int
	log      zerolog.Logger
}

func NewManager(sender PayloadSender, expecter StreamExpecter, handler Handler, cfg session.Config) *Manager {
	cfg = cfg.WithDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		sender:       sender,
		expecter:     expecter,
		pending:      NewPendingTable(),
		handler:      handler,
		assemblies:   make(map[uuid.UUID]*assembly),
		streamOwners: make(map[uuid.UUID]uuid.UUID),
		handlerCtx:   ctx,
		cancel:       cancel,
		maxFrame:     cfg.MaxFramePayload,
		log:          observability.Component("request_manager"),
	}
}

func (m *Manager) SetHandler(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// Pending lists outbound requests still awaiting a response.
func (m *Manager) Pending() []PendingRequest {
	return m.pending.List()
}

// SendRequest sends req and waits for the response with the same id. It
// fails with ErrConnectionLost when the connection drops first, and with
// ctx.Err() when ctx ends first.
func (m *Manager) SendRequest(ctx context.Context, req *Request) (*ReceivedResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil request", payload.ErrInvalidRequest)
	}
	descs, streamIDs, err := describe(req.Streams)
	if err != nil {
		closeStreams(req.Streams)
		return nil, fmt.Errorf("%w: %v", payload.ErrInvalidRequest, err)
	}
	body, err := payload.MarshalRequest(&payload.RequestPayload{Verb: req.Verb, Path: req.Path, Streams: descs})
	if err != nil {
		closeStreams(req.Streams)
		return nil, err
	}
	if !m.sender.IsConnected() {
		closeStreams(req.Streams)
		return nil, session.ErrNotConnected
	}

	start := time.Now()
	info, done := m.pending.Register(req.Verb, req.Path, start)
	observability.SetPendingRequests(m.pending.Len())
	defer func() { observability.SetPendingRequests(m.pending.Len()) }()

	// A disconnect that completed before Register could not fail the
	// handle, so check again now that it is visible.
	if !m.sender.IsConnected() {
		m.pending.Remove(info.ID)
		closeStreams(req.Streams)
		return nil, ErrConnectionLost
	}

	if err := m.sendExchange(ctx, frame.TypeRequest, info.ID, body, req.Streams, streamIDs); err != nil {
		m.pending.Remove(info.ID)
		if errors.Is(err, ErrConnectionLost) {
			// Disconnect may have already completed the handle.
			select {
			case r := <-done:
				if r.Err != nil {
					err = r.Err
				}
			default:
			}
		}
		observability.RecordRequest(observability.DirectionOut, 0, time.Since(start))
		return nil, err
	}

	select {
	case r := <-done:
		status := 0
		if r.Response != nil {
			status = r.Response.StatusCode
		}
		observability.RecordRequest(observability.DirectionOut, status, time.Since(start))
		return r.Response, r.Err
	case <-ctx.Done():
		m.pending.Remove(info.ID)
		observability.RecordRequest(observability.DirectionOut, 0, time.Since(start))
		return nil, ctx.Err()
	}
}

// HandlePayload consumes one reassembled payload. It runs on the read
// goroutine and only hands work off, so it never blocks on a Handler.
func (m *Manager) HandlePayload(p session.Payload) {
	switch p.Type {
	case frame.TypeRequest:
		m.handleRequest(p)
	case frame.TypeResponse:
		m.handleResponse(p)
	case frame.TypeStream:
		m.handleStream(p)
	case frame.TypeCancelStream:
		m.cancelStream(p.ID)
	case frame.TypeCancelAll:
		m.cancelAll()
	}
}

// Disconnect fails every pending request with ErrConnectionLost, drops
// partial inbound exchanges and cancels running handlers.
func (m *Manager) Disconnect(reason string) {
	m.mu.Lock()
	m.assemblies = make(map[uuid.UUID]*assembly)
	m.streamOwners = make(map[uuid.UUID]uuid.UUID)
	cancel := m.cancel
	m.handlerCtx, m.cancel = context.WithCancel(context.Background())
	m.mu.Unlock()

	cancel()
	if reason == "" {
		reason = session.EmptyDisconnect.String()
	}
	n := m.pending.FailAll(fmt.Errorf("%w: %s", ErrConnectionLost, reason))
	observability.SetPendingRequests(m.pending.Len())
	if n > 0 {
		m.log.Info().Int("failed", n).Str("reason", reason).Msg("failed pending requests")
	}
}

func (m *Manager) handleRequest(p session.Payload) {
	req, err := payload.UnmarshalRequest(p.Body)
	if err != nil {
		m.log.Warn().Err(err).Str("id", p.ID.String()).Msg("rejecting request")
		m.respondStatus(p.ID, http.StatusBadRequest)
		return
	}
	a, err := newAssembly(frame.TypeRequest, p.ID, req.Streams)
	if err != nil {
		m.log.Warn().Err(err).Str("id", p.ID.String()).Msg("rejecting request streams")
		m.respondStatus(p.ID, http.StatusBadRequest)
		return
	}
	a.verb, a.path = req.Verb, req.Path
	if err := m.track(a); err != nil {
		m.log.Warn().Err(err).Str("id", p.ID.String()).Msg("rejecting request streams")
		m.respondStatus(p.ID, http.StatusBadRequest)
		return
	}
	if a.missing == 0 {
		m.dispatch(a)
	}
}

func (m *Manager) handleResponse(p session.Payload) {
	res, err := payload.UnmarshalResponse(p.Body)
	if err != nil {
		m.failResponse(p.ID, err)
		return
	}
	a, err := newAssembly(frame.TypeResponse, p.ID, res.Streams)
	if err == nil {
		err = m.track(a)
	}
	if err != nil {
		m.failResponse(p.ID, fmt.Errorf("%w: %v", payload.ErrInvalidResponse, err))
		return
	}
	a.status = res.StatusCode
	if a.missing == 0 {
		m.resolve(a)
	}
}

func (m *Manager) handleStream(p session.Payload) {
	m.mu.Lock()
	owner, ok := m.streamOwners[p.ID]
	if !ok {
		m.mu.Unlock()
		m.log.Debug().Str("id", p.ID.String()).Msg("stream for abandoned exchange")
		return
	}
	delete(m.streamOwners, p.ID)
	a := m.assemblies[owner]
	complete := a.fill(p.ID, p.Body)
	if complete {
		delete(m.assemblies, owner)
	}
	m.mu.Unlock()

	if !complete {
		return
	}
	if a.typ == frame.TypeRequest {
		m.dispatch(a)
		return
	}
	m.resolve(a)
}

// track registers the streams a announced and asks the receiver to accept
// them. The receiver must know the ids before this payload's handler
// returns, since their frames follow on the same read goroutine.
func (m *Manager) track(a *assembly) error {
	if a.missing == 0 {
		return nil
	}
	ids := a.streamIDs()
	m.mu.Lock()
	for _, sid := range ids {
		if _, taken := m.streamOwners[sid]; taken {
			m.mu.Unlock()
			return fmt.Errorf("stream %s already in flight", sid)
		}
	}
	m.assemblies[a.id] = a
	for _, sid := range ids {
		m.streamOwners[sid] = a.id
	}
	m.mu.Unlock()

	for _, sid := range ids {
		m.expecter.ExpectStream(sid)
	}
	return nil
}

func (m *Manager) cancelStream(sid uuid.UUID) {
	m.mu.Lock()
	owner, ok := m.streamOwners[sid]
	if !ok {
		m.mu.Unlock()
		return
	}
	a := m.assemblies[owner]
	delete(m.assemblies, owner)
	for _, id := range a.streamIDs() {
		delete(m.streamOwners, id)
	}
	m.mu.Unlock()
	m.abandon(a)
}

func (m *Manager) cancelAll() {
	m.mu.Lock()
	abandoned := m.assemblies
	m.assemblies = make(map[uuid.UUID]*assembly)
	m.streamOwners = make(map[uuid.UUID]uuid.UUID)
	m.mu.Unlock()
	for _, a := range abandoned {
		m.abandon(a)
	}
}

func (m *Manager) abandon(a *assembly) {
	if a.typ == frame.TypeResponse {
		m.failResponse(a.id, ErrStreamCancelled)
		return
	}
	m.log.Debug().Str("id", a.id.String()).Str("path", a.path).Msg("inbound request cancelled")
}

func (m *Manager) resolve(a *assembly) {
	if m.pending.Resolve(a.id, a.response()) {
		return
	}
	m.orphan(a.id)
}

func (m *Manager) failResponse(id uuid.UUID, err error) {
	if m.pending.Fail(id, err) {
		m.log.Debug().Err(err).Str("id", id.String()).Msg("request failed")
		return
	}
	m.orphan(id)
}

func (m *Manager) orphan(id uuid.UUID) {
	observability.RecordOrphanResponse()
	m.log.Warn().Err(ErrCorrelation).Str("id", id.String()).Msg("dropping response")
}

func (m *Manager) dispatch(a *assembly) {
	m.mu.Lock()
	ctx, h := m.handlerCtx, m.handler
	m.mu.Unlock()
	go m.serve(ctx, h, a.request(), a.started)
}

func (m *Manager) serve(ctx context.Context, h Handler, req *ReceivedRequest, start time.Time) {
	res := m.process(ctx, h, req)
	if err := m.sendResponse(ctx, req.ID, res); err != nil {
		m.log.Warn().Err(err).Str("id", req.ID.String()).Msg("response not sent")
	}
	observability.RecordRequest(observability.DirectionIn, res.StatusCode, time.Since(start))
}

func (m *Manager) process(ctx context.Context, h Handler, req *ReceivedRequest) (res *Response) {
	if h == nil {
		return NewResponse(http.StatusNotImplemented)
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Str("path", req.Path).Msg("handler panicked")
			res = NewResponse(http.StatusInternalServerError)
		}
	}()
	res = h.ProcessRequest(ctx, req)
	if res == nil {
		res = NewResponse(http.StatusInternalServerError)
	}
	return res
}

func (m *Manager) respondStatus(id uuid.UUID, status int) {
	go func() {
		if err := m.sendResponse(context.Background(), id, NewResponse(status)); err != nil {
			m.log.Debug().Err(err).Str("id", id.String()).Msg("status response not sent")
		}
	}()
}

func (m *Manager) sendResponse(ctx context.Context, id uuid.UUID, res *Response) error {
	descs, streamIDs, err := describe(res.Streams)
	var body []byte
	if err == nil {
		body, err = payload.MarshalResponse(&payload.ResponsePayload{StatusCode: res.StatusCode, Streams: descs})
	}
	if err != nil {
		closeStreams(res.Streams)
		m.log.Warn().Err(err).Str("id", id.String()).Msg("invalid handler response")
		body, err = payload.MarshalResponse(payload.NewResponsePayload(http.StatusInternalServerError))
		if err != nil {
			return err
		}
		return m.sendExchange(ctx, frame.TypeResponse, id, body, nil, nil)
	}
	return m.sendExchange(ctx, frame.TypeResponse, id, body, res.Streams, streamIDs)
}
