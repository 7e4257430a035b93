package requests

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/edgestream/internal/protocol/frame"
	"github.com/danmuck/edgestream/internal/protocol/payload"
	"github.com/danmuck/edgestream/internal/protocol/session"
	"github.com/danmuck/edgestream/internal/protocol/stream"
	"github.com/danmuck/edgestream/internal/testutil/testlog"
	"github.com/google/uuid"
)

type sentFrame struct {
	Header frame.Header
	Body   []byte
}

// fakeSender records frames instead of writing them.
type fakeSender struct {
	mu        sync.Mutex
	connected bool
	rebinds   uint64
	frames    []sentFrame
	// rebindAfter > 0 replaces the binding once that many frames are out.
	rebindAfter int
}

func (f *fakeSender) SendPayload(h frame.Header, s *stream.Stream, onSent func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return
	}
	body := make([]byte, h.PayloadLength)
	if h.PayloadLength > 0 {
		if _, err := io.ReadFull(s, body); err != nil {
			f.connected = false
			return
		}
	}
	f.frames = append(f.frames, sentFrame{Header: h, Body: body})
	if f.rebindAfter > 0 && len(f.frames) == f.rebindAfter {
		f.rebinds++
	}
	if onSent != nil {
		go onSent()
	}
}

func (f *fakeSender) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSender) Generation() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return 0
	}
	return 1 + f.rebinds
}



func (f *fakeSender) sent() []sentFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentFrame(nil), f.frames...)
}

// logical joins the frames sent under id, reporting whether End was seen.
func (f *fakeSender) logical(id uuid.UUID) (frame.PayloadType, []byte, bool) {
	var (
		typ frame.PayloadType
		buf bytes.Buffer
	)
	for _, fr := range f.sent() {
		if fr.Header.ID != id {
			continue
		}
		typ = fr.Header.Type
		buf.Write(fr.Body)
		if fr.Header.End {
			return typ, buf.Bytes(), true
		}
	}
	return typ, buf.Bytes(), false
}

type fakeExpecter struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (f *fakeExpecter) ExpectStream(id uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, id)
}

func (f *fakeExpecter) expected() []uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uuid.UUID(nil), f.ids...)
}

func newFakeManager(frameSize int, h Handler) (*Manager, *fakeSender, *fakeExpecter) {
	cfg := session.DefaultConfig()
	cfg.MaxFramePayload = frameSize
	s := &fakeSender{connected: true}
	e := &fakeExpecter{}
	return NewManager(s, e, h, cfg), s, e
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

type sendResult struct {
	res *ReceivedResponse
	err error
}

func sendAsync(ctx context.Context, m *Manager, req *Request) <-chan sendResult {
	out := make(chan sendResult, 1)
	go func() {
		res, err := m.SendRequest(ctx, req)
		out <- sendResult{res: res, err: err}
	}()
	return out
}

func awaitResult(t *testing.T, ch <-chan sendResult) sendResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatalf("SendRequest did not return")
		return sendResult{}
	}
}

func responseBody(t *testing.T, status int, streams ...payload.StreamDescription) []byte {
	t.Helper()
	b, err := payload.MarshalResponse(&payload.ResponsePayload{StatusCode: status, Streams: streams})
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	return b
}

func TestSendRequestResolvesMatchingResponse(t *testing.T) {
	testlog.Start(t)
	m, s, _ := newFakeManager(8, nil)
	done := sendAsync(context.Background(), m, NewRequest("GET", "/api/status"))

	waitFor(t, "pending request", func() bool { return len(m.Pending()) == 1 })
	id := m.Pending()[0].ID
	waitFor(t, "request frames", func() bool { _, _, ok := s.logical(id); return ok })

	typ, body, _ := s.logical(id)
	if typ != frame.TypeRequest {
		t.Fatalf("type got=%s want=request", typ)
	}
	req, err := payload.UnmarshalRequest(body)
	if err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	if req.Verb != "GET" || req.Path != "/api/status" || req.Streams != nil {
		t.Fatalf("unexpected request payload: %+v", req)
	}

	orphan := uuid.New()
	m.HandlePayload(session.Payload{Type: frame.TypeResponse, ID: orphan, Body: responseBody(t, 200)})
	select {
	case r := <-done:
		t.Fatalf("orphan response resolved a request: %+v", r)
	case <-time.After(20 * time.Millisecond):
	}

	m.HandlePayload(session.Payload{Type: frame.TypeResponse, ID: id, Body: responseBody(t, 204)})
	r := awaitResult(t, done)
	if r.err != nil {
		t.Fatalf("send request: %v", r.err)
	}
	if r.res.ID != id || r.res.StatusCode != 204 {
		t.Fatalf("response got=%+v", r.res)
	}
	if len(m.Pending()) != 0 {
		t.Fatalf("pending not cleared")
	}
}

func TestSendRequestNotConnected(t *testing.T) {
	testlog.Start(t)
	m, s, _ := newFakeManager(8, nil)
	s.connected = false

	_, err := m.SendRequest(context.Background(), NewRequest("GET", "/"))
	if !errors.Is(err, session.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestSendRequestRebindMidExchangeIsConnectionLost(t *testing.T) {
	testlog.Start(t)
	m, s, _ := newFakeManager(8, nil)
	s.rebindAfter = 1

	body := stream.FromString("abcdefghijklmnopqrst")
	req := NewRequest("POST", "/upload")
	req.Streams = append(req.Streams, ContentStream{Name: "data", Stream: body})
	_, err := m.SendRequest(context.Background(), req)
	if !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("expected ErrConnectionLost, got %v", err)
	}
	if n := len(s.sent()); n != 1 {
		t.Fatalf("frames on the replaced binding got=%d want=1", n)
	}
	if len(m.Pending()) != 0 {
		t.Fatalf("pending not cleared")
	}
	if _, err := body.Read(make([]byte, 1)); !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("unsent stream should be closed, got %v", err)
	}
}

func TestSendRequestRejectsInvalidPayload(t *testing.T) {
	testlog.Start(t)
	m, s, _ := newFakeManager(8, nil)

	if _, err := m.SendRequest(context.Background(), NewRequest("", "/")); !errors.Is(err, payload.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	req := NewRequest("POST", "/")
	req.Streams = append(req.Streams, ContentStream{Name: "empty"})
	if _, err := m.SendRequest(context.Background(), req); !errors.Is(err, payload.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if len(s.sent()) != 0 {
		t.Fatalf("invalid requests reached the wire")
	}
}

func TestDisconnectFailsPendingWithConnectionLost(t *testing.T) {
	testlog.Start(t)
	m, _, _ := newFakeManager(8, nil)
	first := sendAsync(context.Background(), m, NewRequest("GET", "/a"))
	second := sendAsync(context.Background(), m, NewRequest("GET", "/b"))
	waitFor(t, "pending requests", func() bool { return len(m.Pending()) == 2 })

	m.Disconnect("peer went away")

	for _, ch := range []<-chan sendResult{first, second} {
		r := awaitResult(t, ch)
		if !errors.Is(r.err, ErrConnectionLost) {
			t.Fatalf("expected ErrConnectionLost, got %v", r.err)
		}
		if !strings.Contains(r.err.Error(), "peer went away") {
			t.Fatalf("error should carry the reason: %v", r.err)
		}
	}
}

func TestSendRequestHonorsContext(t *testing.T) {
	testlog.Start(t)
	m, _, _ := newFakeManager(8, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := m.SendRequest(ctx, NewRequest("GET", "/slow"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
	if len(m.Pending()) != 0 {
		t.Fatalf("timed out request left pending")
	}
}

func TestLogicalPayloadSplitting(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name    string
		stream  *stream.Stream
		lengths []int
	}{
		{name: "bounded", stream: stream.FromString("abcdefghijklmnopqrst"), lengths: []int{8, 8, 4}},
		{name: "bounded exact", stream: stream.FromString("abcdefgh"), lengths: []int{8}},
		{name: "bounded empty", stream: stream.FromString(""), lengths: []int{0}},
		{name: "unbounded", stream: stream.Unbounded(strings.NewReader("abcdefghijk")), lengths: []int{8, 3}},
		{name: "unbounded exact", stream: stream.Unbounded(strings.NewReader("abcdefghabcdefgh")), lengths: []int{8, 8}},
		{name: "unbounded empty", stream: stream.Unbounded(strings.NewReader("")), lengths: []int{0}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, s, _ := newFakeManager(8, nil)
			id := uuid.New()
			if err := m.sendLogical(context.Background(), s.Generation(), frame.TypeStream, id, tc.stream); err != nil {
				t.Fatalf("send: %v", err)
			}
			frames := s.sent()
			if len(frames) != len(tc.lengths) {
				t.Fatalf("frames got=%d want=%d", len(frames), len(tc.lengths))
			}
			for i, fr := range frames {
				if fr.Header.ID != id || fr.Header.Type != frame.TypeStream {
					t.Fatalf("frame %d header: %+v", i, fr.Header)
				}
				if fr.Header.PayloadLength != tc.lengths[i] {
					t.Fatalf("frame %d length got=%d want=%d", i, fr.Header.PayloadLength, tc.lengths[i])
				}
				if fr.Header.End != (i == len(frames)-1) {
					t.Fatalf("frame %d end flag got=%v", i, fr.Header.End)
				}
			}
		})
	}
}

func TestInboundRequestWaitsForStreams(t *testing.T) {
	testlog.Start(t)
	got := make(chan *ReceivedRequest, 1)
	m, s, e := newFakeManager(8, HandlerFunc(func(_ context.Context, req *ReceivedRequest) *Response {
		got <- req
		return NewResponse(http.StatusAccepted)
	}))

	id, sid := uuid.New(), uuid.New()
	desc := payload.NewStreamDescription(sid.String())
	desc.Name = "attachment"
	desc.ContentType = "text/plain"
	body, err := payload.MarshalRequest(&payload.RequestPayload{Verb: "POST", Path: "/upload", Streams: []payload.StreamDescription{desc}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	m.HandlePayload(session.Payload{Type: frame.TypeRequest, ID: id, Body: body})

	if exp := e.expected(); len(exp) != 1 || exp[0] != sid {
		t.Fatalf("expected streams got=%v", exp)
	}
	select {
	case <-got:
		t.Fatalf("handler ran before its stream arrived")
	case <-time.After(20 * time.Millisecond):
	}

	m.HandlePayload(session.Payload{Type: frame.TypeStream, ID: sid, Body: []byte("hello")})
	var req *ReceivedRequest
	select {
	case req = <-got:
	case <-time.After(2 * time.Second):
		t.Fatalf("handler never ran")
	}
	if req.ID != id || len(req.Streams) != 1 {
		t.Fatalf("unexpected request: %+v", req)
	}
	st := req.Streams[0]
	if st.Name != "attachment" || st.ContentType != "text/plain" || string(st.Body) != "hello" {
		t.Fatalf("unexpected stream: %+v", st)
	}

	waitFor(t, "response", func() bool { _, _, ok := s.logical(id); return ok })
	typ, resBody, _ := s.logical(id)
	res, err := payload.UnmarshalResponse(resBody)
	if err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if typ != frame.TypeResponse || res.StatusCode != http.StatusAccepted {
		t.Fatalf("response got type=%s status=%d", typ, res.StatusCode)
	}
}

func TestInboundRequestFallbackStatuses(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name    string
		handler Handler
		want    int
	}{
		{name: "no handler", handler: nil, want: http.StatusNotImplemented},
		{name: "nil response", handler: HandlerFunc(func(context.Context, *ReceivedRequest) *Response { return nil }), want: http.StatusInternalServerError},
		{name: "panic", handler: HandlerFunc(func(context.Context, *ReceivedRequest) *Response { panic("boom") }), want: http.StatusInternalServerError},
		{name: "invalid status", handler: HandlerFunc(func(context.Context, *ReceivedRequest) *Response { return NewResponse(0) }), want: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, s, _ := newFakeManager(8, tc.handler)
			id := uuid.New()
			m.HandlePayload(session.Payload{Type: frame.TypeRequest, ID: id, Body: []byte(`{"verb":"GET","path":"/"}`)})

			waitFor(t, "response", func() bool { _, _, ok := s.logical(id); return ok })
			_, body, _ := s.logical(id)
			res, err := payload.UnmarshalResponse(body)
			if err != nil {
				t.Fatalf("unmarshal response: %v", err)
			}
			if res.StatusCode != tc.want {
				t.Fatalf("status got=%d want=%d", res.StatusCode, tc.want)
			}
		})
	}
}

func TestMalformedRequestGets400(t *testing.T) {
	testlog.Start(t)
	m, s, _ := newFakeManager(8, nil)
	id := uuid.New()
	m.HandlePayload(session.Payload{Type: frame.TypeRequest, ID: id, Body: []byte(`{"verb":`)})

	waitFor(t, "response", func() bool { _, _, ok := s.logical(id); return ok })
	_, body, _ := s.logical(id)
	res, err := payload.UnmarshalResponse(body)
	if err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status got=%d want=400", res.StatusCode)
	}
}

func TestCancelledResponseStreamFailsRequest(t *testing.T) {
	testlog.Start(t)
	m, _, e := newFakeManager(8, nil)
	done := sendAsync(context.Background(), m, NewRequest("GET", "/download"))
	waitFor(t, "pending request", func() bool { return len(m.Pending()) == 1 })
	id := m.Pending()[0].ID

	sid := uuid.New()
	m.HandlePayload(session.Payload{
		Type: frame.TypeResponse,
		ID:   id,
		Body: responseBody(t, 200, payload.NewStreamDescription(sid.String())),
	})
	if exp := e.expected(); len(exp) != 1 || exp[0] != sid {
		t.Fatalf("expected streams got=%v", exp)
	}
	m.HandlePayload(session.Payload{Type: frame.TypeCancelStream, ID: sid})

	r := awaitResult(t, done)
	if !errors.Is(r.err, ErrStreamCancelled) {
		t.Fatalf("expected ErrStreamCancelled, got %v", r.err)
	}
}

func TestCancelAllAbandonsInboundRequests(t *testing.T) {
	testlog.Start(t)
	called := make(chan struct{}, 1)
	m, _, _ := newFakeManager(8, HandlerFunc(func(context.Context, *ReceivedRequest) *Response {
		called <- struct{}{}
		return NewResponse(200)
	}))
	id, sid := uuid.New(), uuid.New()
	body, err := payload.MarshalRequest(&payload.RequestPayload{
		Verb: "PUT", Path: "/blob",
		Streams: []payload.StreamDescription{payload.NewStreamDescription(sid.String())},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	m.HandlePayload(session.Payload{Type: frame.TypeRequest, ID: id, Body: body})
	m.HandlePayload(session.Payload{Type: frame.TypeCancelAll, ID: uuid.New()})
	m.HandlePayload(session.Payload{Type: frame.TypeStream, ID: sid, Body: []byte("late")})

	select {
	case <-called:
		t.Fatalf("handler ran for a cancelled request")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestContextCancelMidStreamSendsCancelFrames(t *testing.T) {
	testlog.Start(t)
	m, s, _ := newFakeManager(4, nil)
	ctx, cancel := context.WithCancel(context.Background())

	gate := &gatedReader{r: strings.NewReader(strings.Repeat("z", 64)), after: 8, cancel: cancel}
	req := NewRequest("POST", "/upload").
		AddStream("a", "", stream.Unbounded(gate)).
		AddStream("b", "", stream.FromString("never sent"))

	_, err := m.SendRequest(ctx, req)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	var cancels int
	for _, fr := range s.sent() {
		if fr.Header.Type == frame.TypeCancelStream {
			cancels++
		}
	}
	if cancels != 2 {
		t.Fatalf("cancel frames got=%d want=2", cancels)
	}
	if len(m.Pending()) != 0 {
		t.Fatalf("cancelled request left pending")
	}
}

// gatedReader cancels its context once after bytes have been read.
type gatedReader struct {
	r      io.Reader
	after  int
	read   int
	cancel context.CancelFunc
}

func (g *gatedReader) Read(p []byte) (int, error) {
	n, err := g.r.Read(p)
	g.read += n
	if g.read >= g.after && g.cancel != nil {
		g.cancel()
		g.cancel = nil
	}
	return n, err
}
