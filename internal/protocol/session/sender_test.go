package session

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/edgestream/internal/protocol/frame"
	"github.com/danmuck/edgestream/internal/protocol/stream"
	"github.com/danmuck/edgestream/internal/testutil/testlog"
	"github.com/google/uuid"
)

// recordingSender captures every Send call. maxWrite > 0 simulates partial
// writes; failAfter > 0 fails the Nth send.
type recordingSender struct {
	mu        sync.Mutex
	writes    [][]byte
	wire      bytes.Buffer
	maxWrite  int
	failAfter int
	closes    int
}

func (r *recordingSender) Send(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAfter > 0 && len(r.writes)+1 >= r.failAfter {
		return 0, errors.New("pipe is broken")
	}
	n := len(p)
	if r.maxWrite > 0 && n > r.maxWrite {
		n = r.maxWrite
	}
	r.writes = append(r.writes, append([]byte(nil), p[:n]...))
	r.wire.Write(p[:n])
	return n, nil
}

func (r *recordingSender) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closes++
	return nil
}

func (r *recordingSender) snapshot() ([][]byte, []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.writes...), append([]byte(nil), r.wire.Bytes()...)
}

func newTestSender(chunk int) *PayloadSender {
	cfg := DefaultConfig()
	cfg.MaxChunkSize = chunk
	return NewPayloadSender(cfg)
}

func TestSendPayloadChunksToCeilLOverC(t *testing.T) {
	testlog.Start(t)
	const (
		total = 10000
		chunk = 4096
	)
	s := newTestSender(chunk)
	rec := &recordingSender{}
	s.Connect(rec)

	body := bytes.Repeat([]byte("x"), total)
	h := frame.Header{Type: frame.TypeStream, ID: uuid.New(), PayloadLength: total, End: true}
	s.SendPayload(h, stream.FromBytes(body), nil)

	writes, wire := rec.snapshot()
	if len(writes) != 1+3 {
		t.Fatalf("writes got=%d want=%d", len(writes), 4)
	}
	if len(writes[0]) != frame.MaxHeaderLength {
		t.Fatalf("first write should be the header, len=%d", len(writes[0]))
	}
	sum := 0
	for _, w := range writes[1:] {
		if len(w) > chunk {
			t.Fatalf("chunk too large: %d", len(w))
		}
		sum += len(w)
	}
	if sum != total {
		t.Fatalf("payload bytes got=%d want=%d", sum, total)
	}

	fr, err := frame.ReadFrame(bytes.NewReader(wire), frame.DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if fr.Header != h || !bytes.Equal(fr.Payload, body) {
		t.Fatalf("frame mismatch: header=%+v", fr.Header)
	}
}

func TestSendPayloadHeaderOnlyWithoutStream(t *testing.T) {
	testlog.Start(t)
	s := newTestSender(16)
	rec := &recordingSender{}
	s.Connect(rec)

	sent := make(chan struct{}, 1)
	s.SendPayload(frame.Header{Type: frame.TypeCancelAll, ID: uuid.New(), End: true}, nil, func() {
		sent <- struct{}{}
	})
	writes, _ := rec.snapshot()
	if len(writes) != 1 {
		t.Fatalf("writes got=%d want=1", len(writes))
	}
	select {
	case <-sent:
	case <-time.After(time.Second):
		t.Fatalf("onSent never called")
	}
}

func TestSendPayloadRetriesPartialWrites(t *testing.T) {
	testlog.Start(t)
	s := newTestSender(10)
	rec := &recordingSender{maxWrite: 3}
	s.Connect(rec)

	body := []byte("partial writes must not tear frames")
	h := frame.Header{Type: frame.TypeRequest, ID: uuid.New(), PayloadLength: len(body), End: true}
	s.SendPayload(h, stream.FromBytes(body), nil)

	_, wire := rec.snapshot()
	fr, err := frame.ReadFrame(bytes.NewReader(wire), frame.DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if !bytes.Equal(fr.Payload, body) {
		t.Fatalf("payload got=%q", fr.Payload)
	}
	if !s.IsConnected() {
		t.Fatalf("partial writes should not disconnect")
	}
}

func TestSendPayloadWhileDisconnectedWritesNothing(t *testing.T) {
	testlog.Start(t)
	s := newTestSender(16)
	rec := &recordingSender{}
	s.Connect(rec)
	s.Disconnect("done")

	var called atomic.Bool
	s.SendPayload(frame.Header{Type: frame.TypeRequest, ID: uuid.New(), PayloadLength: 3, End: true}, stream.FromString("abc"), func() {
		called.Store(true)
	})
	writes, _ := rec.snapshot()
	if len(writes) != 0 {
		t.Fatalf("expected no writes, got=%d", len(writes))
	}
	time.Sleep(20 * time.Millisecond)
	if called.Load() {
		t.Fatalf("onSent must not run for an unsent payload")
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	testlog.Start(t)
	s := newTestSender(16)
	rec := &recordingSender{}
	var events []DisconnectedEvent
	s.OnDisconnected(func(e DisconnectedEvent) {
		events = append(events, e)
	})
	s.Connect(rec)
	if !s.IsConnected() || s.State() != StateConnected {
		t.Fatalf("expected connected")
	}

	s.Disconnect("")
	s.Disconnect("again")

	if len(events) != 1 {
		t.Fatalf("notifications got=%d want=1", len(events))
	}
	if events[0] != EmptyDisconnect {
		t.Fatalf("expected empty reason, got %+v", events[0])
	}
	if rec.closes != 1 {
		t.Fatalf("transport closes got=%d want=1", rec.closes)
	}
	if s.IsConnected() {
		t.Fatalf("expected disconnected")
	}
}

func TestSendPayloadShortStreamDisconnects(t *testing.T) {
	testlog.Start(t)
	s := newTestSender(4)
	rec := &recordingSender{}
	got := make(chan DisconnectedEvent, 2)
	s.OnDisconnected(func(e DisconnectedEvent) { got <- e })
	s.Connect(rec)

	var called atomic.Bool
	h := frame.Header{Type: frame.TypeStream, ID: uuid.New(), PayloadLength: 10, End: true}
	s.SendPayload(h, stream.New(strings.NewReader("abcde"), 10), func() { called.Store(true) })

	select {
	case e := <-got:
		if !errors.Is(e.Err, ErrShortPayload) {
			t.Fatalf("expected ErrShortPayload, got %v", e.Err)
		}
	case <-time.After(time.Second):
		t.Fatalf("no disconnect notification")
	}
	if s.IsConnected() {
		t.Fatalf("expected disconnected")
	}
	time.Sleep(20 * time.Millisecond)
	if called.Load() {
		t.Fatalf("onSent must not run after a failed send")
	}
}

func TestSendPayloadTransportErrorBecomesDisconnectReason(t *testing.T) {
	testlog.Start(t)
	s := newTestSender(4)
	rec := &recordingSender{failAfter: 2}
	var events []DisconnectedEvent
	s.OnDisconnected(func(e DisconnectedEvent) { events = append(events, e) })
	s.Connect(rec)

	h := frame.Header{Type: frame.TypeStream, ID: uuid.New(), PayloadLength: 8, End: true}
	s.SendPayload(h, stream.FromString("abcdefgh"), nil)

	if len(events) != 1 {
		t.Fatalf("notifications got=%d want=1", len(events))
	}
	if !strings.Contains(events[0].Reason, "pipe is broken") {
		t.Fatalf("reason should carry the transport error, got %q", events[0].Reason)
	}
}

func TestConnectWhileConnectedRebinds(t *testing.T) {
	testlog.Start(t)
	s := newTestSender(16)
	first := &recordingSender{}
	second := &recordingSender{}
	s.Connect(first)
	s.Connect(second)

	s.SendPayload(frame.Header{Type: frame.TypeCancelAll, ID: uuid.New(), End: true}, nil, nil)
	if w, _ := first.snapshot(); len(w) != 0 {
		t.Fatalf("old transport received writes")
	}
	if w, _ := second.snapshot(); len(w) != 1 {
		t.Fatalf("new transport writes got=%d want=1", len(w))
	}
	if first.closes != 1 || second.closes != 0 {
		t.Fatalf("closes got first=%d second=%d want 1 and 0", first.closes, second.closes)
	}
}

// stallingSender blocks every Send until it is closed.
type stallingSender struct {
	entered chan struct{}
	closed  chan struct{}
	once    sync.Once
}

func newStallingSender() *stallingSender {
	return &stallingSender{entered: make(chan struct{}, 1), closed: make(chan struct{})}
}

func (s *stallingSender) Send([]byte) (int, error) {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	<-s.closed
	return 0, io.ErrClosedPipe
}

func (s *stallingSender) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func TestWriteFailureOnReplacedBindingKeepsNewOne(t *testing.T) {
	testlog.Start(t)
	s := newTestSender(16)
	var events atomic.Int32
	s.OnDisconnected(func(DisconnectedEvent) { events.Add(1) })

	old := newStallingSender()
	s.Connect(old)
	oldGen := s.Generation()

	done := make(chan struct{})
	go func() {
		defer close(done)
		h := frame.Header{Type: frame.TypeStream, ID: uuid.New(), PayloadLength: 3, End: true}
		s.SendPayload(h, stream.FromString("abc"), nil)
	}()
	select {
	case <-old.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("send never reached the transport")
	}

	fresh := &recordingSender{}
	s.Connect(fresh)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("send on the replaced transport did not return")
	}

	if !s.IsConnected() {
		t.Fatalf("failure on the replaced transport disconnected the new one")
	}
	if gen := s.Generation(); gen == 0 || gen == oldGen {
		t.Fatalf("generation got=%d old=%d", gen, oldGen)
	}
	if fresh.closes != 0 {
		t.Fatalf("new transport closed %d times", fresh.closes)
	}
	if n := events.Load(); n != 0 {
		t.Fatalf("unexpected disconnect notifications: %d", n)
	}

	s.SendPayload(frame.Header{Type: frame.TypeCancelAll, ID: uuid.New(), End: true}, nil, nil)
	if w, _ := fresh.snapshot(); len(w) != 1 {
		t.Fatalf("new transport writes got=%d want=1", len(w))
	}
}

func TestDisconnectReleasesSendWaitingOnStream(t *testing.T) {
	testlog.Start(t)
	s := newTestSender(16)
	rec := &recordingSender{}
	got := make(chan DisconnectedEvent, 2)
	s.OnDisconnected(func(e DisconnectedEvent) { got <- e })
	s.Connect(rec)

	pr, pw := io.Pipe()
	defer pw.Close()
	var called atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		h := frame.Header{Type: frame.TypeStream, ID: uuid.New(), PayloadLength: 8, End: true}
		s.SendPayload(h, stream.New(pr, 8), func() { called.Store(true) })
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if w, _ := rec.snapshot(); len(w) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("header never written")
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.Disconnect("shutdown")
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("send still waiting on its stream after disconnect")
	}

	select {
	case e := <-got:
		if e.Reason != "shutdown" {
			t.Fatalf("reason got=%q want=shutdown", e.Reason)
		}
	default:
		t.Fatalf("no disconnect notification")
	}
	select {
	case extra := <-got:
		t.Fatalf("unexpected second notification: %+v", extra)
	default:
	}
	if _, err := pw.Write([]byte("x")); !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("stream source should be closed, write got %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if called.Load() {
		t.Fatalf("onSent must not run for an interrupted send")
	}
}

func TestConcurrentSendsNeverInterleave(t *testing.T) {
	testlog.Start(t)
	s := newTestSender(7)
	rec := &recordingSender{maxWrite: 5}
	s.Connect(rec)

	const senders = 16
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(fill byte) {
			defer wg.Done()
			body := bytes.Repeat([]byte{fill}, 50+int(fill))
			h := frame.Header{Type: frame.TypeStream, ID: uuid.New(), PayloadLength: len(body), End: true}
			s.SendPayload(h, stream.FromBytes(body), nil)
		}(byte('a' + i))
	}
	wg.Wait()

	_, wire := rec.snapshot()
	r := bytes.NewReader(wire)
	for i := 0; i < senders; i++ {
		fr, err := frame.ReadFrame(r, frame.DefaultLimits())
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		fill := fr.Payload[0]
		if len(fr.Payload) != 50+int(fill) {
			t.Fatalf("frame %d length got=%d want=%d", i, len(fr.Payload), 50+int(fill))
		}
		if !bytes.Equal(fr.Payload, bytes.Repeat([]byte{fill}, len(fr.Payload))) {
			t.Fatalf("frame %d interleaved: %q", i, fr.Payload)
		}
	}
	if r.Len() != 0 {
		t.Fatalf("trailing bytes on the wire: %d", r.Len())
	}
}
