package requests

import (
	"context"

	"github.com/danmuck/edgestream/internal/protocol/stream"
	"github.com/google/uuid"
)

// ContentStream is one outbound stream attached to a request or response.
// Its length is announced when the stream is bounded.
type ContentStream struct {
	Name        string
	ContentType string
	Stream      *stream.Stream
}

// Request is an outbound request.
type Request struct {
	Verb    string
	Path    string
	Streams []ContentStream
}

func NewRequest(verb, path string) *Request {
	return &Request{Verb: verb, Path: path}
}

// AddStream attaches s and returns r for chaining.
func (r *Request) AddStream(name, contentType string, s *stream.Stream) *Request {
	r.Streams = append(r.Streams, ContentStream{Name: name, ContentType: contentType, Stream: s})
	return r
}

// Response is what a Handler answers with.
type Response struct {
	StatusCode int
	Streams    []ContentStream
}

func NewResponse(status int) *Response {
	return &Response{StatusCode: status}
}

func (r *Response) AddStream(name, contentType string, s *stream.Stream) *Response {
	r.Streams = append(r.Streams, ContentStream{Name: name, ContentType: contentType, Stream: s})
	return r
}

// ReceivedStream is one fully reassembled inbound stream.
type ReceivedStream struct {
	ID          uuid.UUID
	Name        string
	ContentType string
	Body        []byte
}

// Stream wraps the received body for reading.
func (s ReceivedStream) Stream() *stream.Stream {
	return stream.FromBytes(s.Body)
}

// ReceivedRequest is an inbound request with its streams.
type ReceivedRequest struct {
	ID      uuid.UUID
	Verb    string
	Path    string
	Streams []ReceivedStream
}

// ReceivedResponse is the answer to an outbound request.
type ReceivedResponse struct {
	ID         uuid.UUID
	StatusCode int
	Streams    []ReceivedStream
}

// Handler answers inbound requests. A nil response is sent as 500.
type Handler interface {
	ProcessRequest(ctx context.Context, req *ReceivedRequest) *Response
}

type HandlerFunc func(ctx context.Context, req *ReceivedRequest) *Response

func (f HandlerFunc) ProcessRequest(ctx context.Context, req *ReceivedRequest) *Response {
	return f(ctx, req)
}
