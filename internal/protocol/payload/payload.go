// Package payload holds the value objects carried as request and response
// payload content.
package payload

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidRequest  = errors.New("payload: invalid request")
	ErrInvalidResponse = errors.New("payload: invalid response")
)

// StreamDescription announces one stream that follows a request or
// response on the wire. Only ID is required.
type StreamDescription struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	ContentType string `json:"type,omitempty"`
	Length      *int64 `json:"length,omitempty"`
}

func NewStreamDescription(id string) StreamDescription {
	return StreamDescription{ID: id}
}

// RequestPayload is the body of a request logical payload. Streams stays
// nil until assigned.
type RequestPayload struct {
	Verb    string              `json:"verb"`
	Path    string              `json:"path"`
	Streams []StreamDescription `json:"streams,omitempty"`
}

func NewRequestPayload(verb, path string) *RequestPayload {
	return &RequestPayload{Verb: verb, Path: path}
}

func (p RequestPayload) Validate() error {
	if strings.TrimSpace(p.Verb) == "" {
		return fmt.Errorf("%w: missing verb", ErrInvalidRequest)
	}
	if strings.TrimSpace(p.Path) == "" {
		return fmt.Errorf("%w: missing path", ErrInvalidRequest)
	}
	return validateStreams(ErrInvalidRequest, p.Streams)
}

// ResponsePayload is the body of a response logical payload.
type ResponsePayload struct {
	StatusCode int                 `json:"statusCode"`
	Streams    []StreamDescription `json:"streams,omitempty"`
}

func NewResponsePayload(status int) *ResponsePayload {
	return &ResponsePayload{StatusCode: status}
}

func (p ResponsePayload) Validate() error {
	if p.StatusCode < 100 || p.StatusCode > 999 {
		return fmt.Errorf("%w: status code %d", ErrInvalidResponse, p.StatusCode)
	}
	return validateStreams(ErrInvalidResponse, p.Streams)
}

func validateStreams(kind error, streams []StreamDescription) error {
	seen := make(map[string]struct{}, len(streams))
	for i, s := range streams {
		if strings.TrimSpace(s.ID) == "" {
			return fmt.Errorf("%w: streams[%d] missing id", kind, i)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("%w: streams[%d] duplicate id %q", kind, i, s.ID)
		}
		if s.Length != nil && *s.Length < 0 {
			return fmt.Errorf("%w: streams[%d] negative length", kind, i)
		}
		seen[s.ID] = struct{}{}
	}
	return nil
}

func MarshalRequest(p *RequestPayload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrInvalidRequest)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(p)
}

func UnmarshalRequest(b []byte) (*RequestPayload, error) {
	var p RequestPayload
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func MarshalResponse(p *ResponsePayload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrInvalidResponse)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(p)
}

func UnmarshalResponse(b []byte) (*ResponsePayload, error) {
	var p ResponsePayload
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}
