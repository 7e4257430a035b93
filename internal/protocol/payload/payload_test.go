package payload

import (
	"errors"
	"testing"

	"github.com/danmuck/edgestream/internal/testutil/testlog"
)

func TestRequestPayloadAssignsConstructorValues(t *testing.T) {
	testlog.Start(t)
	rp := NewRequestPayload("verbvalue", "pathvalue")
	if rp.Path != "pathvalue" || rp.Verb != "verbvalue" {
		t.Fatalf("unexpected payload: %+v", rp)
	}
	if rp.Streams != nil {
		t.Fatalf("streams should be unset, got %+v", rp.Streams)
	}
}

func TestRequestPayloadUpdatesValues(t *testing.T) {
	testlog.Start(t)
	rp := NewRequestPayload("verbvalue1", "pathvalue1")
	if rp.Path != "pathvalue1" || rp.Verb != "verbvalue1" || rp.Streams != nil {
		t.Fatalf("unexpected payload: %+v", rp)
	}

	rp.Path = "pathvalue2"
	rp.Verb = "verbvalue2"
	rp.Streams = []StreamDescription{NewStreamDescription("streamDescription1")}

	if rp.Path != "pathvalue2" || rp.Verb != "verbvalue2" {
		t.Fatalf("unexpected payload: %+v", rp)
	}
	if len(rp.Streams) != 1 || rp.Streams[0].ID != "streamDescription1" {
		t.Fatalf("unexpected streams: %+v", rp.Streams)
	}
}

func TestRequestPayloadJSONShape(t *testing.T) {
	testlog.Start(t)
	length := int64(12)
	rp := NewRequestPayload("POST", "/api/messages")
	rp.Streams = []StreamDescription{{ID: "s-1", ContentType: "application/json", Length: &length}}
	b, err := MarshalRequest(rp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"verb":"POST","path":"/api/messages","streams":[{"id":"s-1","type":"application/json","length":12}]}`
	if string(b) != want {
		t.Fatalf("json got=%s want=%s", b, want)
	}

	got, err := UnmarshalRequest(b)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Streams[0].Length == nil || *got.Streams[0].Length != 12 {
		t.Fatalf("length lost: %+v", got.Streams[0])
	}

	bare, err := MarshalRequest(NewRequestPayload("GET", "/"))
	if err != nil {
		t.Fatalf("marshal bare: %v", err)
	}
	if string(bare) != `{"verb":"GET","path":"/"}` {
		t.Fatalf("absent streams must be omitted, got=%s", bare)
	}
}

func TestPayloadValidation(t *testing.T) {
	testlog.Start(t)
	if _, err := MarshalRequest(NewRequestPayload("", "/x")); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for missing verb, got %v", err)
	}
	dup := NewRequestPayload("GET", "/x")
	dup.Streams = []StreamDescription{{ID: "a"}, {ID: "a"}}
	if err := dup.Validate(); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for duplicate stream id, got %v", err)
	}
	if _, err := UnmarshalResponse([]byte(`{"statusCode":42}`)); !errors.Is(err, ErrInvalidResponse) {
		t.Fatalf("expected ErrInvalidResponse, got %v", err)
	}
	if _, err := UnmarshalResponse([]byte(`{`)); !errors.Is(err, ErrInvalidResponse) {
		t.Fatalf("expected ErrInvalidResponse for bad json, got %v", err)
	}
	resp, err := UnmarshalResponse([]byte(`{"statusCode":200}`))
	if err != nil || resp.StatusCode != 200 || resp.Streams != nil {
		t.Fatalf("unexpected response=%+v err=%v", resp, err)
	}
}
