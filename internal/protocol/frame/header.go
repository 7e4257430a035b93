package frame

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Wire layout of the fixed header:
//
//	[1]  type
//	[1]  '.'
//	[6]  payload length, zero padded decimal
//	[1]  '.'
//	[36] id, canonical uuid text
//	[1]  '.'
//	[1]  end flag '1' or '0'
//	[1]  '\n'
const (
	MaxHeaderLength = 48
	MaxLength       = 999999

	typeOffset            = 0
	typeDelimiterOffset   = 1
	lengthOffset          = 2
	lengthLength          = 6
	lengthDelimiterOffset = 8
	idOffset              = 9
	idLength              = 36
	idDelimiterOffset     = 45
	endOffset             = 46
	terminatorOffset      = 47

	delimiter  = '.'
	terminator = '\n'
	endFlag    = '1'
	notEndFlag = '0'
)

var (
	ErrEncoding = errors.New("frame: encoding error")
	ErrFraming  = errors.New("frame: framing error")
)

// PayloadType identifies what a logical payload carries.
type PayloadType byte

const (
	TypeRequest      PayloadType = 'A'
	TypeResponse     PayloadType = 'B'
	TypeStream       PayloadType = 'S'
	TypeCancelStream PayloadType = 'C'
	TypeCancelAll    PayloadType = 'X'
)

func (t PayloadType) Valid() bool {
	switch t {
	case TypeRequest, TypeResponse, TypeStream, TypeCancelStream, TypeCancelAll:
		return true
	default:
		return false
	}
}

func (t PayloadType) String() string {
	switch t {
	case TypeRequest:
		return "request"
	case TypeResponse:
		return "response"
	case TypeStream:
		return "stream"
	case TypeCancelStream:
		return "cancel_stream"
	case TypeCancelAll:
		return "cancel_all"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(t))
	}
}

// Header describes one frame on the wire. Every frame of a logical payload
// carries the same ID; the last one has End set.
type Header struct {
	Type          PayloadType
	ID            uuid.UUID
	PayloadLength int
	End           bool
}

// EncodeHeader writes h into the first MaxHeaderLength bytes of buf.
func EncodeHeader(h Header, buf []byte) error {
	if len(buf) < MaxHeaderLength {
		return fmt.Errorf("%w: buffer length %d below %d", ErrEncoding, len(buf), MaxHeaderLength)
	}
	if !h.Type.Valid() {
		return fmt.Errorf("%w: unrecognized type %s", ErrEncoding, h.Type)
	}
	if h.PayloadLength < 0 || h.PayloadLength > MaxLength {
		return fmt.Errorf("%w: payload length %d outside 0..%d", ErrEncoding, h.PayloadLength, MaxLength)
	}

	buf[typeOffset] = byte(h.Type)
	buf[typeDelimiterOffset] = delimiter
	n := h.PayloadLength
	for i := lengthOffset + lengthLength - 1; i >= lengthOffset; i-- {
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	buf[lengthDelimiterOffset] = delimiter
	copy(buf[idOffset:idOffset+idLength], h.ID.String())
	buf[idDelimiterOffset] = delimiter
	if h.End {
		buf[endOffset] = endFlag
	} else {
		buf[endOffset] = notEndFlag
	}
	buf[terminatorOffset] = terminator
	return nil
}

// DecodeHeader parses the first MaxHeaderLength bytes of buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < MaxHeaderLength {
		return Header{}, fmt.Errorf("%w: header length %d below %d", ErrFraming, len(buf), MaxHeaderLength)
	}
	buf = buf[:MaxHeaderLength]
	if buf[typeDelimiterOffset] != delimiter ||
		buf[lengthDelimiterOffset] != delimiter ||
		buf[idDelimiterOffset] != delimiter {
		return Header{}, fmt.Errorf("%w: missing delimiter", ErrFraming)
	}
	if buf[terminatorOffset] != terminator {
		return Header{}, fmt.Errorf("%w: missing terminator", ErrFraming)
	}

	h := Header{Type: PayloadType(buf[typeOffset])}
	if !h.Type.Valid() {
		return Header{}, fmt.Errorf("%w: unrecognized type %s", ErrFraming, h.Type)
	}

	for _, c := range buf[lengthOffset : lengthOffset+lengthLength] {
		if c < '0' || c > '9' {
			return Header{}, fmt.Errorf("%w: invalid length digit %q", ErrFraming, c)
		}
		h.PayloadLength = h.PayloadLength*10 + int(c-'0')
	}

	id, err := uuid.Parse(string(buf[idOffset : idOffset+idLength]))
	if err != nil {
		return Header{}, fmt.Errorf("%w: invalid id: %v", ErrFraming, err)
	}
	h.ID = id

	switch buf[endOffset] {
	case endFlag:
		h.End = true
	case notEndFlag:
	default:
		return Header{}, fmt.Errorf("%w: invalid end flag %q", ErrFraming, buf[endOffset])
	}
	return h, nil
}
