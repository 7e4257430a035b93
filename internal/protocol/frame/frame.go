package frame

import (
	"errors"
	"fmt"
	"io"
)

var (
	ErrShortHeader     = errors.New("frame: short fixed header")
	ErrShortPayload    = errors.New("frame: short payload segment")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
)

// Frame is one header plus its payload segment.
type Frame struct {
	Header  Header
	Payload []byte
}

// Limits constrains frame decode memory use.
type Limits struct {
	MaxPayloadBytes int
}

func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: MaxLength,
	}
}

// ReadHeader reads and decodes exactly one fixed header using buf as scratch.
func ReadHeader(r io.Reader, buf []byte) (Header, error) {
	if len(buf) < MaxHeaderLength {
		return Header{}, fmt.Errorf("%w: scratch buffer length %d", ErrFraming, len(buf))
	}
	if _, err := io.ReadFull(r, buf[:MaxHeaderLength]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return Header{}, ErrShortHeader
		}
		return Header{}, err
	}
	return DecodeHeader(buf)
}

func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var fixed [MaxHeaderLength]byte
	h, err := ReadHeader(r, fixed[:])
	if err != nil {
		return Frame{}, err
	}
	if limits.MaxPayloadBytes > 0 && h.PayloadLength > limits.MaxPayloadBytes {
		return Frame{}, ErrPayloadTooLarge
	}

	payload := make([]byte, h.PayloadLength)
	if h.PayloadLength > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				return Frame{}, ErrShortPayload
			}
			return Frame{}, err
		}
	}
	return Frame{Header: h, Payload: payload}, nil
}

// WriteFrame writes f with PayloadLength taken from len(f.Payload).
func WriteFrame(w io.Writer, f Frame) error {
	h := f.Header
	h.PayloadLength = len(f.Payload)

	var fixed [MaxHeaderLength]byte
	if err := EncodeHeader(h, fixed[:]); err != nil {
		return err
	}
	if _, err := w.Write(fixed[:]); err != nil {
		return err
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return err
		}
	}
	return nil
}
