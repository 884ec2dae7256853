package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

const (
	// ProtocolVersion is the wire protocol version announced in identity packets.
	ProtocolVersion = 8
	// MaxPacketSize is the largest accepted newline-delimited frame (1 MiB).
	MaxPacketSize = 1 << 20
)

var (
	// ErrMalformedPacket indicates a frame that is not a valid packet.
	ErrMalformedPacket = errors.New("protocol: malformed packet")
	// ErrIncomplete indicates the buffer does not yet hold a full frame.
	ErrIncomplete = errors.New("protocol: incomplete frame")
	// ErrPacketTooLarge indicates a frame longer than MaxPacketSize.
	ErrPacketTooLarge = errors.New("protocol: packet exceeds max size")
)

var emptyBody = json.RawMessage(`{}`)

// TransferInfo locates the payload channel for a packet.
type TransferInfo struct {
	Port int `json:"port"`
}

// Packet is one typed protocol message.
//
// Body is kept as raw JSON so fields unknown to this implementation survive
// decoding and re-encoding untouched.
type Packet struct {
	ID                  int64           `json:"id"`
	Type                string          `json:"type"`
	Body                json.RawMessage `json:"body"`
	PayloadSize         int64           `json:"payloadSize,omitempty"`
	PayloadTransferInfo *TransferInfo   `json:"payloadTransferInfo,omitempty"`
}

// NewPacket builds a packet stamped with the current time.
func NewPacket(packetType string, body any) (Packet, error) {
	if packetType == "" {
		return Packet{}, fmt.Errorf("%w: empty type", ErrMalformedPacket)
	}

	raw, err := marshalBody(body)
	if err != nil {
		return Packet{}, err
	}

	return Packet{
		ID:   time.Now().UnixMilli(),
		Type: packetType,
		Body: raw,
	}, nil
}

// MustPacket is NewPacket for bodies that cannot fail to marshal.
func MustPacket(packetType string, body any) Packet {
	pkt, err := NewPacket(packetType, body)
	if err != nil {
		panic(err)
	}
	return pkt
}

// WithPayload returns a copy of p announcing a payload of size bytes on port.
func (p Packet) WithPayload(size int64, port int) Packet {
	out := p
	out.Body = append(json.RawMessage(nil), p.Body...)
	out.PayloadSize = size
	out.PayloadTransferInfo = &TransferInfo{Port: port}
	return out
}

// HasPayload reports whether the packet announces a payload channel.
func (p Packet) HasPayload() bool {
	return p.PayloadTransferInfo != nil && p.PayloadTransferInfo.Port > 0 && p.PayloadSize >= 0
}

// IsType reports an exact, case-sensitive match on the packet type.
func (p Packet) IsType(packetType string) bool {
	return p.Type == packetType
}

// DecodeBody unmarshals the packet body into v.
func (p Packet) DecodeBody(v any) error {
	body := p.Body
	if len(body) == 0 {
		body = emptyBody
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: decode %s body: %v", ErrMalformedPacket, p.Type, err)
	}
	return nil
}

// Encode serializes a packet into one newline-terminated frame.
func Encode(p Packet) ([]byte, error) {
	if p.Type == "" {
		return nil, fmt.Errorf("%w: empty type", ErrMalformedPacket)
	}
	if len(p.Body) == 0 {
		p.Body = emptyBody
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(p); err != nil {
		return nil, fmt.Errorf("marshal packet: %w", err)
	}
	if buf.Len() > MaxPacketSize {
		return nil, ErrPacketTooLarge
	}

	// json.Encoder terminates with exactly one '\n'.
	return buf.Bytes(), nil
}

// Decode parses a single frame with or without its trailing newline.
func Decode(frame []byte) (Packet, error) {
	frame = bytes.TrimSpace(frame)
	if len(frame) == 0 {
		return Packet{}, fmt.Errorf("%w: empty frame", ErrMalformedPacket)
	}

	var p Packet
	if err := json.Unmarshal(frame, &p); err != nil {
		return Packet{}, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	if p.Type == "" {
		return Packet{}, fmt.Errorf("%w: missing type", ErrMalformedPacket)
	}
	if len(p.Body) == 0 || bytes.Equal(p.Body, []byte("null")) {
		p.Body = emptyBody
	} else if p.Body[0] != '{' {
		return Packet{}, fmt.Errorf("%w: body is not an object", ErrMalformedPacket)
	}
	if p.PayloadSize < 0 {
		return Packet{}, fmt.Errorf("%w: negative payload size", ErrMalformedPacket)
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, p.Body); err == nil {
		p.Body = compact.Bytes()
	}

	return p, nil
}

// DecodeFrame decodes the first complete frame in buf.
//
// It returns the number of bytes consumed. When no newline is present the
// error is ErrIncomplete and nothing is consumed. A malformed frame still
// reports its length so callers can skip past it.
func DecodeFrame(buf []byte) (Packet, int, error) {
	idx := bytes.IndexByte(buf, '\n')
	if idx < 0 {
		if len(buf) > MaxPacketSize {
			return Packet{}, 0, ErrPacketTooLarge
		}
		return Packet{}, 0, ErrIncomplete
	}

	consumed := idx + 1
	if idx > MaxPacketSize {
		return Packet{}, consumed, ErrPacketTooLarge
	}

	p, err := Decode(buf[:idx])
	if err != nil {
		return Packet{}, consumed, err
	}
	return p, consumed, nil
}

// Reader reads newline-delimited packets from a stream.
type Reader struct {
	br      *bufio.Reader
	maxSize int
}

// NewReader wraps r. A bufio.Reader passed in is used as-is.
func NewReader(r io.Reader) *Reader {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReaderSize(r, 64*1024)
	}
	return &Reader{br: br, maxSize: MaxPacketSize}
}

// ReadPacket returns the next packet.
//
// Transport errors are returned unchanged; a partial frame at EOF is dropped
// and reported as io.EOF. Malformed frames wrap ErrMalformedPacket and leave
// the reader positioned at the next frame.
func (r *Reader) ReadPacket() (Packet, error) {
	line, err := r.readLine()
	if err != nil {
		return Packet{}, err
	}
	return Decode(line)
}

func (r *Reader) readLine() ([]byte, error) {
	var line []byte
	tooLarge := false
	for {
		chunk, err := r.br.ReadSlice('\n')
		if !tooLarge {
			if len(line)+len(chunk) > r.maxSize+1 {
				tooLarge = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}

		switch {
		case err == nil:
			if tooLarge {
				return nil, ErrPacketTooLarge
			}
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			return nil, io.EOF
		default:
			return nil, err
		}
	}
}

func marshalBody(body any) (json.RawMessage, error) {
	switch v := body.(type) {
	case nil:
		return emptyBody, nil
	case json.RawMessage:
		trimmed := bytes.TrimSpace(v)
		if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
			return emptyBody, nil
		}
		if trimmed[0] != '{' || !json.Valid(trimmed) {
			return nil, fmt.Errorf("%w: body must be an object", ErrMalformedPacket)
		}
		return append(json.RawMessage(nil), trimmed...), nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(body); err != nil {
		return nil, fmt.Errorf("marshal packet body: %w", err)
	}
	raw := bytes.TrimRight(buf.Bytes(), "\n")
	if len(raw) == 0 || raw[0] != '{' {
		return nil, fmt.Errorf("%w: body must be an object", ErrMalformedPacket)
	}
	return raw, nil
}
