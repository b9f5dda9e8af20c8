// Package wire frames engine messages for the network: a fixed binary
// header carrying protocol version, body length, message tag and an
// application tag, followed by a JSON-encoded body.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"paxcom/pkg/paxos"
	"paxcom/pkg/site"
)

// Message tags.
const (
	TagNormal       uint32 = 0
	TagVersionReq   uint32 = 1
	TagVersionReply uint32 = 2
	TagUnknownProto uint32 = 3
)

const (
	// HeaderSize: proto(4) + length(4) + tag(4) + app tag(4).
	HeaderSize = 16

	// MaxBodySize bounds a single frame; anything larger is a
	// protocol violation, not a message.
	MaxBodySize = 64 << 20
)

var (
	ErrUnknownProto = errors.New("wire: peer does not speak any common protocol")
	ErrFrameTooBig  = errors.New("wire: frame exceeds maximum body size")
)

// Header is the fixed frame prefix.
type Header struct {
	Proto  site.ProtoVersion
	Length uint32
	Tag    uint32
	AppTag uint32
}

func putHeader(buf []byte, h Header) {
	binary.BigEndian.PutUint32(buf[0:], uint32(h.Proto))
	binary.BigEndian.PutUint32(buf[4:], h.Length)
	binary.BigEndian.PutUint32(buf[8:], h.Tag)
	binary.BigEndian.PutUint32(buf[12:], h.AppTag)
}

func parseHeader(buf []byte) Header {
	return Header{
		Proto:  site.ProtoVersion(binary.BigEndian.Uint32(buf[0:])),
		Length: binary.BigEndian.Uint32(buf[4:]),
		Tag:    binary.BigEndian.Uint32(buf[8:]),
		AppTag: binary.BigEndian.Uint32(buf[12:]),
	}
}

// WriteFrame writes one frame with an already encoded body.
func WriteFrame(w io.Writer, h Header, body []byte) error {
	if len(body) > MaxBodySize {
		return ErrFrameTooBig
	}
	h.Length = uint32(len(body))
	var hdr [HeaderSize]byte
	putHeader(hdr[:], h)
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return fmt.Errorf("write body: %w", err)
		}
	}
	return nil
}

// ReadFrame reads one frame, returning header and raw body.
func ReadFrame(r io.Reader) (Header, []byte, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Header{}, nil, err
	}
	h := parseHeader(hdr[:])
	if h.Length > MaxBodySize {
		return Header{}, nil, ErrFrameTooBig
	}
	body := make([]byte, h.Length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Header{}, nil, fmt.Errorf("read body: %w", err)
	}
	return h, body, nil
}

// WriteMsg frames and writes a protocol message.
func WriteMsg(w io.Writer, proto site.ProtoVersion, m *paxos.Msg) error {
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return WriteFrame(w, Header{Proto: proto, Tag: TagNormal}, body)
}

// ReadMsg reads and decodes one protocol message. Frames with a
// non-normal tag are surfaced to the caller via the header.
func ReadMsg(r io.Reader) (Header, *paxos.Msg, error) {
	h, body, err := ReadFrame(r)
	if err != nil {
		return h, nil, err
	}
	if h.Tag != TagNormal {
		return h, nil, nil
	}
	var m paxos.Msg
	if err := json.Unmarshal(body, &m); err != nil {
		return h, nil, fmt.Errorf("unmarshal message: %w", err)
	}
	if !m.Op.Valid() {
		return h, nil, fmt.Errorf("unknown op %d", m.Op)
	}
	return h, &m, nil
}

// Handshake negotiates the protocol from the connecting side: send our
// maximum, receive the common maximum.
func Handshake(rw io.ReadWriter, myMax site.ProtoVersion) (site.ProtoVersion, error) {
	if err := WriteFrame(rw, Header{Proto: myMax, Tag: TagVersionReq}, nil); err != nil {
		return 0, fmt.Errorf("send version request: %w", err)
	}
	h, _, err := ReadFrame(rw)
	if err != nil {
		return 0, fmt.Errorf("read version reply: %w", err)
	}
	switch h.Tag {
	case TagVersionReply:
		if h.Proto == 0 || h.Proto > myMax {
			return 0, ErrUnknownProto
		}
		return h.Proto, nil
	case TagUnknownProto:
		return 0, ErrUnknownProto
	default:
		return 0, fmt.Errorf("unexpected handshake tag %d", h.Tag)
	}
}

// Accept answers a handshake from the listening side. Returns the
// negotiated version, or ErrUnknownProto after telling the peer off.
func Accept(rw io.ReadWriter, myMax, myMin site.ProtoVersion) (site.ProtoVersion, error) {
	h, _, err := ReadFrame(rw)
	if err != nil {
		return 0, fmt.Errorf("read version request: %w", err)
	}
	if h.Tag != TagVersionReq {
		return 0, fmt.Errorf("unexpected handshake tag %d", h.Tag)
	}
	common := h.Proto
	if common > myMax {
		common = myMax
	}
	if common < myMin {
		_ = WriteFrame(rw, Header{Proto: 0, Tag: TagUnknownProto}, nil)
		return 0, ErrUnknownProto
	}
	if err := WriteFrame(rw, Header{Proto: common, Tag: TagVersionReply}, nil); err != nil {
		return 0, fmt.Errorf("send version reply: %w", err)
	}
	return common, nil
}
