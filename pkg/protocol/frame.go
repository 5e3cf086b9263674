package protocol

import (
	"errors"
	"fmt"
)

// MaxFrameSize bounds one transport message (16MB).
const MaxFrameSize = 16 * 1024 * 1024

// FrameType identifies the type of frame.
type FrameType uint8

const (
	FrameCall   FrameType = 0x01 // Method call, expects a reply
	FrameNotify FrameType = 0x02 // Method call, fire-and-forget
	FrameReply  FrameType = 0x03 // Reply to a FrameCall with the same ID
)

// String returns the string representation of the frame type.
func (ft FrameType) String() string {
	switch ft {
	case FrameCall:
		return "Call"
	case FrameNotify:
		return "Notify"
	case FrameReply:
		return "Reply"
	default:
		return "Unknown"
	}
}

// Frame errors.
var (
	ErrFrameTooLarge    = errors.New("protocol: frame too large")
	ErrInvalidFrameType = errors.New("protocol: invalid frame type")
	ErrInvalidFrameID   = errors.New("protocol: invalid frame id")
)

// Frame is one transport message. Calls carry a method call envelope,
// replies carry a reply envelope.
//
// Wire format:
//
//	┌─────────────┬──────────────────┬──────────────────────────┐
//	│ Frame Type  │ ID               │ Payload                  │
//	│ (1 byte)    │ (varint)         │ (rest of the message)    │
//	└─────────────┴──────────────────┴──────────────────────────┘
//
// Call frames use a non-zero ID chosen by the caller; replies echo it.
// Notify frames always carry ID 0.
type Frame struct {
	Type    FrameType
	ID      uint64
	Payload []byte
}

// Encode encodes the frame to bytes including the header.
func (f *Frame) Encode() []byte {
	e := NewEncoderWithCap(1 + UvarintLen(f.ID) + len(f.Payload))
	e.WriteByte(byte(f.Type))
	e.WriteUvarint(f.ID)
	e.WriteBytes(f.Payload)
	return e.Bytes()
}

// DecodeFrame decodes a frame from one transport message.
// The payload aliases data.
func DecodeFrame(data []byte) (*Frame, error) {
	if len(data) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	d := NewDecoder(data)
	b, err := d.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformed)
	}
	ft := FrameType(b)
	id, err := d.ReadUvarint()
	if err != nil {
		return nil, fmt.Errorf("%w: frame id: %v", ErrMalformed, err)
	}

	switch ft {
	case FrameCall, FrameReply:
		if id == 0 {
			return nil, fmt.Errorf("%w: %s frame with id 0", ErrInvalidFrameID, ft)
		}
	case FrameNotify:
		if id != 0 {
			return nil, fmt.Errorf("%w: notify frame with id %d", ErrInvalidFrameID, id)
		}
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrInvalidFrameType, b)
	}

	return &Frame{Type: ft, ID: id, Payload: d.Rest()}, nil
}

// NewCallFrame creates a call frame.
func NewCallFrame(id uint64, payload []byte) *Frame {
	return &Frame{Type: FrameCall, ID: id, Payload: payload}
}

// NewNotifyFrame creates a notify frame.
func NewNotifyFrame(payload []byte) *Frame {
	return &Frame{Type: FrameNotify, Payload: payload}
}

// NewReplyFrame creates a reply frame for call id.
func NewReplyFrame(id uint64, payload []byte) *Frame {
	return &Frame{Type: FrameReply, ID: id, Payload: payload}
}
