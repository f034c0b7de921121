package protocol

import (
	"encoding/binary"
	"fmt"
)

const (
	// FrameMagic is the 2-byte magic number at the start of every frame.
	FrameMagic uint16 = 0xCAFE
	// FrameVersion is the current supported frame version.
	FrameVersion uint8 = 1

	// FrameHeaderLen is the fixed header length in bytes:
	// Magic(uint16) + Version(uint8) + Flags(uint8) + Length(uint32).
	FrameHeaderLen = 8
	// MaxFrameBody is the maximum allowed frame body size in bytes.
	MaxFrameBody = 1024 * 1024
)

const (
	FlagCompressed uint8 = 1 << 0
	FlagEncrypted  uint8 = 1 << 1
	// FlagOneWay marks a CALL whose sender does not wait for a reply.
	FlagOneWay uint8 = 1 << 2
)

// Frame carries one encoded OCPP-J message.
type Frame struct {
	Version uint8
	Flags   uint8
	Body    []byte
}

// Decode parses one frame from the head of buf.
// It returns (nil, 0, nil) when buf does not yet hold a complete frame.
func Decode(buf []byte) (*Frame, int, error) {
	if len(buf) < FrameHeaderLen {
		return nil, 0, nil
	}

	magic := binary.BigEndian.Uint16(buf[0:2])
	if magic != FrameMagic {
		return nil, 0, fmt.Errorf("%w: 0x%04X", ErrInvalidMagic, magic)
	}
	if v := buf[2]; v != FrameVersion {
		return nil, 0, fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
	}

	length := binary.BigEndian.Uint32(buf[4:8])
	if length > MaxFrameBody {
		return nil, 0, ErrFrameTooLarge
	}

	total := FrameHeaderLen + int(length)
	if len(buf) < total {
		return nil, 0, nil
	}
	return &Frame{
		Version: buf[2],
		Flags:   buf[3],
		Body:    buf[FrameHeaderLen:total],
	}, total, nil
}

// Encode serializes f. A zero Version is written as FrameVersion.
func Encode(f *Frame) ([]byte, error) {
	if len(f.Body) > MaxFrameBody {
		return nil, ErrFrameTooLarge
	}
	version := f.Version
	if version == 0 {
		version = FrameVersion
	}

	buf := make([]byte, FrameHeaderLen+len(f.Body))
	binary.BigEndian.PutUint16(buf[0:2], FrameMagic)
	buf[2] = version
	buf[3] = f.Flags
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(f.Body)))
	copy(buf[FrameHeaderLen:], f.Body)
	return buf, nil
}

// EncodeMessageFrame encodes m and wraps it in a frame with the given flags.
func EncodeMessageFrame(flags uint8, m *Message) ([]byte, error) {
	raw, err := EncodeMessage(m)
	if err != nil {
		return nil, err
	}
	outFlags, body, err := EncodeFrameBody(flags, raw)
	if err != nil {
		return nil, err
	}
	return Encode(&Frame{Flags: outFlags, Body: body})
}

// DecodeMessageFrame decodes the body of f into a Message.
func DecodeMessageFrame(f *Frame) (*Message, error) {
	body, err := DecodeFrameBody(f)
	if err != nil {
		return nil, err
	}
	return DecodeMessage(body)
}
