package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// FrameHeaderSize | opcode u16 | len u32 |
	FrameHeaderSize = 6
	// MaxFrameSize 单帧上限，含帧头
	MaxFrameSize = 1 << 20
)

var (
	ErrFrameTooSmall = errors.New("frame too small")
	ErrFrameTooLarge = errors.New("frame too large")
	ErrInvalidFrame  = errors.New("invalid frame format")
	ErrUnknownOpcode = errors.New("unknown opcode")
)

// EncodeFrame 组帧，整数均为大端序。每条WebSocket二进制消息恰好承载一帧
func EncodeFrame(opcode uint16, body []byte) []byte {
	buf := make([]byte, FrameHeaderSize+len(body))
	binary.BigEndian.PutUint16(buf[0:2], opcode)
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(body)))
	copy(buf[FrameHeaderSize:], body)
	return buf
}

// DecodeFrame 拆帧；声明长度必须与消息长度一致，空消息体返回nil
func DecodeFrame(raw []byte) (opcode uint16, body []byte, err error) {
	switch {
	case len(raw) < FrameHeaderSize:
		return 0, nil, ErrFrameTooSmall
	case len(raw) > MaxFrameSize:
		return 0, nil, ErrFrameTooLarge
	}

	opcode = binary.BigEndian.Uint16(raw[0:2])
	if !IsValidOpcode(opcode) {
		return 0, nil, fmt.Errorf("%w: %d", ErrUnknownOpcode, opcode)
	}

	want := FrameHeaderSize + int(binary.BigEndian.Uint32(raw[2:6]))
	if len(raw) != want {
		return 0, nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidFrame, want, len(raw))
	}
	if want > FrameHeaderSize {
		body = make([]byte, want-FrameHeaderSize)
		copy(body, raw[FrameHeaderSize:])
	}
	return opcode, body, nil
}
