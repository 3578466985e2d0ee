package protocol

import (
	"encoding/json"
	"fmt"
)

// Command 客户端命令体
type Command struct {
	Seq    uint64 `json:"seq"`
	SinkID string `json:"sink_id,omitempty"`
	Text   string `json:"text,omitempty"`
}

// CommandAck 命令应答
type CommandAck struct {
	Seq   uint64 `json:"seq"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// EncodeJSON 将消息体JSON序列化后编码为帧
func EncodeJSON(opcode uint16, v interface{}) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s body failed: %w", OpcodeToString(opcode), err)
	}
	if FrameHeaderSize+len(body) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	return EncodeFrame(opcode, body), nil
}

// DecodeJSON 解码帧并把消息体反序列化到v
func DecodeJSON(raw []byte, v interface{}) (uint16, error) {
	opcode, body, err := DecodeFrame(raw)
	if err != nil {
		return 0, err
	}
	if len(body) == 0 {
		return opcode, nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return opcode, fmt.Errorf("unmarshal %s body failed: %w", OpcodeToString(opcode), err)
	}
	return opcode, nil
}
