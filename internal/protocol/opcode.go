package protocol

// 操作码定义 - 数字人流式传输
const (
	// 客户端命令
	OpStart   uint16 = 1001
	OpAttach  uint16 = 1002
	OpMessage uint16 = 1003
	OpStop    uint16 = 1004

	// 命令应答
	OpCommandAck uint16 = 1100

	// 服务端事件推送
	OpEvent uint16 = 2001

	// 错误响应
	OpError uint16 = 9999
)

// OpcodeToString 将操作码转换为可读字符串，用于调试和日志
func OpcodeToString(op uint16) string {
	switch op {
	case OpStart:
		return "START"
	case OpAttach:
		return "ATTACH"
	case OpMessage:
		return "MESSAGE"
	case OpStop:
		return "STOP"
	case OpCommandAck:
		return "COMMAND_ACK"
	case OpEvent:
		return "EVENT"
	case OpError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// IsValidOpcode 检查操作码是否有效
func IsValidOpcode(op uint16) bool {
	switch op {
	case OpStart, OpAttach, OpMessage, OpStop, OpCommandAck, OpEvent, OpError:
		return true
	default:
		return false
	}
}

// IsCommand 是否为需要应答的客户端命令
func IsCommand(op uint16) bool {
	return op >= OpStart && op <= OpStop
}
