package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// FrameType 帧类型
type FrameType string

const (
	TypeHandshake    FrameType = "handshake"
	TypeHandshakeAck FrameType = "handshake_ack"
	TypeInvoke       FrameType = "invoke"
	TypeResult       FrameType = "result"
	TypeEvent        FrameType = "event"
	TypePing         FrameType = "ping"
	TypePong         FrameType = "pong"
)

// 客户端调用的 Hub 方法
const (
	MethodJoinConversation  = "JoinConversation"
	MethodLeaveConversation = "LeaveConversation"
	MethodSendMessage       = "SendMessage"
	MethodUserStartedTyping = "UserStartedTyping"
	MethodUserStoppedTyping = "UserStoppedTyping"
)

// Hub 推送的事件
const (
	EventReceiveMessage      = "ReceiveMessage"
	EventReceiveTypingStatus = "ReceiveTypingStatus"
	EventUserJoined          = "UserJoined"
	EventUserLeft            = "UserLeft"
	EventUserOnline          = "UserOnline"
	EventUserOffline         = "UserOffline"
)

var ErrMalformedFrame = errors.New("malformed frame")

// Frame 连接上传输的 JSON 帧
type Frame struct {
	Type   FrameType         `json:"type"`
	ID     string            `json:"id,omitempty"`
	Method string            `json:"method,omitempty"` // 调用方法或事件名
	Args   []json.RawMessage `json:"args,omitempty"`
	Result json.RawMessage   `json:"result,omitempty"`
	Error  string            `json:"error,omitempty"`
	Token  string            `json:"token,omitempty"`
	UserID string            `json:"userId,omitempty"`
}

// Encode 编码帧
func Encode(f *Frame) ([]byte, error) {
	return json.Marshal(f)
}

// Decode 解码帧
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return &f, nil
}

// MarshalArgs 将参数逐个编码为 JSON
func MarshalArgs(args ...any) ([]json.RawMessage, error) {
	if len(args) == 0 {
		return nil, nil
	}
	out := make([]json.RawMessage, 0, len(args))
	for i, arg := range args {
		data, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("marshal arg %d: %w", i, err)
		}
		out = append(out, data)
	}
	return out, nil
}

// NewInvoke 创建调用帧
func NewInvoke(id, method string, args ...any) (*Frame, error) {
	raw, err := MarshalArgs(args...)
	if err != nil {
		return nil, err
	}
	return &Frame{Type: TypeInvoke, ID: id, Method: method, Args: raw}, nil
}

// NewEvent 创建事件帧
func NewEvent(name string, args ...any) (*Frame, error) {
	raw, err := MarshalArgs(args...)
	if err != nil {
		return nil, err
	}
	return &Frame{Type: TypeEvent, Method: name, Args: raw}, nil
}
