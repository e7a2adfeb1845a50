package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/kleqing/PetSitter-sub000/internal/model"
)

// DecodeMessage ReceiveMessage(message)
func DecodeMessage(args []json.RawMessage) (model.Message, error) {
	var msg model.Message
	if len(args) < 1 {
		return msg, fmt.Errorf("%w: ReceiveMessage needs 1 arg", ErrMalformedFrame)
	}
	if err := json.Unmarshal(args[0], &msg); err != nil {
		return msg, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if msg.ID == "" || msg.ConversationID == "" {
		return msg, fmt.Errorf("%w: message without id", ErrMalformedFrame)
	}
	return msg, nil
}

// DecodeTypingStatus ReceiveTypingStatus(senderId, isTyping[, conversationId])
// 没有会话 ID 时 ConversationID 为空，由调用方归属到当前会话
func DecodeTypingStatus(args []json.RawMessage) (model.TypingSignal, error) {
	var sig model.TypingSignal
	if len(args) < 2 {
		return sig, fmt.Errorf("%w: ReceiveTypingStatus needs 2 args", ErrMalformedFrame)
	}
	if err := json.Unmarshal(args[0], &sig.SenderID); err != nil {
		return sig, fmt.Errorf("%w: sender: %v", ErrMalformedFrame, err)
	}
	if err := json.Unmarshal(args[1], &sig.IsTyping); err != nil {
		return sig, fmt.Errorf("%w: isTyping: %v", ErrMalformedFrame, err)
	}
	if len(args) > 2 {
		if err := json.Unmarshal(args[2], &sig.ConversationID); err != nil {
			return sig, fmt.Errorf("%w: conversation: %v", ErrMalformedFrame, err)
		}
	}
	return sig, nil
}

// DecodePresence UserJoined/UserOnline(userId) 与 UserLeft/UserOffline(userId)
func DecodePresence(event string, args []json.RawMessage) (model.PresenceChange, error) {
	var change model.PresenceChange
	if len(args) < 1 {
		return change, fmt.Errorf("%w: %s needs 1 arg", ErrMalformedFrame, event)
	}
	if err := json.Unmarshal(args[0], &change.UserID); err != nil {
		return change, fmt.Errorf("%w: user: %v", ErrMalformedFrame, err)
	}
	switch event {
	case EventUserJoined, EventUserOnline:
		change.Online = true
	case EventUserLeft, EventUserOffline:
		change.Online = false
	default:
		return change, fmt.Errorf("%w: unknown presence event %s", ErrMalformedFrame, event)
	}
	return change, nil
}
