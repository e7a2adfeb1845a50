package model

import (
	"strings"
	"time"
)

// Role 参与者角色
type Role string

const (
	RoleCustomer Role = "customer" // 宠物主人
	RoleProvider Role = "provider" // 服务商家
	RoleAdmin    Role = "admin"
)

// Participant 会话参与者
type Participant struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Role        Role   `json:"role"`
	Avatar      string `json:"avatar,omitempty"`
	IsOnline    bool   `json:"isOnline"`
}

// ServiceContext 会话关联的服务，仅用于展示
type ServiceContext struct {
	ServiceID   string `json:"serviceId"`
	ServiceName string `json:"serviceName"`
	ShopName    string `json:"shopName,omitempty"`
}

// Conversation 会话
type Conversation struct {
	ID            string          `json:"id"`
	Participants  []Participant   `json:"participants"`
	Service       *ServiceContext `json:"service,omitempty"`
	LastMessage   *Message        `json:"lastMessage,omitempty"`
	LastMessageAt time.Time       `json:"lastMessageAt"`
	UnreadCount   int             `json:"unreadCount"`
	Typing        bool            `json:"-"`
}

// Peer 返回除自己之外的第一个参与者
func (c *Conversation) Peer(selfID string) *Participant {
	for i := range c.Participants {
		if c.Participants[i].UserID != selfID {
			return &c.Participants[i]
		}
	}
	return nil
}

// HasParticipant 判断用户是否在会话中
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// Matches 大小写不敏感地匹配参与者昵称和服务名称
func (c *Conversation) Matches(query string) bool {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return true
	}
	for _, p := range c.Participants {
		if strings.Contains(strings.ToLower(p.DisplayName), q) {
			return true
		}
	}
	if c.Service != nil {
		if strings.Contains(strings.ToLower(c.Service.ServiceName), q) ||
			strings.Contains(strings.ToLower(c.Service.ShopName), q) {
			return true
		}
	}
	return false
}

// Clone 深拷贝，避免调用方修改缓存
func (c Conversation) Clone() Conversation {
	out := c
	out.Participants = append([]Participant(nil), c.Participants...)
	if c.Service != nil {
		svc := *c.Service
		out.Service = &svc
	}
	if c.LastMessage != nil {
		msg := *c.LastMessage
		out.LastMessage = &msg
	}
	return out
}

// Message 聊天消息，ID 和 SentAt 由服务端分配
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	SenderName     string    `json:"senderName"`
	SenderAvatar   string    `json:"senderAvatar,omitempty"`
	Content        string    `json:"content"`
	SentAt         time.Time `json:"sentAt"`
	IsRead         bool      `json:"isRead"`
}

// Before 时间线排序：先按发送时间，时间相同按 ID
func (m *Message) Before(other *Message) bool {
	if m.SentAt.Equal(other.SentAt) {
		return m.ID < other.ID
	}
	return m.SentAt.Before(other.SentAt)
}

// TypingSignal 输入状态
type TypingSignal struct {
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	IsTyping       bool   `json:"isTyping"`
}

// PresenceChange 在线状态变化
type PresenceChange struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}
