package connection

import (
	"sync"

	"github.com/kleqing/PetSitter-sub000/internal/model"
)

// 对外事件名
const (
	EventMessageReceived = "message-received"
	EventTypingChanged   = "typing-changed"
	EventPresenceChanged = "presence-changed"
	EventStateChanged    = "state-changed"
)

// Handler 事件处理函数，payload 类型由事件决定：
// message-received -> model.Message
// typing-changed -> model.TypingSignal
// presence-changed -> model.PresenceChange
// state-changed -> StateChange
type Handler func(payload any)

// Subscription 订阅句柄，用于 Off
type Subscription struct {
	event string
	id    uint64
}

type handlerEntry struct {
	id uint64
	fn Handler
}

// registry 事件订阅表，同一事件的处理函数按订阅顺序调用
type registry struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[string][]handlerEntry
}

func newRegistry() *registry {
	return &registry{handlers: make(map[string][]handlerEntry)}
}

func (r *registry) add(event string, fn Handler) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.handlers[event] = append(r.handlers[event], handlerEntry{id: r.nextID, fn: fn})
	return Subscription{event: event, id: r.nextID}
}

func (r *registry) remove(sub Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.handlers[sub.event]
	for i, e := range entries {
		if e.id == sub.id {
			r.handlers[sub.event] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

func (r *registry) snapshot(event string) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := r.handlers[event]
	out := make([]Handler, len(entries))
	for i, e := range entries {
		out[i] = e.fn
	}
	return out
}

// On 订阅事件
func (m *Manager) On(event string, fn Handler) Subscription {
	return m.subs.add(event, fn)
}

// Off 取消订阅
func (m *Manager) Off(sub Subscription) {
	m.subs.remove(sub)
}

// OnMessage 订阅 message-received
func (m *Manager) OnMessage(fn func(model.Message)) Subscription {
	return m.On(EventMessageReceived, func(p any) {
		if msg, ok := p.(model.Message); ok {
			fn(msg)
		}
	})
}

// OnTyping 订阅 typing-changed
func (m *Manager) OnTyping(fn func(model.TypingSignal)) Subscription {
	return m.On(EventTypingChanged, func(p any) {
		if sig, ok := p.(model.TypingSignal); ok {
			fn(sig)
		}
	})
}

// OnPresence 订阅 presence-changed
func (m *Manager) OnPresence(fn func(model.PresenceChange)) Subscription {
	return m.On(EventPresenceChanged, func(p any) {
		if change, ok := p.(model.PresenceChange); ok {
			fn(change)
		}
	})
}

// OnStateChange 订阅 state-changed
func (m *Manager) OnStateChange(fn func(StateChange)) Subscription {
	return m.On(EventStateChanged, func(p any) {
		if change, ok := p.(StateChange); ok {
			fn(change)
		}
	})
}

// emit 投递到串行事件循环，订阅者在事件循环中依次执行
func (m *Manager) emit(event string, payload any) {
	ok := m.events.Submit(func() {
		for _, fn := range m.subs.snapshot(event) {
			m.call(event, fn, payload)
		}
	})
	if !ok {
		m.logger.Debug("Event dropped, event loop stopped", "event", event)
	}
}

// call 单个订阅者 panic 不影响同一事件的其他订阅者
func (m *Manager) call(event string, fn Handler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Event handler panic recovered", "event", event, "panic", r)
		}
	}()
	fn(payload)
}
