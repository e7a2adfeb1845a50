package presence

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/kleqing/PetSitter-sub000/internal/model"
	"github.com/kleqing/PetSitter-sub000/internal/protocol"
)

// Invoker Hub 调用
type Invoker interface {
	Invoke(ctx context.Context, method string, args ...any) (json.RawMessage, error)
}

// Options 输入状态参数
type Options struct {
	QuietPeriod  time.Duration // 停止输入多久后发送 UserStoppedTyping
	RemoteExpiry time.Duration // 对方输入状态在没有收到停止信号时的过期时间
	Clock        clock.Clock
}

// pendingTimer 可重置的定时器，deadline 用于识别已被重置的过期回调
type pendingTimer struct {
	timer    *clock.Timer
	deadline time.Time
}

// Tracker 输入状态节流与在线状态
type Tracker struct {
	invoker Invoker
	selfID  string
	opts    Options
	clock   clock.Clock
	logger  *slog.Logger

	mu       sync.Mutex
	outgoing map[string]*pendingTimer            // conversationID
	remote   map[string]map[string]*pendingTimer // conversationID -> senderID
	online   map[string]bool

	subMu             sync.RWMutex
	typingListeners   []func(model.TypingSignal)
	presenceListeners []func(model.PresenceChange)
}

func NewTracker(invoker Invoker, selfID string, opts Options, logger *slog.Logger) *Tracker {
	if opts.QuietPeriod <= 0 {
		opts.QuietPeriod = 2 * time.Second
	}
	if opts.RemoteExpiry <= 0 {
		opts.RemoteExpiry = 5 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		invoker:  invoker,
		selfID:   selfID,
		opts:     opts,
		clock:    opts.Clock,
		logger:   logger.With("component", "presence"),
		outgoing: make(map[string]*pendingTimer),
		remote:   make(map[string]map[string]*pendingTimer),
		online:   make(map[string]bool),
	}
}

// ============== 本地输入 ==============

// NotifyTypingStarted 每次按键调用：重置静默计时器，只有计时器不存在时才通知 Hub
func (t *Tracker) NotifyTypingStarted(ctx context.Context, conversationID string) error {
	now := t.clock.Now()

	t.mu.Lock()
	if p, ok := t.outgoing[conversationID]; ok {
		p.deadline = now.Add(t.opts.QuietPeriod)
		p.timer.Reset(t.opts.QuietPeriod)
		t.mu.Unlock()
		return nil
	}
	p := &pendingTimer{deadline: now.Add(t.opts.QuietPeriod)}
	p.timer = t.clock.AfterFunc(t.opts.QuietPeriod, func() {
		t.quietElapsed(conversationID, p)
	})
	t.outgoing[conversationID] = p
	t.mu.Unlock()

	if _, err := t.invoker.Invoke(ctx, protocol.MethodUserStartedTyping, conversationID); err != nil {
		t.logger.Debug("Failed to send typing start", "conversation_id", conversationID, "error", err)
		return err
	}
	return nil
}

// NotifyTypingStopped 显式停止（例如发送成功后），没有进行中的输入时不发送
func (t *Tracker) NotifyTypingStopped(ctx context.Context, conversationID string) error {
	t.mu.Lock()
	p, ok := t.outgoing[conversationID]
	if !ok {
		t.mu.Unlock()
		return nil
	}
	p.timer.Stop()
	delete(t.outgoing, conversationID)
	t.mu.Unlock()

	return t.sendStopped(ctx, conversationID)
}

// Typing 本地是否处于输入状态
func (t *Tracker) Typing(conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.outgoing[conversationID]
	return ok
}

func (t *Tracker) quietElapsed(conversationID string, p *pendingTimer) {
	t.mu.Lock()
	if t.outgoing[conversationID] != p || t.clock.Now().Before(p.deadline) {
		// 已被显式停止，或者计时器已被重置
		t.mu.Unlock()
		return
	}
	delete(t.outgoing, conversationID)
	t.mu.Unlock()

	t.sendStopped(context.Background(), conversationID)
}

func (t *Tracker) sendStopped(ctx context.Context, conversationID string) error {
	if _, err := t.invoker.Invoke(ctx, protocol.MethodUserStoppedTyping, conversationID); err != nil {
		t.logger.Debug("Failed to send typing stop", "conversation_id", conversationID, "error", err)
		return err
	}
	return nil
}

// ============== 对方输入 ==============

// OnTypingChanged 处理 Hub 推送的输入状态，忽略自己的回显
func (t *Tracker) OnTypingChanged(sig model.TypingSignal) {
	if sig.SenderID == "" || sig.SenderID == t.selfID || sig.ConversationID == "" {
		return
	}

	t.mu.Lock()
	senders := t.remote[sig.ConversationID]
	p, wasTyping := senders[sig.SenderID]

	if sig.IsTyping {
		deadline := t.clock.Now().Add(t.opts.RemoteExpiry)
		if wasTyping {
			p.deadline = deadline
			p.timer.Reset(t.opts.RemoteExpiry)
			t.mu.Unlock()
			return
		}
		if senders == nil {
			senders = make(map[string]*pendingTimer)
			t.remote[sig.ConversationID] = senders
		}
		np := &pendingTimer{deadline: deadline}
		np.timer = t.clock.AfterFunc(t.opts.RemoteExpiry, func() {
			t.remoteExpired(sig.ConversationID, sig.SenderID, np)
		})
		senders[sig.SenderID] = np
		t.mu.Unlock()

		t.publishTyping(sig)
		return
	}

	if !wasTyping {
		t.mu.Unlock()
		return
	}
	p.timer.Stop()
	t.removeRemoteLocked(sig.ConversationID, sig.SenderID)
	t.mu.Unlock()

	t.publishTyping(sig)
}

func (t *Tracker) remoteExpired(conversationID, senderID string, p *pendingTimer) {
	t.mu.Lock()
	if t.remote[conversationID][senderID] != p || t.clock.Now().Before(p.deadline) {
		t.mu.Unlock()
		return
	}
	t.removeRemoteLocked(conversationID, senderID)
	t.mu.Unlock()

	t.logger.Debug("Remote typing expired", "conversation_id", conversationID, "sender_id", senderID)
	t.publishTyping(model.TypingSignal{ConversationID: conversationID, SenderID: senderID, IsTyping: false})
}

func (t *Tracker) removeRemoteLocked(conversationID, senderID string) {
	senders := t.remote[conversationID]
	delete(senders, senderID)
	if len(senders) == 0 {
		delete(t.remote, conversationID)
	}
}

// IsTyping 会话中是否有对方正在输入
func (t *Tracker) IsTyping(conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.remote[conversationID]) > 0
}

// TypingUsers 会话中正在输入的用户
func (t *Tracker) TypingUsers(conversationID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.remote[conversationID]))
	for id := range t.remote[conversationID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ============== 在线状态 ==============

// SetPresence 只由 Hub 的在线状态事件驱动，不根据消息活动推断
func (t *Tracker) SetPresence(change model.PresenceChange) {
	t.mu.Lock()
	prev, known := t.online[change.UserID]
	t.online[change.UserID] = change.Online
	t.mu.Unlock()

	if known && prev == change.Online {
		return
	}
	t.subMu.RLock()
	fns := append([]func(model.PresenceChange){}, t.presenceListeners...)
	t.subMu.RUnlock()
	for _, fn := range fns {
		fn(change)
	}
}

// IsOnline 用户是否在线，未知用户返回 false
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.online[userID]
}

// ============== 订阅 ==============

func (t *Tracker) OnTyping(fn func(model.TypingSignal)) {
	t.subMu.Lock()
	t.typingListeners = append(t.typingListeners, fn)
	t.subMu.Unlock()
}

func (t *Tracker) OnPresence(fn func(model.PresenceChange)) {
	t.subMu.Lock()
	t.presenceListeners = append(t.presenceListeners, fn)
	t.subMu.Unlock()
}

func (t *Tracker) publishTyping(sig model.TypingSignal) {
	t.subMu.RLock()
	fns := append([]func(model.TypingSignal){}, t.typingListeners...)
	t.subMu.RUnlock()
	for _, fn := range fns {
		fn(sig)
	}
}

// Close 停止所有计时器，不再发送停止信号
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, p := range t.outgoing {
		p.timer.Stop()
		delete(t.outgoing, id)
	}
	for conv, senders := range t.remote {
		for _, p := range senders {
			p.timer.Stop()
		}
		delete(t.remote, conv)
	}
}
