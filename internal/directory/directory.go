package directory

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	apperrors "github.com/kleqing/PetSitter-sub000/internal/errors"
	"github.com/kleqing/PetSitter-sub000/internal/metrics"
	"github.com/kleqing/PetSitter-sub000/internal/model"
)

// Source 会话列表来源（REST）
type Source interface {
	ListConversations(ctx context.Context) ([]model.Conversation, error)
}

// Options 会话列表参数
type Options struct {
	PollInterval time.Duration // 轮询间隔，<=0 不轮询
	Clock        clock.Clock
}

// Directory 当前用户的会话列表缓存
// 刷新失败保留上一次成功的快照
type Directory struct {
	source       Source
	selfID       string
	logger       *slog.Logger
	metrics      *metrics.Metrics
	pollInterval time.Duration
	clock        clock.Clock

	mu          sync.RWMutex
	convs       map[string]*model.Conversation
	recent      map[string][]string // conversationID -> 最近的消息 ID
	viewing     string
	lastRefresh time.Time
	lastErr     error

	refreshCh chan struct{}

	subMu     sync.RWMutex
	listeners []func()
}

func New(source Source, selfID string, opts Options, logger *slog.Logger, m *metrics.Metrics) *Directory {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		source:       source,
		selfID:       selfID,
		logger:       logger.With("component", "directory"),
		metrics:      m,
		pollInterval: opts.PollInterval,
		clock:        opts.Clock,
		convs:        make(map[string]*model.Conversation),
		recent:       make(map[string][]string),
		refreshCh:    make(chan struct{}, 1),
	}
}

// Refresh 从 REST 拉取完整列表
// 失败返回 ErrDirectoryUnavailable，缓存不变；成功时保留本地的输入状态
func (d *Directory) Refresh(ctx context.Context) error {
	list, err := d.source.ListConversations(ctx)
	if err != nil {
		d.mu.Lock()
		d.lastErr = apperrors.ErrDirectoryUnavailable.Wrap(err)
		appErr := d.lastErr
		d.mu.Unlock()

		d.metrics.RecordDirectoryRefresh("error")
		d.logger.Warn("Failed to refresh conversations", "error", err)
		return appErr
	}

	d.mu.Lock()
	next := make(map[string]*model.Conversation, len(list))
	for i := range list {
		conv := list[i].Clone()
		if prev, ok := d.convs[conv.ID]; ok {
			conv.Typing = prev.Typing
		}
		if conv.ID == d.viewing {
			conv.UnreadCount = 0
		}
		next[conv.ID] = &conv
	}
	d.convs = next
	d.lastRefresh = d.clock.Now()
	d.lastErr = nil
	d.mu.Unlock()

	d.metrics.RecordDirectoryRefresh("ok")
	d.notify()
	return nil
}

// RequestRefresh 请求后台刷新，多次请求合并为一次
func (d *Directory) RequestRefresh() {
	select {
	case d.refreshCh <- struct{}{}:
	default:
	}
}

// Run 后台轮询，阻塞直到 ctx 取消
func (d *Directory) Run(ctx context.Context) {
	var tick <-chan time.Time
	if d.pollInterval > 0 {
		ticker := d.clock.Ticker(d.pollInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
		case <-d.refreshCh:
		}
		d.Refresh(ctx)
	}
}

// List 按最后消息时间倒序
func (d *Directory) List() []model.Conversation {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sortedLocked(func(*model.Conversation) bool { return true })
}

// Search 大小写不敏感地匹配参与者昵称和服务名称，不修改缓存
func (d *Directory) Search(query string) []model.Conversation {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sortedLocked(func(c *model.Conversation) bool { return c.Matches(query) })
}

func (d *Directory) sortedLocked(keep func(*model.Conversation) bool) []model.Conversation {
	out := make([]model.Conversation, 0, len(d.convs))
	for _, c := range d.convs {
		if keep(c) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	return out
}

// Get 按 ID 查询
func (d *Directory) Get(id string) (model.Conversation, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.convs[id]
	if !ok {
		return model.Conversation{}, false
	}
	return c.Clone(), true
}

// Upsert 插入或替换一个会话（例如新建会话的返回）
func (d *Directory) Upsert(conv model.Conversation) {
	c := conv.Clone()
	d.mu.Lock()
	if prev, ok := d.convs[c.ID]; ok {
		c.Typing = prev.Typing
	}
	d.convs[c.ID] = &c
	d.mu.Unlock()
	d.notify()
}

const recentLimit = 64

// ApplyMessage 实时消息更新预览与未读数，重复投递的消息被忽略
// 未知会话说明是新会话，触发一次刷新
func (d *Directory) ApplyMessage(msg model.Message) {
	d.mu.Lock()
	c, ok := d.convs[msg.ConversationID]
	if !ok {
		d.mu.Unlock()
		d.logger.Debug("Message for unknown conversation, refreshing", "conversation_id", msg.ConversationID)
		d.RequestRefresh()
		return
	}
	if !d.rememberLocked(msg.ConversationID, msg.ID) {
		d.mu.Unlock()
		return
	}
	if c.LastMessage == nil || !msg.Before(c.LastMessage) {
		m := msg
		c.LastMessage = &m
		c.LastMessageAt = msg.SentAt
	}
	if msg.SenderID != d.selfID && msg.ConversationID != d.viewing {
		c.UnreadCount++
	}
	d.mu.Unlock()
	d.notify()
}

// rememberLocked 记录消息 ID，已见过返回 false
func (d *Directory) rememberLocked(conversationID, messageID string) bool {
	ids := d.recent[conversationID]
	for _, id := range ids {
		if id == messageID {
			return false
		}
	}
	if len(ids) >= recentLimit {
		ids = ids[1:]
	}
	d.recent[conversationID] = append(ids, messageID)
	return true
}

// ApplyPresence 更新所有会话中该用户的在线标记
func (d *Directory) ApplyPresence(change model.PresenceChange) {
	changed := false
	d.mu.Lock()
	for _, c := range d.convs {
		for i := range c.Participants {
			p := &c.Participants[i]
			if p.UserID == change.UserID && p.IsOnline != change.Online {
				p.IsOnline = change.Online
				changed = true
			}
		}
	}
	d.mu.Unlock()
	if changed {
		d.notify()
	}
}

// ApplyTyping 更新列表中的“正在输入”提示
func (d *Directory) ApplyTyping(conversationID string, typing bool) {
	d.mu.Lock()
	c, ok := d.convs[conversationID]
	if !ok || c.Typing == typing {
		d.mu.Unlock()
		return
	}
	c.Typing = typing
	d.mu.Unlock()
	d.notify()
}

// SetViewing 设置正在查看的会话并清零其未读数，空字符串表示没有打开的会话
func (d *Directory) SetViewing(conversationID string) {
	d.mu.Lock()
	d.viewing = conversationID
	d.mu.Unlock()
	d.MarkRead(conversationID)
}

// MarkRead 清零未读数
func (d *Directory) MarkRead(conversationID string) {
	d.mu.Lock()
	c, ok := d.convs[conversationID]
	if !ok || c.UnreadCount == 0 {
		d.mu.Unlock()
		return
	}
	c.UnreadCount = 0
	d.mu.Unlock()
	d.notify()
}

// TotalUnread 所有会话未读数之和
func (d *Directory) TotalUnread() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := 0
	for _, c := range d.convs {
		n += c.UnreadCount
	}
	return n
}

// LastRefresh 最近一次成功刷新的时间
func (d *Directory) LastRefresh() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastRefresh
}

// Len 缓存的会话数
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.convs)
}

// LastError 最近一次刷新错误，成功后为 nil
func (d *Directory) LastError() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastErr
}

// OnChange 列表变化通知
func (d *Directory) OnChange(fn func()) {
	d.subMu.Lock()
	d.listeners = append(d.listeners, fn)
	d.subMu.Unlock()
}

func (d *Directory) notify() {
	d.subMu.RLock()
	fns := append([]func(){}, d.listeners...)
	d.subMu.RUnlock()
	for _, fn := range fns {
		fn()
	}
}
