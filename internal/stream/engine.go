package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"

	apperrors "github.com/kleqing/PetSitter-sub000/internal/errors"
	"github.com/kleqing/PetSitter-sub000/internal/metrics"
	"github.com/kleqing/PetSitter-sub000/internal/model"
	"github.com/kleqing/PetSitter-sub000/internal/protocol"
)

// ErrStaleResponse 历史请求返回时会话已被切走或重新激活，结果被丢弃
var ErrStaleResponse = errors.New("stale history response")

// HistoryFetcher 历史消息来源（REST）
type HistoryFetcher interface {
	Messages(ctx context.Context, conversationID string) ([]model.Message, error)
}

// Invoker Hub 调用
type Invoker interface {
	Invoke(ctx context.Context, method string, args ...any) (json.RawMessage, error)
}

// UpdateKind 时间线变化类型
type UpdateKind int

const (
	UpdateInitial  UpdateKind = iota // 首次加载，直接定位到最新，不做动画
	UpdateAppended                   // 追加到末尾
	UpdateInserted                   // 乱序到达，插入中间
	UpdateFailed                     // 历史加载失败
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateInitial:
		return "initial"
	case UpdateAppended:
		return "appended"
	case UpdateInserted:
		return "inserted"
	case UpdateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Update 推送给界面的时间线变化
type Update struct {
	ConversationID string
	Kind           UpdateKind
	Messages       []model.Message // UpdateInitial: 完整时间线
	Message        *model.Message  // UpdateAppended / UpdateInserted
	Index          int             // 插入位置
	Err            error           // UpdateFailed
}

type timeline struct {
	messages   []model.Message
	ids        map[string]struct{}
	generation uint64
	active     bool
	loaded     bool
	err        error
}

func (t *timeline) reset() {
	t.messages = t.messages[:0]
	t.ids = make(map[string]struct{})
	t.loaded = false
	t.err = nil
}

// insert 按 (SentAt, ID) 有序插入，返回位置；重复 ID 返回 -1
func (t *timeline) insert(msg model.Message) int {
	if _, ok := t.ids[msg.ID]; ok {
		return -1
	}
	idx := sort.Search(len(t.messages), func(i int) bool {
		return msg.Before(&t.messages[i])
	})
	t.messages = append(t.messages, model.Message{})
	copy(t.messages[idx+1:], t.messages[idx:])
	t.messages[idx] = msg
	t.ids[msg.ID] = struct{}{}
	return idx
}

// Engine 每个会话一条消息时间线：REST 历史 + 实时推送合并
type Engine struct {
	history HistoryFetcher
	invoker Invoker
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	timelines map[string]*timeline

	subMu     sync.RWMutex
	nextSubID uint64
	listeners map[uint64]func(Update)
}

func NewEngine(history HistoryFetcher, invoker Invoker, logger *slog.Logger, m *metrics.Metrics) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		history:   history,
		invoker:   invoker,
		logger:    logger.With("component", "stream"),
		metrics:   m,
		timelines: make(map[string]*timeline),
		listeners: make(map[uint64]func(Update)),
	}
}

// Subscribe 订阅时间线变化，返回取消函数
func (e *Engine) Subscribe(fn func(Update)) func() {
	e.subMu.Lock()
	e.nextSubID++
	id := e.nextSubID
	e.listeners[id] = fn
	e.subMu.Unlock()

	return func() {
		e.subMu.Lock()
		delete(e.listeners, id)
		e.subMu.Unlock()
	}
}

func (e *Engine) publish(u Update) {
	e.subMu.RLock()
	fns := make([]func(Update), 0, len(e.listeners))
	for _, fn := range e.listeners {
		fns = append(fns, fn)
	}
	e.subMu.RUnlock()

	for _, fn := range fns {
		fn(u)
	}
}

// LoadHistory 激活会话并加载历史，每次激活调用一次
// 加载期间到达的实时消息会与历史合并；请求返回时会话已失效则丢弃结果
func (e *Engine) LoadHistory(ctx context.Context, conversationID string) ([]model.Message, error) {
	e.mu.Lock()
	t, ok := e.timelines[conversationID]
	if !ok {
		t = &timeline{}
		e.timelines[conversationID] = t
	}
	t.generation++
	t.active = true
	t.reset()
	gen := t.generation
	e.mu.Unlock()

	fetched, err := e.history.Messages(ctx, conversationID)

	e.mu.Lock()
	if t.generation != gen || !t.active {
		e.mu.Unlock()
		e.logger.Debug("Discarded stale history response", "conversation_id", conversationID)
		return nil, ErrStaleResponse
	}

	if err != nil {
		appErr := apperrors.ErrHistoryUnavailable.Wrap(err)
		t.err = appErr
		e.mu.Unlock()

		e.metrics.RecordHistoryLoad("error")
		e.logger.Warn("Failed to load history", "conversation_id", conversationID, "error", err)
		e.publish(Update{ConversationID: conversationID, Kind: UpdateFailed, Err: appErr})
		return nil, appErr
	}

	// 实时消息已按序在时间线中，历史逐条合并去重
	for _, msg := range fetched {
		if msg.ConversationID == "" {
			msg.ConversationID = conversationID
		}
		t.insert(msg)
	}
	t.loaded = true
	snapshot := append([]model.Message(nil), t.messages...)
	e.mu.Unlock()

	e.metrics.RecordHistoryLoad("ok")
	e.publish(Update{ConversationID: conversationID, Kind: UpdateInitial, Messages: snapshot})
	return snapshot, nil
}

// Deactivate 离开会话：缓存保留但标记失效，进行中的历史请求结果将被丢弃
func (e *Engine) Deactivate(conversationID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.timelines[conversationID]; ok {
		t.active = false
		t.generation++
	}
}

// HandleReceived 合并一条推送消息，按 ID 幂等
// 只缓存激活中的会话，返回消息是否被加入时间线
func (e *Engine) HandleReceived(msg model.Message) bool {
	e.mu.Lock()
	t, ok := e.timelines[msg.ConversationID]
	if !ok || !t.active {
		e.mu.Unlock()
		return false
	}

	idx := t.insert(msg)
	if idx < 0 {
		e.mu.Unlock()
		e.metrics.RecordMessage(true)
		e.logger.Debug("Duplicate message dropped", "conversation_id", msg.ConversationID, "message_id", msg.ID)
		return false
	}
	kind := UpdateInserted
	if idx == len(t.messages)-1 {
		kind = UpdateAppended
	}
	// 历史加载失败后实时消息照常通知，界面不会停留在错误状态
	settled := t.loaded || t.err != nil
	e.mu.Unlock()

	e.metrics.RecordMessage(false)
	// 历史未返回前不单独通知，UpdateInitial 会带上这条消息
	if settled {
		m := msg
		e.publish(Update{ConversationID: msg.ConversationID, Kind: kind, Message: &m, Index: idx})
	}
	return true
}

// Send 发送消息，不做乐观插入，消息以服务端推送为准
func (e *Engine) Send(ctx context.Context, conversationID, text string) error {
	content := strings.TrimSpace(text)
	if content == "" {
		return apperrors.ErrValidation.WithMessage("消息内容不能为空")
	}
	if conversationID == "" {
		return apperrors.ErrValidation.WithMessage("未选择会话")
	}

	if _, err := e.invoker.Invoke(ctx, protocol.MethodSendMessage, conversationID, content); err != nil {
		e.logger.Warn("Failed to send message", "conversation_id", conversationID, "error", err)
		return err
	}
	return nil
}

// Messages 时间线副本
func (e *Engine) Messages(conversationID string) []model.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.timelines[conversationID]
	if !ok {
		return nil
	}
	return append([]model.Message(nil), t.messages...)
}

// Status 时间线状态：是否激活、是否已加载、最近一次加载错误
func (e *Engine) Status(conversationID string) (active, loaded bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.timelines[conversationID]
	if !ok {
		return false, false, nil
	}
	return t.active, t.loaded, t.err
}
