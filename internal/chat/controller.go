package chat

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/kleqing/PetSitter-sub000/internal/api"
	"github.com/kleqing/PetSitter-sub000/internal/connection"
	"github.com/kleqing/PetSitter-sub000/internal/directory"
	apperrors "github.com/kleqing/PetSitter-sub000/internal/errors"
	"github.com/kleqing/PetSitter-sub000/internal/metrics"
	"github.com/kleqing/PetSitter-sub000/internal/model"
	"github.com/kleqing/PetSitter-sub000/internal/presence"
	"github.com/kleqing/PetSitter-sub000/internal/room"
	"github.com/kleqing/PetSitter-sub000/internal/session"
	"github.com/kleqing/PetSitter-sub000/internal/stream"
)

// API 聊天相关的 REST 接口
type API interface {
	ListConversations(ctx context.Context) ([]model.Conversation, error)
	Messages(ctx context.Context, conversationID string) ([]model.Message, error)
	CreateConversation(ctx context.Context, req api.CreateConversationRequest) (*model.Conversation, error)
}

// Options 控制器参数
type Options struct {
	PollInterval time.Duration // 会话列表轮询间隔，<=0 不轮询
	Typing       presence.Options
	Clock        clock.Clock // 会话列表轮询用，nil 使用系统时钟
	Metrics      *metrics.Metrics
}

// Controller 面向界面的聊天入口，持有唯一的当前会话
type Controller struct {
	conn   *connection.Manager
	api    API
	sess   *session.Session
	logger *slog.Logger

	stream  *stream.Engine
	dir     *directory.Directory
	tracker *presence.Tracker
	rooms   *room.Coordinator

	mu     sync.Mutex
	active string
	cancel context.CancelFunc
	wg     sync.WaitGroup
	subs   []connection.Subscription
}

func New(conn *connection.Manager, client API, sess *session.Session, opts Options, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Controller{
		conn:    conn,
		api:     client,
		sess:    sess,
		logger:  logger.With("component", "chat"),
		stream:  stream.NewEngine(client, conn, logger, opts.Metrics),
		dir:     directory.New(client, sess.UserID, directory.Options{PollInterval: opts.PollInterval, Clock: opts.Clock}, logger, opts.Metrics),
		tracker: presence.NewTracker(conn, sess.UserID, opts.Typing, logger),
		rooms:   room.NewCoordinator(conn, logger),
	}
	c.bind()
	return c
}

// bind 订阅连接事件，处理函数都在连接的串行事件循环中执行
func (c *Controller) bind() {
	c.subs = append(c.subs,
		c.conn.OnMessage(func(msg model.Message) {
			c.stream.HandleReceived(msg)
			c.dir.ApplyMessage(msg)
		}),
		c.conn.OnTyping(func(sig model.TypingSignal) {
			if sig.ConversationID == "" {
				sig.ConversationID = c.Active()
			}
			c.tracker.OnTypingChanged(sig)
		}),
		c.conn.OnPresence(func(change model.PresenceChange) {
			c.tracker.SetPresence(change)
			c.dir.ApplyPresence(change)
		}),
		c.conn.OnStateChange(func(change connection.StateChange) {
			c.rooms.HandleStateChange(change)
			if change.Recovered() {
				c.dir.RequestRefresh()
			}
		}),
	)

	c.tracker.OnTyping(func(sig model.TypingSignal) {
		c.dir.ApplyTyping(sig.ConversationID, c.tracker.IsTyping(sig.ConversationID))
	})
}

// Start 建立连接并加载会话列表
// 会话列表加载失败不影响连接，后台轮询会继续重试
func (c *Controller) Start(ctx context.Context) error {
	if err := c.conn.Connect(ctx, c.sess); err != nil {
		return err
	}

	if err := c.dir.Refresh(ctx); err != nil {
		c.logger.Warn("Initial conversation list unavailable", "error", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.dir.Run(runCtx)
	}()

	c.logger.Info("Chat started", "user_id", c.sess.UserID, "conversations", c.dir.Len())
	return nil
}

// Stop 停止后台任务并断开连接
func (c *Controller) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	for _, sub := range c.subs {
		c.conn.Off(sub)
	}
	c.tracker.Close()
	c.conn.Close()
	c.rooms.Wait()
	c.logger.Info("Chat stopped")
}

// Open 切换到会话：先离开旧房间再加入新房间，然后加载历史
// 加入房间失败时仍加载历史（没有实时推送的降级模式）
func (c *Controller) Open(ctx context.Context, conversationID string) ([]model.Message, error) {
	if conversationID == "" {
		return nil, apperrors.ErrValidation.WithMessage("会话 ID 不能为空")
	}

	c.mu.Lock()
	prev := c.active
	c.active = conversationID
	c.mu.Unlock()

	if prev != "" && prev != conversationID {
		c.stream.Deactivate(prev)
		c.tracker.NotifyTypingStopped(ctx, prev)
	}
	c.dir.SetViewing(conversationID)

	if err := c.rooms.Switch(ctx, prev, conversationID); err != nil {
		c.logger.Warn("Live updates unavailable for conversation", "conversation_id", conversationID, "error", err)
	}

	return c.stream.LoadHistory(ctx, conversationID)
}

// Close 关闭当前会话
func (c *Controller) Close(ctx context.Context) {
	c.mu.Lock()
	prev := c.active
	c.active = ""
	c.mu.Unlock()

	if prev == "" {
		return
	}
	c.stream.Deactivate(prev)
	c.tracker.NotifyTypingStopped(ctx, prev)
	c.dir.SetViewing("")
	c.rooms.Deactivate(ctx, prev)
}

// Send 在当前会话发送消息，成功后结束输入状态
func (c *Controller) Send(ctx context.Context, text string) error {
	active := c.Active()
	if active == "" {
		return apperrors.ErrValidation.WithMessage("未选择会话")
	}
	if err := c.stream.Send(ctx, active, text); err != nil {
		return err
	}
	c.tracker.NotifyTypingStopped(ctx, active)
	return nil
}

// Typing 输入框每次变化时调用，没有当前会话时忽略
func (c *Controller) Typing(ctx context.Context) error {
	active := c.Active()
	if active == "" {
		return nil
	}
	return c.tracker.NotifyTypingStarted(ctx, active)
}

// StartConversation 与服务商家开始会话（已存在则返回已有会话）并打开
func (c *Controller) StartConversation(ctx context.Context, participantID, serviceID string) (*model.Conversation, []model.Message, error) {
	participantID = strings.TrimSpace(participantID)
	if participantID == "" {
		return nil, nil, apperrors.ErrValidation.WithMessage("对方用户 ID 不能为空")
	}
	if participantID == c.sess.UserID {
		return nil, nil, apperrors.ErrValidation.WithMessage("不能与自己发起会话")
	}

	conv, err := c.api.CreateConversation(ctx, api.CreateConversationRequest{
		ParticipantID: participantID,
		ServiceID:     serviceID,
	})
	if err != nil {
		c.logger.Warn("Failed to start conversation", "participant_id", participantID, "error", err)
		return nil, nil, apperrors.ErrDirectoryUnavailable.Wrap(err)
	}
	c.dir.Upsert(*conv)

	msgs, err := c.Open(ctx, conv.ID)
	return conv, msgs, err
}

// Active 当前会话 ID，没有打开的会话时为空
func (c *Controller) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Controller) Connection() *connection.Manager { return c.conn }
func (c *Controller) Directory() *directory.Directory { return c.dir }
func (c *Controller) Stream() *stream.Engine { return c.stream }
func (c *Controller) Tracker() *presence.Tracker { return c.tracker }
func (c *Controller) Rooms() *room.Coordinator { return c.rooms }
