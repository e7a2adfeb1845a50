package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	apperrors "github.com/kleqing/PetSitter-sub000/internal/errors"
	"github.com/kleqing/PetSitter-sub000/internal/metrics"
	"github.com/kleqing/PetSitter-sub000/internal/protocol"
	"github.com/kleqing/PetSitter-sub000/internal/session"
	"github.com/kleqing/PetSitter-sub000/internal/transport"
	"github.com/kleqing/PetSitter-sub000/internal/workerpool"
)

var (
	ErrAlreadyStarted    = errors.New("connection already started")
	ErrHandshakeRejected = errors.New("handshake rejected")
	ErrDisconnected      = errors.New("disconnected by client")
)

// Options 连接管理器参数
type Options struct {
	URL               string
	HandshakeTimeout  time.Duration
	InvokeTimeout     time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	Reconnect         ReconnectPolicy
	EventQueueSize    int

	Clock   clock.Clock
	Metrics *metrics.Metrics
}

func (o *Options) setDefaults() {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.InvokeTimeout <= 0 {
		o.InvokeTimeout = 10 * time.Second
	}
	if o.EventQueueSize <= 0 {
		o.EventQueueSize = 1024
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	o.Reconnect.setDefaults()
}

// Manager 到消息 Hub 的唯一长连接，所有会话视图共享
type Manager struct {
	dialer  transport.Dialer
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics
	clock   clock.Clock

	mu              sync.Mutex
	state           State
	sess            *session.Session
	link            *link
	cancelReconnect context.CancelFunc

	// emitMu 保证状态事件按迁移顺序进入事件循环
	emitMu sync.Mutex
	subs   *registry
	events *workerpool.Pool
}

func NewManager(dialer transport.Dialer, opts Options, logger *slog.Logger) *Manager {
	opts.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "connection")

	m := &Manager{
		dialer:  dialer,
		opts:    opts,
		logger:  logger,
		metrics: opts.Metrics,
		clock:   opts.Clock,
		state:   StateDisconnected,
		subs:    newRegistry(),
		events:  workerpool.NewSerial("hub-events", opts.EventQueueSize, logger),
	}
	m.metrics.SetConnectionState(int(StateDisconnected))
	return m
}

// State 当前状态
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// UserID 握手时 Hub 确认的用户 ID
func (m *Manager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.link != nil && m.link.userID != "" {
		return m.link.userID
	}
	if m.sess != nil {
		return m.sess.UserID
	}
	return ""
}

// Connect 建立连接并完成握手，只能从 Disconnected 发起
// 失败返回 ErrConnection 并回到 Disconnected，本层不重试
func (m *Manager) Connect(ctx context.Context, sess *session.Session) error {
	if sess == nil {
		return apperrors.ErrConnection.Wrap(errors.New("nil session"))
	}

	m.mu.Lock()
	if m.state != StateDisconnected {
		state := m.state
		m.mu.Unlock()
		return apperrors.ErrConnection.Wrap(fmt.Errorf("%w: state %s", ErrAlreadyStarted, state))
	}
	m.sess = sess
	change := m.setStateLocked(StateConnecting)
	m.emitStateLocked(change)

	l, err := m.dial(ctx, sess)

	m.mu.Lock()
	if err != nil {
		if m.state == StateConnecting {
			m.emitStateLocked(m.setStateLocked(StateDisconnected))
		} else {
			m.mu.Unlock()
		}
		m.logger.Warn("Failed to connect to hub", "url", m.opts.URL, "error", err)
		return apperrors.ErrConnection.Wrap(err)
	}
	if m.state != StateConnecting {
		// Disconnect 在握手期间被调用
		m.mu.Unlock()
		l.close(apperrors.ErrConnection.Wrap(ErrDisconnected))
		return apperrors.ErrConnection.Wrap(ErrDisconnected)
	}
	m.attachLocked(l)
	m.emitStateLocked(m.setStateLocked(StateConnected))

	m.logger.Info("Connected to hub", "url", m.opts.URL, "user_id", l.userID)
	return nil
}

// Disconnect 主动断开，停止重连，这是唯一的终止路径
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.cancelReconnect != nil {
		m.cancelReconnect()
		m.cancelReconnect = nil
	}
	l := m.link
	m.link = nil
	if m.state == StateDisconnected {
		m.mu.Unlock()
	} else {
		m.emitStateLocked(m.setStateLocked(StateDisconnected))
	}

	if l != nil {
		l.close(apperrors.ErrConnection.Wrap(ErrDisconnected))
		m.logger.Info("Disconnected from hub")
	}
}

// Close 断开连接并停止事件循环
func (m *Manager) Close() {
	m.Disconnect()
	m.events.Shutdown()
}

// Invoke 调用 Hub 方法并等待结果
func (m *Manager) Invoke(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	m.mu.Lock()
	l := m.link
	state := m.state
	m.mu.Unlock()

	if state != StateConnected || l == nil {
		m.metrics.RecordInvoke(method, "not_connected")
		return nil, apperrors.ErrNotConnected
	}

	id := uuid.NewString()
	frame, err := protocol.NewInvoke(id, method, args...)
	if err != nil {
		return nil, apperrors.ErrValidation.Wrap(err)
	}

	ch, err := l.register(id)
	if err != nil {
		m.metrics.RecordInvoke(method, "error")
		return nil, apperrors.ErrConnection.Wrap(err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.opts.InvokeTimeout)
	defer cancel()

	if err := l.send(ctx, frame); err != nil {
		l.unregister(id)
		m.metrics.RecordInvoke(method, "error")
		return nil, apperrors.ErrConnection.Wrap(err)
	}

	select {
	case r := <-ch:
		if r.err != nil {
			m.metrics.RecordInvoke(method, "error")
			return nil, r.err
		}
		if r.frame.Error != "" {
			m.metrics.RecordInvoke(method, "failed")
			return nil, apperrors.ErrInvokeFailed.Wrap(errors.New(r.frame.Error))
		}
		m.metrics.RecordInvoke(method, "ok")
		return r.frame.Result, nil
	case <-ctx.Done():
		l.unregister(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			m.metrics.RecordInvoke(method, "timeout")
			return nil, apperrors.ErrInvokeTimeout.Wrap(fmt.Errorf("%s: %w", method, ctx.Err()))
		}
		m.metrics.RecordInvoke(method, "canceled")
		return nil, ctx.Err()
	}
}

// dial 建立传输并完成握手
func (m *Manager) dial(ctx context.Context, sess *session.Session) (*link, error) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.HandshakeTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", sess.AuthorizationHeader())

	conn, err := m.dialer.Dial(ctx, m.opts.URL, header)
	if err != nil {
		return nil, err
	}

	data, err := protocol.Encode(&protocol.Frame{Type: protocol.TypeHandshake, Token: sess.Token})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.WriteMessage(ctx, data); err != nil {
		conn.Close()
		return nil, err
	}

	// 首帧必须是握手确认
	type readResult struct {
		data []byte
		err  error
	}
	first := make(chan readResult, 1)
	go func() {
		data, err := conn.ReadMessage()
		first <- readResult{data: data, err: err}
	}()

	var r readResult
	select {
	case r = <-first:
	case <-ctx.Done():
		conn.Close()
		return nil, fmt.Errorf("handshake: %w", ctx.Err())
	}
	if r.err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake: %w", r.err)
	}

	ack, err := protocol.Decode(r.data)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if ack.Type != protocol.TypeHandshakeAck {
		conn.Close()
		return nil, fmt.Errorf("handshake: unexpected frame %s", ack.Type)
	}
	if ack.Error != "" {
		conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrHandshakeRejected, ack.Error)
	}

	userID := ack.UserID
	if userID == "" {
		userID = sess.UserID
	}
	return newLink(conn, userID, m.clock.Now()), nil
}

// attachLocked 启用新 link 的读循环和心跳
func (m *Manager) attachLocked(l *link) {
	m.link = l
	go m.readLoop(l)

	if m.opts.HeartbeatInterval > 0 {
		hbCtx, cancel := context.WithCancel(context.Background())
		go func() {
			<-l.done()
			cancel()
		}()
		hb := NewHeartbeatChecker(m.opts.HeartbeatInterval, m.opts.HeartbeatTimeout, m.clock, m.logger,
			func(ctx context.Context) error {
				return l.send(ctx, &protocol.Frame{Type: protocol.TypePing})
			},
			l.LastActiveTime,
			func() {
				l.conn.Close()
			},
		)
		go hb.Start(hbCtx)
	}
}

// readLoop 读取帧直到传输出错
func (m *Manager) readLoop(l *link) {
	for {
		data, err := l.conn.ReadMessage()
		if err != nil {
			m.handleDrop(l, err)
			return
		}
		l.touch(m.clock.Now())

		f, err := protocol.Decode(data)
		if err != nil {
			m.logger.Warn("Failed to decode frame", "error", err)
			continue
		}

		switch f.Type {
		case protocol.TypeResult:
			if !l.resolve(f) {
				m.logger.Debug("Result for unknown invocation", "id", f.ID)
			}
		case protocol.TypeEvent:
			m.dispatch(f)
		case protocol.TypePing:
			if err := l.send(context.Background(), &protocol.Frame{Type: protocol.TypePong}); err != nil {
				m.logger.Debug("Failed to send pong", "error", err)
			}
		case protocol.TypePong:
		default:
			m.logger.Debug("Unexpected frame", "type", f.Type)
		}
	}
}

// dispatch 把 Hub 事件转换为对外事件
func (m *Manager) dispatch(f *protocol.Frame) {
	switch f.Method {
	case protocol.EventReceiveMessage:
		msg, err := protocol.DecodeMessage(f.Args)
		if err != nil {
			m.logger.Warn("Failed to decode message event", "error", err)
			return
		}
		m.emit(EventMessageReceived, msg)
	case protocol.EventReceiveTypingStatus:
		sig, err := protocol.DecodeTypingStatus(f.Args)
		if err != nil {
			m.logger.Warn("Failed to decode typing event", "error", err)
			return
		}
		m.emit(EventTypingChanged, sig)
	case protocol.EventUserJoined, protocol.EventUserLeft, protocol.EventUserOnline, protocol.EventUserOffline:
		change, err := protocol.DecodePresence(f.Method, f.Args)
		if err != nil {
			m.logger.Warn("Failed to decode presence event", "error", err)
			return
		}
		m.emit(EventPresenceChanged, change)
	default:
		m.logger.Debug("Unknown hub event", "event", f.Method)
	}
}

// handleDrop 传输断开：当前 link 断开时进入 Reconnecting
func (m *Manager) handleDrop(l *link, cause error) {
	l.close(apperrors.ErrConnection.Wrap(cause))

	m.mu.Lock()
	if m.link != l {
		m.mu.Unlock()
		return
	}
	m.link = nil
	if m.state != StateConnected {
		m.mu.Unlock()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancelReconnect = cancel
	sess := m.sess
	m.emitStateLocked(m.setStateLocked(StateReconnecting))

	m.logger.Warn("Hub connection lost, reconnecting", "error", cause)
	go m.reconnectLoop(ctx, sess)
}

func (m *Manager) setStateLocked(to State) StateChange {
	change := StateChange{From: m.state, To: to}
	m.state = to
	m.metrics.SetConnectionState(int(to))
	return change
}

// emitStateLocked 释放 mu 后投递状态事件，emitMu 保证与迁移顺序一致
func (m *Manager) emitStateLocked(change StateChange) {
	m.emitMu.Lock()
	m.mu.Unlock()
	defer m.emitMu.Unlock()

	if change.From == change.To {
		return
	}
	m.logger.Debug("Connection state changed", "from", change.From, "to", change.To)
	m.emit(EventStateChanged, change)
}
