package room

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kleqing/PetSitter-sub000/internal/connection"
	"github.com/kleqing/PetSitter-sub000/internal/protocol"
)

// Invoker Hub 调用
type Invoker interface {
	Invoke(ctx context.Context, method string, args ...any) (json.RawMessage, error)
}

// Coordinator 维护会话房间的加入状态
// active 是界面打开的会话，joined 是当前连接上已成功加入的房间
type Coordinator struct {
	invoker       Invoker
	logger        *slog.Logger
	rejoinTimeout time.Duration

	mu      sync.Mutex
	active  map[string]struct{}
	joined  map[string]struct{}
	joining map[string]uint64 // conversationID -> 发起加入时的连接代数
	epoch   uint64            // 每次断线加一
	wg      sync.WaitGroup
}

func NewCoordinator(invoker Invoker, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		invoker:       invoker,
		logger:        logger.With("component", "room"),
		rejoinTimeout: 30 * time.Second,
		active:        make(map[string]struct{}),
		joined:        make(map[string]struct{}),
		joining:       make(map[string]uint64),
	}
}

// Activate 打开会话并加入房间，已加入或正在加入时不重复调用
// 加入失败只记录日志，会话以降级模式继续（不接收实时推送）
func (c *Coordinator) Activate(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	c.active[conversationID] = struct{}{}
	c.mu.Unlock()

	return c.join(ctx, conversationID)
}

// Deactivate 关闭会话并离开房间
func (c *Coordinator) Deactivate(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	delete(c.active, conversationID)
	_, wasJoined := c.joined[conversationID]
	delete(c.joined, conversationID)
	c.mu.Unlock()

	if !wasJoined {
		return nil
	}
	if _, err := c.invoker.Invoke(ctx, protocol.MethodLeaveConversation, conversationID); err != nil {
		c.logger.Warn("Failed to leave conversation", "conversation_id", conversationID, "error", err)
		return err
	}
	return nil
}

// Switch 先离开旧会话再加入新会话
func (c *Coordinator) Switch(ctx context.Context, from, to string) error {
	if from != "" && from != to {
		c.Deactivate(ctx, from)
	}
	if to == "" {
		return nil
	}
	return c.Activate(ctx, to)
}

// join 已加入或在当前连接上正在加入时直接返回
// 断线前发起的加入不算数，重连后会重新发起
func (c *Coordinator) join(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	_, joined := c.joined[conversationID]
	started, joining := c.joining[conversationID]
	if joined || (joining && started == c.epoch) {
		c.mu.Unlock()
		return nil
	}
	epoch := c.epoch
	c.joining[conversationID] = epoch
	c.mu.Unlock()

	_, err := c.invoker.Invoke(ctx, protocol.MethodJoinConversation, conversationID)

	c.mu.Lock()
	if c.joining[conversationID] == epoch {
		delete(c.joining, conversationID)
	}
	if err != nil {
		c.mu.Unlock()
		c.logger.Warn("Failed to join conversation", "conversation_id", conversationID, "error", err)
		return err
	}
	if epoch != c.epoch {
		// 加入的是已断开的连接
		c.mu.Unlock()
		return nil
	}
	_, stillActive := c.active[conversationID]
	if stillActive {
		c.joined[conversationID] = struct{}{}
	}
	c.mu.Unlock()

	// 调用期间会话已被关闭
	if !stillActive {
		if _, err := c.invoker.Invoke(ctx, protocol.MethodLeaveConversation, conversationID); err != nil {
			c.logger.Warn("Failed to leave conversation", "conversation_id", conversationID, "error", err)
		}
	}
	return nil
}

// HandleStateChange 连接状态变化：断线清空已加入集合，重连成功后重新加入所有打开的会话
func (c *Coordinator) HandleStateChange(change connection.StateChange) {
	switch change.To {
	case connection.StateReconnecting, connection.StateDisconnected:
		c.mu.Lock()
		c.joined = make(map[string]struct{})
		c.epoch++
		c.mu.Unlock()
	case connection.StateConnected:
		if !change.Recovered() {
			return
		}
		rooms := c.Active()
		if len(rooms) == 0 {
			return
		}
		c.logger.Info("Rejoining conversations after reconnect", "count", len(rooms))

		// 事件循环中不阻塞等待 Hub 回复
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), c.rejoinTimeout)
			defer cancel()
			for _, id := range rooms {
				c.join(ctx, id)
			}
		}()
	}
}

// Active 打开的会话
func (c *Coordinator) Active() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.active))
	for id := range c.active {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// IsJoined 是否已在当前连接上加入房间
func (c *Coordinator) IsJoined(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.joined[conversationID]
	return ok
}

// Wait 等待进行中的重新加入完成
func (c *Coordinator) Wait() {
	c.wg.Wait()
}
