package connection

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
)

// HeartbeatChecker 客户端心跳：定时发送 ping，超过 timeout 没有收到任何帧则判定断线
type HeartbeatChecker struct {
	interval   time.Duration
	timeout    time.Duration
	clock      clock.Clock
	logger     *slog.Logger
	ping       func(ctx context.Context) error
	lastActive func() time.Time
	onTimeout  func() // 超时回调
}

// NewHeartbeatChecker 创建心跳检测器
func NewHeartbeatChecker(interval, timeout time.Duration, clk clock.Clock, logger *slog.Logger,
	ping func(ctx context.Context) error, lastActive func() time.Time, onTimeout func()) *HeartbeatChecker {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if timeout <= 0 {
		timeout = 3 * interval
	}
	if clk == nil {
		clk = clock.New()
	}

	return &HeartbeatChecker{
		interval:   interval,
		timeout:    timeout,
		clock:      clk,
		logger:     logger,
		ping:       ping,
		lastActive: lastActive,
		onTimeout:  onTimeout,
	}
}

// Start 启动心跳（阻塞，应在 goroutine 中调用），超时后返回
func (h *HeartbeatChecker) Start(ctx context.Context) {
	ticker := h.clock.Ticker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if h.check(ctx) {
				return
			}
		}
	}
}

// check 返回 true 表示已超时
func (h *HeartbeatChecker) check(ctx context.Context) bool {
	lastActive := h.lastActive()
	if idle := h.clock.Now().Sub(lastActive); idle > h.timeout {
		h.logger.Warn("Hub heartbeat timeout",
			"last_active", lastActive,
			"timeout", h.timeout)
		if h.onTimeout != nil {
			h.onTimeout()
		}
		return true
	}

	pingCtx, cancel := context.WithTimeout(ctx, h.interval)
	defer cancel()
	if err := h.ping(pingCtx); err != nil {
		h.logger.Debug("Failed to send ping", "error", err)
	}
	return false
}
