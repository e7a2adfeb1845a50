package connection

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kleqing/PetSitter-sub000/internal/session"
)

// ReconnectPolicy 指数退避重连策略，MaxElapsedTime 耗尽后放弃并回到 Disconnected
type ReconnectPolicy struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
	MaxElapsedTime      time.Duration
}

func (p *ReconnectPolicy) setDefaults() {
	if p.InitialInterval <= 0 {
		p.InitialInterval = 500 * time.Millisecond
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = 30 * time.Second
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	if p.RandomizationFactor < 0 || p.RandomizationFactor >= 1 {
		p.RandomizationFactor = backoff.DefaultRandomizationFactor
	}
	if p.MaxElapsedTime <= 0 {
		p.MaxElapsedTime = 5 * time.Minute
	}
}

func (m *Manager) newBackOff() *backoff.ExponentialBackOff {
	p := m.opts.Reconnect
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.RandomizationFactor
	b.MaxElapsedTime = p.MaxElapsedTime
	b.Clock = m.clock
	b.Reset()
	return b
}

// reconnectLoop 按退避策略重连，成功后 Reconnecting -> Connected
// 会话房间由 room.Coordinator 监听状态事件后重新加入，本层不处理
func (m *Manager) reconnectLoop(ctx context.Context, sess *session.Session) {
	b := m.newBackOff()
	attempt := 0

	for {
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			m.giveUp(ctx, attempt)
			return
		}

		timer := m.clock.Timer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		attempt++
		m.metrics.RecordReconnect()
		l, err := m.dial(ctx, sess)
		if err != nil {
			m.logger.Warn("Reconnect attempt failed",
				"attempt", attempt,
				"elapsed", b.GetElapsedTime(),
				"error", err)
			continue
		}

		m.mu.Lock()
		if ctx.Err() != nil || m.state != StateReconnecting {
			m.mu.Unlock()
			l.close(ErrDisconnected)
			return
		}
		m.cancelReconnect = nil
		m.attachLocked(l)
		m.emitStateLocked(m.setStateLocked(StateConnected))

		m.logger.Info("Reconnected to hub", "attempt", attempt)
		return
	}
}

// giveUp 重连策略耗尽
func (m *Manager) giveUp(ctx context.Context, attempts int) {
	m.mu.Lock()
	if ctx.Err() != nil || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.cancelReconnect = nil
	m.emitStateLocked(m.setStateLocked(StateDisconnected))

	m.logger.Error("Reconnect gave up", "attempts", attempts)
}
