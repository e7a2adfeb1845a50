package connection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kleqing/PetSitter-sub000/internal/protocol"
	"github.com/kleqing/PetSitter-sub000/internal/transport"
)

var ErrLinkClosed = errors.New("link closed")

// reply 调用结果
type reply struct {
	frame *protocol.Frame
	err   error
}

// link 一次成功握手后的传输连接
// 断线后整个 link 作废，重连会创建新的 link
type link struct {
	conn       transport.Conn
	userID     string
	pending    map[string]chan reply
	mu         sync.Mutex
	closed     bool
	closeChan  chan struct{}
	closeOnce  sync.Once
	lastActive atomic.Int64
}

func newLink(conn transport.Conn, userID string, now time.Time) *link {
	l := &link{
		conn:      conn,
		userID:    userID,
		pending:   make(map[string]chan reply),
		closeChan: make(chan struct{}),
	}
	l.touch(now)
	return l
}

// touch 收到任意帧都视为活跃
func (l *link) touch(now time.Time) {
	l.lastActive.Store(now.UnixNano())
}

func (l *link) LastActiveTime() time.Time {
	return time.Unix(0, l.lastActive.Load())
}

// register 登记一个等待结果的调用
func (l *link) register(id string) (chan reply, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrLinkClosed
	}
	ch := make(chan reply, 1)
	l.pending[id] = ch
	return ch, nil
}

func (l *link) unregister(id string) {
	l.mu.Lock()
	delete(l.pending, id)
	l.mu.Unlock()
}

// resolve 交付调用结果，未知 id（已超时）直接忽略
func (l *link) resolve(f *protocol.Frame) bool {
	l.mu.Lock()
	ch, ok := l.pending[f.ID]
	delete(l.pending, f.ID)
	l.mu.Unlock()
	if !ok {
		return false
	}
	ch <- reply{frame: f}
	return true
}

func (l *link) send(ctx context.Context, f *protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	return l.conn.WriteMessage(ctx, data)
}

// close 关闭传输并让所有未完成的调用以 cause 失败
func (l *link) close(cause error) {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		pending := l.pending
		l.pending = make(map[string]chan reply)
		l.mu.Unlock()

		for _, ch := range pending {
			ch <- reply{err: cause}
		}
		close(l.closeChan)
		l.conn.Close()
	})
}

func (l *link) done() <-chan struct{} {
	return l.closeChan
}
