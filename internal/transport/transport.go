package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var ErrClosed = errors.New("transport closed")

// Conn 双向消息通道，一次读写一个完整的帧
// ReadMessage 只允许一个 goroutine 调用，Close 会让阻塞的读返回
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(ctx context.Context, data []byte) error
	Close() error
}

// Dialer 建立到 Hub 的连接
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// DialerFunc 函数适配器
type DialerFunc func(ctx context.Context, url string, header http.Header) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	return f(ctx, url, header)
}

const (
	KindWebSocket    = "websocket"
	KindWebTransport = "webtransport"
)

// Options 传输层参数
type Options struct {
	HandshakeTimeout   time.Duration
	WriteTimeout       time.Duration
	InsecureSkipVerify bool
	MaxIdleTimeout     time.Duration
	KeepAlivePeriod    time.Duration
}

// New 按类型创建 Dialer
func New(kind string, opts Options) (Dialer, error) {
	switch kind {
	case "", KindWebSocket:
		return NewWebSocketDialer(opts), nil
	case KindWebTransport:
		return NewWebTransportDialer(opts), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}
