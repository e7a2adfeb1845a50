package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"sync"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/webtransport-go"

	"github.com/kleqing/PetSitter-sub000/internal/protocol"
)

// WebTransportDialer 基于 HTTP/3 WebTransport 的 Dialer
// 整个连接只使用一个双向流，帧格式见 protocol.WriteFrame
type WebTransportDialer struct {
	dialer *webtransport.Dialer
}

func NewWebTransportDialer(opts Options) *WebTransportDialer {
	return &WebTransportDialer{
		dialer: &webtransport.Dialer{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: opts.InsecureSkipVerify,
				NextProtos:         []string{"h3"},
				MinVersion:         tls.VersionTLS13,
			},
			QUICConfig: &quic.Config{
				MaxIdleTimeout:  opts.MaxIdleTimeout,
				KeepAlivePeriod: opts.KeepAlivePeriod,
				EnableDatagrams: true, // WebTransport 需要启用数据报支持
			},
		},
	}
}

func (d *WebTransportDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	rsp, sess, err := d.dialer.Dial(ctx, url, header)
	if err != nil {
		return nil, err
	}
	if rsp != nil && rsp.StatusCode >= 300 {
		sess.CloseWithError(0, "bad status")
		return nil, fmt.Errorf("webtransport upgrade failed: %s", rsp.Status)
	}

	stream, err := sess.OpenStreamSync(ctx)
	if err != nil {
		sess.CloseWithError(0, "open stream failed")
		return nil, err
	}
	return &wtConn{session: sess, stream: stream}, nil
}

type wtConn struct {
	session   *webtransport.Session
	stream    webtransport.Stream
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (c *wtConn) ReadMessage() ([]byte, error) {
	msgType, body, err := protocol.ReadFrame(c.stream)
	if err != nil {
		return nil, err
	}
	if msgType != protocol.MsgTypeFrame {
		return nil, fmt.Errorf("%w: unexpected msg type %d", protocol.ErrMalformedFrame, msgType)
	}
	return body, nil
}

func (c *wtConn) WriteMessage(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if d, ok := ctx.Deadline(); ok {
		c.stream.SetWriteDeadline(d)
	}
	return protocol.WriteFrame(c.stream, protocol.MsgTypeFrame, data)
}

func (c *wtConn) Close() error {
	c.closeOnce.Do(func() {
		c.stream.Close()
		c.closeErr = c.session.CloseWithError(0, "connection closed")
	})
	return c.closeErr
}
