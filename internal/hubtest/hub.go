// Package hubtest 提供测试用的内存 Hub，基于 httptest + gorilla/websocket
package hubtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/kleqing/PetSitter-sub000/internal/protocol"
)

// Invocation Hub 收到的一次调用
type Invocation struct {
	ID     string
	Method string
	Args   []json.RawMessage
	Token  string
}

// Arg 解码第 i 个参数为字符串
func (inv Invocation) Arg(i int) string {
	if i >= len(inv.Args) {
		return ""
	}
	var s string
	json.Unmarshal(inv.Args[i], &s)
	return s
}

// Responder 自定义调用结果，errMsg 非空表示 Hub 端错误
type Responder func(inv Invocation) (result any, errMsg string)

type hubConn struct {
	ws    *websocket.Conn
	token string
	mu    sync.Mutex
}

func (c *hubConn) write(f *protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Hub 测试 Hub
type Hub struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu          sync.Mutex
	conns       map[*hubConn]struct{}
	invocations []Invocation
	handshakes  int
	down        bool
	reject      string
	silent      bool
	userID      string
	responder   Responder
}

// New 启动测试 Hub
func New() *Hub {
	h := &Hub{
		conns:  make(map[*hubConn]struct{}),
		userID: "hub-user",
	}
	h.server = httptest.NewServer(http.HandlerFunc(h.serve))
	return h
}

// URL ws:// 地址
func (h *Hub) URL() string {
	return "ws" + strings.TrimPrefix(h.server.URL, "http")
}

func (h *Hub) Close() {
	h.DropAll()
	h.server.Close()
}

// SetDown 拒绝新连接（HTTP 503）
func (h *Hub) SetDown(down bool) {
	h.mu.Lock()
	h.down = down
	h.mu.Unlock()
}

// SetReject 握手确认中返回错误
func (h *Hub) SetReject(reason string) {
	h.mu.Lock()
	h.reject = reason
	h.mu.Unlock()
}

// SetSilent 收到调用后不回复
func (h *Hub) SetSilent(silent bool) {
	h.mu.Lock()
	h.silent = silent
	h.mu.Unlock()
}

// SetUserID 握手确认中返回的用户 ID
func (h *Hub) SetUserID(id string) {
	h.mu.Lock()
	h.userID = id
	h.mu.Unlock()
}

func (h *Hub) SetResponder(r Responder) {
	h.mu.Lock()
	h.responder = r
	h.mu.Unlock()
}

// Invocations 按收到顺序返回所有调用
func (h *Hub) Invocations() []Invocation {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Invocation(nil), h.invocations...)
}

// Count 指定方法的调用次数
func (h *Hub) Count(method string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, inv := range h.invocations {
		if inv.Method == method {
			n++
		}
	}
	return n
}

// Handshakes 成功握手次数
func (h *Hub) Handshakes() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.handshakes
}

// Connections 当前在线连接数
func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Push 向所有连接推送事件
func (h *Hub) Push(event string, args ...any) error {
	f, err := protocol.NewEvent(event, args...)
	if err != nil {
		return err
	}
	for _, c := range h.snapshot() {
		if err := c.write(f); err != nil {
			return err
		}
	}
	return nil
}

// Ping 向所有连接发送 ping
func (h *Hub) Ping() {
	for _, c := range h.snapshot() {
		c.write(&protocol.Frame{Type: protocol.TypePing})
	}
}

// DropAll 断开所有连接，模拟网络中断
func (h *Hub) DropAll() {
	for _, c := range h.snapshot() {
		c.ws.Close()
	}
}

func (h *Hub) snapshot() []*hubConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*hubConn, 0, len(h.conns))
	for c := range h.conns {
		out = append(out, c)
	}
	return out
}

func (h *Hub) serve(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	down := h.down
	h.mu.Unlock()
	if down {
		http.Error(w, "hub unavailable", http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	c := &hubConn{ws: ws}
	if !h.handshake(c) {
		return
	}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.conns, c)
		h.mu.Unlock()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		f, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		switch f.Type {
		case protocol.TypePing:
			c.write(&protocol.Frame{Type: protocol.TypePong})
		case protocol.TypeInvoke:
			h.handleInvoke(c, f)
		}
	}
}

func (h *Hub) handshake(c *hubConn) bool {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return false
	}
	f, err := protocol.Decode(data)
	if err != nil || f.Type != protocol.TypeHandshake {
		return false
	}

	h.mu.Lock()
	reject := h.reject
	userID := h.userID
	if reject == "" {
		h.handshakes++
	}
	h.mu.Unlock()

	if reject != "" {
		c.write(&protocol.Frame{Type: protocol.TypeHandshakeAck, Error: reject})
		return false
	}
	c.token = f.Token
	return c.write(&protocol.Frame{Type: protocol.TypeHandshakeAck, UserID: userID}) == nil
}

func (h *Hub) handleInvoke(c *hubConn, f *protocol.Frame) {
	inv := Invocation{ID: f.ID, Method: f.Method, Args: f.Args, Token: c.token}

	h.mu.Lock()
	h.invocations = append(h.invocations, inv)
	silent := h.silent
	responder := h.responder
	h.mu.Unlock()

	if silent {
		return
	}

	reply := &protocol.Frame{Type: protocol.TypeResult, ID: f.ID}
	if responder != nil {
		result, errMsg := responder(inv)
		if errMsg != "" {
			reply.Error = errMsg
		} else if result != nil {
			data, err := json.Marshal(result)
			if err != nil {
				reply.Error = err.Error()
			} else {
				reply.Result = data
			}
		}
	}
	c.write(reply)
}
