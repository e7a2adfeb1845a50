package health

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/kleqing/PetSitter-sub000/internal/connection"
)

// Status 健康状态
type Status struct {
	Service       string `json:"service"`
	Hub           string `json:"hub"`
	Directory     string `json:"directory"`
	ActiveRooms   int    `json:"activeRooms"`
	Conversations int    `json:"conversations"`
}

// StateSource Hub 连接状态
type StateSource interface {
	State() connection.State
}

// RoomLister 打开的会话
type RoomLister interface {
	Active() []string
}

// DirectoryStats 会话列表缓存状态
type DirectoryStats interface {
	Len() int
	LastError() error
}

// Checker 健康检查器
type Checker struct {
	conn  StateSource
	rooms RoomLister
	dir   DirectoryStats
}

// NewChecker 创建健康检查器，rooms 和 dir 可以为 nil
func NewChecker(conn StateSource, rooms RoomLister, dir DirectoryStats) *Checker {
	return &Checker{
		conn:  conn,
		rooms: rooms,
		dir:   dir,
	}
}

// Check 执行健康检查
func (h *Checker) Check(ctx context.Context) *Status {
	status := &Status{
		Service: "petchat",
		Hub:     connection.StateDisconnected.String(),
	}

	if h.conn != nil {
		status.Hub = h.conn.State().String()
	}

	if h.rooms != nil {
		status.ActiveRooms = len(h.rooms.Active())
	}

	// 刷新失败时列表仍可用，只是可能过期
	if h.dir != nil {
		status.Conversations = h.dir.Len()
		if h.dir.LastError() != nil {
			status.Directory = "stale"
		} else {
			status.Directory = "ok"
		}
	} else {
		status.Directory = "not configured"
	}

	return status
}

// IsHealthy 只有已连接才算健康，重连中视为不可用
func (h *Checker) IsHealthy(ctx context.Context) bool {
	status := h.Check(ctx)
	return status.Hub == connection.StateConnected.String()
}

// ServeHTTP HTTP 健康检查端点
func (h *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := h.Check(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if status.Hub != connection.StateConnected.String() {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	json.NewEncoder(w).Encode(status)
}

// ReadyHandler /ready 端点
func (h *Checker) ReadyHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.IsHealthy(r.Context()) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("OK"))
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("Not Ready"))
		}
	})
}
