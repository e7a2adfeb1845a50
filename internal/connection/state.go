package connection

// State 连接状态
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// StateChange state-changed 事件负载
type StateChange struct {
	From State
	To   State
}

// Recovered 断线重连成功
func (c StateChange) Recovered() bool {
	return c.From == StateReconnecting && c.To == StateConnected
}

// Lost 离开 Connected 状态
func (c StateChange) Lost() bool {
	return c.From == StateConnected && c.To != StateConnected
}
