package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 聊天客户端指标，nil 接收者上的方法都是空操作
type Metrics struct {
	ConnectionState   prometheus.Gauge
	Reconnects        prometheus.Counter
	Invokes           *prometheus.CounterVec
	MessagesReceived  prometheus.Counter
	DuplicateMessages prometheus.Counter
	HistoryLoads      *prometheus.CounterVec
	DirectoryRefresh  *prometheus.CounterVec
}

// New 在 reg 上注册指标，reg 为 nil 时使用默认 Registerer
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		ConnectionState: f.NewGauge(prometheus.GaugeOpts{
			Name: "petchat_connection_state",
			Help: "Current hub connection state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting)",
		}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "petchat_reconnect_attempts_total",
			Help: "Total number of hub reconnect attempts",
		}),
		Invokes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "petchat_invocations_total",
			Help: "Total number of hub invocations by method and result",
		}, []string{"method", "result"}),
		MessagesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "petchat_messages_received_total",
			Help: "Total number of pushed messages merged into a timeline",
		}),
		DuplicateMessages: f.NewCounter(prometheus.CounterOpts{
			Name: "petchat_messages_duplicate_total",
			Help: "Total number of pushed messages dropped as duplicates",
		}),
		HistoryLoads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "petchat_history_loads_total",
			Help: "Total number of history loads by result",
		}, []string{"result"}),
		DirectoryRefresh: f.NewCounterVec(prometheus.CounterOpts{
			Name: "petchat_directory_refresh_total",
			Help: "Total number of conversation directory refreshes by result",
		}, []string{"result"}),
	}
}

func (m *Metrics) SetConnectionState(state int) {
	if m == nil || m.ConnectionState == nil {
		return
	}
	m.ConnectionState.Set(float64(state))
}

func (m *Metrics) RecordReconnect() {
	if m == nil || m.Reconnects == nil {
		return
	}
	m.Reconnects.Inc()
}

func (m *Metrics) RecordInvoke(method, result string) {
	if m == nil || m.Invokes == nil {
		return
	}
	m.Invokes.WithLabelValues(method, result).Inc()
}

func (m *Metrics) RecordMessage(duplicate bool) {
	if m == nil {
		return
	}
	if duplicate {
		if m.DuplicateMessages != nil {
			m.DuplicateMessages.Inc()
		}
		return
	}
	if m.MessagesReceived != nil {
		m.MessagesReceived.Inc()
	}
}

func (m *Metrics) RecordHistoryLoad(result string) {
	if m == nil || m.HistoryLoads == nil {
		return
	}
	m.HistoryLoads.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordDirectoryRefresh(result string) {
	if m == nil || m.DirectoryRefresh == nil {
		return
	}
	m.DirectoryRefresh.WithLabelValues(result).Inc()
}
