package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Record(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.SetConnectionState(2)
	m.RecordReconnect()
	m.RecordReconnect()
	m.RecordInvoke("SendMessage", "ok")
	m.RecordMessage(false)
	m.RecordMessage(true)
	m.RecordMessage(true)
	m.RecordHistoryLoad("error")
	m.RecordDirectoryRefresh("ok")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ConnectionState))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Reconnects))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Invokes.WithLabelValues("SendMessage", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesReceived))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DuplicateMessages))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HistoryLoads.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DirectoryRefresh.WithLabelValues("ok")))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.SetConnectionState(1)
		m.RecordReconnect()
		m.RecordInvoke("JoinConversation", "timeout")
		m.RecordMessage(true)
		m.RecordHistoryLoad("ok")
		m.RecordDirectoryRefresh("error")
	})
}
