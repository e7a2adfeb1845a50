package stream

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kleqing/PetSitter-sub000/internal/errors"
	"github.com/kleqing/PetSitter-sub000/internal/model"
	"github.com/kleqing/PetSitter-sub000/internal/protocol"
)

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func msgAt(id string, offset time.Duration) model.Message {
	return model.Message{ID: id, ConversationID: "c1", SenderID: "u2", Content: id, SentAt: t0.Add(offset)}
}

func ids(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

// fakeHistory 可控的历史消息来源
type fakeHistory struct {
	mu      sync.Mutex
	results map[string][]model.Message
	err     error
	gate    chan struct{} // 非 nil 时阻塞到关闭
	calls   int
}

func (f *fakeHistory) Messages(ctx context.Context, conversationID string) ([]model.Message, error) {
	f.mu.Lock()
	f.calls++
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]model.Message(nil), f.results[conversationID]...), nil
}

// fakeInvoker 记录 Hub 调用
type fakeInvoker struct {
	mu    sync.Mutex
	calls [][]any
	err   error
}

func (f *fakeInvoker) Invoke(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]any{method}, args...))
	return nil, f.err
}

func (f *fakeInvoker) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestEngine_HistoryThenDuplicateThenOutOfOrder(t *testing.T) {
	history := &fakeHistory{results: map[string][]model.Message{
		"c1": {msgAt("m2", 2*time.Second), msgAt("m1", time.Second)},
	}}
	e := NewEngine(history, &fakeInvoker{}, nil, nil)

	var updates []Update
	e.Subscribe(func(u Update) { updates = append(updates, u) })

	msgs, err := e.LoadHistory(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, ids(msgs))

	assert.False(t, e.HandleReceived(msgAt("m2", 2*time.Second)), "duplicate must be dropped")
	assert.Len(t, e.Messages("c1"), 2)

	assert.True(t, e.HandleReceived(msgAt("m3", 1500*time.Millisecond)))
	assert.Equal(t, []string{"m1", "m3", "m2"}, ids(e.Messages("c1")))

	assert.True(t, e.HandleReceived(msgAt("m4", 3*time.Second)))

	require.Len(t, updates, 3)
	assert.Equal(t, UpdateInitial, updates[0].Kind)
	assert.Equal(t, UpdateInserted, updates[1].Kind)
	assert.Equal(t, 1, updates[1].Index)
	assert.Equal(t, UpdateAppended, updates[2].Kind)
	assert.Equal(t, "m4", updates[2].Message.ID)
}

func TestEngine_DuplicatesCollapseAndOrderHolds(t *testing.T) {
	e := NewEngine(&fakeHistory{}, &fakeInvoker{}, nil, nil)
	_, err := e.LoadHistory(context.Background(), "c1")
	require.NoError(t, err)

	r := rand.New(rand.NewSource(42))
	var stream []model.Message
	for i := 0; i < 50; i++ {
		m := msgAt(string(rune('a'+i%26))+string(rune('a'+i/26)), time.Duration(r.Intn(20))*time.Second)
		stream = append(stream, m)
		if r.Intn(3) == 0 {
			stream = append(stream, m) // 重连后的重复投递
		}
	}
	r.Shuffle(len(stream), func(i, j int) { stream[i], stream[j] = stream[j], stream[i] })

	for _, m := range stream {
		e.HandleReceived(m)
	}

	got := e.Messages("c1")
	seen := make(map[string]bool)
	for i, m := range got {
		assert.False(t, seen[m.ID], "duplicate id %s", m.ID)
		seen[m.ID] = true
		if i > 0 {
			assert.False(t, m.SentAt.Before(got[i-1].SentAt), "timeline not ordered at %d", i)
		}
	}
	assert.Len(t, got, 50)
}

func TestEngine_LiveMessageDuringLoadIsMerged(t *testing.T) {
	history := &fakeHistory{
		results: map[string][]model.Message{"c1": {msgAt("m1", time.Second), msgAt("m2", 2*time.Second)}},
		gate:    make(chan struct{}),
	}
	e := NewEngine(history, &fakeInvoker{}, nil, nil)

	var updates []Update
	var mu sync.Mutex
	e.Subscribe(func(u Update) {
		mu.Lock()
		updates = append(updates, u)
		mu.Unlock()
	})

	done := make(chan []model.Message, 1)
	go func() {
		msgs, _ := e.LoadHistory(context.Background(), "c1")
		done <- msgs
	}()

	require.Eventually(t, func() bool {
		active, _, _ := e.Status("c1")
		return active
	}, time.Second, time.Millisecond)

	// 推送的 m2 与历史重复，m3 是新消息
	e.HandleReceived(msgAt("m2", 2*time.Second))
	e.HandleReceived(msgAt("m3", 3*time.Second))
	close(history.gate)

	msgs := <-done
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(msgs))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, updates, 1, "live messages before load completion ride along with the initial update")
	assert.Equal(t, UpdateInitial, updates[0].Kind)
}

func TestEngine_LoadHistoryFailure(t *testing.T) {
	history := &fakeHistory{err: errors.New("503 service unavailable")}
	e := NewEngine(history, &fakeInvoker{}, nil, nil)

	var got Update
	e.Subscribe(func(u Update) { got = u })

	msgs, err := e.LoadHistory(context.Background(), "c1")

	assert.Nil(t, msgs)
	assert.True(t, apperrors.Is(err, apperrors.ErrHistoryUnavailable))
	assert.Equal(t, UpdateFailed, got.Kind)
	assert.True(t, apperrors.Is(got.Err, apperrors.ErrHistoryUnavailable))

	active, loaded, statusErr := e.Status("c1")
	assert.True(t, active)
	assert.False(t, loaded)
	assert.Error(t, statusErr)
	assert.Empty(t, e.Messages("c1"))

	// 失败后重试成功
	history.mu.Lock()
	history.err = nil
	history.results = map[string][]model.Message{"c1": {msgAt("m1", 0)}}
	history.mu.Unlock()

	msgs, err = e.LoadHistory(context.Background(), "c1")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestEngine_LiveMessagesPublishedAfterFailedLoad(t *testing.T) {
	history := &fakeHistory{err: errors.New("503 service unavailable")}
	e := NewEngine(history, &fakeInvoker{}, nil, nil)

	var kinds []UpdateKind
	e.Subscribe(func(u Update) { kinds = append(kinds, u.Kind) })

	_, err := e.LoadHistory(context.Background(), "c1")
	require.Error(t, err)

	added := e.HandleReceived(msgAt("m1", 0))

	assert.True(t, added)
	assert.Equal(t, []UpdateKind{UpdateFailed, UpdateAppended}, kinds, "期望失败后实时消息仍然通知")
	assert.Equal(t, []string{"m1"}, ids(e.Messages("c1")))
}

func TestEngine_StaleResponseDiscarded(t *testing.T) {
	history := &fakeHistory{
		results: map[string][]model.Message{"c1": {msgAt("m1", 0)}},
		gate:    make(chan struct{}),
	}
	e := NewEngine(history, &fakeInvoker{}, nil, nil)

	var published int
	e.Subscribe(func(Update) { published++ })

	errCh := make(chan error, 1)
	go func() {
		_, err := e.LoadHistory(context.Background(), "c1")
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		history.mu.Lock()
		defer history.mu.Unlock()
		return history.calls == 1
	}, time.Second, time.Millisecond)

	e.Deactivate("c1")
	close(history.gate)

	assert.ErrorIs(t, <-errCh, ErrStaleResponse)
	assert.Empty(t, e.Messages("c1"))
	assert.Zero(t, published)
}

func TestEngine_InactiveConversationNotCached(t *testing.T) {
	e := NewEngine(&fakeHistory{}, &fakeInvoker{}, nil, nil)

	assert.False(t, e.HandleReceived(msgAt("m1", 0)), "never activated")

	_, err := e.LoadHistory(context.Background(), "c1")
	require.NoError(t, err)
	e.HandleReceived(msgAt("m1", 0))
	e.Deactivate("c1")

	assert.False(t, e.HandleReceived(msgAt("m2", time.Second)))
	assert.Equal(t, []string{"m1"}, ids(e.Messages("c1")), "stale cache kept")

	active, _, _ := e.Status("c1")
	assert.False(t, active)
}

func TestEngine_Send(t *testing.T) {
	tests := []struct {
		name        string
		conv        string
		text        string
		wantErr     *apperrors.AppError
		wantInvokes int
	}{
		{"blank text", "c1", "   \n\t", apperrors.ErrValidation, 0},
		{"empty text", "c1", "", apperrors.ErrValidation, 0},
		{"no conversation", "", "hello", apperrors.ErrValidation, 0},
		{"trimmed", "c1", "  hello  ", nil, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			invoker := &fakeInvoker{}
			e := NewEngine(&fakeHistory{}, invoker, nil, nil)

			err := e.Send(context.Background(), tt.conv, tt.text)
			if tt.wantErr != nil {
				assert.True(t, apperrors.Is(err, tt.wantErr))
			} else {
				require.NoError(t, err)
				assert.Equal(t, []any{protocol.MethodSendMessage, "c1", "hello"}, invoker.calls[0])
			}
			assert.Equal(t, tt.wantInvokes, invoker.count())
			assert.Empty(t, e.Messages("c1"), "no optimistic insert")
		})
	}
}

func TestEngine_SendPropagatesInvokeError(t *testing.T) {
	invoker := &fakeInvoker{err: apperrors.ErrNotConnected}
	e := NewEngine(&fakeHistory{}, invoker, nil, nil)

	err := e.Send(context.Background(), "c1", "hello")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotConnected))
}

func TestEngine_Unsubscribe(t *testing.T) {
	e := NewEngine(&fakeHistory{}, &fakeInvoker{}, nil, nil)
	count := 0
	cancel := e.Subscribe(func(Update) { count++ })

	_, err := e.LoadHistory(context.Background(), "c1")
	require.NoError(t, err)
	cancel()
	e.HandleReceived(msgAt("m1", 0))

	assert.Equal(t, 1, count)
}
