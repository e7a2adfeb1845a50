package presence

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kleqing/PetSitter-sub000/internal/model"
	"github.com/kleqing/PetSitter-sub000/internal/protocol"
)

type fakeInvoker struct {
	mu      sync.Mutex
	methods []string
}

func (f *fakeInvoker) Invoke(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.methods = append(f.methods, method)
	return nil, nil
}

func (f *fakeInvoker) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.methods {
		if m == method {
			n++
		}
	}
	return n
}

func newTestTracker() (*Tracker, *fakeInvoker, *clock.Mock) {
	mock := clock.NewMock()
	inv := &fakeInvoker{}
	tr := NewTracker(inv, "me", Options{QuietPeriod: 2 * time.Second, RemoteExpiry: 5 * time.Second, Clock: mock}, nil)
	return tr, inv, mock
}

func TestTracker_StartsCollapseWithinWindow(t *testing.T) {
	tr, inv, mock := newTestTracker()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, tr.NotifyTypingStarted(ctx, "c1"))
		mock.Add(500 * time.Millisecond)
	}

	assert.Equal(t, 1, inv.count(protocol.MethodUserStartedTyping))
	assert.Equal(t, 0, inv.count(protocol.MethodUserStoppedTyping), "input never paused for the quiet period")
	assert.True(t, tr.Typing("c1"))
}

func TestTracker_StopFiresOnceAfterQuietPeriod(t *testing.T) {
	tr, inv, mock := newTestTracker()

	require.NoError(t, tr.NotifyTypingStarted(context.Background(), "c1"))

	mock.Add(1999 * time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 0, inv.count(protocol.MethodUserStoppedTyping), "must not fire before the quiet period")

	mock.Add(time.Millisecond)
	require.Eventually(t, func() bool {
		return inv.count(protocol.MethodUserStoppedTyping) == 1
	}, time.Second, time.Millisecond)

	mock.Add(10 * time.Second)
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 1, inv.count(protocol.MethodUserStoppedTyping))
	assert.False(t, tr.Typing("c1"))
}

func TestTracker_ResetPostponesStop(t *testing.T) {
	tr, inv, mock := newTestTracker()
	ctx := context.Background()

	require.NoError(t, tr.NotifyTypingStarted(ctx, "c1"))
	mock.Add(1500 * time.Millisecond)
	require.NoError(t, tr.NotifyTypingStarted(ctx, "c1"))
	mock.Add(1500 * time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	assert.Equal(t, 0, inv.count(protocol.MethodUserStoppedTyping), "quiet period restarts on every keystroke")

	mock.Add(500 * time.Millisecond)
	require.Eventually(t, func() bool {
		return inv.count(protocol.MethodUserStoppedTyping) == 1
	}, time.Second, time.Millisecond)
}

func TestTracker_ExplicitStop(t *testing.T) {
	tr, inv, mock := newTestTracker()
	ctx := context.Background()

	require.NoError(t, tr.NotifyTypingStopped(ctx, "c1"))
	assert.Equal(t, 0, inv.count(protocol.MethodUserStoppedTyping), "nothing outstanding")

	require.NoError(t, tr.NotifyTypingStarted(ctx, "c1"))
	require.NoError(t, tr.NotifyTypingStopped(ctx, "c1"))
	assert.Equal(t, 1, inv.count(protocol.MethodUserStoppedTyping))

	mock.Add(5 * time.Second)
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 1, inv.count(protocol.MethodUserStoppedTyping), "cancelled timer must not fire")

	// 停止后再次输入重新发送开始信号
	require.NoError(t, tr.NotifyTypingStarted(ctx, "c1"))
	assert.Equal(t, 2, inv.count(protocol.MethodUserStartedTyping))
}

func TestTracker_IgnoresOwnEcho(t *testing.T) {
	tr, _, _ := newTestTracker()
	var got []model.TypingSignal
	tr.OnTyping(func(sig model.TypingSignal) { got = append(got, sig) })

	tr.OnTypingChanged(model.TypingSignal{ConversationID: "c1", SenderID: "me", IsTyping: true})

	assert.False(t, tr.IsTyping("c1"))
	assert.Empty(t, got)
}

func TestTracker_RemoteTyping(t *testing.T) {
	tr, _, mock := newTestTracker()
	var mu sync.Mutex
	var got []model.TypingSignal
	tr.OnTyping(func(sig model.TypingSignal) {
		mu.Lock()
		got = append(got, sig)
		mu.Unlock()
	})

	tr.OnTypingChanged(model.TypingSignal{ConversationID: "c1", SenderID: "u2", IsTyping: true})
	tr.OnTypingChanged(model.TypingSignal{ConversationID: "c1", SenderID: "u2", IsTyping: true})
	assert.True(t, tr.IsTyping("c1"))
	assert.Equal(t, []string{"u2"}, tr.TypingUsers("c1"))

	tr.OnTypingChanged(model.TypingSignal{ConversationID: "c1", SenderID: "u2", IsTyping: false})
	assert.False(t, tr.IsTyping("c1"))

	mock.Add(10 * time.Second)
	time.Sleep(5 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2, "repeated start is not re-published and the stopped timer never fires")
	assert.True(t, got[0].IsTyping)
	assert.False(t, got[1].IsTyping)
}

func TestTracker_RemoteTypingExpires(t *testing.T) {
	tr, _, mock := newTestTracker()
	stopped := make(chan model.TypingSignal, 1)
	tr.OnTyping(func(sig model.TypingSignal) {
		if !sig.IsTyping {
			stopped <- sig
		}
	})

	tr.OnTypingChanged(model.TypingSignal{ConversationID: "c1", SenderID: "u2", IsTyping: true})
	mock.Add(5 * time.Second)

	select {
	case sig := <-stopped:
		assert.Equal(t, "u2", sig.SenderID)
	case <-time.After(time.Second):
		t.Fatal("remote typing did not expire")
	}
	assert.False(t, tr.IsTyping("c1"))
}

func TestTracker_Presence(t *testing.T) {
	tr, _, _ := newTestTracker()
	var changes []model.PresenceChange
	tr.OnPresence(func(c model.PresenceChange) { changes = append(changes, c) })

	assert.False(t, tr.IsOnline("u2"))

	tr.SetPresence(model.PresenceChange{UserID: "u2", Online: true})
	tr.SetPresence(model.PresenceChange{UserID: "u2", Online: true})
	assert.True(t, tr.IsOnline("u2"))

	tr.SetPresence(model.PresenceChange{UserID: "u2", Online: false})
	assert.False(t, tr.IsOnline("u2"))

	assert.Len(t, changes, 2, "unchanged presence is not re-published")
}

func TestTracker_Close(t *testing.T) {
	tr, inv, mock := newTestTracker()

	require.NoError(t, tr.NotifyTypingStarted(context.Background(), "c1"))
	tr.OnTypingChanged(model.TypingSignal{ConversationID: "c1", SenderID: "u2", IsTyping: true})
	tr.Close()

	mock.Add(10 * time.Second)
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 0, inv.count(protocol.MethodUserStoppedTyping))
	assert.False(t, tr.Typing("c1"))
	assert.False(t, tr.IsTyping("c1"))
}
