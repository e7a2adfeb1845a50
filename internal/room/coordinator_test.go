package room

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kleqing/PetSitter-sub000/internal/connection"
	apperrors "github.com/kleqing/PetSitter-sub000/internal/errors"
	"github.com/kleqing/PetSitter-sub000/internal/protocol"
)

type call struct {
	method string
	conv   string
}

type fakeInvoker struct {
	mu    sync.Mutex
	calls []call
	fail  map[string]error // method -> error
	delay time.Duration
}

func (f *fakeInvoker) Invoke(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, _ := args[0].(string)
	f.calls = append(f.calls, call{method: method, conv: conv})
	return nil, f.fail[method]
}

func (f *fakeInvoker) count(method, conv string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.method == method && c.conv == conv {
			n++
		}
	}
	return n
}

func (f *fakeInvoker) setFail(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail == nil {
		f.fail = make(map[string]error)
	}
	f.fail[method] = err
}

func TestCoordinator_ActivateNoDuplicateJoin(t *testing.T) {
	inv := &fakeInvoker{}
	c := NewCoordinator(inv, nil)
	ctx := context.Background()

	require.NoError(t, c.Activate(ctx, "c1"))
	require.NoError(t, c.Activate(ctx, "c1"))

	assert.Equal(t, 1, inv.count(protocol.MethodJoinConversation, "c1"))
	assert.True(t, c.IsJoined("c1"))
}

func TestCoordinator_ConcurrentActivate(t *testing.T) {
	inv := &fakeInvoker{delay: 20 * time.Millisecond}
	c := NewCoordinator(inv, nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Activate(context.Background(), "c1")
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, inv.count(protocol.MethodJoinConversation, "c1"))
}

func TestCoordinator_Switch(t *testing.T) {
	inv := &fakeInvoker{}
	c := NewCoordinator(inv, nil)
	ctx := context.Background()

	require.NoError(t, c.Activate(ctx, "c1"))
	require.NoError(t, c.Switch(ctx, "c1", "c2"))

	assert.Equal(t, 1, inv.count(protocol.MethodLeaveConversation, "c1"))
	assert.Equal(t, 1, inv.count(protocol.MethodJoinConversation, "c2"))
	assert.False(t, c.IsJoined("c1"))
	assert.True(t, c.IsJoined("c2"))
	assert.Equal(t, []string{"c2"}, c.Active())

	// leave 先于 join
	inv.mu.Lock()
	defer inv.mu.Unlock()
	assert.Equal(t, protocol.MethodLeaveConversation, inv.calls[1].method)
	assert.Equal(t, protocol.MethodJoinConversation, inv.calls[2].method)
}

func TestCoordinator_JoinFailureIsDegradedNotFatal(t *testing.T) {
	inv := &fakeInvoker{}
	inv.setFail(protocol.MethodJoinConversation, apperrors.ErrInvokeTimeout)
	c := NewCoordinator(inv, nil)

	err := c.Activate(context.Background(), "c1")

	assert.True(t, apperrors.Is(err, apperrors.ErrInvokeTimeout))
	assert.Equal(t, []string{"c1"}, c.Active(), "conversation stays open")
	assert.False(t, c.IsJoined("c1"))

	// 再次激活会重试
	inv.setFail(protocol.MethodJoinConversation, nil)
	require.NoError(t, c.Activate(context.Background(), "c1"))
	assert.True(t, c.IsJoined("c1"))
}

func TestCoordinator_DeactivateNotJoined(t *testing.T) {
	inv := &fakeInvoker{}
	c := NewCoordinator(inv, nil)

	require.NoError(t, c.Deactivate(context.Background(), "c1"))
	assert.Equal(t, 0, inv.count(protocol.MethodLeaveConversation, "c1"))
}

func TestCoordinator_LeaveFailureLogged(t *testing.T) {
	inv := &fakeInvoker{}
	c := NewCoordinator(inv, nil)
	require.NoError(t, c.Activate(context.Background(), "c1"))

	inv.setFail(protocol.MethodLeaveConversation, errors.New("hub gone"))
	err := c.Deactivate(context.Background(), "c1")

	assert.Error(t, err)
	assert.Empty(t, c.Active())
	assert.False(t, c.IsJoined("c1"))
}

func TestCoordinator_RejoinAfterReconnect(t *testing.T) {
	inv := &fakeInvoker{}
	c := NewCoordinator(inv, nil)
	ctx := context.Background()

	require.NoError(t, c.Activate(ctx, "c1"))
	require.NoError(t, c.Activate(ctx, "c2"))

	c.HandleStateChange(connection.StateChange{From: connection.StateConnected, To: connection.StateReconnecting})
	assert.False(t, c.IsJoined("c1"))
	assert.False(t, c.IsJoined("c2"))

	c.HandleStateChange(connection.StateChange{From: connection.StateReconnecting, To: connection.StateConnected})
	c.Wait()

	assert.Equal(t, 2, inv.count(protocol.MethodJoinConversation, "c1"))
	assert.Equal(t, 2, inv.count(protocol.MethodJoinConversation, "c2"))
	assert.True(t, c.IsJoined("c1"))
	assert.True(t, c.IsJoined("c2"))

	// 已加入时再次激活不会重复加入
	require.NoError(t, c.Activate(ctx, "c1"))
	assert.Equal(t, 2, inv.count(protocol.MethodJoinConversation, "c1"))
}

func TestCoordinator_FirstConnectDoesNotRejoin(t *testing.T) {
	inv := &fakeInvoker{}
	c := NewCoordinator(inv, nil)

	c.HandleStateChange(connection.StateChange{From: connection.StateConnecting, To: connection.StateConnected})
	c.Wait()

	inv.mu.Lock()
	defer inv.mu.Unlock()
	assert.Empty(t, inv.calls)
}

func TestCoordinator_DeactivatedDuringJoinLeaves(t *testing.T) {
	inv := &fakeInvoker{delay: 30 * time.Millisecond}
	c := NewCoordinator(inv, nil)

	done := make(chan struct{})
	go func() {
		c.Activate(context.Background(), "c1")
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	c.Deactivate(context.Background(), "c1")
	<-done

	assert.False(t, c.IsJoined("c1"))
	assert.Equal(t, 1, inv.count(protocol.MethodLeaveConversation, "c1"))
}

// gatedInvoker 第一次调用阻塞到 release 关闭后以连接错误返回，其余调用立即成功
type gatedInvoker struct {
	mu      sync.Mutex
	calls   []call
	release chan struct{}
}

func (f *gatedInvoker) Invoke(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	conv, _ := args[0].(string)
	f.mu.Lock()
	f.calls = append(f.calls, call{method: method, conv: conv})
	first := len(f.calls) == 1
	f.mu.Unlock()

	if first {
		<-f.release
		return nil, apperrors.ErrConnection
	}
	return nil, nil
}

func (f *gatedInvoker) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestCoordinator_RejoinWhileJoinInFlightOnOldConnection(t *testing.T) {
	inv := &gatedInvoker{release: make(chan struct{})}
	c := NewCoordinator(inv, nil)

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Activate(context.Background(), "c1")
	}()
	require.Eventually(t, func() bool { return inv.count() == 1 }, time.Second, time.Millisecond)

	c.HandleStateChange(connection.StateChange{From: connection.StateConnected, To: connection.StateReconnecting})
	c.HandleStateChange(connection.StateChange{From: connection.StateReconnecting, To: connection.StateConnected})
	c.Wait()

	assert.Equal(t, 2, inv.count(), "期望重连后重新发起加入")
	assert.True(t, c.IsJoined("c1"))

	// 旧连接上的加入随后失败，不影响新连接上的加入状态
	close(inv.release)
	assert.Error(t, <-errCh)
	assert.True(t, c.IsJoined("c1"))
}
