package session

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/omokchat/internal/protocol"
)

func texts(envs []protocol.Envelope) []string {
	out := make([]string, 0, len(envs))
	for _, env := range envs {
		out = append(out, env.Text)
	}
	return out
}

func TestOutbox_Push(t *testing.T) {
	o := NewOutbox("alice", 4)
	require.NoError(t, o.Push(protocol.System("hello")))
	assert.Equal(t, 1, o.Len())

	envs, ok := o.Take()
	require.True(t, ok)
	assert.Equal(t, []string{"hello"}, texts(envs))
	assert.Equal(t, 0, o.Len())
}

func TestOutbox_PushClosed(t *testing.T) {
	o := NewOutbox("alice", 4)
	o.Close()
	assert.ErrorIs(t, o.Push(protocol.System("fail")), ErrOutboxClosed)
	assert.ErrorIs(t, o.PushBatch([]protocol.Envelope{protocol.System("fail")}), ErrOutboxClosed)
}

func TestOutbox_PushFull(t *testing.T) {
	o := NewOutbox("alice", 1)
	require.NoError(t, o.Push(protocol.System("first")))
	err := o.Push(protocol.System("overflow"))
	assert.ErrorIs(t, err, ErrOutboxFull)
	assert.Contains(t, err.Error(), "alice")
	assert.Equal(t, 1, o.Len())
}

func TestOutbox_BatchDoesNotCountAgainstBound(t *testing.T) {
	o := NewOutbox("carol", 4)
	require.NoError(t, o.Push(protocol.System("welcome")))

	batch := make([]protocol.Envelope, 0, 50)
	want := []string{"welcome"}
	for i := 0; i < 50; i++ {
		text := fmt.Sprintf("m%d", i)
		batch = append(batch, protocol.System(text))
		want = append(want, text)
	}
	require.NoError(t, o.PushBatch(batch))
	assert.Equal(t, 51, o.Len())

	for _, text := range []string{"x", "y", "z"} {
		require.NoError(t, o.Push(protocol.System(text)))
		want = append(want, text)
	}
	assert.ErrorIs(t, o.Push(protocol.System("late")), ErrOutboxFull)

	envs, ok := o.Take()
	require.True(t, ok)
	assert.Equal(t, want, texts(envs))

	// Taking the queue resets the bound.
	require.NoError(t, o.Push(protocol.System("late")))
}

func TestOutbox_BatchRefusedWhenFull(t *testing.T) {
	o := NewOutbox("alice", 2)
	require.NoError(t, o.Push(protocol.System("a")))
	require.NoError(t, o.Push(protocol.System("b")))

	err := o.PushBatch([]protocol.Envelope{protocol.System("c"), protocol.System("d")})
	assert.ErrorIs(t, err, ErrOutboxFull)
	assert.Equal(t, 2, o.Len())
}

func TestOutbox_CloseIdempotent(t *testing.T) {
	o := NewOutbox("alice", 4)
	o.Close()
	o.Close()
	_, ok := o.Take()
	assert.False(t, ok)
}

func TestOutbox_DrainAfterClose(t *testing.T) {
	o := NewOutbox("alice", 4)
	require.NoError(t, o.Push(protocol.System("a")))
	require.NoError(t, o.Push(protocol.System("b")))
	o.Close()

	envs, ok := o.Take()
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, texts(envs))

	_, ok = o.Take()
	assert.False(t, ok)
}

func TestOutbox_TakeBlocksUntilPush(t *testing.T) {
	o := NewOutbox("alice", 4)
	got := make(chan []protocol.Envelope, 1)
	go func() {
		envs, _ := o.Take()
		got <- envs
	}()

	select {
	case <-got:
		t.Fatal("Take returned before anything was pushed")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, o.Push(protocol.System("wake")))
	select {
	case envs := <-got:
		assert.Equal(t, []string{"wake"}, texts(envs))
	case <-time.After(2 * time.Second):
		t.Fatal("Take did not wake on Push")
	}
}

func TestOutbox_CloseWakesTake(t *testing.T) {
	o := NewOutbox("alice", 4)
	done := make(chan bool, 1)
	go func() {
		_, ok := o.Take()
		done <- ok
	}()

	o.Close()
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("Take did not wake on Close")
	}
}

func TestOutbox_DefaultSize(t *testing.T) {
	o := NewOutbox("alice", 0)
	assert.Equal(t, DefaultOutboxSize, o.size)
}

func TestOutbox_ConcurrentPushAndClose(t *testing.T) {
	o := NewOutbox("alice", 1024)
	const n = 100
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_ = o.Push(protocol.System("x"))
		}()
	}
	o.Close()
	wg.Wait()

	count := 0
	for {
		envs, ok := o.Take()
		if !ok {
			break
		}
		count += len(envs)
	}
	assert.LessOrEqual(t, count, n)
}
