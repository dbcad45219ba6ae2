package ws

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouter_JoinLeaveIdempotent(t *testing.T) {
	r := NewRouter()
	c := testClient(nil, "alice")

	assert.True(t, r.Join("chat:1", c))
	assert.False(t, r.Join("chat:1", c))
	assert.Equal(t, 1, r.Members("chat:1"))

	assert.True(t, r.Leave("chat:1", c))
	assert.False(t, r.Leave("chat:1", c))
	assert.Equal(t, 0, r.Members("chat:1"))
	assert.False(t, r.Leave("chat:missing", c))
}

func TestRouter_BroadcastDeliversOncePerConnection(t *testing.T) {
	r := NewRouter()
	a := testClient(nil, "alice")
	b := testClient(nil, "bob")
	r.Join(ChatRoom("1"), a)
	r.Join(UserRoom("alice"), a)
	r.Join(UserRoom("bob"), b)

	n := r.Broadcast([]string{ChatRoom("1"), UserRoom("alice"), UserRoom("bob"), "chat:empty"}, []byte("x"), nil)
	assert.Equal(t, 2, n)
	assert.Len(t, a.send, 1)
	assert.Len(t, b.send, 1)
}

func TestRouter_BroadcastExclude(t *testing.T) {
	r := NewRouter()
	a := testClient(nil, "alice")
	b := testClient(nil, "bob")
	r.Join(ChatRoom("1"), a)
	r.Join(ChatRoom("1"), b)

	n := r.Broadcast([]string{ChatRoom("1")}, []byte("x"), a)
	assert.Equal(t, 1, n)
	assert.Len(t, a.send, 0)
	assert.Len(t, b.send, 1)
}

func TestRouter_SlowConsumerIsKicked(t *testing.T) {
	r := NewRouter()
	slow := testClient(nil, "slow")
	r.Join(ChatRoom("1"), slow)

	for i := 0; i < sendBuffer; i++ {
		require.Equal(t, 1, r.Broadcast([]string{ChatRoom("1")}, []byte("x"), nil))
	}
	assert.Equal(t, 0, r.Broadcast([]string{ChatRoom("1")}, []byte("x"), nil))
	assert.True(t, slow.closed())
	// closed connections never receive again
	<-slow.send
	assert.Equal(t, 0, r.Broadcast([]string{ChatRoom("1")}, []byte("x"), nil))
}

func TestRouter_ConcurrentBroadcastKeepsRoomOrder(t *testing.T) {
	r := NewRouter()
	a := testClient(nil, "alice")
	b := testClient(nil, "bob")
	room := ChatRoom("ordered")
	r.Join(room, a)
	r.Join(room, b)
	r.Join(UserRoom("alice"), a)
	r.Join(UserRoom("bob"), b)

	const perSender = 50
	var wg sync.WaitGroup
	for s := 0; s < 2; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				r.Broadcast([]string{room, UserRoom("alice"), UserRoom("bob")}, []byte(fmt.Sprintf("%d-%d", s, i)), nil)
			}
		}(s)
	}
	wg.Wait()

	require.Len(t, a.send, 2*perSender)
	require.Len(t, b.send, 2*perSender)
	for i := 0; i < 2*perSender; i++ {
		assert.Equal(t, string(<-a.send), string(<-b.send))
	}
}
