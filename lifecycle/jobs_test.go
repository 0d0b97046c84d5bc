package lifecycle

import (
	"errors"
	"sync"
	"testing"

	"github.com/meow-io/go-courier/internal/test"
	"github.com/stretchr/testify/require"
)

func TestQueuesRunInOrderPerConversation(t *testing.T) {
	require := require.New(t)
	cq := newConversationQueues(test.Config(t.Name()).Logger("queues"))
	defer cq.Close()

	var lock sync.Mutex
	var seen []int
	for n := 0; n < 50; n++ {
		n := n
		require.Nil(cq.Enqueue("c", "append", func() {
			lock.Lock()
			seen = append(seen, n)
			lock.Unlock()
		}))
	}
	cq.Wait()
	require.Len(seen, 50)
	for n, v := range seen {
		require.Equal(n, v)
	}
}

func TestQueuesRunReturnsError(t *testing.T) {
	require := require.New(t)
	cq := newConversationQueues(test.Config(t.Name()).Logger("queues"))
	defer cq.Close()

	boom := errors.New("boom")
	require.ErrorIs(cq.Run("c", "failing", func() error { return boom }), boom)

	require.Nil(cq.Run("c", "panicking", func() error { panic("oh no") }))
	require.Nil(cq.Run("c", "after panic", func() error { return nil }))
}

func TestQueuesWaitIncludesNestedJobs(t *testing.T) {
	require := require.New(t)
	cq := newConversationQueues(test.Config(t.Name()).Logger("queues"))

	ran := false
	require.Nil(cq.Run("c", "outer", func() error {
		return cq.Enqueue("c", "inner", func() { ran = true })
	}))
	cq.Wait()
	require.True(ran)

	cq.Close()
	require.ErrorIs(cq.Enqueue("c", "late", func() {}), errQueuesClosed)
}
