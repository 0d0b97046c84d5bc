package pending

import (
	"sync"
	"testing"

	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/internal/test"
	"github.com/meow-io/go-courier/message"
	"github.com/stretchr/testify/require"
)

var alice = message.Identity{ServiceID: "alice"}

func newTestQueue(opts ...config.Option) (*Queue, *test.Clock) {
	opts = append([]config.Option{config.WithoutLogFile()}, opts...)
	clk := test.NewClock(1000)
	return NewQueue(config.NewConfig(opts...), clk), clk
}

func receipt(kind Kind, from string, ts uint64) *Modifier {
	return &Modifier{Kind: kind, TargetAuthor: alice, TargetTimestamp: ts, SourceID: from, Timestamp: ts + 1}
}

func TestDrainReturnsMatchesOnce(t *testing.T) {
	require := require.New(t)
	q, _ := newTestQueue()

	q.Register(receipt(DeliveryReceipt, "bob", 10))
	q.Register(receipt(ReadReceipt, "bob", 10))
	q.Register(receipt(DeliveryReceipt, "bob", 11))
	require.Equal(3, q.Len())

	mods := q.DrainFor(message.Identity{ServiceID: "alice", Device: 4}, 10)
	require.Len(mods, 2)
	require.Equal(DeliveryReceipt, mods[0].Kind)
	require.Equal(ReadReceipt, mods[1].Kind)
	require.Empty(q.DrainFor(alice, 10))
	require.Equal(1, q.Len())
}

func TestDrainOrdersByReceivedAt(t *testing.T) {
	require := require.New(t)
	q, _ := newTestQueue()

	late := receipt(ReadReceipt, "bob", 10)
	late.ReceivedAt = 50
	early := receipt(DeliveryReceipt, "carol", 10)
	early.ReceivedAt = 20
	q.Register(late)
	q.Register(early)

	mods := q.DrainFor(alice, 10)
	require.Equal([]string{"carol", "bob"}, []string{mods[0].SourceID, mods[1].SourceID})
}

func TestSweepDropsExpired(t *testing.T) {
	require := require.New(t)
	q, clk := newTestQueue(config.WithPendingModifierTTLMs(100))

	var evicted int
	q.OnEvict(func(r EvictionReason, n int) {
		require.Equal(EvictedExpired, r)
		evicted += n
	})

	q.Register(receipt(DeliveryReceipt, "bob", 10))
	clk.AdvanceMs(60)
	q.Register(receipt(DeliveryReceipt, "bob", 11))
	clk.AdvanceMs(60)

	require.Equal(1, q.Sweep())
	require.Equal(1, evicted)
	require.Empty(q.DrainFor(alice, 10))
	require.Len(q.DrainFor(alice, 11), 1)
}

func TestFullQueueEvictsOldest(t *testing.T) {
	require := require.New(t)
	q, _ := newTestQueue(config.WithPendingModifierMaxEntries(2))

	q.Register(receipt(DeliveryReceipt, "bob", 1))
	q.Register(receipt(DeliveryReceipt, "bob", 2))
	q.DrainFor(alice, 2)
	q.Register(receipt(DeliveryReceipt, "bob", 3))
	q.Register(receipt(DeliveryReceipt, "bob", 4))
	require.Equal(2, q.Len())

	require.Empty(q.DrainFor(alice, 1))
	require.Len(q.DrainFor(alice, 3), 1)
	require.Len(q.DrainFor(alice, 4), 1)
	require.Equal(0, q.Len())
}

func TestConcurrentDrainsNeverShareModifiers(t *testing.T) {
	require := require.New(t)
	q, _ := newTestQueue()

	for ts := uint64(0); ts < 50; ts++ {
		for i := 0; i < 4; i++ {
			q.Register(receipt(DeliveryReceipt, "bob", ts))
		}
	}

	var lock sync.Mutex
	seen := make(map[*Modifier]int)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ts := uint64(0); ts < 50; ts++ {
				for _, m := range q.DrainFor(alice, ts) {
					lock.Lock()
					seen[m]++
					lock.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	require.Len(seen, 200)
	for _, n := range seen {
		require.Equal(1, n)
	}
	require.Equal(0, q.Len())
}
