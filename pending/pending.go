// Package pending buffers receipts, reactions, deletes and edits that reference a message which is not known
// locally yet. Modifiers are keyed by the author and sent timestamp of their target and are handed out exactly
// once, when the target is registered.
//
// Unmatched modifiers are bounded two ways: entries older than the configured TTL are dropped by Sweep, and
// once the queue holds the configured maximum the oldest entry is evicted for each new one.
package pending

import (
	"fmt"
	"sort"
	"sync"

	"github.com/meow-io/go-courier/clock"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/message"
	"github.com/meow-io/go-courier/reactions"
	"go.uber.org/zap"
)

type Kind uint8

const (
	DeliveryReceipt Kind = iota
	ReadReceipt
	ViewedReceipt
	ReadSync
	ViewSync
	ViewOnceOpenSync
	Reaction
	Delete
	Edit
)

func (k Kind) String() string {
	switch k {
	case DeliveryReceipt:
		return "delivery-receipt"
	case ReadReceipt:
		return "read-receipt"
	case ViewedReceipt:
		return "viewed-receipt"
	case ReadSync:
		return "read-sync"
	case ViewSync:
		return "view-sync"
	case ViewOnceOpenSync:
		return "view-once-open-sync"
	case Reaction:
		return "reaction"
	case Delete:
		return "delete"
	case Edit:
		return "edit"
	default:
		return fmt.Sprintf("kind(%d)", k)
	}
}

// IsReceipt reports kinds handled by the receipt reconciler.
func (k Kind) IsReceipt() bool {
	return k <= ViewOnceOpenSync
}

type Modifier struct {
	Kind            Kind
	TargetAuthor    message.Identity
	TargetTimestamp uint64
	// receipt sender, deleting or editing author
	SourceID string
	// conversation the modifier arrived in; story reactions are recorded there
	ConversationID string
	// time the event happened according to its sender
	Timestamp  uint64
	ReceivedAt uint64

	Reaction *reactions.Event
	Edit     *message.Edit

	seq     uint64
	drained bool
}

func (m *Modifier) String() string {
	return fmt.Sprintf("%s from %s for %s@%d", m.Kind, m.SourceID, m.TargetAuthor.Key(), m.TargetTimestamp)
}

type key struct {
	author    string
	timestamp uint64
}

func keyFor(author message.Identity, ts uint64) key {
	return key{author: author.Key(), timestamp: ts}
}

type EvictionReason string

const (
	EvictedExpired EvictionReason = "expired"
	EvictedFull    EvictionReason = "full"
)

type Queue struct {
	log     *zap.SugaredLogger
	clock   clock.Clock
	ttlMs   uint64
	max     int
	lock    sync.Mutex
	entries map[key][]*Modifier
	order   []*Modifier
	count   int
	seq     uint64
	onEvict func(EvictionReason, int)
}

func NewQueue(c *config.Config, clk clock.Clock) *Queue {
	return &Queue{
		log:     c.Logger("pending/queue"),
		clock:   clk,
		ttlMs:   uint64(c.PendingModifierTTLMs),
		max:     c.PendingModifierMaxEntries,
		entries: make(map[key][]*Modifier),
		onEvict: func(EvictionReason, int) {},
	}
}

// OnEvict sets a callback invoked with the number of modifiers dropped without a match.
func (q *Queue) OnEvict(f func(EvictionReason, int)) {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.onEvict = f
}

func (q *Queue) Register(m *Modifier) {
	q.lock.Lock()
	defer q.lock.Unlock()

	if m.ReceivedAt == 0 {
		m.ReceivedAt = q.clock.CurrentTimeMs()
	}
	q.seq++
	m.seq = q.seq
	m.drained = false
	k := keyFor(m.TargetAuthor, m.TargetTimestamp)
	q.entries[k] = append(q.entries[k], m)
	q.order = append(q.order, m)
	q.count++
	q.log.Debugf("buffered %s", m)

	evicted := 0
	for q.max > 0 && q.count > q.max {
		if !q.evictOldest() {
			break
		}
		evicted++
	}
	if evicted != 0 {
		q.log.Warnf("pending modifier queue full, evicted %d", evicted)
		q.onEvict(EvictedFull, evicted)
	}
}

// DrainFor removes and returns every modifier targeting the message sent by author at ts, oldest first.
func (q *Queue) DrainFor(author message.Identity, ts uint64) []*Modifier {
	q.lock.Lock()
	defer q.lock.Unlock()

	k := keyFor(author, ts)
	mods, ok := q.entries[k]
	if !ok {
		return nil
	}
	delete(q.entries, k)
	for _, m := range mods {
		m.drained = true
	}
	q.count -= len(mods)
	q.compact()
	sort.SliceStable(mods, func(i, j int) bool {
		if mods[i].ReceivedAt != mods[j].ReceivedAt {
			return mods[i].ReceivedAt < mods[j].ReceivedAt
		}
		return mods[i].seq < mods[j].seq
	})
	return mods
}

// Sweep drops modifiers older than the TTL and returns how many were dropped.
func (q *Queue) Sweep() int {
	q.lock.Lock()
	defer q.lock.Unlock()

	now := q.clock.CurrentTimeMs()
	evicted := 0
	for k, mods := range q.entries {
		kept := mods[:0]
		for _, m := range mods {
			if now > m.ReceivedAt && now-m.ReceivedAt > q.ttlMs {
				m.drained = true
				evicted++
				q.log.Debugf("dropping expired %s", m)
				continue
			}
			kept = append(kept, m)
		}
		if len(kept) == 0 {
			delete(q.entries, k)
		} else {
			q.entries[k] = kept
		}
	}
	q.count -= evicted
	q.compact()
	if evicted != 0 {
		q.log.Infof("swept %d expired modifiers", evicted)
		q.onEvict(EvictedExpired, evicted)
	}
	return evicted
}

func (q *Queue) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.count
}

func (q *Queue) evictOldest() bool {
	for len(q.order) != 0 {
		m := q.order[0]
		q.order = q.order[1:]
		if m.drained {
			continue
		}
		m.drained = true
		k := keyFor(m.TargetAuthor, m.TargetTimestamp)
		mods := q.entries[k]
		for i, o := range mods {
			if o == m {
				mods = append(mods[:i], mods[i+1:]...)
				break
			}
		}
		if len(mods) == 0 {
			delete(q.entries, k)
		} else {
			q.entries[k] = mods
		}
		q.count--
		q.log.Debugf("evicting %s", m)
		return true
	}
	return false
}

// compact drops drained modifiers from the eviction order once they dominate it.
func (q *Queue) compact() {
	if len(q.order) < 2*q.count+16 {
		return
	}
	kept := make([]*Modifier, 0, q.count)
	for _, m := range q.order {
		if !m.drained {
			kept = append(kept, m)
		}
	}
	q.order = kept
}
