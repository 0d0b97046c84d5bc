package lifecycle

import (
	"sync"

	"github.com/meow-io/go-courier/ids"
	"github.com/meow-io/go-courier/message"
)

// MessageIndex is the in-memory lookup of recently seen messages. Implementations must be safe for concurrent
// use and must not hand out references that the caller can mutate.
type MessageIndex interface {
	Register(m *message.Message)
	Refresh(m *message.Message)
	Remove(id ids.ID)
	ByID(id ids.ID) *message.Message
	Lookup(author message.Identity, sentAt uint64) *message.Message
	Len() int
}

type authorKey struct {
	author string
	sentAt uint64
}

// Index keeps snapshots of the most recently registered messages, evicting the oldest registration once full.
type Index struct {
	lock     sync.Mutex
	size     int
	byID     map[ids.ID]*message.Message
	byAuthor map[authorKey]ids.ID
	order    []ids.ID
}

func NewIndex(size int) *Index {
	return &Index{
		size:     size,
		byID:     make(map[ids.ID]*message.Message),
		byAuthor: make(map[authorKey]ids.ID),
	}
}

func (i *Index) Register(m *message.Message) {
	snapshot := m.Clone()

	i.lock.Lock()
	defer i.lock.Unlock()

	if _, ok := i.byID[m.ID]; !ok {
		i.order = append(i.order, m.ID)
	}
	i.byID[m.ID] = snapshot
	i.byAuthor[authorKey{m.Source.Key(), m.SentAt}] = m.ID

	for i.size > 0 && len(i.byID) > i.size && len(i.order) != 0 {
		oldest := i.order[0]
		i.order = i.order[1:]
		i.removeLocked(oldest)
	}
}

// Refresh replaces the snapshot of an already indexed message and ignores unknown ones.
func (i *Index) Refresh(m *message.Message) {
	snapshot := m.Clone()

	i.lock.Lock()
	defer i.lock.Unlock()

	if _, ok := i.byID[m.ID]; ok {
		i.byID[m.ID] = snapshot
	}
}

func (i *Index) Remove(id ids.ID) {
	i.lock.Lock()
	defer i.lock.Unlock()

	i.removeLocked(id)
	for n, o := range i.order {
		if o == id {
			i.order = append(i.order[:n], i.order[n+1:]...)
			break
		}
	}
}

func (i *Index) removeLocked(id ids.ID) {
	m, ok := i.byID[id]
	if !ok {
		return
	}
	delete(i.byID, id)
	k := authorKey{m.Source.Key(), m.SentAt}
	if i.byAuthor[k] == id {
		delete(i.byAuthor, k)
	}
}

func (i *Index) ByID(id ids.ID) *message.Message {
	i.lock.Lock()
	m, ok := i.byID[id]
	i.lock.Unlock()
	if !ok {
		return nil
	}
	return m.Clone()
}

func (i *Index) Lookup(author message.Identity, sentAt uint64) *message.Message {
	i.lock.Lock()
	id, ok := i.byAuthor[authorKey{author.Key(), sentAt}]
	var m *message.Message
	if ok {
		m = i.byID[id]
	}
	i.lock.Unlock()
	if m == nil {
		return nil
	}
	return m.Clone()
}

func (i *Index) Len() int {
	i.lock.Lock()
	defer i.lock.Unlock()
	return len(i.byID)
}
