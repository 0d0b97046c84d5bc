package lifecycle

import (
	"context"
	"sync"

	"github.com/meow-io/go-courier/message"
)

type fakeJobs struct {
	lock sync.Mutex
	jobs []*Job
}

func (f *fakeJobs) Add(_ context.Context, j *Job, onInsert func() error) error {
	f.lock.Lock()
	f.jobs = append(f.jobs, j)
	f.lock.Unlock()
	if onInsert != nil {
		return onInsert()
	}
	return nil
}

func (f *fakeJobs) last() *Job {
	f.lock.Lock()
	defer f.lock.Unlock()
	if len(f.jobs) == 0 {
		return nil
	}
	return f.jobs[len(f.jobs)-1]
}

type fakeNotifier struct {
	lock          sync.Mutex
	notifications []*Notification
}

func (f *fakeNotifier) Add(n *Notification) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.notifications = append(f.notifications, n)
}

func (f *fakeNotifier) RemoveBy(match func(*Notification) bool) {
	f.lock.Lock()
	defer f.lock.Unlock()
	kept := f.notifications[:0]
	for _, n := range f.notifications {
		if !match(n) {
			kept = append(kept, n)
		}
	}
	f.notifications = kept
}

func (f *fakeNotifier) count(kind NotificationKind) int {
	f.lock.Lock()
	defer f.lock.Unlock()
	c := 0
	for _, n := range f.notifications {
		if n.Kind == kind {
			c++
		}
	}
	return c
}

type fakeGroups struct {
	lock        sync.Mutex
	memberships map[string]*Membership
	afterChange map[string]*Membership
}

func newFakeGroups() *fakeGroups {
	return &fakeGroups{
		memberships: make(map[string]*Membership),
		afterChange: make(map[string]*Membership),
	}
}

func (f *fakeGroups) ApplyGroupChange(_ context.Context, conversationID string, _ *GroupChange) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if next, ok := f.afterChange[conversationID]; ok {
		f.memberships[conversationID] = next
	}
	return nil
}

func (f *fakeGroups) Membership(_ context.Context, conversationID string) (*Membership, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.memberships[conversationID], nil
}

type fakeAttachments struct {
	lock  sync.Mutex
	calls int
}

func (f *fakeAttachments) QueueDownloads(_ context.Context, m *message.Message) ([]*message.Attachment, bool, error) {
	f.lock.Lock()
	f.calls++
	f.lock.Unlock()
	out := make([]*message.Attachment, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		c := *a
		c.Pending = true
		out = append(out, &c)
	}
	return out, true, nil
}

type fakeSync struct {
	lock    sync.Mutex
	calls   int
	release chan struct{}
}

func (f *fakeSync) SendSync(_ context.Context, _ *message.Message) error {
	f.lock.Lock()
	f.calls++
	f.lock.Unlock()
	if f.release != nil {
		<-f.release
	}
	return nil
}

type fakeRecipients struct {
	lock         sync.Mutex
	rotated      []string
	unregistered []string
}

func (f *fakeRecipients) MarkUnregistered(_ context.Context, id string) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.unregistered = append(f.unregistered, id)
	return nil
}

func (f *fakeRecipients) RotateIdentity(_ context.Context, id string) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.rotated = append(f.rotated, id)
	return nil
}
