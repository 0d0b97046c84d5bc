// Package receipts folds buffered receipts and read/view syncs into the delivery and read state of a message.
package receipts

import (
	"github.com/meow-io/go-courier/message"
	"github.com/meow-io/go-courier/pending"
	"github.com/meow-io/go-courier/sendstate"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

var receiptActions = map[pending.Kind]sendstate.ActionType{
	pending.DeliveryReceipt: sendstate.ActionGotDeliveryReceipt,
	pending.ReadReceipt:     sendstate.ActionGotReadReceipt,
	pending.ViewedReceipt:   sendstate.ActionGotViewedReceipt,
}

type Result struct {
	SendState  sendstate.Map
	ReadStatus message.ReadStatus
	SeenStatus message.SeenStatus
	// earliest read or view time confirmed by a sync, 0 when none was seen
	MarkReadAt               uint64
	ExpirationStartTimestamp uint64
	ViewOnceOpened           bool

	ChangedRecipients []string
	Applied           []*pending.Modifier
	// receipts that cannot apply to this message, such as a receipt from someone who was never a recipient
	Discarded []*pending.Modifier
}

// Reconcile computes the state of m after applying mods. Modifiers that are not receipts or syncs are ignored.
// m is not modified; use Result.ApplyTo.
func Reconcile(m *message.Message, mods []*pending.Modifier, now uint64) *Result {
	r := &Result{
		SendState:                m.SendStateByRecipient.Clone(),
		ReadStatus:               m.ReadStatus,
		SeenStatus:               m.SeenStatus,
		ExpirationStartTimestamp: m.ExpirationStartTimestamp,
	}
	changed := make(map[string]struct{})

	for _, mod := range mods {
		if !mod.Kind.IsReceipt() {
			continue
		}

		if action, ok := receiptActions[mod.Kind]; ok {
			if !m.IsOutgoing() && !m.IsStory() {
				r.Discarded = append(r.Discarded, mod)
				continue
			}
			if _, known := r.SendState[mod.SourceID]; !known {
				r.Discarded = append(r.Discarded, mod)
				continue
			}
			if r.SendState.Apply(mod.SourceID, sendstate.Action{Type: action, UpdatedAt: mod.Timestamp}) {
				changed[mod.SourceID] = struct{}{}
			}
			r.Applied = append(r.Applied, mod)
			continue
		}

		target := message.Read
		if mod.Kind == pending.ViewSync || mod.Kind == pending.ViewOnceOpenSync {
			target = message.Viewed
		}
		if mod.Kind == pending.ViewOnceOpenSync {
			if !m.IsViewOnce {
				r.Discarded = append(r.Discarded, mod)
				continue
			}
			r.ViewOnceOpened = true
		}
		if target > r.ReadStatus {
			r.ReadStatus = target
		}
		r.SeenStatus = message.Seen

		readAt := mod.Timestamp
		if readAt == 0 || readAt > now {
			readAt = now
		}
		if r.MarkReadAt == 0 || readAt < r.MarkReadAt {
			r.MarkReadAt = readAt
		}
		r.Applied = append(r.Applied, mod)
	}

	if m.ExpireTimer != 0 && r.MarkReadAt != 0 {
		start := r.ExpirationStartTimestamp
		if start == 0 {
			start = now
		}
		if r.MarkReadAt < start {
			start = r.MarkReadAt
		}
		r.ExpirationStartTimestamp = start
	}

	if len(changed) != 0 {
		r.ChangedRecipients = maps.Keys(changed)
		slices.Sort(r.ChangedRecipients)
	}
	return r
}

// ApplyTo writes the result into m and reports whether the read state or send state changed.
func (r *Result) ApplyTo(m *message.Message) (readChanged bool, sendChanged bool) {
	readChanged = m.ReadStatus != r.ReadStatus ||
		m.SeenStatus != r.SeenStatus ||
		m.ExpirationStartTimestamp != r.ExpirationStartTimestamp ||
		(r.ViewOnceOpened && !m.Erased)
	sendChanged = len(r.ChangedRecipients) != 0

	m.ReadStatus = r.ReadStatus
	m.SeenStatus = r.SeenStatus
	m.ExpirationStartTimestamp = r.ExpirationStartTimestamp
	if sendChanged {
		m.SendStateByRecipient = r.SendState
	}
	if r.ViewOnceOpened && !m.Erased {
		m.Erase()
	}
	return readChanged, sendChanged
}
