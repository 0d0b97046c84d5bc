// Package sendstate tracks the delivery status of an outgoing message for a single recipient.
//
// Statuses advance along Pending -> Sent -> Delivered -> Read -> Viewed. A receipt for a later status implies
// the earlier ones, so a read receipt on a Pending recipient moves it straight to Read. Failed is only reached
// from Pending and absorbs every action except ManuallyRetried.
package sendstate

import (
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type Status uint8

const (
	Failed Status = iota
	Pending
	Sent
	Delivered
	Read
	Viewed
)

func (s Status) String() string {
	switch s {
	case Failed:
		return "failed"
	case Pending:
		return "pending"
	case Sent:
		return "sent"
	case Delivered:
		return "delivered"
	case Read:
		return "read"
	case Viewed:
		return "viewed"
	default:
		return "unknown"
	}
}

// MarshalYAML renders the status by name for operator output.
func (s Status) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}

func IsSent(s Status) bool      { return s >= Sent }
func IsDelivered(s Status) bool { return s >= Delivered }
func IsRead(s Status) bool      { return s >= Read }
func IsViewed(s Status) bool    { return s == Viewed }
func IsFailed(s Status) bool    { return s == Failed }

type ActionType uint8

const (
	ActionSent ActionType = iota
	ActionGotDeliveryReceipt
	ActionGotReadReceipt
	ActionGotViewedReceipt
	ActionFailed
	ActionManuallyRetried
)

type Action struct {
	Type      ActionType
	UpdatedAt uint64
}

type State struct {
	Status    Status `json:"status" yaml:"status"`
	UpdatedAt uint64 `json:"updatedAt" yaml:"updatedAt"`
	// nil when no reply permission was recorded for this recipient
	IsAllowedToReplyToStory *bool `json:"isAllowedToReplyToStory,omitempty" yaml:"isAllowedToReplyToStory,omitempty"`
}

var receiptTargets = map[ActionType]Status{
	ActionSent:               Sent,
	ActionGotDeliveryReceipt: Delivered,
	ActionGotReadReceipt:     Read,
	ActionGotViewedReceipt:   Viewed,
}

// Reduce is total: unknown actions and non-advancing combinations return state unchanged.
func Reduce(state State, action Action) State {
	next := state.Status
	switch {
	case state.Status == Failed:
		if action.Type == ActionManuallyRetried {
			next = Pending
		}
	case action.Type == ActionFailed:
		if state.Status == Pending {
			next = Failed
		}
	default:
		target, ok := receiptTargets[action.Type]
		if ok && target > state.Status {
			next = target
		}
	}

	if next == state.Status {
		return state
	}
	return State{
		Status:                  next,
		UpdatedAt:               action.UpdatedAt,
		IsAllowedToReplyToStory: state.IsAllowedToReplyToStory,
	}
}

// Map holds one State per recipient id.
type Map map[string]State

func (m Map) Clone() Map {
	if m == nil {
		return nil
	}
	return maps.Clone(m)
}

// Apply reduces the state of a known recipient and reports whether it changed. Unknown recipients are left
// alone.
func (m Map) Apply(recipientID string, action Action) bool {
	state, ok := m[recipientID]
	if !ok {
		return false
	}
	next := Reduce(state, action)
	if next == state {
		return false
	}
	m[recipientID] = next
	return true
}

// ApplyAll reduces every recipient and returns the ids whose state changed, sorted.
func (m Map) ApplyAll(action Action) []string {
	var changed []string
	for id := range m {
		if m.Apply(id, action) {
			changed = append(changed, id)
		}
	}
	slices.Sort(changed)
	return changed
}

func (m Map) Recipients() []string {
	keys := maps.Keys(m)
	slices.Sort(keys)
	return keys
}

func (m Map) Some(pred func(State) bool) bool {
	for _, s := range m {
		if pred(s) {
			return true
		}
	}
	return false
}

func (m Map) Every(pred func(State) bool) bool {
	for _, s := range m {
		if !pred(s) {
			return false
		}
	}
	return true
}

// HighestSuccessful returns the best status reached by any recipient other than ourID. A message sent only to
// ourselves reports our own status.
func (m Map) HighestSuccessful(ourID string) Status {
	highest := Failed
	others := 0
	for id, s := range m {
		if id == ourID {
			continue
		}
		others++
		if s.Status > highest {
			highest = s.Status
		}
	}
	if others == 0 {
		if s, ok := m[ourID]; ok {
			return s.Status
		}
	}
	return highest
}
