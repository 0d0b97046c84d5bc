package sendstate

import (
	"testing"

	"github.com/stretchr/testify/require"
)

var (
	allStatuses = []Status{Failed, Pending, Sent, Delivered, Read, Viewed}
	allActions  = []ActionType{ActionSent, ActionGotDeliveryReceipt, ActionGotReadReceipt, ActionGotViewedReceipt, ActionFailed, ActionManuallyRetried}
)

func TestReduceIsMonotonicExceptFailureAndRetry(t *testing.T) {
	require := require.New(t)

	for _, s := range allStatuses {
		for _, a := range allActions {
			out := Reduce(State{Status: s, UpdatedAt: 1}, Action{Type: a, UpdatedAt: 2})
			switch {
			case a == ActionManuallyRetried && s == Failed:
				require.Equal(Pending, out.Status)
			case a == ActionFailed && s == Pending:
				require.Equal(Failed, out.Status)
			case s == Failed:
				require.Equal(Failed, out.Status, "%s + %d", s, a)
			default:
				require.GreaterOrEqual(int(out.Status), int(s), "%s + %d", s, a)
			}
			if out.Status == s {
				require.Equal(uint64(1), out.UpdatedAt)
			} else {
				require.Equal(uint64(2), out.UpdatedAt)
			}
		}
	}
}

func TestReadReceiptImpliesDelivery(t *testing.T) {
	require := require.New(t)

	out := Reduce(State{Status: Pending}, Action{Type: ActionGotReadReceipt, UpdatedAt: 10})
	require.Equal(Read, out.Status)
	require.True(IsDelivered(out.Status))
}

func TestDeliveryBeforeSentIsNotLost(t *testing.T) {
	require := require.New(t)

	m := Map{"a": {Status: Pending}, "b": {Status: Pending}}
	require.True(m.Apply("a", Action{Type: ActionGotDeliveryReceipt, UpdatedAt: 5}))
	require.Equal([]string{"b"}, m.ApplyAll(Action{Type: ActionSent, UpdatedAt: 6}))
	require.Equal(Delivered, m["a"].Status)
	require.Equal(Sent, m["b"].Status)
}

func TestFailedIsTerminalUntilRetried(t *testing.T) {
	require := require.New(t)

	s := Reduce(State{Status: Pending}, Action{Type: ActionFailed, UpdatedAt: 1})
	require.Equal(Failed, s.Status)
	require.Equal(Failed, Reduce(s, Action{Type: ActionFailed, UpdatedAt: 2}).Status)
	for _, a := range []ActionType{ActionSent, ActionGotDeliveryReceipt, ActionGotReadReceipt, ActionGotViewedReceipt} {
		out := Reduce(s, Action{Type: a, UpdatedAt: 2})
		require.Equal(s, out, "%d", a)
	}

	s = Reduce(s, Action{Type: ActionManuallyRetried, UpdatedAt: 3})
	require.Equal(Pending, s.Status)
	require.Equal(uint64(3), s.UpdatedAt)
}

func TestRetryLeavesSuccessfulRecipientsAlone(t *testing.T) {
	require := require.New(t)

	m := Map{
		"failed":    {Status: Failed, UpdatedAt: 1},
		"pending":   {Status: Pending, UpdatedAt: 1},
		"delivered": {Status: Delivered, UpdatedAt: 1},
	}
	changed := m.ApplyAll(Action{Type: ActionManuallyRetried, UpdatedAt: 9})
	require.Equal([]string{"failed"}, changed)
	require.Equal(Pending, m["failed"].Status)
	require.Equal(State{Status: Delivered, UpdatedAt: 1}, m["delivered"])
}

func TestLateFailureDoesNotDowngrade(t *testing.T) {
	require := require.New(t)

	s := State{Status: Delivered, UpdatedAt: 4}
	require.Equal(s, Reduce(s, Action{Type: ActionFailed, UpdatedAt: 5}))
}

func TestViewedSupersedesRead(t *testing.T) {
	require := require.New(t)

	s := Reduce(State{Status: Sent}, Action{Type: ActionGotViewedReceipt, UpdatedAt: 2})
	require.Equal(Viewed, s.Status)
	require.Equal(Viewed, Reduce(s, Action{Type: ActionGotReadReceipt, UpdatedAt: 3}).Status)
}

func TestUnknownActionIsNoop(t *testing.T) {
	require := require.New(t)

	s := State{Status: Sent, UpdatedAt: 1}
	require.Equal(s, Reduce(s, Action{Type: ActionType(99), UpdatedAt: 5}))
}

func TestApplyIgnoresUnknownRecipient(t *testing.T) {
	require := require.New(t)

	m := Map{"a": {Status: Sent}}
	require.False(m.Apply("z", Action{Type: ActionGotDeliveryReceipt}))
	require.Len(m, 1)
}

func TestReplyPermissionSurvivesTransitions(t *testing.T) {
	require := require.New(t)

	allowed := false
	s := Reduce(State{Status: Pending, IsAllowedToReplyToStory: &allowed}, Action{Type: ActionSent, UpdatedAt: 1})
	require.NotNil(s.IsAllowedToReplyToStory)
	require.False(*s.IsAllowedToReplyToStory)
}

func TestHighestSuccessful(t *testing.T) {
	require := require.New(t)

	m := Map{"me": {Status: Viewed}, "a": {Status: Sent}, "b": {Status: Delivered}}
	require.Equal(Delivered, m.HighestSuccessful("me"))
	require.Equal(Viewed, Map{"me": {Status: Viewed}}.HighestSuccessful("me"))
	require.True(m.Some(func(s State) bool { return IsDelivered(s.Status) }))
	require.False(m.Every(func(s State) bool { return IsRead(s.Status) }))
}
