// Package lifecycle drives messages from arrival or composition to a durable, reconciled state.
//
// Every operation touching a conversation runs on that conversation's job queue, so two messages or a message
// and one of its receipts never interleave. Store work happens inside a single database transaction per job;
// follow-up work that depends on the transaction being durable is queued from an after-commit hook.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/meow-io/go-courier/clock"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/ids"
	"github.com/meow-io/go-courier/internal/db"
	"github.com/meow-io/go-courier/message"
	"github.com/meow-io/go-courier/pending"
	"github.com/meow-io/go-courier/quotes"
	"github.com/meow-io/go-courier/reactions"
	"github.com/meow-io/go-courier/sendstate"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var (
	ErrMessageNotFound      = errors.New("lifecycle: message not found")
	ErrConversationNotFound = errors.New("lifecycle: conversation not found")
)

type Coordinator struct {
	config           *config.Config
	db               *database
	log              *zap.SugaredLogger
	clock            clock.Clock
	self             message.Identity
	hasLinkedDevices bool
	index            MessageIndex
	pending          *pending.Queue
	resolver         *quotes.Resolver
	queues           *conversationQueues
	metrics          *metrics
	updates          UpdateChannel

	jobs        JobDispatcher
	notifier    Notifier
	attachments AttachmentDownloader
	groups      Groups
	syncSender  SyncSender
	recipients  Recipients

	// guards index registration together with pending registration and draining
	modifierLock sync.Mutex
	syncLock     sync.Mutex
	syncChains   map[ids.ID]chan struct{}
	timerLock    sync.Mutex
	timers       map[*time.Timer]struct{}
	finished     sync.WaitGroup
	cancelFunc   context.CancelFunc
}

// storeLookup exposes message lookups to the quote resolver. Only valid inside a transaction.
type storeLookup struct {
	db *database
}

func (s *storeLookup) MessagesBySentAt(sentAt uint64) ([]*message.Message, error) {
	return s.db.messagesBySentAt(sentAt)
}

func NewCoordinator(c *config.Config, internalDB *db.Database, clk clock.Clock, collab *Collaborators) (*Coordinator, error) {
	log := c.Logger("lifecycle/coordinator")
	d, err := newDatabase(internalDB)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: error making coordinator: %w", err)
	}
	if collab == nil {
		collab = &Collaborators{}
	}
	if collab.Self.IsZero() {
		return nil, errors.New("lifecycle: own identity is required")
	}

	co := &Coordinator{
		config:           c,
		db:               d,
		log:              log,
		clock:            clk,
		self:             collab.Self,
		hasLinkedDevices: collab.HasLinkedDevices,
		index:            collab.Index,
		pending:          pending.NewQueue(c, clk),
		queues:           newConversationQueues(c.Logger("lifecycle/queues")),
		updates:          make(UpdateChannel, c.UpdateBufferSize),
		jobs:             collab.Jobs,
		notifier:         collab.Notifier,
		attachments:      collab.Attachments,
		groups:           collab.Groups,
		syncSender:       collab.Sync,
		recipients:       collab.Recipients,
		syncChains:       make(map[ids.ID]chan struct{}),
		timers:           make(map[*time.Timer]struct{}),
	}
	if co.index == nil {
		co.index = NewIndex(c.IdentityIndexSize)
	}
	if co.jobs == nil {
		co.jobs = directJobs{}
	}
	if co.notifier == nil {
		co.notifier = noopNotifier{}
	}
	if co.recipients == nil {
		co.recipients = noopRecipients{}
	}
	co.resolver = quotes.NewResolver(c, co.index, &storeLookup{d})

	reg := collab.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	if co.metrics, err = newMetrics(reg, co.pending); err != nil {
		return nil, fmt.Errorf("lifecycle: error registering metrics: %w", err)
	}
	return co, nil
}

func (c *Coordinator) Start() error {
	ctx, cancelFunc := context.WithCancel(context.Background())
	c.cancelFunc = cancelFunc
	c.startSweeper(ctx)
	return nil
}

func (c *Coordinator) Shutdown() error {
	if c.cancelFunc != nil {
		c.cancelFunc()
		c.finished.Wait()
	}
	c.timerLock.Lock()
	for t := range c.timers {
		t.Stop()
	}
	c.timers = make(map[*time.Timer]struct{})
	c.timerLock.Unlock()
	c.queues.Close()
	return nil
}

func (c *Coordinator) Updates() UpdateChannel {
	return c.updates
}

// Wait blocks until all queued conversation work, including durable reconciliation, has finished.
func (c *Coordinator) Wait() {
	c.queues.Wait()
}

// PendingModifiers returns the number of buffered modifiers.
func (c *Coordinator) PendingModifiers() int {
	return c.pending.Len()
}

func (c *Coordinator) SweepPending() int {
	return c.pending.Sweep()
}

func (c *Coordinator) startSweeper(ctx context.Context) {
	interval := time.Duration(c.config.PendingSweepIntervalMs) * time.Millisecond
	c.finished.Add(1)
	go func() {
		defer c.finished.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				c.log.Debugf("stopping pending sweeper")
				return
			case <-ticker.C:
				c.pending.Sweep()
			}
		}
	}()
}

// HandleIncoming runs an inbound payload through deduplication, gating, quote resolution and persistence. Drops
// are reported through the returned Outcome; an error means the payload could not be processed and should be
// delivered again.
func (c *Coordinator) HandleIncoming(ctx context.Context, p *Payload) (*Outcome, error) {
	if p == nil || p.Message == nil {
		return nil, errors.New("lifecycle: payload without message")
	}
	m := p.Message.Clone()
	if m.ID.IsZero() {
		m.ID = ids.NewID()
	}
	if m.ReceivedAt == 0 {
		m.ReceivedAt = c.clock.CurrentTimeMs()
	}

	var outcome *Outcome
	if err := c.queues.Run(m.ConversationID, "handling incoming message", func() error {
		return c.db.Run(fmt.Sprintf("handling incoming %s", m.SenderKey()), func() error {
			var err error
			outcome, err = c.ingest(ctx, p, m)
			return err
		})
	}); err != nil {
		return nil, err
	}

	c.metrics.outcome(outcome)
	switch outcome.Kind {
	case Dropped:
		c.log.Infof("dropped %s in %s: %s", m.SenderKey(), m.ConversationID, outcome.Reason)
		c.emit(&MessageDropped{ConversationID: m.ConversationID, Source: m.Source, SentAt: m.SentAt, Reason: outcome.Reason})
	case Deferred:
		c.log.Infof("deferred %s in %s", m.SenderKey(), m.ConversationID)
	default:
		c.log.Infof("%s %s in %s as %s", outcome.Kind, m.SenderKey(), m.ConversationID, outcome.MessageID)
	}
	return outcome, nil
}

func (c *Coordinator) ingest(ctx context.Context, p *Payload, m *message.Message) (*Outcome, error) {
	existing, err := c.findDuplicate(m)
	if err != nil {
		return nil, err
	}
	if m.IsOutgoing() && p.IsRecipientUpdate {
		if existing == nil || !existing.IsOutgoing() {
			return dropped(message.DropUnmatchedSyncUpdate), nil
		}
		return c.mergeSyncUpdate(p, existing)
	}
	if existing != nil {
		return dropped(message.DropDuplicate), nil
	}

	reason, err := c.checkGroup(ctx, p, m)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		return dropped(reason), nil
	}

	conv, err := c.db.conversation(m.ConversationID)
	if err != nil {
		return nil, err
	}
	if o, err := c.checkStory(p, conv, m); err != nil || o != nil {
		return o, err
	}

	if m.Quote != nil {
		q, err := c.resolver.Resolve(m.ConversationID, m.Quote)
		if err != nil {
			return nil, err
		}
		m.Quote = q
	}

	if m.IsEmpty() {
		return dropped(message.DropEmpty), nil
	}

	if conv == nil {
		var members []string
		if p.Group == nil && m.IsIncoming() {
			members = []string{m.Source.Key()}
		}
		conv = &Conversation{ID: m.ConversationID, Group: p.Group != nil, Accepted: m.IsOutgoing(), Members: members}
		if err := c.db.updateConversation(conv); err != nil {
			return nil, err
		}
	}
	if m.ExpireTimer != conv.ExpireTimer && updatesExpireTimer(p, m) {
		c.log.Debugf("expire timer of %s changed from %d to %d by %s", conv.ID, conv.ExpireTimer, m.ExpireTimer, m.SenderKey())
		conv.ExpireTimer = m.ExpireTimer
		if err := c.db.updateConversation(conv); err != nil {
			return nil, err
		}
		updated := *conv
		c.emitAfterCommit(&ConversationUpdated{Conversation: &updated})
	}

	if m.IsOutgoing() {
		c.prepareSyncTranscript(p, m)
	}

	if _, err := c.persist(conv, m); err != nil {
		return nil, err
	}
	return persisted(m.ID), nil
}

// updatesExpireTimer reports whether m carries the conversation's disappearing-message timer. Stories, group
// updates and session resets never do, and group v2 messages only carry it when it is set.
func updatesExpireTimer(p *Payload, m *message.Message) bool {
	if m.IsStory() || m.Flags&(message.FlagGroupUpdate|message.FlagEndSession) != 0 {
		return false
	}
	if p.Group != nil && p.Group.Version == GroupV2 && m.ExpireTimer == 0 {
		return false
	}
	return true
}

// prepareSyncTranscript fills in the state of a message we sent from another device.
func (c *Coordinator) prepareSyncTranscript(p *Payload, m *message.Message) {
	m.ReadStatus = message.Read
	m.SeenStatus = message.Seen
	m.Synced = true
	if m.SendStateByRecipient == nil {
		m.SendStateByRecipient = make(sendstate.Map)
	}
	for _, dest := range p.Destinations {
		if _, ok := m.SendStateByRecipient[dest]; !ok {
			m.SendStateByRecipient[dest] = sendstate.State{Status: sendstate.Sent, UpdatedAt: m.SentAt}
		}
	}
	m.UnidentifiedDeliveries = union(m.UnidentifiedDeliveries, p.UnidentifiedDeliveries)
	if m.ExpireTimer != 0 && m.ExpirationStartTimestamp == 0 {
		m.ExpirationStartTimestamp = p.ExpirationStartTimestamp
		if m.ExpirationStartTimestamp == 0 {
			m.ExpirationStartTimestamp = m.SentAt
		}
	}
}

func (c *Coordinator) mergeSyncUpdate(p *Payload, existing *message.Message) (*Outcome, error) {
	now := c.clock.CurrentTimeMs()
	if existing.SendStateByRecipient == nil {
		existing.SendStateByRecipient = make(sendstate.Map)
	}
	var changed []string
	for _, dest := range p.Destinations {
		if _, ok := existing.SendStateByRecipient[dest]; !ok {
			existing.SendStateByRecipient[dest] = sendstate.State{Status: sendstate.Sent, UpdatedAt: now}
			changed = append(changed, dest)
		} else if existing.SendStateByRecipient.Apply(dest, sendstate.Action{Type: sendstate.ActionSent, UpdatedAt: now}) {
			changed = append(changed, dest)
		}
	}
	existing.UnidentifiedDeliveries = union(existing.UnidentifiedDeliveries, p.UnidentifiedDeliveries)
	if existing.ExpirationStartTimestamp == 0 && p.ExpirationStartTimestamp != 0 {
		existing.ExpirationStartTimestamp = p.ExpirationStartTimestamp
	}
	existing.Synced = true

	if err := c.save(existing); err != nil {
		return nil, err
	}
	if len(changed) != 0 {
		c.emitAfterCommit(&SendStateChanged{ConversationID: existing.ConversationID, MessageID: existing.ID, Recipients: changed, SendState: existing.SendStateByRecipient.Clone()})
	}
	c.emitAfterCommit(&MessageUpdated{Message: existing.Clone()})
	return merged(existing.ID), nil
}

// persist stores a new message, registers it and runs the immediate reconciliation phase. Must be called inside
// a transaction. If the transaction does not commit, the registration is undone and the drained modifiers are
// buffered again.
func (c *Coordinator) persist(conv *Conversation, m *message.Message) (*pass, error) {
	if err := c.db.saveMessage(m); err != nil {
		return nil, err
	}

	c.modifierLock.Lock()
	c.index.Register(m)
	mods := c.pending.DrainFor(m.Source, m.SentAt)
	c.modifierLock.Unlock()
	id := m.ID
	c.db.AfterRollback(func() {
		c.modifierLock.Lock()
		defer c.modifierLock.Unlock()
		c.index.Remove(id)
		for _, mod := range mods {
			c.pending.Register(mod)
		}
		if len(mods) != 0 {
			c.log.Debugf("rebuffered %d modifiers of %s after rollback", len(mods), id)
		}
	})

	p, err := c.applyModifiers(m, mods)
	if err != nil {
		return nil, err
	}

	if len(m.Attachments) != 0 && c.attachments != nil {
		if conv.Accepted {
			attachments, changed, err := c.attachments.QueueDownloads(context.Background(), m)
			if err != nil {
				c.log.Warnf("unable to queue attachment downloads for %s: %s", m.ID, err)
			} else if changed {
				m.Attachments = attachments
				p.changed = true
			}
		} else {
			c.log.Debugf("holding back attachments of %s until %s is accepted", m.ID, conv.ID)
		}
	}

	if p.changed {
		if err := c.save(m); err != nil {
			return nil, err
		}
	} else {
		c.refreshAfterCommit(m)
	}

	if m.IsIncoming() && m.ReadStatus == message.Unread {
		n := &Notification{Kind: NotifyMessage, ConversationID: m.ConversationID, MessageID: m.ID, FromID: m.Source.Key(), SentAt: m.SentAt}
		c.db.AfterCommit(func() {
			c.notifier.Add(n)
		})
	}
	c.emitAfterCommit(&MessagePersisted{Message: m.Clone()})
	c.scheduleDurablePass(m.ConversationID, m.ID, p.markReadAt)
	if m.Quote != nil && !m.Quote.Resolved {
		id, convID := m.ID, m.ConversationID
		c.db.AfterCommit(func() {
			c.scheduleQuoteRecheck(convID, id)
		})
	}
	return p, nil
}

// save writes m and refreshes its index snapshot once the transaction commits.
func (c *Coordinator) save(m *message.Message) error {
	if err := c.db.saveMessage(m); err != nil {
		return err
	}
	c.refreshAfterCommit(m)
	return nil
}

func (c *Coordinator) refreshAfterCommit(m *message.Message) {
	snapshot := m.Clone()
	c.db.AfterCommit(func() {
		c.index.Refresh(snapshot)
	})
}

func (c *Coordinator) conversationOrNew(id string, group, accepted bool, members []string) (*Conversation, error) {
	conv, err := c.db.conversation(id)
	if err != nil {
		return nil, err
	}
	if conv != nil {
		return conv, nil
	}
	conv = &Conversation{ID: id, Group: group, Accepted: accepted, Members: members}
	if err := c.db.updateConversation(conv); err != nil {
		return nil, err
	}
	return conv, nil
}

func (c *Coordinator) scheduleQuoteRecheck(conversationID string, id ids.ID) {
	delay := time.Duration(c.config.QuoteRecheckDelayMs) * time.Millisecond

	c.timerLock.Lock()
	defer c.timerLock.Unlock()
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		c.timerLock.Lock()
		delete(c.timers, t)
		c.timerLock.Unlock()
		if err := c.queues.Enqueue(conversationID, "rechecking quote", func() {
			if err := c.recheckQuote(id); err != nil {
				c.log.Warnf("error rechecking quote of %s: %s", id, err)
			}
		}); err != nil {
			c.log.Debugf("unable to queue quote recheck for %s: %s", id, err)
		}
	})
	c.timers[t] = struct{}{}
}

func (c *Coordinator) recheckQuote(id ids.ID) error {
	return c.db.Run("rechecking quote", func() error {
		m, err := c.db.message(id)
		if err != nil || m == nil || m.Quote == nil || m.Quote.Resolved {
			return err
		}
		q, err := c.resolver.Resolve(m.ConversationID, m.Quote)
		if err != nil {
			return err
		}
		if !q.Resolved {
			c.log.Warnf("%s", &message.DataIntegrityWarning{What: fmt.Sprintf("quote %s@%d of %s still missing", q.Author.Key(), q.OriginalTimestamp, id)})
			return nil
		}
		m.Quote = q
		if err := c.save(m); err != nil {
			return err
		}
		c.emitAfterCommit(&MessageUpdated{Message: m.Clone()})
		return nil
	})
}

// findTarget looks up the message a modifier refers to. Must not be called inside a transaction.
func (c *Coordinator) findTarget(author message.Identity, sentAt uint64) (*message.Message, error) {
	if m := c.index.Lookup(author, sentAt); m != nil {
		return m, nil
	}
	var target *message.Message
	if err := c.db.RunReadOnly("finding modifier target", func() error {
		candidates, err := c.db.messagesBySentAt(sentAt)
		if err != nil {
			return err
		}
		for _, m := range candidates {
			if m.Source.Matches(author) {
				target = m
				return nil
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return target, nil
}

// HandleModifier applies a receipt, sync, reaction, delete or edit to its target, or buffers it until the
// target is registered.
func (c *Coordinator) HandleModifier(ctx context.Context, mod *pending.Modifier) error {
	if mod.ReceivedAt == 0 {
		mod.ReceivedAt = c.clock.CurrentTimeMs()
	}
	target, err := c.findTarget(mod.TargetAuthor, mod.TargetTimestamp)
	if err != nil {
		return err
	}
	if target == nil {
		c.modifierLock.Lock()
		target = c.index.Lookup(mod.TargetAuthor, mod.TargetTimestamp)
		if target == nil {
			c.pending.Register(mod)
			c.modifierLock.Unlock()
			return nil
		}
		c.modifierLock.Unlock()
	}

	return c.queues.Run(target.ConversationID, fmt.Sprintf("applying %s", mod.Kind), func() error {
		return c.applyToExisting(target.ID, mod)
	})
}

func (c *Coordinator) applyToExisting(id ids.ID, mod *pending.Modifier) error {
	missing := false
	if err := c.db.Run(fmt.Sprintf("applying %s", mod), func() error {
		m, err := c.db.message(id)
		if err != nil {
			return err
		}
		if m == nil {
			missing = true
			return nil
		}
		p, err := c.applyModifiers(m, []*pending.Modifier{mod})
		if err != nil {
			return err
		}
		if p.changed {
			if err := c.save(m); err != nil {
				return err
			}
		}
		if p.markReadAt != 0 {
			c.scheduleDurablePass(m.ConversationID, m.ID, p.markReadAt)
		}
		return nil
	}); err != nil {
		return err
	}
	if missing {
		c.log.Debugf("target of %s vanished, buffering", mod)
		c.pending.Register(mod)
	}
	return nil
}

// SendMessage records a message composed locally and hands it to the job dispatcher. The message is persisted
// from the dispatcher's insert callback.
func (c *Coordinator) SendMessage(ctx context.Context, draft *message.Message) (*message.Message, error) {
	m := draft.Clone()
	now := c.clock.CurrentTimeMs()
	if m.ID.IsZero() {
		m.ID = ids.NewID()
	}
	if !m.IsStory() {
		m.Type = message.Outgoing
	}
	m.Source = c.self
	if m.SentAt == 0 {
		m.SentAt = now
	}
	m.ReceivedAt = now
	m.ReadStatus = message.Read
	m.SeenStatus = message.Seen

	if err := c.queues.Run(m.ConversationID, "sending message", func() error {
		var conv *Conversation
		if err := c.db.RunReadOnly("preparing outgoing message", func() error {
			var err error
			if conv, err = c.db.conversation(m.ConversationID); err != nil || conv == nil {
				return err
			}
			if m.Quote != nil {
				if m.Quote, err = c.resolver.Resolve(m.ConversationID, m.Quote); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return err
		}
		if conv == nil {
			return fmt.Errorf("%w: %s", ErrConversationNotFound, m.ConversationID)
		}
		if m.IsEmpty() {
			return message.Drop(message.DropEmpty)
		}

		m.ExpireTimer = conv.ExpireTimer
		if m.ExpireTimer != 0 {
			m.ExpirationStartTimestamp = m.SentAt
		}
		m.SendStateByRecipient = make(sendstate.Map)
		self := c.self.Key()
		for _, member := range conv.Members {
			if member != self {
				m.SendStateByRecipient[member] = sendstate.State{Status: sendstate.Pending, UpdatedAt: now}
			}
		}
		if c.hasLinkedDevices {
			m.SendStateByRecipient[self] = sendstate.State{Status: sendstate.Pending, UpdatedAt: now}
		}

		kind := JobSendMessage
		if m.IsStory() {
			kind = JobSendStory
		}
		job := &Job{Kind: kind, ConversationID: conv.ID, MessageID: m.ID, Recipients: m.SendStateByRecipient.Recipients()}
		return c.jobs.Add(ctx, job, func() error {
			return c.db.Run("saving outgoing message", func() error {
				_, err := c.persist(conv, m)
				return err
			})
		})
	}); err != nil {
		return nil, err
	}
	return m.Clone(), nil
}

func (c *Coordinator) conversationOf(id ids.ID) (string, error) {
	if m := c.index.ByID(id); m != nil {
		return m.ConversationID, nil
	}
	m, err := c.Message(id)
	if err != nil {
		return "", err
	}
	return m.ConversationID, nil
}

// RecordSendResult applies the outcome of one send attempt. Failures are recorded per recipient and never
// affect the state of other recipients.
func (c *Coordinator) RecordSendResult(ctx context.Context, id ids.ID, results []*RecipientResult) error {
	convID, err := c.conversationOf(id)
	if err != nil {
		return err
	}
	return c.queues.Run(convID, "recording send result", func() error {
		return c.db.Run(fmt.Sprintf("recording send result for %s", id), func() error {
			m, err := c.db.message(id)
			if err != nil {
				return err
			}
			if m == nil {
				return fmt.Errorf("%w: %s", ErrMessageNotFound, id)
			}
			conv, err := c.db.conversation(m.ConversationID)
			if err != nil {
				return err
			}
			isGroup := conv != nil && conv.Group
			now := c.clock.CurrentTimeMs()

			var changed, rotated, unregistered []string
			for _, r := range results {
				if _, ok := m.SendStateByRecipient[r.RecipientID]; !ok {
					c.log.Warnf("discarding send result for unknown recipient %s of %s", r.RecipientID, id)
					continue
				}
				if r.Err == nil {
					if m.SendStateByRecipient.Apply(r.RecipientID, sendstate.Action{Type: sendstate.ActionSent, UpdatedAt: now}) {
						changed = append(changed, r.RecipientID)
					}
					if r.Unidentified {
						m.UnidentifiedDeliveries = union(m.UnidentifiedDeliveries, []string{r.RecipientID})
					}
					m.Errors = withoutErrorsFor(m.Errors, r.RecipientID)
					continue
				}

				se, ok := message.ToSendError(r.Err)
				if !ok {
					se = &message.SendError{Kind: message.ErrorKindTransient, Retryable: true, Message: r.Err.Error()}
				}
				se.RecipientID = r.RecipientID
				if m.SendStateByRecipient.Apply(r.RecipientID, sendstate.Action{Type: sendstate.ActionFailed, UpdatedAt: now}) {
					changed = append(changed, r.RecipientID)
				}
				switch se.Kind {
				case message.ErrorKindIdentityRotation:
					rotated = append(rotated, r.RecipientID)
				case message.ErrorKindUnregisteredRecipient:
					unregistered = append(unregistered, r.RecipientID)
					if !isGroup {
						m.Errors = append(withoutErrorsFor(m.Errors, r.RecipientID), se)
					}
				default:
					m.Errors = append(withoutErrorsFor(m.Errors, r.RecipientID), se)
				}
				c.log.Debugf("send of %s to %s failed: %s", id, r.RecipientID, r.Err)
			}

			if err := c.save(m); err != nil {
				return err
			}
			if len(changed) != 0 {
				c.emitAfterCommit(&SendStateChanged{ConversationID: m.ConversationID, MessageID: m.ID, Recipients: changed, SendState: m.SendStateByRecipient.Clone()})
			}
			c.db.AfterCommit(func() {
				for _, r := range rotated {
					if err := c.recipients.RotateIdentity(ctx, r); err != nil {
						c.log.Warnf("error rotating identity of %s: %s", r, err)
					}
				}
				for _, r := range unregistered {
					if err := c.recipients.MarkUnregistered(ctx, r); err != nil {
						c.log.Warnf("error marking %s unregistered: %s", r, err)
					}
				}
			})
			return nil
		})
	})
}

// RetrySend moves failed recipients back to Pending and dispatches a new send job for them.
func (c *Coordinator) RetrySend(ctx context.Context, id ids.ID) error {
	convID, err := c.conversationOf(id)
	if err != nil {
		return err
	}
	return c.queues.Run(convID, "retrying send", func() error {
		var m *message.Message
		if err := c.db.RunReadOnly("loading message for retry", func() error {
			var err error
			m, err = c.db.message(id)
			return err
		}); err != nil {
			return err
		}
		if m == nil {
			return fmt.Errorf("%w: %s", ErrMessageNotFound, id)
		}

		retried := m.SendStateByRecipient.ApplyAll(sendstate.Action{Type: sendstate.ActionManuallyRetried, UpdatedAt: c.clock.CurrentTimeMs()})
		if len(retried) == 0 {
			c.log.Debugf("nothing to retry for %s", id)
			return nil
		}
		for _, r := range retried {
			m.Errors = withoutErrorsFor(m.Errors, r)
		}
		kind := JobSendMessage
		if m.IsStory() {
			kind = JobSendStory
		}
		return c.jobs.Add(ctx, &Job{Kind: kind, ConversationID: m.ConversationID, MessageID: m.ID, Recipients: retried}, func() error {
			return c.db.Run("saving retried message", func() error {
				if err := c.save(m); err != nil {
					return err
				}
				c.emitAfterCommit(&SendStateChanged{ConversationID: m.ConversationID, MessageID: m.ID, Recipients: retried, SendState: m.SendStateByRecipient.Clone()})
				return nil
			})
		})
	})
}

// SendSyncMessage sends the sync transcript of an outgoing message to our other devices. Calls for the same
// message run one after the other, and a message is only synced once.
func (c *Coordinator) SendSyncMessage(ctx context.Context, id ids.ID) error {
	c.syncLock.Lock()
	previous := c.syncChains[id]
	done := make(chan struct{})
	c.syncChains[id] = done
	c.syncLock.Unlock()

	defer func() {
		c.syncLock.Lock()
		if c.syncChains[id] == done {
			delete(c.syncChains, id)
		}
		c.syncLock.Unlock()
		close(done)
	}()

	if previous != nil {
		select {
		case <-previous:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m, err := c.Message(id)
	if err != nil {
		return err
	}
	if m.Synced || (!m.IsOutgoing() && !m.IsStory()) {
		return nil
	}
	if c.syncSender == nil {
		c.log.Debugf("no sync sender, skipping sync of %s", id)
		return nil
	}
	if err := c.syncSender.SendSync(ctx, m); err != nil {
		return fmt.Errorf("lifecycle: error sending sync message for %s: %w", id, err)
	}

	return c.queues.Run(m.ConversationID, "recording sync", func() error {
		return c.db.Run("recording sync", func() error {
			m, err := c.db.message(id)
			if err != nil || m == nil {
				return err
			}
			m.Synced = true
			self := c.self.Key()
			if m.SendStateByRecipient.Apply(self, sendstate.Action{Type: sendstate.ActionSent, UpdatedAt: c.clock.CurrentTimeMs()}) {
				c.emitAfterCommit(&SendStateChanged{ConversationID: m.ConversationID, MessageID: m.ID, Recipients: []string{self}, SendState: m.SendStateByRecipient.Clone()})
			}
			return c.save(m)
		})
	})
}

// SendReaction applies our own reaction locally and dispatches it. Reactions to stories become a message in
// conversationID, the conversation with the story author.
func (c *Coordinator) SendReaction(ctx context.Context, conversationID string, ev *reactions.Event) error {
	e := *ev
	now := c.clock.CurrentTimeMs()
	e.FromID = c.self.Key()
	e.Provenance = reactions.ThisDevice
	if e.Timestamp == 0 {
		e.Timestamp = now
	}
	e.ReceivedAt = now

	target, err := c.findTarget(e.TargetAuthor, e.TargetTimestamp)
	if err != nil {
		return err
	}
	if target == nil {
		return fmt.Errorf("%w: %s@%d", ErrMessageNotFound, e.TargetAuthor.Key(), e.TargetTimestamp)
	}

	if target.IsStory() {
		if e.Remove {
			return errors.New("lifecycle: story reactions cannot be removed")
		}
		return c.queues.Run(conversationID, "sending story reaction", func() error {
			m := reactions.StoryReactionMessage(&reactions.StoryReactionParams{Story: target, Event: &e, ConversationID: conversationID, Source: c.self})
			job := &Job{Kind: JobSendReaction, ConversationID: conversationID, MessageID: m.ID, Recipients: []string{e.TargetAuthor.Key()}, Reaction: &e}
			return c.jobs.Add(ctx, job, func() error {
				return c.db.Run("saving story reaction", func() error {
					conv, err := c.conversationOrNew(conversationID, false, true, []string{e.TargetAuthor.Key()})
					if err != nil {
						return err
					}
					_, err = c.persist(conv, m)
					return err
				})
			})
		})
	}

	return c.queues.Run(target.ConversationID, "sending reaction", func() error {
		var recipients []string
		if err := c.db.RunReadOnly("loading reaction recipients", func() error {
			conv, err := c.db.conversation(target.ConversationID)
			if err != nil || conv == nil {
				return err
			}
			for _, member := range conv.Members {
				if member != e.FromID {
					recipients = append(recipients, member)
				}
			}
			return nil
		}); err != nil {
			return err
		}
		job := &Job{Kind: JobSendReaction, ConversationID: target.ConversationID, MessageID: target.ID, Recipients: recipients, Reaction: &e}
		return c.jobs.Add(ctx, job, func() error {
			return c.db.Run("applying own reaction", func() error {
				m, err := c.db.message(target.ID)
				if err != nil {
					return err
				}
				if m == nil {
					return fmt.Errorf("%w: %s", ErrMessageNotFound, target.ID)
				}
				changed, err := c.applyReaction(m, &e, target.ConversationID)
				if err != nil || !changed {
					return err
				}
				return c.save(m)
			})
		})
	})
}

func (c *Coordinator) Message(id ids.ID) (*message.Message, error) {
	var m *message.Message
	if err := c.db.RunReadOnly("loading message", func() error {
		var err error
		m, err = c.db.message(id)
		return err
	}); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	return m, nil
}

// Messages returns up to limit of the most recent messages of a conversation, oldest first.
func (c *Coordinator) Messages(conversationID string, limit int) ([]*message.Message, error) {
	var out []*message.Message
	err := c.db.RunReadOnly("loading messages", func() error {
		var err error
		out, err = c.db.messagesForConversation(conversationID, limit)
		return err
	})
	return out, err
}

func (c *Coordinator) Reactions(conversationID string) ([]*ReactionRecord, error) {
	var out []*ReactionRecord
	err := c.db.RunReadOnly("loading reactions", func() error {
		var err error
		out, err = c.db.reactionsForConversation(conversationID)
		return err
	})
	return out, err
}

func (c *Coordinator) Conversation(id string) (*Conversation, error) {
	var conv *Conversation
	if err := c.db.RunReadOnly("loading conversation", func() error {
		var err error
		conv, err = c.db.conversation(id)
		return err
	}); err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	return conv, nil
}

func (c *Coordinator) Conversations() ([]*Conversation, error) {
	var out []*Conversation
	err := c.db.RunReadOnly("loading conversations", func() error {
		var err error
		out, err = c.db.conversations()
		return err
	})
	return out, err
}

// SaveConversation creates or updates a conversation. Accepting a conversation does not retroactively queue
// held back attachments.
func (c *Coordinator) SaveConversation(conv *Conversation) error {
	return c.queues.Run(conv.ID, "saving conversation", func() error {
		return c.db.Run("saving conversation", func() error {
			if err := c.db.updateConversation(conv); err != nil {
				return err
			}
			updated := *conv
			c.emitAfterCommit(&ConversationUpdated{Conversation: &updated})
			return nil
		})
	})
}

func union(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string{}, a...), b...) {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func withoutErrorsFor(errs []*message.SendError, recipientID string) []*message.SendError {
	out := errs[:0:0]
	for _, e := range errs {
		if e.RecipientID != recipientID {
			out = append(out, e)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
