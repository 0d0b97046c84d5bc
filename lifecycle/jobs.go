package lifecycle

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

var errQueuesClosed = errors.New("lifecycle: conversation queues are closed")

type job struct {
	label string
	run   func()
}

// conversationQueue runs jobs for one conversation in order on a single goroutine. The goroutine exits when
// the queue is empty and is restarted by the next enqueue.
type conversationQueue struct {
	jobs    []*job
	running bool
}

type conversationQueues struct {
	log     *zap.SugaredLogger
	lock    sync.Mutex
	queues  map[string]*conversationQueue
	// queued or running jobs across all conversations
	pending int
	idle    *sync.Cond
	closed  bool
}

func newConversationQueues(log *zap.SugaredLogger) *conversationQueues {
	cq := &conversationQueues{
		log:    log,
		queues: make(map[string]*conversationQueue),
	}
	cq.idle = sync.NewCond(&cq.lock)
	return cq
}

// Enqueue never blocks. It is safe to call from inside a running job, including one for the same conversation.
func (cq *conversationQueues) Enqueue(conversationID, label string, f func()) error {
	cq.lock.Lock()
	defer cq.lock.Unlock()

	if cq.closed {
		cq.log.Warnf("dropping %s for %s, queues closed", label, conversationID)
		return errQueuesClosed
	}
	q, ok := cq.queues[conversationID]
	if !ok {
		q = &conversationQueue{}
		cq.queues[conversationID] = q
	}
	cq.pending++
	q.jobs = append(q.jobs, &job{label: label, run: f})
	if !q.running {
		q.running = true
		go cq.work(conversationID, q)
	}
	return nil
}

// Run enqueues f and waits for it to finish. It must not be called from a job of the same conversation.
func (cq *conversationQueues) Run(conversationID, label string, f func() error) error {
	var err error
	done := make(chan struct{})
	if qerr := cq.Enqueue(conversationID, label, func() {
		defer close(done)
		err = f()
	}); qerr != nil {
		return qerr
	}
	<-done
	return err
}

func (cq *conversationQueues) work(conversationID string, q *conversationQueue) {
	for {
		cq.lock.Lock()
		if len(q.jobs) == 0 {
			q.running = false
			delete(cq.queues, conversationID)
			cq.lock.Unlock()
			return
		}
		j := q.jobs[0]
		q.jobs = q.jobs[1:]
		cq.lock.Unlock()

		cq.log.Debugf("running %s for %s", j.label, conversationID)
		cq.runJob(j)

		cq.lock.Lock()
		cq.pending--
		if cq.pending == 0 {
			cq.idle.Broadcast()
		}
		cq.lock.Unlock()
	}
}

func (cq *conversationQueues) runJob(j *job) {
	defer func() {
		if r := recover(); r != nil {
			cq.log.Errorf("job %s panicked: %v", j.label, r)
		}
	}()
	j.run()
}

// Wait blocks until every queued job, including jobs enqueued by running jobs, has finished.
func (cq *conversationQueues) Wait() {
	cq.lock.Lock()
	defer cq.lock.Unlock()
	for cq.pending != 0 {
		cq.idle.Wait()
	}
}

func (cq *conversationQueues) Close() {
	cq.lock.Lock()
	cq.closed = true
	cq.lock.Unlock()
	cq.Wait()
}
