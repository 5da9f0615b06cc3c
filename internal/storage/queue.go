package storage

import (
	"context"
	"sync"

	"github.com/relves/colog/pkg/protocol"
	"github.com/relves/colog/pkg/types"
)

// storeQueue serializes stores per CoValue: jobs for one id run strictly in
// the order they were added, jobs for different ids run concurrently. When a
// job fails, jobs still waiting for that id are abandoned.
type storeQueue struct {
	run func(context.Context, *storeJob) error

	mu      sync.Mutex
	pending map[types.CoID][]*storeJob
	active  sync.WaitGroup
	closed  bool
}

type storeJob struct {
	msg          *protocol.ContentMessage
	onCorrection func(types.KnownState)
	done         func(error)
}

func newStoreQueue(run func(context.Context, *storeJob) error) *storeQueue {
	return &storeQueue{run: run, pending: make(map[types.CoID][]*storeJob)}
}

// add enqueues job. job.done is always called exactly once, from the worker
// goroutine of its id.
func (q *storeQueue) add(job *storeJob) {
	id := job.msg.ID

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		job.done(ErrClosed)
		return
	}
	_, running := q.pending[id]
	q.pending[id] = append(q.pending[id], job)
	if !running {
		q.active.Add(1)
	}
	q.mu.Unlock()

	if !running {
		go q.drain(id)
	}
}

func (q *storeQueue) drain(id types.CoID) {
	defer q.active.Done()
	ctx := context.Background()
	for {
		q.mu.Lock()
		jobs := q.pending[id]
		if len(jobs) == 0 {
			delete(q.pending, id)
			q.mu.Unlock()
			return
		}
		job := jobs[0]
		q.mu.Unlock()

		err := q.run(ctx, job)

		q.mu.Lock()
		var abandoned []*storeJob
		if err != nil {
			abandoned = q.pending[id][1:]
			q.pending[id] = nil
		} else {
			q.pending[id] = q.pending[id][1:]
		}
		q.mu.Unlock()

		job.done(err)
		for _, j := range abandoned {
			j.done(ErrAbandoned)
		}
	}
}

// close rejects new jobs and waits for queued ones to finish.
func (q *storeQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.active.Wait()
}
