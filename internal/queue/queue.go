// Package queue implements the per-user priority job queue.
//
// The queue is an actor: a single goroutine owns the pending slice and the
// in-flight set, and producers talk to it over channels. Priority is
// preserved (lower number runs sooner) with FIFO order within a priority,
// and the in-flight set prevents concurrent duplicate work on one id.
package queue

import (
	"context"
	"sync/atomic"
	"time"
)

// Job priorities. Lower runs sooner.
const (
	PriorityForeground = 1 // user is waiting on the read path
	PriorityPrewarm    = 2 // visible in a list view
	PriorityBackground = 4 // sync hydration
)

// Job kinds.
const (
	KindHydrate   = "hydrate"
	KindDraftSave = "draft_save"
)

const (
	maxAttempts = 3
	retryDelay  = 2 * time.Second
)

// Job is one unit of work for the worker swarm or the draft uplink.
type Job struct {
	ID       string
	Kind     string
	Priority int
	AddedAt  time.Time

	User   string
	Folder string
	UID    uint32

	// ClientDraftID is set on draft_save jobs only.
	ClientDraftID string

	Attempts int
}

// Stats is a point-in-time snapshot of queue depth.
type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
}

type popWaiter struct {
	kind  string
	reply chan Job
}

type command struct {
	op     string
	job    Job
	id     string
	kind   string
	waiter chan Job
	jobs   chan []Job
	stats  chan Stats
	ack    chan struct{}
}

// Queue is a per-user job queue actor.
type Queue struct {
	cmds    chan command
	stopped chan struct{}
	retries atomic.Int64
}

// New starts the queue actor.
func New() *Queue {
	q := &Queue{
		cmds:    make(chan command),
		stopped: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *Queue) run() {
	var pending []Job
	inflight := make(map[string]struct{})
	var waiters []popWaiter

	takeBest := func(kind string) (Job, bool) {
		best := -1
		for i, j := range pending {
			if j.Kind != kind {
				continue
			}
			if best == -1 {
				best = i
				continue
			}
			b := pending[best]
			if j.Priority < b.Priority || (j.Priority == b.Priority && j.AddedAt.Before(b.AddedAt)) {
				best = i
			}
		}
		if best == -1 {
			return Job{}, false
		}
		j := pending[best]
		pending = append(pending[:best], pending[best+1:]...)
		inflight[j.ID] = struct{}{}
		return j, true
	}

	dispatch := func() {
		for len(waiters) > 0 {
			j, ok := takeBest(waiters[0].kind)
			if !ok {
				return
			}
			waiters[0].reply <- j
			waiters = waiters[1:]
		}
	}

	for cmd := range q.cmds {
		switch cmd.op {
		case "add":
			j := cmd.job
			if _, busy := inflight[j.ID]; busy {
				break
			}
			replaced := false
			for i, p := range pending {
				if p.ID == j.ID {
					// Keep the earlier addedAt so FIFO order stays stable,
					// but take the better priority.
					if j.Priority < p.Priority {
						j.AddedAt = p.AddedAt
						pending[i] = j
					}
					replaced = true
					break
				}
			}
			if !replaced {
				if j.AddedAt.IsZero() {
					j.AddedAt = time.Now()
				}
				pending = append(pending, j)
			}
			dispatch()

		case "pop":
			if j, ok := takeBest(cmd.kind); ok {
				cmd.waiter <- j
				break
			}
			waiters = append(waiters, popWaiter{kind: cmd.kind, reply: cmd.waiter})

		case "cancelpop":
			for i, w := range waiters {
				if w.reply == cmd.waiter {
					waiters = append(waiters[:i], waiters[i+1:]...)
					break
				}
			}

		case "done":
			delete(inflight, cmd.id)
			dispatch()

		case "drain":
			var drained, rest []Job
			for _, j := range pending {
				if j.Kind == cmd.kind {
					inflight[j.ID] = struct{}{}
					drained = append(drained, j)
				} else {
					rest = append(rest, j)
				}
			}
			pending = rest
			cmd.jobs <- drained

		case "stats":
			cmd.stats <- Stats{Pending: len(pending), Processing: len(inflight)}

		case "clear":
			pending = nil
			inflight = make(map[string]struct{})
			close(cmd.ack)

		case "stop":
			for _, w := range waiters {
				close(w.reply)
			}
			close(q.stopped)
			close(cmd.ack)
			return
		}
	}
}

// Add enqueues a job. A job whose id is in flight is dropped; a pending job
// with a worse priority number is replaced in place.
func (q *Queue) Add(j Job) {
	select {
	case q.cmds <- command{op: "add", job: j}:
	case <-q.stopped:
	}
}

// Pop blocks until a job of the given kind is available, moving it into the
// in-flight set. Returns false when ctx is done or the queue stops.
func (q *Queue) Pop(ctx context.Context, kind string) (Job, bool) {
	waiter := make(chan Job, 1)
	select {
	case q.cmds <- command{op: "pop", kind: kind, waiter: waiter}:
	case <-q.stopped:
		return Job{}, false
	case <-ctx.Done():
		return Job{}, false
	}

	select {
	case j, ok := <-waiter:
		return j, ok
	case <-ctx.Done():
		select {
		case q.cmds <- command{op: "cancelpop", waiter: waiter}:
		case <-q.stopped:
		}
		// The actor may have delivered in the race window.
		select {
		case j, ok := <-waiter:
			return j, ok
		default:
			return Job{}, false
		}
	}
}

// Done removes an id from the in-flight set.
func (q *Queue) Done(id string) {
	select {
	case q.cmds <- command{op: "done", id: id}:
	case <-q.stopped:
	}
}

// Drain removes and returns every pending job of a kind, marking each
// in-flight. The caller must call Done for each drained job.
func (q *Queue) Drain(kind string) []Job {
	jobs := make(chan []Job, 1)
	select {
	case q.cmds <- command{op: "drain", kind: kind, jobs: jobs}:
	case <-q.stopped:
		return nil
	}
	return <-jobs
}

// Retry handles a failed job: below the attempt cap it is re-added after a
// short delay with its original priority, otherwise it is dropped. Either
// way the id leaves the in-flight set.
func (q *Queue) Retry(j Job) bool {
	q.Done(j.ID)
	if j.Attempts+1 >= maxAttempts {
		return false
	}
	j.Attempts++
	q.retries.Add(1)
	time.AfterFunc(retryDelay, func() { q.Add(j) })
	return true
}

// RetryCount reports how many re-adds Retry has scheduled.
func (q *Queue) RetryCount() int64 {
	return q.retries.Load()
}

// Stats reports current queue depth.
func (q *Queue) Stats() Stats {
	stats := make(chan Stats, 1)
	select {
	case q.cmds <- command{op: "stats", stats: stats}:
	case <-q.stopped:
		return Stats{}
	}
	return <-stats
}

// Clear drops all pending jobs and forgets the in-flight set.
func (q *Queue) Clear() {
	ack := make(chan struct{})
	select {
	case q.cmds <- command{op: "clear", ack: ack}:
		<-ack
	case <-q.stopped:
	}
}

// Stop terminates the actor. Blocked Pop calls return false.
func (q *Queue) Stop() {
	ack := make(chan struct{})
	select {
	case q.cmds <- command{op: "stop", ack: ack}:
		<-ack
	case <-q.stopped:
	}
}
