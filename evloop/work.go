package evloop

import (
	"sync"

	"github.com/bytedance/gopkg/util/gopool"
	"github.com/eapache/queue"
	"github.com/pkg/errors"
)

// Background work runs on a shared worker pool; completions are parked on
// a mutex-guarded queue and drained on the loop goroutine after an async
// wake. The lock is held only around enqueue/dequeue, never across a
// callback.

var workPool = gopool.NewPool("evloop.work", 128, gopool.NewConfig())

// WorkFunc runs on a worker goroutine, off the loop.
type WorkFunc func() error

// AfterWorkFunc runs on the loop goroutine with the work's result.
type AfterWorkFunc func(err error)

type workReq struct {
	after AfterWorkFunc
	err   error
}

type workQueue struct {
	mu        sync.Mutex
	completed *queue.Queue
	inflight  int
}

func (wq *workQueue) init() {
	wq.completed = queue.New()
}

func (wq *workQueue) push(req *workReq) {
	wq.mu.Lock()
	wq.completed.Add(req)
	wq.inflight--
	wq.mu.Unlock()
}

func (wq *workQueue) pop() (*workReq, bool) {
	wq.mu.Lock()
	defer wq.mu.Unlock()
	if wq.completed.Length() == 0 {
		return nil, false
	}
	return wq.completed.Remove().(*workReq), true
}

// busy reports whether work is still running on the pool or completed but
// not yet drained. It gates the forced-stop settle loop.
func (wq *workQueue) busy() bool {
	wq.mu.Lock()
	defer wq.mu.Unlock()
	return wq.inflight > 0 || wq.completed.Length() > 0
}

// QueueWork submits work to the worker pool. after runs on the loop
// goroutine once the work finishes; the request counts as an active
// request keeping the loop alive until then.
func (l *Loop) QueueWork(work WorkFunc, after AfterWorkFunc) error {
	if work == nil {
		panic("evloop: nil work")
	}

	if l.wqWake == nil {
		wake, err := NewAsync(l, func(*Async) { l.drainWork() })
		if err != nil {
			return errors.Wrap(err, "create work wakeup")
		}
		// Internal bookkeeping handle; must not keep the loop alive by
		// itself.
		wake.markBaseline()
		l.wqWake = wake
	}

	l.activeReqs++
	l.wq.mu.Lock()
	l.wq.inflight++
	l.wq.mu.Unlock()

	wake := l.wqWake
	workPool.Go(func() {
		req := &workReq{after: after}
		req.err = work()
		l.wq.push(req)
		wake.Send()
	})
	return nil
}

func (l *Loop) drainWork() {
	for {
		req, ok := l.wq.pop()
		if !ok {
			return
		}
		l.activeReqs--
		if req.after != nil {
			req.after(req.err)
		}
	}
}
