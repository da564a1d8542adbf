package store

import (
	"errors"
	"fmt"

	zlog "github.com/semihalev/zlog/v2"
)

// ErrStoreClosed is returned for operations submitted after Close. Log
// entries can still arrive from an in-flight query during shutdown; they
// must come back as an error, never crash the process.
var ErrStoreClosed = errors.New("store closed")

// opQueue serializes every storage mutation through a single worker so
// concurrent saves never interleave encryption or clobber a slot. A task
// that panics is recovered at the queue boundary; the queue keeps
// draining so one bad operation cannot stall all writes after it.
type opQueue struct {
	tasks chan func()
	quit  chan struct{}
	done  chan struct{}
}

func newOpQueue() *opQueue {
	q := &opQueue{
		tasks: make(chan func()),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}

	go q.loop()

	return q
}

func (q *opQueue) loop() {
	defer close(q.done)

	for {
		select {
		case task := <-q.tasks:
			q.runTask(task)
		case <-q.quit:
			return
		}
	}
}

func (q *opQueue) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			zlog.Error("Storage operation panicked", "panic", r)
		}
	}()

	task()
}

// do runs fn on the queue worker and waits for its result. A panicking
// fn is returned to the caller as an error; the worker stays alive for
// the next operation. After close, do fails with ErrStoreClosed.
func (q *opQueue) do(fn func() error) error {
	errc := make(chan error, 1)

	task := func() {
		defer func() {
			if r := recover(); r != nil {
				zlog.Error("Storage operation panicked", "panic", r)
				errc <- fmt.Errorf("storage operation panicked: %v", r)
			}
		}()

		errc <- fn()
	}

	select {
	case q.tasks <- task:
		return <-errc
	case <-q.quit:
		return ErrStoreClosed
	}
}

// close stops the worker; operations submitted afterwards fail instead
// of reaching a dead queue.
func (q *opQueue) close() {
	close(q.quit)
	<-q.done
}
