package services

// sessionQueue runs the negotiation work of one remote endpoint in arrival
// order, off the channel's read loop.
type sessionQueue struct {
	tasks chan func()
	done  chan struct{}
}

func newSessionQueue(size int) *sessionQueue {
	q := &sessionQueue{
		tasks: make(chan func(), size),
		done:  make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *sessionQueue) run() {
	defer close(q.done)
	for task := range q.tasks {
		task()
	}
}

// push reports false when the queue is full.
func (q *sessionQueue) push(task func()) bool {
	select {
	case q.tasks <- task:
		return true
	default:
		return false
	}
}

// close drains queued tasks and waits for the worker to exit. push must not
// be called afterwards.
func (q *sessionQueue) close() {
	close(q.tasks)
	<-q.done
}
