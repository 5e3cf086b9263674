package stream

import "sync"

// Sink receives the snapshots delivered to one handle.
//
// Snapshots are queued without bound, so the dispatcher never waits on a
// slow consumer, and are handed to C in delivery order. When the handle is
// unregistered, queued snapshots are discarded and C is closed.
type Sink struct {
	handle int64

	mu     sync.Mutex
	queue  []Snapshot
	closed bool

	wake      chan struct{}
	out       chan Snapshot
	done      chan struct{}
	exited    chan struct{}
	closeOnce sync.Once
}

func newSink(handle int64) *Sink {
	s := &Sink{
		handle: handle,
		wake:   make(chan struct{}, 1),
		out:    make(chan Snapshot),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go s.pump()
	return s
}

// Handle returns the handle this sink is registered under.
func (s *Sink) Handle() int64 {
	return s.handle
}

// C returns the delivery channel. It is closed at end of stream.
func (s *Sink) C() <-chan Snapshot {
	return s.out
}

// Done is closed when the sink has been unregistered.
func (s *Sink) Done() <-chan struct{} {
	return s.done
}

func (s *Sink) push(snap Snapshot) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, snap)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// close stops delivery. When it returns, no further snapshot will be
// received from C.
func (s *Sink) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.mu.Unlock()
		close(s.done)
	})
	<-s.exited
}

func (s *Sink) pump() {
	defer close(s.exited)
	defer close(s.out)

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		next := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- next:
		case <-s.done:
			return
		}
	}
}
