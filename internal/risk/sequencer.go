package risk

import "sync"

// sequencer is a FIFO ticket lock: callers are served strictly in the order
// they called lock.
type sequencer struct {
	mu      sync.Mutex
	cond    *sync.Cond
	next    uint64
	serving uint64
}

func newSequencer() *sequencer {
	s := &sequencer{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *sequencer) lock() {
	s.mu.Lock()
	ticket := s.next
	s.next++
	for ticket != s.serving {
		s.cond.Wait()
	}
	s.mu.Unlock()
}

func (s *sequencer) unlock() {
	s.mu.Lock()
	s.serving++
	s.cond.Broadcast()
	s.mu.Unlock()
}
