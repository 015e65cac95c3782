package downloader

// scheduler tracks active slots and the pending queue. It is not safe for
// concurrent use; the coordinator guards it with its mutex.
//
// The head of pending is always admitted next. FIFO appends new entries at
// the tail, LIFO pushes them at the head.
type scheduler[T comparable] struct {
	max      int
	ordering Ordering
	active   int
	pending  []T
}

func newScheduler[T comparable](limit int, ordering Ordering) *scheduler[T] {
	return &scheduler[T]{max: limit, ordering: ordering}
}

// offer takes a slot for t and reports true, or queues t and reports false.
func (s *scheduler[T]) offer(t T) bool {
	if s.active < s.max {
		s.active++
		return true
	}
	if s.ordering == LIFO {
		var zero T
		s.pending = append(s.pending, zero)
		copy(s.pending[1:], s.pending)
		s.pending[0] = t
	} else {
		s.pending = append(s.pending, t)
	}
	return false
}

// withdraw removes t from the queue.
func (s *scheduler[T]) withdraw(t T) bool {
	for i, p := range s.pending {
		if p == t {
			copy(s.pending[i:], s.pending[i+1:])
			var zero T
			s.pending[len(s.pending)-1] = zero
			s.pending = s.pending[:len(s.pending)-1]
			return true
		}
	}
	return false
}

// release frees one slot. If work is queued, the slot is immediately given
// to the next entry, which is returned.
func (s *scheduler[T]) release() (T, bool) {
	var zero T
	if s.active > 0 {
		s.active--
	}
	if len(s.pending) == 0 || s.active >= s.max {
		return zero, false
	}
	next := s.pending[0]
	s.pending[0] = zero
	s.pending = s.pending[1:]
	s.active++
	return next, true
}

// drain empties the queue and returns what was in it.
func (s *scheduler[T]) drain() []T {
	pending := s.pending
	s.pending = nil
	return pending
}

func (s *scheduler[T]) activeCount() int  { return s.active }
func (s *scheduler[T]) pendingCount() int { return len(s.pending) }
