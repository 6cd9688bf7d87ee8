package fleet

import "fleetdash/internal/model"

// Store is the in-memory view of the user's machines. It is owned by a
// single goroutine (the dashboard loop) and does no locking.
type Store struct {
	records  []model.Machine
	index    map[int64]int
	onChange []func([]model.Machine)
	disposed bool
}

func NewStore() *Store {
	return &Store{index: make(map[int64]int)}
}

// Replace swaps the whole view for records. Fetch results are authoritative,
// so any status applied since the previous fetch is discarded. A repeated ID
// keeps its first occurrence.
func (s *Store) Replace(records []model.Machine) {
	if s.disposed {
		return
	}
	next := make([]model.Machine, 0, len(records))
	index := make(map[int64]int, len(records))
	for _, m := range records {
		if _, dup := index[m.ID]; dup {
			continue
		}
		index[m.ID] = len(next)
		next = append(next, m)
	}
	s.records = next
	s.index = index
	s.notify()
}

// ApplyStatus sets the status of the record with the given id and reports
// whether such a record exists. It never inserts.
func (s *Store) ApplyStatus(id int64, status model.Status) bool {
	if s.disposed {
		return false
	}
	i, ok := s.index[id]
	if !ok {
		return false
	}
	if s.records[i].Status == status {
		return true
	}
	s.records[i].Status = status
	s.notify()
	return true
}

// Snapshot returns a copy of the view in insertion order.
func (s *Store) Snapshot() []model.Machine {
	out := make([]model.Machine, len(s.records))
	copy(out, s.records)
	return out
}

func (s *Store) Len() int {
	return len(s.records)
}

// OnChange registers fn to be called with a fresh snapshot after every
// mutation.
func (s *Store) OnChange(fn func([]model.Machine)) {
	s.onChange = append(s.onChange, fn)
}

// Dispose detaches all listeners; later mutations are ignored.
func (s *Store) Dispose() {
	s.disposed = true
	s.onChange = nil
}

func (s *Store) Disposed() bool {
	return s.disposed
}

func (s *Store) notify() {
	if len(s.onChange) == 0 {
		return
	}
	for _, fn := range s.onChange {
		fn(s.Snapshot())
	}
}
