package transaction

import "sync"

type entry struct {
	client string
	name   string
	tx     *Transaction
}

// Store is the call-scoped slot holding every transaction created during one
// call. It is created by the host when the call starts and closed when it ends.
type Store struct {
	mu      sync.Mutex
	entries []*entry
	closed  bool
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{}
}

// put inserts tx under (client, name), replacing and returning any previous one.
// It fails once the store is closed.
func (s *Store) put(client, name string, tx *Transaction) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrNoStore
	}

	for _, e := range s.entries {
		if e.client == client && e.name == name {
			old := e.tx
			e.tx = tx
			return old, nil
		}
	}
	s.entries = append(s.entries, &entry{client: client, name: name, tx: tx})
	return nil, nil
}

func (s *Store) get(client, name string) (*Transaction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		if e.client == client && e.name == name {
			return e.tx, true
		}
	}
	return nil, false
}

// Len returns the number of transactions in the store.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close ends the call scope. In-flight exchanges are abandoned, not cancelled.
func (s *Store) Close() {
	s.mu.Lock()
	entries := s.entries
	s.entries = nil
	s.closed = true
	s.mu.Unlock()

	for _, e := range entries {
		e.tx.abandon()
	}
}
