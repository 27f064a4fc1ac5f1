package avatar

import "sync"

// Store owns every Session record for the process lifetime. Reads and writes
// to a single session are serialized through a per-entry lock; operations on
// different sessions proceed in parallel. Nothing is persisted across
// restarts: generated artifacts on disk are the durable state, sessions are
// rebuilt from them via dedup.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*sessionEntry
}

type sessionEntry struct {
	mu      sync.Mutex
	session Session
}

func NewStore() *Store {
	return &Store{sessions: make(map[string]*sessionEntry)}
}

// Put inserts or replaces a session record.
func (st *Store) Put(s Session) {
	st.mu.Lock()
	entry, ok := st.sessions[s.SessionID]
	if !ok {
		entry = &sessionEntry{}
		st.sessions[s.SessionID] = entry
	}
	st.mu.Unlock()

	entry.mu.Lock()
	entry.session = s.clone()
	entry.mu.Unlock()
}

// Get returns a deep copy of the session, so callers can never mutate
// store-owned state.
func (st *Store) Get(sessionID string) (Session, bool) {
	st.mu.RLock()
	entry, ok := st.sessions[sessionID]
	st.mu.RUnlock()
	if !ok {
		return Session{}, false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.session.clone(), true
}

// Update applies fn to the session under its entry lock. fn receives the
// live record; returning an error aborts without publishing changes.
func (st *Store) Update(sessionID string, fn func(*Session) error) (Session, error) {
	st.mu.RLock()
	entry, ok := st.sessions[sessionID]
	st.mu.RUnlock()
	if !ok {
		return Session{}, ErrSessionNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	working := entry.session.clone()
	if err := fn(&working); err != nil {
		return Session{}, err
	}
	entry.session = working
	return working.clone(), nil
}

// Delete removes the session record. Artifacts on disk are left alone so
// future uploads of the same image still dedup against them.
func (st *Store) Delete(sessionID string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.sessions[sessionID]; !ok {
		return false
	}
	delete(st.sessions, sessionID)
	return true
}

// Newest returns the most recently created session. Used by the query-form
// status endpoint when the caller supplies no session id.
func (st *Store) Newest() (Session, bool) {
	st.mu.RLock()
	entries := make([]*sessionEntry, 0, len(st.sessions))
	for _, entry := range st.sessions {
		entries = append(entries, entry)
	}
	st.mu.RUnlock()

	var newest Session
	found := false
	for _, entry := range entries {
		entry.mu.Lock()
		s := entry.session.clone()
		entry.mu.Unlock()
		if !found || s.CreatedAt > newest.CreatedAt {
			newest = s
			found = true
		}
	}
	return newest, found
}

// All returns deep copies of every live session, in no particular order.
func (st *Store) All() []Session {
	st.mu.RLock()
	entries := make([]*sessionEntry, 0, len(st.sessions))
	for _, entry := range st.sessions {
		entries = append(entries, entry)
	}
	st.mu.RUnlock()

	out := make([]Session, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		out = append(out, entry.session.clone())
		entry.mu.Unlock()
	}
	return out
}

// Len reports the number of live sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}
