package discovery

import "sync"

// CandidateSet is the ordered, deduplicated set of discovered devices.
// Entries are keyed by address and kept in first-seen order; a repeat
// sighting never re-sorts or duplicates an entry.
type CandidateSet struct {
	mu     sync.Mutex
	byAddr map[string]int
	list   []Candidate
}

// NewCandidateSet creates an empty set.
func NewCandidateSet() *CandidateSet {
	return &CandidateSet{byAddr: make(map[string]int)}
}

// Add appends a candidate if its address has not been seen in this scan.
// Returns the stored candidate and whether it was newly added.
func (s *CandidateSet) Add(id PeerID) (Candidate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i, seen := s.byAddr[id.Addr]; seen {
		return s.list[i], false
	}
	c := Candidate{PeerID: id, Seen: len(s.list)}
	s.byAddr[id.Addr] = len(s.list)
	s.list = append(s.list, c)
	return c, true
}

// Lookup returns the candidate for addr, if present.
func (s *CandidateSet) Lookup(addr string) (Candidate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.byAddr[addr]
	if !ok {
		return Candidate{}, false
	}
	return s.list[i], true
}

// List returns a snapshot in first-seen order.
func (s *CandidateSet) List() []Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Candidate, len(s.list))
	copy(out, s.list)
	return out
}

// Len returns the number of candidates.
func (s *CandidateSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.list)
}

// Clear empties the set. Called at the start of every new scan so no stale
// entries carry across.
func (s *CandidateSet) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byAddr = make(map[string]int)
	s.list = nil
}
