package state

import (
	"sync"
)

// Contains reports whether a string is in a list of strings.
func Contains(list []string, lookup string) bool {
	for _, val := range list {
		if val == lookup {
			return true
		}
	}
	return false
}

// IDLess orders two decimal ID strings numerically.
func IDLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

// LockSet is a string set guarded by a RWMutex.
type LockSet struct {
	mu     sync.RWMutex
	values map[string]bool
}

// NewLockSet returns an empty LockSet.
func NewLockSet() *LockSet {
	return &LockSet{values: make(map[string]bool)}
}

// Add adds an entry to the set. It reports false when the entry was
// already present.
func (s *LockSet) Add(value string) (success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.values[value] {
		return false
	}
	s.values[value] = true
	return true
}

// Remove removes an entry from the set. It reports false when the entry
// was not present.
func (s *LockSet) Remove(value string) (success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.values[value] {
		return false
	}
	delete(s.values, value)
	return true
}

// Contains reports whether the set holds the entry.
func (s *LockSet) Contains(value string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[value]
}

// Get returns a copy of the set's entries.
func (s *LockSet) Get() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.values))
	for value := range s.values {
		out = append(out, value)
	}
	return out
}

// Len returns the number of entries in the set.
func (s *LockSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}
