package queue

import "sync"

// InFlight tracks job keys that are currently executing so that a slow ping
// is never overlapped by the next instance of the same schedule.
type InFlight struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func NewInFlight() *InFlight {
	return &InFlight{keys: make(map[string]struct{})}
}

// TryAcquire marks key as running. It returns false if key already is.
func (f *InFlight) TryAcquire(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, busy := f.keys[key]; busy {
		return false
	}
	f.keys[key] = struct{}{}
	return true
}

// Release clears key.
func (f *InFlight) Release(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.keys, key)
}

// Len reports how many keys are running.
func (f *InFlight) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.keys)
}
