package dispatch

import "sync"

// inFlight is the set of thread ids currently being dispatched. A
// thread is a member exactly while a task for it runs; claims and
// releases are atomic with respect to concurrent dispatch decisions.
type inFlight struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newInFlight() *inFlight {
	return &inFlight{ids: make(map[string]struct{})}
}

// TryClaim adds id to the set and reports whether the claim succeeded.
// A false return means another task already holds the thread.
func (f *inFlight) TryClaim(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.ids[id]; ok {
		return false
	}
	f.ids[id] = struct{}{}
	return true
}

// Release removes id from the set. Safe to call for ids that were
// never claimed.
func (f *inFlight) Release(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.ids, id)
}

// Active returns the number of threads currently claimed.
func (f *inFlight) Active() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.ids)
}
