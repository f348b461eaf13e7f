package hashroute

import "sync"

// Router pins record keys to writer subtasks for one restart attempt. The
// assignment is the stable hash; the pin exists so a key observed under one
// parallelism keeps its producer until the next restart re-pins everything.
type Router struct {
	mu          sync.RWMutex
	parallelism int
	assigned    map[string]int
}

func NewRouter(parallelism int) *Router {
	if parallelism < 1 {
		parallelism = 1
	}
	return &Router{parallelism: parallelism, assigned: make(map[string]int)}
}

// EnsureSubtask returns the pinned subtask for key, pinning it on first use.
func (r *Router) EnsureSubtask(key string) int {
	k := CanonicalizeKey(key)

	r.mu.RLock()
	subtask, ok := r.assigned[k]
	r.mu.RUnlock()
	if ok {
		return subtask
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if subtask, ok := r.assigned[k]; ok {
		return subtask
	}
	subtask = SubtaskForKey(k, r.parallelism)
	r.assigned[k] = subtask
	return subtask
}

// Reset drops all pins, e.g. when parallelism changes across a restart.
func (r *Router) Reset(parallelism int) {
	if parallelism < 1 {
		parallelism = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parallelism = parallelism
	r.assigned = make(map[string]int)
}
