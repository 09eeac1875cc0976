package registry

import (
	"errors"
	"os"
	"sync"
	"syscall"
)

// Handle is the retained reference to a spawned Fetcher process, kept from
// start time so cancellation never has to scan the process table.
type Handle struct {
	Id   string
	URL  string
	Proc *os.Process
}

// Terminate requests a graceful stop. The Fetcher spawns child processes
// under its own group (started with Setpgid), so the SIGTERM goes to the
// whole group.
func (h *Handle) Terminate() error {
	if h.Proc == nil {
		return errors.New("*os.Process not set")
	}

	pgid, err := syscall.Getpgid(h.Proc.Pid)
	if err != nil {
		return err
	}

	return syscall.Kill(-pgid, syscall.SIGTERM)
}

// In-memory thread-safe registry of in-flight acquisitions, keyed by the
// job's natural key.
type Registry struct {
	table map[string]*Handle
	mu    sync.RWMutex
}

func New() *Registry {
	return &Registry{
		table: make(map[string]*Handle),
	}
}

// Get a handle given its natural key.
func (r *Registry) Get(id string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.table[id]
	return h, ok
}

// Set stores a handle and returns its key.
func (r *Registry) Set(h *Handle) string {
	r.mu.Lock()
	r.table[h.Id] = h
	r.mu.Unlock()

	return h.Id
}

// Delete removes a handle, given its natural key.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	delete(r.table, id)
	r.mu.Unlock()
}

// Keys returns the natural keys of every in-flight acquisition.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.table))
	for id := range r.table {
		keys = append(keys, id)
	}

	return keys
}
