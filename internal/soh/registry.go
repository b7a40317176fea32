package soh

import "sync"

// Registry is the per-workflow cleanup list every Stream registers itself
// on at creation. Workflow termination — normal, error, or signal —
// iterates the list and removes every backing temp file, tolerating ones
// already deleted.
//
// The registry is append-only until Cleanup runs, mirroring the
// append-only temp-file registry discipline the cleanup audit relies on.
type Registry struct {
	mu      sync.Mutex
	streams []*Stream
}

// NewRegistry creates an empty cleanup registry for one workflow run.
func NewRegistry() *Registry {
	return &Registry{}
}

// New creates a Stream with the registry's shared options (Dir/Prefix
// overridden per-call) and registers it for cleanup.
func (r *Registry) New(opts Options) *Stream {
	s := NewStream(opts)
	r.mu.Lock()
	r.streams = append(r.streams, s)
	r.mu.Unlock()
	return s
}

// Cleanup removes every registered Stream's backing temp file. It is
// safe to call more than once; later calls are no-ops on already-removed
// files because Stream.Cleanup is itself idempotent.
func (r *Registry) Cleanup() []error {
	r.mu.Lock()
	streams := make([]*Stream, len(r.streams))
	copy(streams, r.streams)
	r.mu.Unlock()

	var errs []error
	for _, s := range streams {
		if err := s.Cleanup(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Len reports how many streams are currently registered, for tests and
// diagnostics.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}
