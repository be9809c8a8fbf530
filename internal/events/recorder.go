package events

import "sync"

// Recorder is a synchronous Notifier that keeps everything it is given.
// Delivered applies the same dedup keys as the async pipeline.
type Recorder struct {
	mu   sync.Mutex
	sent []*Notification
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Notify(n *Notification) {
	r.mu.Lock()
	r.sent = append(r.sent, n)
	r.mu.Unlock()
}

// All returns every notification in arrival order, duplicates included.
func (r *Recorder) All() []*Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Notification(nil), r.sent...)
}

// Delivered returns the notifications of type t that survive deduplication.
func (r *Recorder) Delivered(t Type) []*Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := map[string]bool{}
	var out []*Notification
	for _, n := range r.sent {
		if n.Type != t || seen[n.DedupKey()] {
			continue
		}
		seen[n.DedupKey()] = true
		out = append(out, n)
	}
	return out
}

// Count returns how many notifications of type t were emitted, duplicates included.
func (r *Recorder) Count(t Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, x := range r.sent {
		if x.Type == t {
			n++
		}
	}
	return n
}
