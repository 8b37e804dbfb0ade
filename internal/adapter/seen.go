package adapter

// SeenWindow filters repeated message ids within a bounded recent window.
// Polling pages can overlap across cycles and observed sessions can replay
// messages already delivered by the stream path, so adapters run every id
// through a window before forwarding downstream. Not safe for concurrent
// use; each adapter owns its window on its own goroutine.
type SeenWindow struct {
	cap   int
	order []string
	seen  map[string]struct{}
}

func NewSeenWindow(capacity int) *SeenWindow {
	if capacity <= 0 {
		capacity = 512
	}
	return &SeenWindow{
		cap:  capacity,
		seen: make(map[string]struct{}, capacity),
	}
}

// Observe records the id and reports whether it was already in the window.
// Empty ids never dedupe.
func (w *SeenWindow) Observe(id string) bool {
	if id == "" {
		return false
	}
	if _, dup := w.seen[id]; dup {
		return true
	}
	w.seen[id] = struct{}{}
	w.order = append(w.order, id)
	if len(w.order) > w.cap {
		evicted := w.order[0]
		w.order = w.order[1:]
		delete(w.seen, evicted)
	}
	return false
}
