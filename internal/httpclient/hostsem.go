package httpclient

import (
	"net/url"
	"sync"
)

// GlobalHostSem caps concurrent requests per upstream host across the whole
// process, so resolver refreshes and metadata lookups cannot pile onto one
// media server at once.
var GlobalHostSem = NewHostSemaphore(4)

// HostSemaphore hands out per-host slots. Acquire before sending a request,
// call the returned release func once the response has arrived.
type HostSemaphore struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
	cap   int
}

func NewHostSemaphore(perHost int) *HostSemaphore {
	if perHost < 1 {
		perHost = 1
	}
	return &HostSemaphore{slots: make(map[string]chan struct{}), cap: perHost}
}

// Acquire blocks until host has a free slot. host may carry a path or query;
// only scheme and host:port identify the slot bucket.
func (h *HostSemaphore) Acquire(host string) func() {
	slot := h.bucket(hostKey(host))
	slot <- struct{}{}
	return func() { <-slot }
}

func (h *HostSemaphore) bucket(key string) chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	slot, ok := h.slots[key]
	if !ok {
		slot = make(chan struct{}, h.cap)
		h.slots[key] = slot
	}
	return slot
}

func hostKey(host string) string {
	u, err := url.Parse(host)
	if err != nil {
		return host
	}
	return u.Scheme + "://" + u.Host
}
