package httpapi

import (
	"sync"

	"github.com/antoniostano/fieldshare/internal/sharing"
)

const noticeBuffer = 16

// NoticeHub fans sharing notices out to connected WebSocket clients. A client
// whose buffer is full misses the notice; Notify never blocks the caller.
type NoticeHub struct {
	mu   sync.Mutex
	subs map[int]chan sharing.Notice
	next int
}

func NewNoticeHub() *NoticeHub {
	return &NoticeHub{subs: make(map[int]chan sharing.Notice)}
}

func (h *NoticeHub) Notify(n sharing.Notice) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- n:
		default:
		}
	}
}

// Subscribe registers a listener. The returned func removes it and may be
// called more than once.
func (h *NoticeHub) Subscribe() (<-chan sharing.Notice, func()) {
	ch := make(chan sharing.Notice, noticeBuffer)
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

func (h *NoticeHub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
