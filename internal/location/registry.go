package location

import (
	"context"
	"sync"
	"sync/atomic"
)

// watch is one live subscription. A delivery that starts after Cancel has
// returned is dropped. The stopped check and the callback are not atomic, so a
// delivery that passed the check just before Cancel may still invoke its
// callback afterwards; consumers must tolerate one late delivery per watch.
// Callbacks run without registry locks held.
type watch struct {
	onSample func(Sample)
	onError  func(*FixError)
	opts     Options
	cancel   context.CancelFunc
	stopped  atomic.Bool
}

func (w *watch) sample(s Sample) bool {
	if w.stopped.Load() {
		return false
	}
	if w.onSample != nil {
		w.onSample(s)
	}
	return true
}

func (w *watch) fail(code ErrorCode, message string) bool {
	if w.stopped.Load() {
		return false
	}
	if w.onError != nil {
		w.onError(&FixError{Code: code, Message: message})
	}
	return true
}

type registry struct {
	mu      sync.Mutex
	next    Handle
	watches map[Handle]*watch
}

func newRegistry() *registry {
	return &registry{watches: make(map[Handle]*watch)}
}

// add registers a watch and returns its handle together with a context that
// is canceled when the handle is.
func (r *registry) add(onSample func(Sample), onError func(*FixError), opts Options) (Handle, *watch, context.Context) {
	ctx, cancel := context.WithCancel(context.Background())
	w := &watch{onSample: onSample, onError: onError, opts: opts, cancel: cancel}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	h := r.next
	r.watches[h] = w
	return h, w, ctx
}

func (r *registry) remove(h Handle) {
	r.mu.Lock()
	w, ok := r.watches[h]
	delete(r.watches, h)
	r.mu.Unlock()
	if !ok {
		return
	}
	w.stopped.Store(true)
	w.cancel()
}

func (r *registry) live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.watches)
}
