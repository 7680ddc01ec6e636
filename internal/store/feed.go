package store

import "sync"

// feedBuffer is the per-subscriber channel depth. A subscriber that falls
// further behind than this loses updates rather than blocking the writer;
// consumers that care re-query the view, which always holds the latest
// state.
const feedBuffer = 64

// feed fan-outs view updates to subscribers. It is the live change
// notification stream the assistant layer listens on: infinite, not
// restartable.
type feed struct {
	mu     sync.Mutex
	subs   map[chan ViewUpdate]struct{}
	closed bool
}

func newFeed() *feed {
	return &feed{subs: make(map[chan ViewUpdate]struct{})}
}

// Subscribe registers a new listener for view updates. The returned
// channel is closed when the store shuts down.
func (s *Store) Subscribe() <-chan ViewUpdate {
	return s.feed.subscribe()
}

// Unsubscribe removes a listener and closes its channel.
func (s *Store) Unsubscribe(ch <-chan ViewUpdate) {
	s.feed.unsubscribe(ch)
}

func (f *feed) subscribe() chan ViewUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan ViewUpdate, feedBuffer)
	if f.closed {
		close(ch)
		return ch
	}
	f.subs[ch] = struct{}{}
	return ch
}

func (f *feed) unsubscribe(target <-chan ViewUpdate) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for ch := range f.subs {
		if ch == target {
			delete(f.subs, ch)
			close(ch)
			return
		}
	}
}

func (f *feed) publish(u ViewUpdate) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for ch := range f.subs {
		select {
		case ch <- u:
		default:
			// Slow subscriber: drop rather than stall the merge path.
		}
	}
}

func (f *feed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.closed = true
	for ch := range f.subs {
		close(ch)
		delete(f.subs, ch)
	}
}
