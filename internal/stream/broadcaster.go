package stream

import "sync"

// Broadcaster fans out decoded PCM frames from a Stream's advance loop to
// any number of WebRTC Tap listeners, without perturbing advance's own
// accounting and without blocking on a slow listener.
type Broadcaster struct {
	mu        sync.RWMutex
	listeners map[*Listener]struct{}
}

// Listener receives interleaved float32 PCM frames from the broadcaster.
type Listener struct {
	C    chan []float32
	done chan struct{}
}

// Frames returns the channel of PCM frames published to this listener.
func (l *Listener) Frames() <-chan []float32 {
	return l.C
}

// Done returns a channel closed once the listener has been unsubscribed.
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

// NewBroadcaster creates a new broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		listeners: make(map[*Listener]struct{}),
	}
}

// Subscribe registers a new listener. Returns a Listener that receives frames.
func (b *Broadcaster) Subscribe() *Listener {
	l := &Listener{
		C:    make(chan []float32, 150), // ~6 seconds of buffer at 40ms/frame
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.listeners[l] = struct{}{}
	b.mu.Unlock()
	return l
}

// Unsubscribe removes a listener and signals it to stop.
func (b *Broadcaster) Unsubscribe(l *Listener) {
	b.mu.Lock()
	_, ok := b.listeners[l]
	delete(b.listeners, l)
	b.mu.Unlock()
	if ok {
		close(l.done)
	}
}

// ListenerCount returns the number of active listeners.
func (b *Broadcaster) ListenerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Publish fans frame out to every subscribed listener. A listener whose
// buffer is full has the frame dropped rather than blocking the publisher --
// the advance loop that calls this must never stall on a slow WebRTC peer.
func (b *Broadcaster) Publish(frame []float32) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for l := range b.listeners {
		select {
		case l.C <- frame:
		default:
		}
	}
}

// CloseAll signals every current listener to stop and clears the listener
// set. Called when the owning Stream is destroyed.
func (b *Broadcaster) CloseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for l := range b.listeners {
		close(l.done)
	}
	b.listeners = make(map[*Listener]struct{})
}
