package stream

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"

	"github.com/spf13/afero"

	"github.com/opusmixd/opusmixd/internal/audio"
)

// idAlphabet and idLength define the default stream id shape: 16
// alphanumeric characters drawn from a cryptographically-adequate source.
const idAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
const idLength = 16

// NotFoundError reports a stream id with no corresponding Stream.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("stream id %q not found", e.ID)
}

// Registry is the process-wide mapping from opaque stream id to Stream.
// Mutations to the map itself are serialized by mu; advance is never run
// with mu held, since it may block for as long as the requested duration
// of real-time decoding.
type Registry struct {
	mu      sync.Mutex
	streams map[string]*Stream
	format  audio.Format
	fs      afero.Fs
}

// NewRegistry constructs an empty Registry; every Stream it creates decodes
// to format and checks playlist filenames against the real filesystem.
func NewRegistry(format audio.Format) *Registry {
	return NewRegistryWithFS(format, afero.NewOsFs())
}

// NewRegistryWithFS is NewRegistry with an injectable filesystem, passed
// through to every Stream it creates.
func NewRegistryWithFS(format audio.Format, fs afero.Fs) *Registry {
	return &Registry{streams: make(map[string]*Stream), format: format, fs: fs}
}

// Create allocates a fresh id and an empty Stream targeting bitrateBps.
func (r *Registry) Create(bitrateBps int) (string, error) {
	s, err := NewStreamWithFS(bitrateBps, r.format, r.fs)
	if err != nil {
		return "", err
	}
	id, err := newStreamID()
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	r.streams[id] = s
	r.mu.Unlock()
	return id, nil
}

func (r *Registry) lookup(id string) (*Stream, error) {
	r.mu.Lock()
	s, ok := r.streams[id]
	r.mu.Unlock()
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	return s, nil
}

// Append appends filename to the stream's playlist.
func (r *Registry) Append(id, filename string, offsetSeconds float64) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	s.Append(filename, offsetSeconds)
	return nil
}

// Advance routes to the stream's own Advance; the registry lock is released
// before the (potentially slow) call runs.
func (r *Registry) Advance(id string, seconds float64, sink io.Writer) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	return s.Advance(seconds, sink)
}

// Status returns a read-only snapshot of the stream.
func (r *Registry) Status(id string) (Status, error) {
	s, err := r.lookup(id)
	if err != nil {
		return Status{}, err
	}
	return s.Status(), nil
}

// Get returns the Stream for id, for callers (such as the WebRTC Tap) that
// need the Stream itself rather than one of the Registry's routed
// operations.
func (r *Registry) Get(id string) (*Stream, error) {
	return r.lookup(id)
}

// Tap subscribes a WebRTC Tap listener to the stream's decoded PCM.
func (r *Registry) Tap(id string) (*Stream, *Listener, error) {
	s, err := r.lookup(id)
	if err != nil {
		return nil, nil, err
	}
	return s, s.Tap(), nil
}

// Destroy removes id from the registry and terminates any of its active
// decoders and WebRTC Tap listeners.
func (r *Registry) Destroy(id string) error {
	r.mu.Lock()
	s, ok := r.streams[id]
	if ok {
		delete(r.streams, id)
	}
	r.mu.Unlock()
	if !ok {
		return &NotFoundError{ID: id}
	}
	s.Close()
	return nil
}

// Count reports the number of live streams.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

func newStreamID() (string, error) {
	raw := make([]byte, idLength)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("stream: generate id: %w", err)
	}
	id := make([]byte, idLength)
	for i, v := range raw {
		id[i] = idAlphabet[int(v)%len(idAlphabet)]
	}
	return string(id), nil
}
