package app

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/eapache/queue"

	"github.com/MrWong99/audiodam/pkg/audio"
)

// maxPendingMessages bounds the outbound queue of one control link.
const maxPendingMessages = 256

// ErrLinkInUse is returned when a control port already has a connected peer.
var ErrLinkInUse = errors.New("app: control port already has a peer")

// Links tracks the connected control-link peers, one per control port, and
// buffers messages the node sends them. Safe for concurrent use.
type Links struct {
	mu    sync.Mutex
	links map[uint32]*link
}

// link is the outbound side of one connected peer.
type link struct {
	mu      sync.Mutex
	pending *queue.Queue
	dropped int

	// ready carries at most one wake-up for the writer.
	ready chan struct{}
}

// NewLinks returns an empty link table.
func NewLinks() *Links {
	return &Links{links: make(map[uint32]*link)}
}

func (l *Links) attach(id uint32) (*link, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.links[id]; ok {
		return nil, fmt.Errorf("control port %d: %w", id, ErrLinkInUse)
	}
	lk := &link{pending: queue.New(), ready: make(chan struct{}, 1)}
	l.links[id] = lk
	return lk, nil
}

func (l *Links) detach(id uint32, lk *link) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.links[id] == lk {
		delete(l.links, id)
	}
}

// Connected reports whether control port id has a peer.
func (l *Links) Connected(id uint32) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.links[id]
	return ok
}

// Send queues msg for the peer on control port id. msg is copied. When the
// peer falls more than [maxPendingMessages] behind, the oldest message is
// dropped.
func (l *Links) Send(id uint32, msg []byte) error {
	l.mu.Lock()
	lk, ok := l.links[id]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("app: no peer on control port %d: %w", id, audio.ErrNotReady)
	}
	lk.push(slices.Clone(msg))
	return nil
}

func (lk *link) push(msg []byte) {
	lk.mu.Lock()
	if lk.pending.Length() >= maxPendingMessages {
		lk.pending.Remove()
		lk.dropped++
	}
	lk.pending.Add(msg)
	lk.mu.Unlock()

	select {
	case lk.ready <- struct{}{}:
	default:
	}
}

// drain removes and returns every queued message and the number dropped
// since the last drain.
func (lk *link) drain() ([][]byte, int) {
	lk.mu.Lock()
	defer lk.mu.Unlock()
	out := make([][]byte, 0, lk.pending.Length())
	for lk.pending.Length() > 0 {
		out = append(out, lk.pending.Remove().([]byte))
	}
	dropped := lk.dropped
	lk.dropped = 0
	return out, dropped
}
