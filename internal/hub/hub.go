// Package hub holds the server-side relay state: which instance identities
// subscribed to which reviewable units, and the live delivery channels owned
// by each identity. A Hub is constructed once in main and injected into the
// ingress and every session; there is no package-level instance.
package hub

import (
	"log"
	"sync"
	"time"

	"prrelay/internal"
	"prrelay/pkg/relay"
)

// Defaults applied by New when the configuration leaves a field zero.
const (
	DefaultSendBuffer   = 256
	DefaultWriteTimeout = 10 * time.Second
	DefaultReadLimit    = 1 << 20
)

// Config sizes the per-connection delivery machinery.
type Config struct {
	// SendBuffer is the delivery channel capacity. Channels are bounded: a
	// full buffer drops the frame for that target instead of blocking the
	// ingress.
	SendBuffer int
	// WriteTimeout bounds each frame write to a peer.
	WriteTimeout time.Duration
	// ReadLimit caps the size of inbound control frames in bytes.
	ReadLimit int64
}

// Hub maps unit keys to subscribed instance identities and identities to
// their delivery channels. Subscriptions are appended, not set-inserted: an
// instance subscribed twice to the same key receives each event twice. All
// methods are safe for concurrent use.
type Hub struct {
	logger *log.Logger
	cfg    Config

	mu    sync.RWMutex
	subs  map[relay.PRKey][]string
	conns map[string][]chan []byte
}

func New(logger *log.Logger, cfg Config) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultSendBuffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = DefaultReadLimit
	}
	return &Hub{
		logger: logger,
		cfg:    cfg,
		subs:   make(map[relay.PRKey][]string),
		conns:  make(map[string][]chan []byte),
	}
}

// Subscribe appends the instance to the key's subscriber list.
func (h *Hub) Subscribe(instanceID string, key relay.PRKey) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[key] = append(h.subs[key], instanceID)
}

// Unsubscribe removes every occurrence of the instance from the key's list.
// The key itself is retained even when its list becomes empty.
func (h *Hub) Unsubscribe(instanceID string, key relay.PRKey) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids, ok := h.subs[key]
	if !ok {
		return
	}
	h.subs[key] = removeAll(ids, instanceID)
}

// Subscribers returns a snapshot copy of the instances subscribed to key.
func (h *Hub) Subscribers(key relay.PRKey) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]string(nil), h.subs[key]...)
}

// Register adds a delivery channel for the instance. One identity may own
// several channels at once, reconnect overlap included.
func (h *Hub) Register(instanceID string, ch chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[instanceID] = append(h.conns[instanceID], ch)
}

// Deregister removes all channels owned by the instance and cascade-drops
// every subscription entry naming it. A leaked index entry would fan out
// into a void, so sessions call this on every exit path.
func (h *Hub) Deregister(instanceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, instanceID)
	for key, ids := range h.subs {
		h.subs[key] = removeAll(ids, instanceID)
	}
}

// Channels returns a snapshot copy of the instance's delivery channels.
func (h *Hub) Channels(instanceID string) []chan []byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]chan []byte(nil), h.conns[instanceID]...)
}

// NewChannel allocates a delivery channel with the hub's configured buffer.
func (h *Hub) NewChannel() chan []byte {
	return make(chan []byte, h.cfg.SendBuffer)
}

// Fanout pushes one serialized frame to every channel of every instance
// subscribed to key. Pushes are independent and non-blocking: a full channel
// counts as a drop for that target and never aborts delivery to the rest.
func (h *Hub) Fanout(key relay.PRKey, frame []byte) (delivered, dropped int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, id := range h.subs[key] {
		for _, ch := range h.conns[id] {
			select {
			case ch <- frame:
				delivered++
			default:
				dropped++
				h.logger.Printf("drop frame for %s on %s: delivery channel full", id, key)
			}
		}
	}
	internal.AddDeliveries(delivered, dropped)
	return delivered, dropped
}

func removeAll(ids []string, instanceID string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != instanceID {
			out = append(out, id)
		}
	}
	return out
}
