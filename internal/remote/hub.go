package remote

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Loader reads the current state of a collection or document path.
type Loader func(ctx context.Context, p Path) ([]Document, error)

// Hub fans change notifications out to path subscribers. Every backend
// implements DocumentStore.Subscribe with one: writers call Notify after
// committing and the hub reloads the affected paths and delivers snapshots.
//
// Callbacks run on the notifying goroutine, outside the hub lock, serialized
// per subscriber. Every load is stamped with a hub-wide sequence when it
// starts; a subscriber drops a snapshot older than the last one it received,
// so a slow reload never overwrites a newer state. A callback must not call
// its own unsubscribe function.
type Hub struct {
	load        Loader
	log         *zap.Logger
	loadTimeout time.Duration

	mu   sync.Mutex
	next uint64
	seq  uint64
	subs map[string]map[uint64]*subscriber
}

type subscriber struct {
	path Path
	cb   func(Snapshot)

	mu     sync.Mutex
	closed bool
	last   uint64
}

// NewHub constructs a hub reading snapshots through load.
func NewHub(load Loader, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		load:        load,
		log:         log,
		loadTimeout: 10 * time.Second,
		subs:        map[string]map[uint64]*subscriber{},
	}
}

// Subscribe registers cb for path and delivers the current snapshot before returning.
func (h *Hub) Subscribe(ctx context.Context, path string, cb func(Snapshot)) (func(), error) {
	p, err := ParsePath(path)
	if err != nil {
		return nil, err
	}
	s := &subscriber{path: p, cb: cb}

	h.mu.Lock()
	h.next++
	id := h.next
	key := p.String()
	if h.subs[key] == nil {
		h.subs[key] = map[uint64]*subscriber{}
	}
	h.subs[key][id] = s
	h.seq++
	seq := h.seq
	h.mu.Unlock()

	docs, lerr := h.load(ctx, p)
	s.deliver(seq, Snapshot{Path: key, Docs: docs, Err: lerr})

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.closed = true
			s.mu.Unlock()

			h.mu.Lock()
			delete(h.subs[key], id)
			if len(h.subs[key]) == 0 {
				delete(h.subs, key)
			}
			h.mu.Unlock()
		})
	}, nil
}

// Notify reloads and delivers the collection and the document path touched by a write.
func (h *Hub) Notify(ctx context.Context, collection, id string) {
	h.notifyPath(ctx, Path{Collection: collection})
	if id != "" {
		h.notifyPath(ctx, Path{Collection: collection, ID: id})
	}
}

// Subscribers reports the number of live subscriptions (all paths).
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, m := range h.subs {
		n += len(m)
	}
	return n
}

func (h *Hub) notifyPath(ctx context.Context, p Path) {
	key := p.String()
	h.mu.Lock()
	targets := make([]*subscriber, 0, len(h.subs[key]))
	for _, s := range h.subs[key] {
		targets = append(targets, s)
	}
	h.seq++
	seq := h.seq
	h.mu.Unlock()
	if len(targets) == 0 {
		return
	}

	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.loadTimeout)
	docs, err := h.load(lctx, p)
	cancel()
	if err != nil {
		h.log.Warn("hub reload failed", zap.String("path", key), zap.Error(err))
	}
	for _, s := range targets {
		s.deliver(seq, Snapshot{Path: key, Docs: cloneDocs(docs), Err: err})
	}
}

func (s *subscriber) deliver(seq uint64, snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || seq < s.last {
		return
	}
	s.last = seq
	s.cb(snap)
}

func cloneDocs(in []Document) []Document {
	if in == nil {
		return nil
	}
	out := make([]Document, len(in))
	for i, d := range in {
		out[i] = d
		out[i].Fields = ApplyUpdate(d.Fields, nil)
	}
	return out
}
