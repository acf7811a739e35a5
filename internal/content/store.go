// Package content holds the post feed, the comments of watched posts and the
// user's search and tag filters.
package content

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/inkwell/internal/model"
	"github.com/and161185/inkwell/internal/remote"
	"github.com/and161185/inkwell/internal/watch"
)

// DefaultOpTimeout bounds every remote call made by the store.
const DefaultOpTimeout = 10 * time.Second

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("content: store closed")

// Viewer reports the signed-in user. The session store satisfies it.
type Viewer interface {
	CurrentUser() (model.User, bool)
}

// Options tunes a Store.
type Options struct {
	Logger    *zap.Logger
	OpTimeout time.Duration
}

// Snapshot is the published view of the feed for one viewer.
type Snapshot struct {
	Posts    []model.BlogPost
	Filtered []model.BlogPost
	Query    string
	Tag      string
	Loading  bool
}

// Store owns the feed state. The feed is replaced wholesale by each posts
// snapshot; confirmed copies returned by writes are merged in by version.
type Store struct {
	docs      remote.DocumentStore
	blobs     remote.BlobStore
	viewer    Viewer
	log       *zap.Logger
	opTimeout time.Duration

	state   *watch.Latest[Snapshot]
	notices chan model.Notice

	mu         sync.Mutex
	opened     bool
	closed     bool
	unsubPosts func()
	posts      []model.BlogPost // newest first
	loading    bool
	query      string
	tag        string
	comments   map[string][]model.Comment

	subMu       sync.Mutex // serializes comment subscription bookkeeping
	commentSubs map[string]*commentSub
}

type commentSub struct {
	refs  int
	unsub func()
}

// New constructs an empty, loading Store.
func New(docs remote.DocumentStore, viewer Viewer, blobs remote.BlobStore, opts Options) *Store {
	if docs == nil || viewer == nil {
		panic("content: nil document store or viewer")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = DefaultOpTimeout
	}
	return &Store{
		docs:        docs,
		blobs:       blobs,
		viewer:      viewer,
		log:         opts.Logger.Named("content"),
		opTimeout:   opts.OpTimeout,
		state:       watch.NewLatest(Snapshot{Loading: true}),
		notices:     make(chan model.Notice, 16),
		loading:     true,
		comments:    map[string][]model.Comment{},
		commentSubs: map[string]*commentSub{},
	}
}

// Open subscribes to the posts collection. A failed Open may be retried.
func (s *Store) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.opened || s.closed {
		s.mu.Unlock()
		return errors.New("content: store already opened")
	}
	s.opened = true
	s.mu.Unlock()

	sctx, cancel := s.opCtx(ctx)
	defer cancel()
	unsub, err := s.docs.Subscribe(sctx, remote.PostsCollection, s.onPosts)
	if err != nil {
		s.log.Error("posts subscription failed", zap.Error(err))
		s.mu.Lock()
		s.opened = false
		s.loading = false
		s.mu.Unlock()
		s.publish()
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		unsub()
		return ErrClosed
	}
	s.unsubPosts = unsub
	s.mu.Unlock()
	return nil
}

// Close releases the posts subscription and every comment subscription.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	up := s.unsubPosts
	s.unsubPosts = nil
	s.mu.Unlock()

	if up != nil {
		up()
	}

	s.subMu.Lock()
	for id, cs := range s.commentSubs {
		delete(s.commentSubs, id)
		cs.unsub()
	}
	s.subMu.Unlock()
	s.state.Close()
}

// Watch streams feed snapshots; slow readers only see the latest one.
func (s *Store) Watch(ctx context.Context) <-chan Snapshot { return s.state.Watch(ctx) }

// Notices delivers one-shot failure notices for user-initiated operations.
func (s *Store) Notices() <-chan model.Notice { return s.notices }

// ViewerChanged republishes the feed so IsLiked reflects the current viewer.
func (s *Store) ViewerChanged() { s.publish() }

// Loading reports whether the first posts snapshot is still pending.
func (s *Store) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

func (s *Store) onPosts(snap remote.Snapshot) {
	if snap.Err != nil {
		s.log.Warn("posts snapshot failed", zap.Error(snap.Err))
		return
	}
	incoming := make([]model.BlogPost, 0, len(snap.Docs))
	for _, d := range snap.Docs {
		incoming = append(incoming, model.PostFromDocument(d))
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	known := make(map[string]model.BlogPost, len(s.posts))
	for _, p := range s.posts {
		known[p.ID] = p
	}
	for i, p := range incoming {
		// a confirmed write may already be ahead of this snapshot
		if old, ok := known[p.ID]; ok && old.Version > p.Version {
			incoming[i] = old
		}
	}
	sortNewestFirst(incoming)
	s.posts = incoming
	s.loading = false
	s.mu.Unlock()

	s.log.Debug("posts snapshot applied", zap.Int("count", len(incoming)))
	s.publish()
}

// merge replaces the post with a confirmed copy unless a newer one is held.
func (s *Store) merge(p model.BlogPost) model.BlogPost {
	s.mu.Lock()
	merged := p
	found := false
	for i, old := range s.posts {
		if old.ID != p.ID {
			continue
		}
		found = true
		if old.Version > p.Version {
			merged = old
		} else {
			s.posts[i] = p
		}
		break
	}
	if !found {
		s.posts = append(s.posts, p)
		sortNewestFirst(s.posts)
	}
	s.mu.Unlock()
	s.publish()
	return merged
}

func (s *Store) publish() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	posts := s.forViewerLocked(s.posts)
	snap := Snapshot{
		Posts:    posts,
		Filtered: Filter(posts, s.query, s.tag),
		Query:    s.query,
		Tag:      s.tag,
		Loading:  s.loading,
	}
	s.mu.Unlock()
	s.state.Set(snap)
}

// forViewerLocked copies posts with IsLiked set for the current viewer.
func (s *Store) forViewerLocked(in []model.BlogPost) []model.BlogPost {
	me, ok := s.viewer.CurrentUser()
	out := make([]model.BlogPost, len(in))
	for i, p := range in {
		p.IsLiked = ok && p.LikedByUser(me.ID)
		out[i] = p
	}
	return out
}

func (s *Store) forViewer(p model.BlogPost) model.BlogPost {
	me, ok := s.viewer.CurrentUser()
	p.IsLiked = ok && p.LikedByUser(me.ID)
	return p
}

func (s *Store) notify(title string, err error) {
	select {
	case s.notices <- model.Notice{Title: title, Err: err}:
	default:
		s.log.Debug("notice dropped", zap.String("title", title))
	}
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func sortNewestFirst(posts []model.BlogPost) {
	sort.SliceStable(posts, func(i, j int) bool {
		if !posts[i].CreatedAt.Equal(posts[j].CreatedAt) {
			return posts[i].CreatedAt.After(posts[j].CreatedAt)
		}
		return posts[i].ID > posts[j].ID
	})
}
