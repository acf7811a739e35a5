package content

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/inkwell/internal/errs"
	"github.com/and161185/inkwell/internal/model"
	"github.com/and161185/inkwell/internal/remote"
)

// Comments returns the comments of a post, oldest first. Only posts held by
// WatchComments have comments; the list is dropped with the last release.
func (s *Store) Comments(postID string) []model.Comment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Comment(nil), s.comments[postID]...)
}

// WatchComments keeps the comments of postID live until every returned
// release function has been called. Subscriptions are shared per post.
func (s *Store) WatchComments(ctx context.Context, postID string) (func(), error) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.isClosed() {
		return nil, ErrClosed
	}

	cs := s.commentSubs[postID]
	if cs == nil {
		sctx, cancel := s.opCtx(ctx)
		unsub, err := s.docs.Subscribe(sctx, remote.CommentsPath(postID), func(snap remote.Snapshot) {
			s.onComments(postID, snap)
		})
		cancel()
		if err != nil {
			s.log.Warn("comments subscription failed", zap.String("post", postID), zap.Error(err))
			return nil, fmt.Errorf("watch comments %s: %w", postID, err)
		}
		cs = &commentSub{unsub: unsub}
		s.commentSubs[postID] = cs
	}
	cs.refs++

	var once sync.Once
	return func() { once.Do(func() { s.releaseComments(postID, cs) }) }, nil
}

func (s *Store) releaseComments(postID string, cs *commentSub) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.commentSubs[postID] != cs {
		return
	}
	cs.refs--
	if cs.refs > 0 {
		return
	}
	delete(s.commentSubs, postID)
	cs.unsub()
	s.mu.Lock()
	delete(s.comments, postID)
	s.mu.Unlock()
}

func (s *Store) onComments(postID string, snap remote.Snapshot) {
	if snap.Err != nil {
		s.log.Warn("comments snapshot failed", zap.String("post", postID), zap.Error(snap.Err))
		return
	}
	list := make([]model.Comment, 0, len(snap.Docs))
	for _, d := range snap.Docs {
		list = append(list, model.CommentFromDocument(d))
	}
	s.mu.Lock()
	if !s.closed {
		s.comments[postID] = list
	}
	s.mu.Unlock()
}

// AddComment appends a comment by the signed-in user and bumps the post's
// commentsCount in the same batch. Blank content is rejected without a
// remote call.
func (s *Store) AddComment(ctx context.Context, postID, content string) (model.Comment, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return model.Comment{}, errs.ErrEmptyContent
	}
	if s.isClosed() {
		return model.Comment{}, ErrClosed
	}
	me, ok := s.viewer.CurrentUser()
	if !ok {
		s.log.Error("comment without session", zap.String("post", postID))
		return model.Comment{}, errs.ErrNotAuthenticated
	}

	c := model.Comment{Content: content, Author: me, CreatedAt: time.Now().UTC()}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	docs, err := s.docs.Commit(ctx, []remote.Write{
		remote.CreateWrite(remote.CommentsPath(postID), "", model.CommentFields(c)),
		remote.UpdateWrite(remote.PostsCollection, postID, map[string]any{model.FieldCommentsCount: remote.Inc(1)}),
	})
	if err != nil {
		s.log.Warn("add comment failed", zap.String("post", postID), zap.Error(err))
		s.notify("Comment failed", err)
		return model.Comment{}, fmt.Errorf("add comment %s: %w", postID, err)
	}

	created := model.CommentFromDocument(docs[0])
	s.appendComment(postID, created)
	s.merge(model.PostFromDocument(docs[1]))
	return created, nil
}

// appendComment adds c to a watched post unless a snapshot has already
// delivered it.
func (s *Store) appendComment(postID string, c model.Comment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, watched := s.comments[postID]
	if !watched {
		return
	}
	for _, old := range list {
		if old.ID == c.ID {
			return
		}
	}
	s.comments[postID] = append(list, c)
}
