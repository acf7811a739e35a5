package content

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/and161185/inkwell/internal/errs"
	"github.com/and161185/inkwell/internal/model"
	"github.com/and161185/inkwell/internal/remote"
)

// Draft is the input of CreatePost. Image, when set, is uploaded and takes
// precedence over ImageURL.
type Draft struct {
	Title     string
	Content   string
	Tags      []string
	ImageURL  string
	Image     []byte
	ImageType string
}

// Posts returns the feed, newest first.
func (s *Store) Posts() []model.BlogPost {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forViewerLocked(s.posts)
}

// Post returns a post from the feed.
func (s *Store) Post(id string) (model.BlogPost, bool) {
	for _, p := range s.Posts() {
		if p.ID == id {
			return p, true
		}
	}
	return model.BlogPost{}, false
}

// PostsByAuthor returns the posts written by uid, newest first.
func (s *Store) PostsByAuthor(uid string) []model.BlogPost {
	var out []model.BlogPost
	for _, p := range s.Posts() {
		if p.Author.ID == uid {
			out = append(out, p)
		}
	}
	return out
}

// LikedBy returns the posts uid has liked, newest first.
func (s *Store) LikedBy(uid string) []model.BlogPost {
	var out []model.BlogPost
	for _, p := range s.Posts() {
		if p.LikedByUser(uid) {
			out = append(out, p)
		}
	}
	return out
}

// CreatePost publishes a post authored by the signed-in user and bumps the
// author's postsCount in the same batch.
func (s *Store) CreatePost(ctx context.Context, d Draft) (model.BlogPost, error) {
	if s.isClosed() {
		return model.BlogPost{}, ErrClosed
	}
	me, ok := s.viewer.CurrentUser()
	if !ok {
		s.log.Error("create post without session")
		return model.BlogPost{}, errs.ErrNotAuthenticated
	}
	title := strings.TrimSpace(d.Title)
	body := strings.TrimSpace(d.Content)
	if title == "" || body == "" {
		return model.BlogPost{}, fmt.Errorf("create post: %w", errs.ErrEmptyContent)
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	imageURL := strings.TrimSpace(d.ImageURL)
	if len(d.Image) > 0 {
		url, err := s.uploadImage(ctx, me.ID, d.Image, d.ImageType)
		if err != nil {
			s.log.Warn("post image upload failed", zap.String("uid", me.ID), zap.Error(err))
			s.notify("Image upload failed", err)
			return model.BlogPost{}, fmt.Errorf("create post: %w", err)
		}
		imageURL = url
	}

	now := time.Now().UTC()
	post := model.BlogPost{
		Title:     title,
		Content:   body,
		Excerpt:   model.Excerpt(body),
		Author:    me,
		CreatedAt: now,
		UpdatedAt: now,
		Tags:      model.ParseTags(strings.Join(d.Tags, ",")),
		ImageURL:  imageURL,
		ReadTime:  model.ReadTime(body),
		LikedBy:   []string{},
	}
	docs, err := s.docs.Commit(ctx, []remote.Write{
		remote.CreateWrite(remote.PostsCollection, "", model.PostFields(post)),
		remote.UpdateWrite(remote.UsersCollection, me.ID, map[string]any{model.FieldPostsCount: remote.Inc(1)}),
	})
	if err != nil {
		s.log.Warn("create post failed", zap.String("uid", me.ID), zap.Error(err))
		s.notify("Publish failed", err)
		return model.BlogPost{}, fmt.Errorf("create post: %w", err)
	}
	created := s.merge(model.PostFromDocument(docs[0]))
	s.log.Info("post created", zap.String("id", created.ID), zap.String("uid", me.ID))
	return s.forViewer(created), nil
}

func (s *Store) uploadImage(ctx context.Context, uid string, data []byte, contentType string) (string, error) {
	if s.blobs == nil {
		return "", errors.New("no blob store configured")
	}
	h, err := s.blobs.Upload(ctx, "posts/"+uid+"/"+ulid.Make().String(), data, contentType)
	if err != nil {
		return "", err
	}
	return s.blobs.PublicURL(ctx, h)
}

// ToggleLike adds the signed-in user to the post's likedBy set, or removes
// them when already present, and merges the confirmed post.
func (s *Store) ToggleLike(ctx context.Context, postID string) (model.BlogPost, error) {
	if s.isClosed() {
		return model.BlogPost{}, ErrClosed
	}
	me, ok := s.viewer.CurrentUser()
	if !ok {
		s.log.Error("toggle like without session", zap.String("post", postID))
		return model.BlogPost{}, errs.ErrNotAuthenticated
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	doc, err := s.docs.Get(ctx, remote.PostsCollection, postID)
	if err != nil {
		s.log.Warn("like read failed", zap.String("post", postID), zap.Error(err))
		s.notify("Like failed", err)
		return model.BlogPost{}, fmt.Errorf("toggle like %s: %w", postID, err)
	}
	var op remote.Transform = remote.Union(me.ID)
	if model.PostFromDocument(doc).LikedByUser(me.ID) {
		op = remote.Remove(me.ID)
	}
	doc, err = s.docs.Update(ctx, remote.PostsCollection, postID, map[string]any{model.FieldLikedBy: op})
	if err != nil {
		s.log.Warn("like update failed", zap.String("post", postID), zap.Error(err))
		s.notify("Like failed", err)
		return model.BlogPost{}, fmt.Errorf("toggle like %s: %w", postID, err)
	}
	return s.forViewer(s.merge(model.PostFromDocument(doc))), nil
}
