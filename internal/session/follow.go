package session

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/and161185/inkwell/internal/errs"
	"github.com/and161185/inkwell/internal/model"
	"github.com/and161185/inkwell/internal/remote"
)

// Follow adds the signed-in user to target's followers and target to the
// user's following, with both counters, in one atomic batch.
func (s *Store) Follow(ctx context.Context, targetID string) error {
	return s.setFollow(ctx, targetID, true)
}

// Unfollow reverses Follow.
func (s *Store) Unfollow(ctx context.Context, targetID string) error {
	return s.setFollow(ctx, targetID, false)
}

// IsFollowing reports whether the signed-in user follows targetID.
func (s *Store) IsFollowing(targetID string) bool {
	me, ok := s.CurrentUser()
	return ok && me.IsFollowing(targetID)
}

func (s *Store) setFollow(ctx context.Context, targetID string, follow bool) error {
	me, ok := s.CurrentUser()
	if !ok {
		s.log.Error("follow without session", zap.String("target", targetID))
		return errs.ErrNotAuthenticated
	}
	if targetID == me.ID {
		return errs.ErrSelfFollow
	}
	if me.IsFollowing(targetID) == follow {
		return nil
	}

	delta := 1
	var mine, theirs remote.Transform = remote.Union(targetID), remote.Union(me.ID)
	if !follow {
		delta = -1
		mine, theirs = remote.Remove(targetID), remote.Remove(me.ID)
	}
	writes := []remote.Write{
		remote.UpdateWrite(remote.UsersCollection, targetID, map[string]any{
			model.FieldFollowers:      theirs,
			model.FieldFollowersCount: remote.Inc(delta),
		}),
		remote.UpdateWrite(remote.UsersCollection, me.ID, map[string]any{
			model.FieldFollowing:      mine,
			model.FieldFollowingCount: remote.Inc(delta),
		}),
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	docs, err := s.docs.Commit(ctx, writes)
	if err != nil {
		s.log.Warn("follow update failed", zap.String("target", targetID), zap.Bool("follow", follow), zap.Error(err))
		s.notify("Follow failed", err)
		return fmt.Errorf("follow %s: %w", targetID, err)
	}
	s.applyProfile(s.confirmed(docs[1]))
	return nil
}

// confirmed decodes a server-confirmed copy of the signed-in user's document.
func (s *Store) confirmed(doc remote.Document) model.User {
	u := model.UserFromDocument(doc)
	if c, ok := s.creds.Current(); ok && c.UID == u.ID {
		u = mergeCredential(c, u)
	}
	return u
}
