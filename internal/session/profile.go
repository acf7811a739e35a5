package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/and161185/inkwell/internal/errs"
	"github.com/and161185/inkwell/internal/model"
	"github.com/and161185/inkwell/internal/remote"
)

// ProfileUpdate lists editable profile fields; nil means unchanged.
type ProfileUpdate struct {
	Name *string
	Bio  *string
}

// UpdateProfile writes the given fields to the signed-in user's profile.
func (s *Store) UpdateProfile(ctx context.Context, upd ProfileUpdate) error {
	me, ok := s.CurrentUser()
	if !ok {
		return errs.ErrNotAuthenticated
	}
	fields := map[string]any{}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return fmt.Errorf("profile name: %w", errs.ErrEmptyContent)
		}
		fields[model.FieldName] = name
	}
	if upd.Bio != nil {
		fields[model.FieldBio] = strings.TrimSpace(*upd.Bio)
	}
	if len(fields) == 0 {
		return nil
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	doc, err := s.docs.Update(ctx, remote.UsersCollection, me.ID, fields)
	if err != nil {
		s.log.Warn("profile update failed", zap.String("uid", me.ID), zap.Error(err))
		s.notify("Profile update failed", err)
		return fmt.Errorf("update profile: %w", err)
	}
	if name, ok := fields[model.FieldName].(string); ok {
		if c, signedIn := s.creds.Current(); signedIn && c.UID == me.ID {
			if err := s.creds.SetDisplayName(ctx, c, name); err != nil {
				s.log.Warn("set display name failed", zap.String("uid", me.ID), zap.Error(err))
			}
		}
	}
	s.applyProfile(s.confirmed(doc))
	return nil
}

// UploadAvatar stores data under avatars/{uid} and points the profile at its public URL.
func (s *Store) UploadAvatar(ctx context.Context, data []byte, contentType string) (string, error) {
	me, ok := s.CurrentUser()
	if !ok {
		return "", errs.ErrNotAuthenticated
	}
	if s.blobs == nil {
		return "", errors.New("upload avatar: no blob store configured")
	}
	if len(data) == 0 {
		return "", fmt.Errorf("upload avatar: %w", errs.ErrEmptyContent)
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	url, doc, err := s.storeAvatar(ctx, me.ID, data, contentType)
	if err != nil {
		s.log.Warn("avatar upload failed", zap.String("uid", me.ID), zap.Error(err))
		s.notify("Avatar upload failed", err)
		return "", fmt.Errorf("upload avatar: %w", err)
	}
	s.applyProfile(s.confirmed(doc))
	return url, nil
}

func (s *Store) storeAvatar(ctx context.Context, uid string, data []byte, contentType string) (string, remote.Document, error) {
	h, err := s.blobs.Upload(ctx, "avatars/"+uid, data, contentType)
	if err != nil {
		return "", remote.Document{}, err
	}
	url, err := s.blobs.PublicURL(ctx, h)
	if err != nil {
		return "", remote.Document{}, err
	}
	doc, err := s.docs.Update(ctx, remote.UsersCollection, uid, map[string]any{model.FieldAvatar: url})
	if err != nil {
		return "", remote.Document{}, err
	}
	return url, doc, nil
}
