package model

import (
	"time"

	"github.com/and161185/inkwell/internal/remote"
)

// Persisted field names.
const (
	FieldName           = "name"
	FieldEmail          = "email"
	FieldAvatar         = "avatar"
	FieldBio            = "bio"
	FieldFollowersCount = "followersCount"
	FieldFollowingCount = "followingCount"
	FieldPostsCount     = "postsCount"
	FieldFollowers      = "followers"
	FieldFollowing      = "following"

	FieldTitle         = "title"
	FieldContent       = "content"
	FieldExcerpt       = "excerpt"
	FieldAuthor        = "author"
	FieldCreatedAt     = "createdAt"
	FieldUpdatedAt     = "updatedAt"
	FieldCommentsCount = "commentsCount"
	FieldTags          = "tags"
	FieldImageURL      = "imageUrl"
	FieldReadTime      = "readTime"
	FieldLikedBy       = "likedBy"
)

// DefaultBio is written into freshly created profiles.
const DefaultBio = "New blogger ready to share amazing content"

// NewProfileFields is the document written for a new account.
func NewProfileFields(name, email string) map[string]any {
	return map[string]any{
		FieldName:           name,
		FieldEmail:          email,
		FieldAvatar:         "",
		FieldBio:            DefaultBio,
		FieldFollowersCount: 0,
		FieldFollowingCount: 0,
		FieldPostsCount:     0,
		FieldFollowers:      []string{},
		FieldFollowing:      []string{},
	}
}

// UserFromDocument decodes a users/{id} document. Follower and following
// counts are taken from the sets when present.
func UserFromDocument(doc remote.Document) User {
	u := userFromFields(doc.Fields)
	u.ID = doc.ID
	return u
}

// AuthorFields is the snapshot of u embedded into posts and comments.
func AuthorFields(u User) map[string]any {
	return map[string]any{
		"id":                u.ID,
		FieldName:           u.Name,
		FieldEmail:          u.Email,
		FieldAvatar:         u.Avatar,
		FieldBio:            u.Bio,
		FieldFollowersCount: u.FollowersCount,
		FieldFollowingCount: u.FollowingCount,
		FieldPostsCount:     u.PostsCount,
	}
}

// PostFields is the document written when a post is created.
func PostFields(p BlogPost) map[string]any {
	f := map[string]any{
		FieldTitle:         p.Title,
		FieldContent:       p.Content,
		FieldExcerpt:       p.Excerpt,
		FieldAuthor:        AuthorFields(p.Author),
		FieldCreatedAt:     formatTime(p.CreatedAt),
		FieldUpdatedAt:     formatTime(p.UpdatedAt),
		FieldCommentsCount: p.CommentsCount,
		FieldTags:          append([]string{}, p.Tags...),
		FieldReadTime:      p.ReadTime,
		FieldLikedBy:       append([]string{}, p.LikedBy...),
	}
	if p.ImageURL != "" {
		f[FieldImageURL] = p.ImageURL
	}
	return f
}

// PostFromDocument decodes a posts/{id} document. LikesCount is derived from
// LikedBy; IsLiked is left for the viewer-aware caller.
func PostFromDocument(doc remote.Document) BlogPost {
	f := doc.Fields
	p := BlogPost{
		ID:            doc.ID,
		Title:         str(f, FieldTitle),
		Content:       str(f, FieldContent),
		Excerpt:       str(f, FieldExcerpt),
		Author:        embeddedUser(f[FieldAuthor]),
		CreatedAt:     parseTime(str(f, FieldCreatedAt), doc.CreateTime),
		UpdatedAt:     doc.UpdateTime,
		CommentsCount: remote.ToInt(f[FieldCommentsCount]),
		Tags:          strs(f[FieldTags]),
		ImageURL:      str(f, FieldImageURL),
		ReadTime:      remote.ToInt(f[FieldReadTime]),
		LikedBy:       strs(f[FieldLikedBy]),
		Version:       doc.Version,
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = parseTime(str(f, FieldUpdatedAt), p.CreatedAt)
	}
	p.LikesCount = len(p.LikedBy)
	return p
}

// CommentFields is the document written for a new comment.
func CommentFields(c Comment) map[string]any {
	return map[string]any{
		FieldContent:   c.Content,
		FieldAuthor:    AuthorFields(c.Author),
		FieldCreatedAt: formatTime(c.CreatedAt),
	}
}

// CommentFromDocument decodes a posts/{id}/comments/{id} document.
func CommentFromDocument(doc remote.Document) Comment {
	f := doc.Fields
	return Comment{
		ID:        doc.ID,
		Content:   str(f, FieldContent),
		Author:    embeddedUser(f[FieldAuthor]),
		CreatedAt: parseTime(str(f, FieldCreatedAt), doc.CreateTime),
	}
}

func userFromFields(f map[string]any) User {
	u := User{
		Name:           str(f, FieldName),
		Email:          str(f, FieldEmail),
		Avatar:         str(f, FieldAvatar),
		Bio:            str(f, FieldBio),
		FollowersCount: remote.ToInt(f[FieldFollowersCount]),
		FollowingCount: remote.ToInt(f[FieldFollowingCount]),
		PostsCount:     remote.ToInt(f[FieldPostsCount]),
	}
	if v, ok := f[FieldFollowers]; ok && v != nil {
		u.Followers = strs(v)
		u.FollowersCount = len(u.Followers)
	}
	if v, ok := f[FieldFollowing]; ok && v != nil {
		u.Following = strs(v)
		u.FollowingCount = len(u.Following)
	}
	return u
}

func embeddedUser(v any) User {
	m, ok := v.(map[string]any)
	if !ok {
		return User{}
	}
	u := userFromFields(m)
	u.ID = str(m, "id")
	return u
}

func str(f map[string]any, key string) string {
	s, _ := f[key].(string)
	return s
}

func strs(v any) []string {
	switch x := v.(type) {
	case []string:
		return append([]string{}, x...)
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return []string{}
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string, fallback time.Time) time.Time {
	if s == "" {
		return fallback
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fallback
	}
	return t
}
