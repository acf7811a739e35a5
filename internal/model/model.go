// Package model defines domain entities used by the stores, services and repositories.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// User is a profile record. The embedded copies on posts and comments are
// snapshots taken at write time, not live references.
type User struct {
	ID             string
	Name           string
	Email          string
	Avatar         string
	Bio            string
	FollowersCount int
	FollowingCount int
	PostsCount     int
	Followers      []string // user IDs
	Following      []string // user IDs
}

// IsFollowing reports whether u follows id.
func (u User) IsFollowing(id string) bool { return contains(u.Following, id) }

// BlogPost is a published post as seen by one viewer.
type BlogPost struct {
	ID            string
	Title         string
	Content       string
	Excerpt       string
	Author        User
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LikesCount    int  // always len(LikedBy)
	CommentsCount int  // durable counter, bumped with each comment
	IsLiked       bool // computed for the viewing user
	Tags          []string
	ImageURL      string
	ReadTime      int // minutes
	LikedBy       []string

	// Version is the backend document version the post was decoded from.
	Version int64
}

// LikedByUser reports whether userID is in LikedBy.
func (p BlogPost) LikedByUser(userID string) bool { return contains(p.LikedBy, userID) }

// Comment is an entry of a post's comment subcollection.
type Comment struct {
	ID         string
	Content    string
	Author     User
	CreatedAt  time.Time
	LikesCount int  // never incremented
	IsLiked    bool // never set
	Replies    []Comment
}

// Session is the client's view of who is signed in.
type Session struct {
	CurrentUser     *User
	IsLoading       bool
	IsAuthenticated bool
}

// Notice is a one-shot, user-facing message about a failed intent.
type Notice struct {
	Title string
	Err   error
}

func (n Notice) String() string { return n.Title + ": " + n.Err.Error() }

// Tokens collects issued access tokens.
type Tokens struct {
	AccessToken string
	ExpiresAt   time.Time
}

// Account is a credential stored on the server. Passwords are never stored in plaintext.
type Account struct {
	ID          uuid.UUID // PK
	Email       string    // unique, lower-cased
	PwdHash     []byte    // Argon2id(password, SaltAuth)
	SaltAuth    []byte
	DisplayName string
	CreatedAt   time.Time
}

// Blob is a stored binary object.
type Blob struct {
	Path        string
	ContentType string
	Data        []byte
	UpdatedAt   time.Time
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
