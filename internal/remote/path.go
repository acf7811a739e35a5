package remote

import (
	"fmt"
	"strings"

	"github.com/and161185/inkwell/internal/errs"
)

// Well-known collections.
const (
	UsersCollection    = "users"
	PostsCollection    = "posts"
	CommentsCollection = "comments"
)

// Path is a parsed collection or document path. ID is empty for collections.
type Path struct {
	Collection string
	ID         string
}

// IsDocument reports whether p names a single document.
func (p Path) IsDocument() bool { return p.ID != "" }

func (p Path) String() string {
	if p.ID == "" {
		return p.Collection
	}
	return DocPath(p.Collection, p.ID)
}

// ParsePath validates s. An odd number of segments is a collection, an even
// number a document: "posts", "posts/42", "posts/42/comments", "posts/42/comments/7".
func ParsePath(s string) (Path, error) {
	if s == "" {
		return Path{}, fmt.Errorf("%w: empty", errs.ErrInvalidPath)
	}
	segs := strings.Split(s, "/")
	for i, seg := range segs {
		if strings.TrimSpace(seg) == "" {
			return Path{}, fmt.Errorf("%w: %q segment %d is empty", errs.ErrInvalidPath, s, i)
		}
	}
	if len(segs)%2 == 1 {
		return Path{Collection: s}, nil
	}
	return Path{
		Collection: strings.Join(segs[:len(segs)-1], "/"),
		ID:         segs[len(segs)-1],
	}, nil
}

// ValidateCollection checks that s is a collection path.
func ValidateCollection(s string) error {
	p, err := ParsePath(s)
	if err != nil {
		return err
	}
	if p.IsDocument() {
		return fmt.Errorf("%w: %q is a document path", errs.ErrInvalidPath, s)
	}
	return nil
}

// DocPath joins a collection path and a document id.
func DocPath(collection, id string) string { return collection + "/" + id }

// CommentsPath is the comment subcollection of a post.
func CommentsPath(postID string) string {
	return PostsCollection + "/" + postID + "/" + CommentsCollection
}
