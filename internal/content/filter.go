package content

import (
	"strings"

	"github.com/and161185/inkwell/internal/model"
)

// SetSearchQuery replaces the free-text filter.
func (s *Store) SetSearchQuery(q string) {
	s.mu.Lock()
	s.query = q
	s.mu.Unlock()
	s.publish()
}

// SetSelectedTag replaces the tag filter; empty clears it.
func (s *Store) SetSelectedTag(tag string) {
	s.mu.Lock()
	s.tag = tag
	s.mu.Unlock()
	s.publish()
}

// SearchQuery returns the free-text filter.
func (s *Store) SearchQuery() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.query
}

// SelectedTag returns the tag filter.
func (s *Store) SelectedTag() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tag
}

// FilteredPosts applies the current query and tag to the feed.
func (s *Store) FilteredPosts() []model.BlogPost {
	s.mu.Lock()
	posts := s.forViewerLocked(s.posts)
	q, t := s.query, s.tag
	s.mu.Unlock()
	return Filter(posts, q, t)
}

// AllTags returns every tag used in the feed, in first-seen order.
func (s *Store) AllTags() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, p := range s.posts {
		for _, t := range p.Tags {
			k := strings.ToLower(t)
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, t)
		}
	}
	return out
}

// Filter keeps the posts matching query and tag, preserving order. The query
// is a case-insensitive substring of the title, content, author name or any
// tag. The tag must equal one of the post's tags, ignoring case. Empty
// values match everything.
func Filter(posts []model.BlogPost, query, tag string) []model.BlogPost {
	q := strings.ToLower(strings.TrimSpace(query))
	tag = strings.TrimSpace(tag)
	out := make([]model.BlogPost, 0, len(posts))
	for _, p := range posts {
		if q != "" && !matchesQuery(p, q) {
			continue
		}
		if tag != "" && !hasTag(p, tag) {
			continue
		}
		out = append(out, p)
	}
	return out
}

func matchesQuery(p model.BlogPost, q string) bool {
	if strings.Contains(strings.ToLower(p.Title), q) ||
		strings.Contains(strings.ToLower(p.Content), q) ||
		strings.Contains(strings.ToLower(p.Author.Name), q) {
		return true
	}
	for _, t := range p.Tags {
		if strings.Contains(strings.ToLower(t), q) {
			return true
		}
	}
	return false
}

func hasTag(p model.BlogPost, tag string) bool {
	for _, t := range p.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}
