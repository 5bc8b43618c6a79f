// Package model defines shared data structures.
package model

import "time"

// StatusKey names one boolean flag on an article's status.
type StatusKey string

const (
	StatusRead    StatusKey = "read"
	StatusStarred StatusKey = "starred"
)

// ArticleStatus holds the per-article boolean flags.
type ArticleStatus struct {
	Read    bool
	Starred bool
}

// Flag returns the value of one status flag.
func (s ArticleStatus) Flag(key StatusKey) bool {
	switch key {
	case StatusRead:
		return s.Read
	case StatusStarred:
		return s.Starred
	}
	return false
}

// SetFlag sets one status flag and returns the updated status.
func (s ArticleStatus) SetFlag(key StatusKey, flag bool) ArticleStatus {
	switch key {
	case StatusRead:
		s.Read = flag
	case StatusStarred:
		s.Starred = flag
	}
	return s
}

// Article represents a single article/entry from a feed.
type Article struct {
	ArticleID     string // stable identity, derived from feed ID + GUID
	FeedID        string
	GUID          string // unique identifier from feed
	Title         string
	Body          string
	URL           string
	DatePublished time.Time
	DateArrived   time.Time
	Status        ArticleStatus
}

// articleIDSeparator joins feed ID and GUID; NUL cannot appear in either.
const articleIDSeparator = "\x00"

// ArticleIDFor derives the stable article identity for a feed item.
// Re-fetching the same item always yields the same ID.
func ArticleIDFor(feedID, guid string) string {
	return feedID + articleIDSeparator + guid
}

// ArticleSet is a set of articles keyed by article ID.
type ArticleSet map[string]Article

// NewArticleSet builds a set from a slice of articles.
func NewArticleSet(articles []Article) ArticleSet {
	set := make(ArticleSet, len(articles))
	for _, a := range articles {
		set[a.ArticleID] = a
	}
	return set
}

// Articles returns the set's members in unspecified order.
func (s ArticleSet) Articles() []Article {
	out := make([]Article, 0, len(s))
	for _, a := range s {
		out = append(out, a)
	}
	return out
}

// Union returns a new set holding the members of both sets. On duplicate
// IDs the member from other wins.
func (s ArticleSet) Union(other ArticleSet) ArticleSet {
	out := make(ArticleSet, len(s)+len(other))
	for id, a := range s {
		out[id] = a
	}
	for id, a := range other {
		out[id] = a
	}
	return out
}

// FeedIDs returns the distinct feed IDs covered by the set.
func (s ArticleSet) FeedIDs() []string {
	seen := make(map[string]struct{}, len(s))
	out := make([]string, 0, len(s))
	for _, a := range s {
		if _, ok := seen[a.FeedID]; ok {
			continue
		}
		seen[a.FeedID] = struct{}{}
		out = append(out, a.FeedID)
	}
	return out
}

// UnreadCountMap maps feed ID to a count of not-read articles.
type UnreadCountMap map[string]int

// ParsedFeed is the structured result of fetching and parsing one feed
// document. The fetch pipeline produces it; this package does not care how.
type ParsedFeed struct {
	Title       string
	HomePageURL string
	Items       []ParsedItem
}

// ParsedItem is a single entry within a ParsedFeed.
type ParsedItem struct {
	GUID          string
	Title         string
	Body          string
	URL           string
	DatePublished time.Time
}
