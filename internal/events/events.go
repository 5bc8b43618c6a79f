// Package events defines the change-notification bus and its event variants.
//
// Delivery is synchronous: Publish runs every subscribed handler inline in
// the calling goroutine and returns only after the last handler has run.
// Publishers must therefore finish their own mutations before publishing,
// and handlers must not do long blocking work.
package events

import "github.com/jmholt/newsstand/internal/model"

// Event is the closed set of notification payloads carried by the Bus.
// Only the variant types in this package implement it.
type Event interface {
	event()
}

// StructuralChange signals that a child was added, removed, or renamed on
// the account tree. It marks the account dirty; it does not by itself
// recompute unread counts.
type StructuralChange struct {
	AccountID string
}

// StatusesChanged is published by the article store after a mark operation
// actually changed article flags. Only changed articles are included.
type StatusesChanged struct {
	Keys     []model.StatusKey
	Articles model.ArticleSet
	FeedIDs  []string
}

// AccountStatusesChanged is the account's re-broadcast of StatusesChanged,
// published after the affected unread counts have been recomputed.
type AccountStatusesChanged struct {
	AccountID string
	Keys      []model.StatusKey
	Articles  model.ArticleSet
	FeedIDs   []string
}

// BatchUpdateFinished is published by the article store after a bulk
// mutation whose per-article effects were not tracked. Observers must
// treat all cached state derived from the store as stale.
type BatchUpdateFinished struct{}

// DownloadProgressChanged reports progress of the active refresh operation.
type DownloadProgressChanged struct {
	AccountID string
	Remaining int
	Total     int
}

// RefreshBegan is raised by the account when a refresh transitions from
// idle to in-progress.
type RefreshBegan struct {
	AccountID string
}

// RefreshEnded is raised by the account when the active refresh completes.
type RefreshEnded struct {
	AccountID string
}

// RefreshProgressChanged is the account's re-broadcast of download
// progress for interested observers.
type RefreshProgressChanged struct {
	AccountID string
	Remaining int
	Total     int
}

// ArticlesDownloaded is raised by the account after a feed update landed
// in the article store.
type ArticlesDownloaded struct {
	AccountID string
	New       model.ArticleSet
	Updated   model.ArticleSet
	FeedIDs   []string
}

func (StructuralChange) event()        {}
func (StatusesChanged) event()         {}
func (AccountStatusesChanged) event()  {}
func (BatchUpdateFinished) event()     {}
func (DownloadProgressChanged) event() {}
func (RefreshBegan) event()            {}
func (RefreshEnded) event()            {}
func (RefreshProgressChanged) event()  {}
func (ArticlesDownloaded) event()      {}
