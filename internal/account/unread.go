package account

import (
	"fmt"

	"github.com/jmholt/newsstand/internal/events"
	"github.com/jmholt/newsstand/internal/model"
)

// Unread counts are recomputed from the store, never incrementally
// patched: concurrent fetch and mark operations interleave, and a late
// stale callback must converge on the same value as a timely one.

// UpdateUnreadCounts refreshes the cached counts for the given feeds
// with one batched store query. The completion runs on the store's
// goroutine. Feeds absent from the store's answer keep their cached
// count; only the all-non-zero query may treat absence as zero.
func (a *Account) UpdateUnreadCounts(feeds []*Feed) {
	a.updateUnreadCounts(feeds, nil)
}

func (a *Account) updateUnreadCounts(feeds []*Feed, then func()) {
	if len(feeds) == 0 {
		if then != nil {
			then()
		}
		return
	}
	a.store.FetchUnreadCounts(feedIDsOf(feeds), func(counts model.UnreadCountMap, err error) {
		if err != nil {
			a.logger.Error("fetch unread counts", "error", err)
		} else {
			a.mu.Lock()
			for _, f := range feeds {
				if n, ok := counts[f.feedID]; ok {
					f.unreadCount = n
				}
			}
			a.recomputeAggregatesLocked()
			a.mu.Unlock()
		}
		if then != nil {
			then()
		}
	})
}

// refreshAllUnreadCounts reloads every feed's count from the store's
// full non-zero answer. Here absence is authoritative: a feed missing
// from the result has no unread articles.
func (a *Account) refreshAllUnreadCounts() {
	a.store.FetchAllNonZeroUnreadCounts(func(counts model.UnreadCountMap, err error) {
		if err != nil {
			a.logger.Error("fetch all unread counts", "error", err)
			return
		}
		a.mu.Lock()
		for _, f := range a.flattenedFeedsLocked() {
			f.unreadCount = counts[f.feedID]
		}
		a.recomputeAggregatesLocked()
		a.mu.Unlock()
	})
}

// FetchArticles returns every stored article for the feed and validates
// the feed's cached unread count against the returned set.
func (a *Account) FetchArticles(feed *Feed) ([]model.Article, error) {
	articles, err := a.store.FetchArticles([]string{feed.feedID})
	if err != nil {
		return nil, fmt.Errorf("fetch articles: %w", err)
	}
	a.validateUnreadCounts([]*Feed{feed}, articles)
	return articles, nil
}

// FetchUnreadArticles returns the feed's unread articles. The cached
// count is recomputed from the returned set itself rather than trusting
// the store's separate counter, to surface store/cache divergence at
// the first opportunity.
func (a *Account) FetchUnreadArticles(feed *Feed) ([]model.Article, error) {
	articles, err := a.store.FetchUnreadArticles([]string{feed.feedID})
	if err != nil {
		return nil, fmt.Errorf("fetch unread articles: %w", err)
	}
	a.validateUnreadCounts([]*Feed{feed}, articles)
	return articles, nil
}

// FetchUnreadArticlesForContainer returns the unread articles across
// the whole container and validates every member feed's count with a
// single pass over the combined set.
func (a *Account) FetchUnreadArticlesForContainer(c Container) ([]model.Article, error) {
	feeds := c.FlattenedFeeds()
	articles, err := a.store.FetchUnreadArticles(feedIDsOf(feeds))
	if err != nil {
		return nil, fmt.Errorf("fetch unread articles: %w", err)
	}
	a.validateUnreadCounts(feeds, articles)
	return articles, nil
}

// FetchArticlesForContainer returns every stored article across the
// container.
func (a *Account) FetchArticlesForContainer(c Container) ([]model.Article, error) {
	feeds := c.FlattenedFeeds()
	articles, err := a.store.FetchArticles(feedIDsOf(feeds))
	if err != nil {
		return nil, fmt.Errorf("fetch articles: %w", err)
	}
	a.validateUnreadCounts(feeds, articles)
	return articles, nil
}

// FetchTodayArticles returns the container's articles dated today.
func (a *Account) FetchTodayArticles(c Container) ([]model.Article, error) {
	articles, err := a.store.FetchTodayArticles(feedIDsOf(c.FlattenedFeeds()))
	if err != nil {
		return nil, fmt.Errorf("fetch today articles: %w", err)
	}
	return articles, nil
}

// FetchStarredArticles returns the container's starred articles.
func (a *Account) FetchStarredArticles(c Container) ([]model.Article, error) {
	articles, err := a.store.FetchStarredArticles(feedIDsOf(c.FlattenedFeeds()))
	if err != nil {
		return nil, fmt.Errorf("fetch starred articles: %w", err)
	}
	return articles, nil
}

// validateUnreadCounts rebuilds the given feeds' cached counts from an
// authoritative article set: one tally pass over the articles, then one
// assignment pass over the feeds. A feed absent from the tally has zero
// unread articles in the set.
func (a *Account) validateUnreadCounts(feeds []*Feed, articles []model.Article) {
	tally := make(map[string]int, len(feeds))
	for _, article := range articles {
		if !article.Status.Read {
			tally[article.FeedID]++
		}
	}
	a.mu.Lock()
	for _, f := range feeds {
		f.unreadCount = tally[f.feedID]
	}
	a.recomputeAggregatesLocked()
	a.mu.Unlock()
}

// MarkArticles sets one status flag on the given articles through the
// store and returns the articles whose status actually changed. The
// store's StatusesChanged event drives the recount; a store failure is
// returned, distinct from an empty changed set.
func (a *Account) MarkArticles(articles []model.Article, key model.StatusKey, flag bool) ([]model.Article, error) {
	changed, err := a.store.Mark(articles, key, flag)
	if err != nil {
		return nil, fmt.Errorf("mark articles: %w", err)
	}
	return changed, nil
}

// MarkAllAsRead marks every unread article in the container as read.
func (a *Account) MarkAllAsRead(c Container) ([]model.Article, error) {
	unread, err := a.FetchUnreadArticlesForContainer(c)
	if err != nil {
		return nil, err
	}
	return a.MarkArticles(unread, model.StatusRead, true)
}

// MarkEverywhereAsRead asks the store to mark its entire contents read.
// The store's BatchUpdateFinished event triggers the full rebuild and
// recount.
func (a *Account) MarkEverywhereAsRead() error {
	if err := a.store.MarkEverywhereAsRead(); err != nil {
		return fmt.Errorf("mark everywhere as read: %w", err)
	}
	return nil
}

// UpdateFeed lands freshly parsed feed content in the store, adopts the
// feed's declared metadata, announces the downloaded articles, and
// recomputes the feed's unread count. The optional completion runs on
// the store's goroutine once the recount has been issued.
func (a *Account) UpdateFeed(feed *Feed, parsed *model.ParsedFeed, completion func(error)) {
	a.store.Update(feed.feedID, parsed, func(newArticles, updatedArticles model.ArticleSet, err error) {
		if err != nil {
			a.logger.Error("update feed", "feed_id", feed.feedID, "error", err)
			if completion != nil {
				completion(err)
			}
			return
		}

		a.mu.Lock()
		renamed := false
		if parsed.Title != "" && feed.name != parsed.Title {
			feed.name = parsed.Title
			renamed = true
		}
		if parsed.HomePageURL != "" && feed.homePageURL != parsed.HomePageURL {
			feed.homePageURL = parsed.HomePageURL
			renamed = true
		}
		a.mu.Unlock()
		if renamed {
			a.structureChanged()
		}

		if len(newArticles) > 0 || len(updatedArticles) > 0 {
			combined := newArticles.Union(updatedArticles)
			a.bus.Publish(events.ArticlesDownloaded{
				AccountID: a.id,
				New:       newArticles,
				Updated:   updatedArticles,
				FeedIDs:   combined.FeedIDs(),
			})
		}

		a.updateUnreadCounts([]*Feed{feed}, func() {
			if completion != nil {
				completion(nil)
			}
		})
	})
}

func feedIDsOf(feeds []*Feed) []string {
	ids := make([]string, 0, len(feeds))
	for _, f := range feeds {
		ids = append(ids, f.feedID)
	}
	return ids
}
