package account

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jmholt/newsstand/internal/events"
	"github.com/jmholt/newsstand/internal/model"
	"github.com/jmholt/newsstand/internal/saver"
)

// fakeStore is an in-memory ArticleStore. Completions run inline, which
// keeps tests deterministic; the account contract never promises that a
// completion is deferred.
type fakeStore struct {
	bus *events.Bus

	mu       sync.Mutex
	articles map[string]model.Article

	fetchErr  error
	countsErr error
	markErr   error
}

func newFakeStore(bus *events.Bus) *fakeStore {
	return &fakeStore{bus: bus, articles: make(map[string]model.Article)}
}

func (s *fakeStore) add(articles ...model.Article) {
	s.mu.Lock()
	for _, a := range articles {
		s.articles[a.ArticleID] = a
	}
	s.mu.Unlock()
}

func (s *fakeStore) filter(feedIDs []string, keep func(model.Article) bool) []model.Article {
	wanted := make(map[string]bool, len(feedIDs))
	for _, id := range feedIDs {
		wanted[id] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Article
	for _, a := range s.articles {
		if wanted[a.FeedID] && keep(a) {
			out = append(out, a)
		}
	}
	return out
}

func (s *fakeStore) FetchArticles(feedIDs []string) ([]model.Article, error) {
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	return s.filter(feedIDs, func(model.Article) bool { return true }), nil
}

func (s *fakeStore) FetchUnreadArticles(feedIDs []string) ([]model.Article, error) {
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	return s.filter(feedIDs, func(a model.Article) bool { return !a.Status.Read }), nil
}

func (s *fakeStore) FetchTodayArticles(feedIDs []string) ([]model.Article, error) {
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	now := time.Now()
	cutoff := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return s.filter(feedIDs, func(a model.Article) bool {
		when := a.DatePublished
		if when.IsZero() {
			when = a.DateArrived
		}
		return !when.Before(cutoff)
	}), nil
}

func (s *fakeStore) FetchStarredArticles(feedIDs []string) ([]model.Article, error) {
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	return s.filter(feedIDs, func(a model.Article) bool { return a.Status.Starred }), nil
}

func (s *fakeStore) FetchUnreadCounts(feedIDs []string, completion func(model.UnreadCountMap, error)) {
	if s.countsErr != nil {
		completion(nil, s.countsErr)
		return
	}
	counts := make(model.UnreadCountMap, len(feedIDs))
	for _, id := range feedIDs {
		counts[id] = 0
	}
	s.mu.Lock()
	for _, a := range s.articles {
		if _, wanted := counts[a.FeedID]; wanted && !a.Status.Read {
			counts[a.FeedID]++
		}
	}
	s.mu.Unlock()
	completion(counts, nil)
}

func (s *fakeStore) FetchAllNonZeroUnreadCounts(completion func(model.UnreadCountMap, error)) {
	if s.countsErr != nil {
		completion(nil, s.countsErr)
		return
	}
	counts := make(model.UnreadCountMap)
	s.mu.Lock()
	for _, a := range s.articles {
		if !a.Status.Read {
			counts[a.FeedID]++
		}
	}
	s.mu.Unlock()
	completion(counts, nil)
}

func (s *fakeStore) Mark(articles []model.Article, key model.StatusKey, flag bool) ([]model.Article, error) {
	if s.markErr != nil {
		return nil, s.markErr
	}
	var changed []model.Article
	s.mu.Lock()
	for _, a := range articles {
		stored, ok := s.articles[a.ArticleID]
		if !ok || stored.Status.Flag(key) == flag {
			continue
		}
		stored.Status = stored.Status.SetFlag(key, flag)
		s.articles[a.ArticleID] = stored
		changed = append(changed, stored)
	}
	s.mu.Unlock()

	if len(changed) > 0 {
		set := model.NewArticleSet(changed)
		s.bus.Publish(events.StatusesChanged{
			Keys:     []model.StatusKey{key},
			Articles: set,
			FeedIDs:  set.FeedIDs(),
		})
	}
	return changed, nil
}

func (s *fakeStore) MarkEverywhereAsRead() error {
	if s.markErr != nil {
		return s.markErr
	}
	s.mu.Lock()
	for id, a := range s.articles {
		a.Status.Read = true
		s.articles[id] = a
	}
	s.mu.Unlock()
	s.bus.Publish(events.BatchUpdateFinished{})
	return nil
}

func (s *fakeStore) Update(feedID string, parsed *model.ParsedFeed, completion func(newArticles, updatedArticles model.ArticleSet, err error)) {
	newArticles := make(model.ArticleSet)
	updatedArticles := make(model.ArticleSet)
	s.mu.Lock()
	for _, item := range parsed.Items {
		if item.GUID == "" {
			continue
		}
		id := model.ArticleIDFor(feedID, item.GUID)
		prev, ok := s.articles[id]
		if !ok {
			a := model.Article{
				ArticleID:     id,
				FeedID:        feedID,
				GUID:          item.GUID,
				Title:         item.Title,
				Body:          item.Body,
				URL:           item.URL,
				DatePublished: item.DatePublished,
				DateArrived:   time.Now(),
			}
			s.articles[id] = a
			newArticles[id] = a
			continue
		}
		if prev.Title == item.Title && prev.Body == item.Body && prev.URL == item.URL {
			continue
		}
		prev.Title = item.Title
		prev.Body = item.Body
		prev.URL = item.URL
		s.articles[id] = prev
		updatedArticles[id] = prev
	}
	s.mu.Unlock()
	completion(newArticles, updatedArticles, nil)
}

// unread counts the fake's unread articles for one feed.
func (s *fakeStore) unread(feedID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.articles {
		if a.FeedID == feedID && !a.Status.Read {
			n++
		}
	}
	return n
}

// fakeQueue records enqueued save targets without any timing.
type fakeQueue struct {
	mu       sync.Mutex
	enqueued []saver.Saveable
}

func (q *fakeQueue) Enqueue(s saver.Saveable) {
	q.mu.Lock()
	q.enqueued = append(q.enqueued, s)
	q.mu.Unlock()
}

func (q *fakeQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.enqueued)
}

// drain runs every recorded save once, like a queue firing.
func (q *fakeQueue) drain() {
	q.mu.Lock()
	batch := q.enqueued
	q.enqueued = nil
	q.mu.Unlock()
	for _, s := range batch {
		s.SaveIfNeeded()
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAccount(t *testing.T) (*Account, *fakeStore, *fakeQueue, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	store := newFakeStore(bus)
	queue := &fakeQueue{}
	a, err := Open(t.TempDir(), store, bus, queue,
		WithName("Test Account"),
		WithLogger(discardLogger()),
	)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(a.Close)
	return a, store, queue, bus
}

// unreadArticle builds one unread article for seeding.
func unreadArticle(feedID, guid string) model.Article {
	return model.Article{
		ArticleID:   model.ArticleIDFor(feedID, guid),
		FeedID:      feedID,
		GUID:        guid,
		Title:       guid,
		DateArrived: time.Now(),
	}
}

// assertCountConsistency checks that every cached aggregate equals the
// sum over its reachable feeds.
func assertCountConsistency(t *testing.T, a *Account) {
	t.Helper()
	total := 0
	for _, f := range a.FlattenedFeeds() {
		total += f.UnreadCount()
	}
	if got := a.UnreadCount(); got != total {
		t.Errorf("account unread = %d, want sum over feeds %d", got, total)
	}
	for _, child := range a.Children() {
		folder, ok := child.(*Folder)
		if !ok {
			continue
		}
		sum := 0
		for _, f := range folder.Feeds() {
			sum += f.UnreadCount()
		}
		if got := folder.UnreadCount(); got != sum {
			t.Errorf("folder %s unread = %d, want %d", folder.Name(), got, sum)
		}
	}
}
