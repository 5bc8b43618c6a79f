package database

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/jmholt/newsstand/internal/events"
	"github.com/jmholt/newsstand/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var baseTime = time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func newTestDB(t *testing.T) (*DB, *events.Bus, *testClock) {
	t.Helper()
	bus := events.NewBus()
	clock := &testClock{now: baseTime}
	db, err := New(filepath.Join(t.TempDir(), "articles.db"), bus, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, bus, clock
}

func collectEvents(bus *events.Bus) func() []events.Event {
	var mu sync.Mutex
	var got []events.Event
	bus.Subscribe(func(e events.Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})
	return func() []events.Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]events.Event(nil), got...)
	}
}

func item(guid, title string, published time.Time) model.ParsedItem {
	return model.ParsedItem{
		GUID:          guid,
		Title:         title,
		Body:          "body of " + title,
		URL:           "https://example.com/" + guid,
		DatePublished: published,
	}
}

func seed(t *testing.T, db *DB, feedID string, items ...model.ParsedItem) model.ArticleSet {
	t.Helper()
	newArticles, _, err := db.update(feedID, &model.ParsedFeed{Title: "Feed", Items: items})
	if err != nil {
		t.Fatalf("seed feed %s: %v", feedID, err)
	}
	return newArticles
}

func TestUpdateInsertsNewArticlesUnread(t *testing.T) {
	db, _, _ := newTestDB(t)

	newArticles, updated, err := db.update("feed1", &model.ParsedFeed{Items: []model.ParsedItem{
		item("g1", "One", baseTime.Add(-time.Hour)),
		item("g2", "Two", time.Time{}),
	}})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(newArticles) != 2 {
		t.Fatalf("got %d new articles, want 2", len(newArticles))
	}
	if len(updated) != 0 {
		t.Fatalf("got %d updated articles, want 0", len(updated))
	}

	stored, err := db.FetchUnreadArticles([]string{"feed1"})
	if err != nil {
		t.Fatalf("FetchUnreadArticles: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("got %d unread articles, want 2", len(stored))
	}
	for _, a := range stored {
		if a.Status.Read || a.Status.Starred {
			t.Errorf("article %s inserted with status %+v, want unread unstarred", a.GUID, a.Status)
		}
		if !a.DateArrived.Equal(baseTime) {
			t.Errorf("article %s arrived_at = %v, want %v", a.GUID, a.DateArrived, baseTime)
		}
		if a.ArticleID != model.ArticleIDFor("feed1", a.GUID) {
			t.Errorf("article %s has unstable id %q", a.GUID, a.ArticleID)
		}
	}
}

func TestUpdateRefreshesChangedContentPreservingStatus(t *testing.T) {
	db, _, _ := newTestDB(t)

	inserted := seed(t, db, "feed1",
		item("g1", "Original", baseTime),
		item("g2", "Stable", baseTime),
	)
	if _, err := db.Mark(inserted.Articles(), model.StatusRead, true); err != nil {
		t.Fatalf("Mark: %v", err)
	}

	_, updated, err := db.update("feed1", &model.ParsedFeed{Items: []model.ParsedItem{
		item("g1", "Rewritten", baseTime),
		item("g2", "Stable", baseTime),
	}})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(updated) != 1 {
		t.Fatalf("got %d updated articles, want 1", len(updated))
	}
	changed, ok := updated[model.ArticleIDFor("feed1", "g1")]
	if !ok {
		t.Fatal("updated set missing the rewritten article")
	}
	if changed.Title != "Rewritten" {
		t.Errorf("updated title = %q", changed.Title)
	}
	if !changed.Status.Read {
		t.Error("update clobbered read status in the returned article")
	}

	stored, err := db.FetchArticles([]string{"feed1"})
	if err != nil {
		t.Fatalf("FetchArticles: %v", err)
	}
	for _, a := range stored {
		if !a.Status.Read {
			t.Errorf("article %s lost read status across update", a.GUID)
		}
		if a.GUID == "g1" && a.Title != "Rewritten" {
			t.Errorf("stored title = %q, want Rewritten", a.Title)
		}
	}
}

func TestUpdateWithIdenticalContentReportsNothing(t *testing.T) {
	db, _, _ := newTestDB(t)

	items := []model.ParsedItem{item("g1", "One", baseTime), item("g2", "Two", time.Time{})}
	seed(t, db, "feed1", items...)

	newArticles, updated, err := db.update("feed1", &model.ParsedFeed{Items: items})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(newArticles) != 0 || len(updated) != 0 {
		t.Fatalf("identical update reported %d new, %d updated", len(newArticles), len(updated))
	}
}

func TestUpdateSkipsItemsWithoutGUID(t *testing.T) {
	db, _, _ := newTestDB(t)

	newArticles, _, err := db.update("feed1", &model.ParsedFeed{Items: []model.ParsedItem{
		{Title: "No identity"},
		item("g1", "Fine", baseTime),
	}})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(newArticles) != 1 {
		t.Fatalf("got %d new articles, want 1", len(newArticles))
	}
}

func TestUpdateRunsOnBackgroundGoroutine(t *testing.T) {
	db, _, _ := newTestDB(t)

	done := make(chan struct{})
	var gotNew model.ArticleSet
	db.Update("feed1", &model.ParsedFeed{Items: []model.ParsedItem{item("g1", "One", baseTime)}},
		func(newArticles, updatedArticles model.ArticleSet, err error) {
			if err != nil {
				t.Errorf("Update completion error: %v", err)
			}
			gotNew = newArticles
			close(done)
		})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Update completion never ran")
	}
	if len(gotNew) != 1 {
		t.Fatalf("completion got %d new articles, want 1", len(gotNew))
	}
}

func TestMarkReturnsOnlyFlippedRows(t *testing.T) {
	db, bus, _ := newTestDB(t)

	inserted := seed(t, db, "feed1", item("g1", "One", baseTime), item("g2", "Two", baseTime))
	first := inserted[model.ArticleIDFor("feed1", "g1")]
	if _, err := db.Mark([]model.Article{first}, model.StatusRead, true); err != nil {
		t.Fatalf("Mark: %v", err)
	}

	got := collectEvents(bus)
	changed, err := db.Mark(inserted.Articles(), model.StatusRead, true)
	if err != nil {
		t.Fatalf("Mark: %v", err)
	}
	if len(changed) != 1 {
		t.Fatalf("Mark returned %d changed articles, want 1", len(changed))
	}
	if changed[0].GUID != "g2" {
		t.Errorf("changed article = %s, want g2", changed[0].GUID)
	}
	if !changed[0].Status.Read {
		t.Error("returned article does not carry the new flag")
	}

	evs := got()
	if len(evs) != 1 {
		t.Fatalf("got %d events, want 1", len(evs))
	}
	sc, ok := evs[0].(events.StatusesChanged)
	if !ok {
		t.Fatalf("event %T, want StatusesChanged", evs[0])
	}
	if len(sc.Articles) != 1 {
		t.Errorf("event carries %d articles, want 1", len(sc.Articles))
	}
	if len(sc.Keys) != 1 || sc.Keys[0] != model.StatusRead {
		t.Errorf("event keys = %v", sc.Keys)
	}
	if len(sc.FeedIDs) != 1 || sc.FeedIDs[0] != "feed1" {
		t.Errorf("event feed ids = %v", sc.FeedIDs)
	}
}

func TestMarkAcceptsBareArticleIDs(t *testing.T) {
	db, bus, _ := newTestDB(t)

	seed(t, db, "feed1", item("g1", "One", baseTime))

	got := collectEvents(bus)
	bare := model.Article{ArticleID: model.ArticleIDFor("feed1", "g1")}
	changed, err := db.Mark([]model.Article{bare}, model.StatusRead, true)
	if err != nil {
		t.Fatalf("Mark: %v", err)
	}
	if len(changed) != 1 {
		t.Fatalf("Mark returned %d changed articles, want 1", len(changed))
	}
	if changed[0].FeedID != "feed1" || changed[0].Title != "One" {
		t.Errorf("changed = %+v, want the stored article", changed[0])
	}

	evs := got()
	if len(evs) != 1 {
		t.Fatalf("got %d events, want 1", len(evs))
	}
	sc := evs[0].(events.StatusesChanged)
	if len(sc.FeedIDs) != 1 || sc.FeedIDs[0] != "feed1" {
		t.Errorf("event feed ids = %v, want feed1", sc.FeedIDs)
	}
}

func TestMarkWithNoEffectPublishesNothing(t *testing.T) {
	db, bus, _ := newTestDB(t)

	inserted := seed(t, db, "feed1", item("g1", "One", baseTime))
	if _, err := db.Mark(inserted.Articles(), model.StatusRead, true); err != nil {
		t.Fatalf("Mark: %v", err)
	}

	got := collectEvents(bus)
	changed, err := db.Mark(inserted.Articles(), model.StatusRead, true)
	if err != nil {
		t.Fatalf("Mark: %v", err)
	}
	if len(changed) != 0 {
		t.Fatalf("repeat Mark returned %d changed articles, want 0", len(changed))
	}
	if evs := got(); len(evs) != 0 {
		t.Fatalf("repeat Mark published %d events, want 0", len(evs))
	}
}

func TestMarkStarredIndependentOfRead(t *testing.T) {
	db, _, _ := newTestDB(t)

	inserted := seed(t, db, "feed1", item("g1", "One", baseTime))
	if _, err := db.Mark(inserted.Articles(), model.StatusStarred, true); err != nil {
		t.Fatalf("Mark starred: %v", err)
	}

	starred, err := db.FetchStarredArticles([]string{"feed1"})
	if err != nil {
		t.Fatalf("FetchStarredArticles: %v", err)
	}
	if len(starred) != 1 {
		t.Fatalf("got %d starred articles, want 1", len(starred))
	}
	if starred[0].Status.Read {
		t.Error("starring flipped the read flag")
	}

	unread, err := db.FetchUnreadArticles([]string{"feed1"})
	if err != nil {
		t.Fatalf("FetchUnreadArticles: %v", err)
	}
	if len(unread) != 1 {
		t.Fatal("starred article should still be unread")
	}
}

func TestMarkUnknownKeyFails(t *testing.T) {
	db, _, _ := newTestDB(t)

	if _, err := db.Mark([]model.Article{{ArticleID: "x"}}, model.StatusKey("bogus"), true); err == nil {
		t.Fatal("Mark accepted an unknown status key")
	}
}

func TestMarkEverywhereAsRead(t *testing.T) {
	db, bus, _ := newTestDB(t)

	seed(t, db, "feed1", item("g1", "One", baseTime))
	seed(t, db, "feed2", item("g2", "Two", baseTime))

	got := collectEvents(bus)
	if err := db.MarkEverywhereAsRead(); err != nil {
		t.Fatalf("MarkEverywhereAsRead: %v", err)
	}

	unread, err := db.FetchUnreadArticles([]string{"feed1", "feed2"})
	if err != nil {
		t.Fatalf("FetchUnreadArticles: %v", err)
	}
	if len(unread) != 0 {
		t.Fatalf("%d articles still unread", len(unread))
	}

	evs := got()
	if len(evs) != 1 {
		t.Fatalf("got %d events, want 1", len(evs))
	}
	if _, ok := evs[0].(events.BatchUpdateFinished); !ok {
		t.Fatalf("event %T, want BatchUpdateFinished", evs[0])
	}
}

func TestFetchScopedToRequestedFeeds(t *testing.T) {
	db, _, _ := newTestDB(t)

	seed(t, db, "feed1", item("g1", "One", baseTime))
	seed(t, db, "feed2", item("g2", "Two", baseTime))

	got, err := db.FetchArticles([]string{"feed1"})
	if err != nil {
		t.Fatalf("FetchArticles: %v", err)
	}
	if len(got) != 1 || got[0].FeedID != "feed1" {
		t.Fatalf("FetchArticles crossed feed boundary: %+v", got)
	}

	none, err := db.FetchArticles(nil)
	if err != nil {
		t.Fatalf("FetchArticles(nil): %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("FetchArticles with no feeds returned %d articles", len(none))
	}
}

func TestFetchOrdersNewestFirst(t *testing.T) {
	db, _, _ := newTestDB(t)

	seed(t, db, "feed1",
		item("old", "Old", baseTime.Add(-48*time.Hour)),
		item("new", "New", baseTime.Add(-time.Hour)),
		item("mid", "Mid", baseTime.Add(-24*time.Hour)),
	)

	got, err := db.FetchArticles([]string{"feed1"})
	if err != nil {
		t.Fatalf("FetchArticles: %v", err)
	}
	var order []string
	for _, a := range got {
		order = append(order, a.GUID)
	}
	want := []string{"new", "mid", "old"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestFetchTodayArticles(t *testing.T) {
	db, _, clock := newTestDB(t)

	// Arrived yesterday, published yesterday.
	clock.Set(baseTime.Add(-24 * time.Hour))
	seed(t, db, "feed1", item("yesterday", "Yesterday", baseTime.Add(-24*time.Hour)))

	// Arrived today; one dated, one without a publication date.
	clock.Set(baseTime)
	seed(t, db, "feed1",
		item("dated", "Dated", baseTime.Add(-2*time.Hour)),
		item("undated", "Undated", time.Time{}),
	)

	got, err := db.FetchTodayArticles([]string{"feed1"})
	if err != nil {
		t.Fatalf("FetchTodayArticles: %v", err)
	}
	guids := map[string]bool{}
	for _, a := range got {
		guids[a.GUID] = true
	}
	if len(got) != 2 || !guids["dated"] || !guids["undated"] {
		t.Fatalf("today articles = %v, want dated and undated", guids)
	}
}

func TestFetchUnreadCountsAnswersEveryRequestedFeed(t *testing.T) {
	db, _, _ := newTestDB(t)

	seed(t, db, "feed1", item("g1", "One", baseTime), item("g2", "Two", baseTime))
	readSet := seed(t, db, "feed2", item("g3", "Three", baseTime))
	if _, err := db.Mark(readSet.Articles(), model.StatusRead, true); err != nil {
		t.Fatalf("Mark: %v", err)
	}

	done := make(chan struct{})
	var counts model.UnreadCountMap
	db.FetchUnreadCounts([]string{"feed1", "feed2"}, func(m model.UnreadCountMap, err error) {
		if err != nil {
			t.Errorf("FetchUnreadCounts: %v", err)
		}
		counts = m
		close(done)
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("FetchUnreadCounts completion never ran")
	}

	if counts["feed1"] != 2 {
		t.Errorf("feed1 count = %d, want 2", counts["feed1"])
	}
	n, present := counts["feed2"]
	if !present || n != 0 {
		t.Errorf("fully read feed should answer an explicit zero, got (%d, %v)", n, present)
	}
}

func TestFetchAllNonZeroUnreadCounts(t *testing.T) {
	db, _, _ := newTestDB(t)

	seed(t, db, "feed1", item("g1", "One", baseTime))
	seed(t, db, "feed2", item("g2", "Two", baseTime), item("g3", "Three", baseTime))

	done := make(chan struct{})
	var counts model.UnreadCountMap
	db.FetchAllNonZeroUnreadCounts(func(m model.UnreadCountMap, err error) {
		if err != nil {
			t.Errorf("FetchAllNonZeroUnreadCounts: %v", err)
		}
		counts = m
		close(done)
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("FetchAllNonZeroUnreadCounts completion never ran")
	}

	if counts["feed1"] != 1 || counts["feed2"] != 2 {
		t.Fatalf("counts = %v", counts)
	}
}
