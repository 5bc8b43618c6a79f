// Package database provides SQLite storage for articles and their
// read/starred status.
package database

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmholt/newsstand/internal/events"
	"github.com/jmholt/newsstand/internal/model"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed width and UTC, so stored stamps compare and sort
// as plain text.
const timeLayout = "2006-01-02 15:04:05.000000000"

// DB wraps the SQLite connection holding the article store.
type DB struct {
	conn  *sql.DB
	bus   *events.Bus
	clock func() time.Time
}

// Option configures a DB.
type Option func(*DB)

// WithClock overrides the time source used for arrival stamps and the
// today cutoff.
func WithClock(clock func() time.Time) Option {
	return func(db *DB) { db.clock = clock }
}

// New opens or creates an SQLite database at the given path. Status
// change events go out on bus.
func New(path string, bus *events.Bus, opts ...Option) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Enable WAL mode for better concurrency.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set wal mode: %w", err)
	}
	// Concurrent writers wait for the lock instead of failing busy.
	if _, err := conn.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	db := &DB{conn: conn, bus: bus, clock: time.Now}
	for _, opt := range opts {
		opt(db)
	}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS articles (
		article_id TEXT PRIMARY KEY,
		feed_id TEXT NOT NULL,
		guid TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		published_at TEXT,
		arrived_at TEXT NOT NULL,
		is_read INTEGER NOT NULL DEFAULT 0,
		is_starred INTEGER NOT NULL DEFAULT 0,
		UNIQUE(feed_id, guid)
	);
	CREATE INDEX IF NOT EXISTS idx_articles_feed ON articles (feed_id);
	CREATE INDEX IF NOT EXISTS idx_articles_unread ON articles (feed_id) WHERE is_read = 0;
	`
	_, err := db.conn.Exec(schema)
	return err
}

const articleColumns = "article_id, feed_id, guid, title, body, url, published_at, arrived_at, is_read, is_starred"

// --- Fetch Methods ---

// FetchArticles returns every stored article for the given feeds,
// newest first.
func (db *DB) FetchArticles(feedIDs []string) ([]model.Article, error) {
	return db.fetchForFeeds(feedIDs, "")
}

// FetchUnreadArticles returns the not-read articles for the given
// feeds, newest first.
func (db *DB) FetchUnreadArticles(feedIDs []string) ([]model.Article, error) {
	return db.fetchForFeeds(feedIDs, "is_read = 0")
}

// FetchStarredArticles returns the starred articles for the given
// feeds, newest first.
func (db *DB) FetchStarredArticles(feedIDs []string) ([]model.Article, error) {
	return db.fetchForFeeds(feedIDs, "is_starred = 1")
}

// FetchTodayArticles returns articles published on the current day, or
// arrived today when the feed carried no publication date.
func (db *DB) FetchTodayArticles(feedIDs []string) ([]model.Article, error) {
	cutoff := startOfDay(db.clock())
	return db.fetchForFeeds(feedIDs, "COALESCE(published_at, arrived_at) >= ?", encodeTime(cutoff))
}

func (db *DB) fetchForFeeds(feedIDs []string, cond string, extra ...any) ([]model.Article, error) {
	if len(feedIDs) == 0 {
		return nil, nil
	}
	query := "SELECT " + articleColumns + " FROM articles WHERE feed_id IN (" + placeholders(len(feedIDs)) + ")"
	if cond != "" {
		query += " AND " + cond
	}
	query += " ORDER BY COALESCE(published_at, arrived_at) DESC"

	args := make([]any, 0, len(feedIDs)+len(extra))
	for _, id := range feedIDs {
		args = append(args, id)
	}
	args = append(args, extra...)

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanArticles(rows)
}

// --- Count Methods ---

// FetchUnreadCounts computes unread counts for the given feeds on a
// background goroutine. The result carries an entry for every requested
// feed, zero included.
func (db *DB) FetchUnreadCounts(feedIDs []string, completion func(model.UnreadCountMap, error)) {
	ids := append([]string(nil), feedIDs...)
	go func() {
		counts, err := db.unreadCounts(ids)
		if err == nil {
			for _, id := range ids {
				if _, ok := counts[id]; !ok {
					counts[id] = 0
				}
			}
		}
		completion(counts, err)
	}()
}

// FetchAllNonZeroUnreadCounts computes unread counts across every feed
// in the store on a background goroutine. Only feeds with at least one
// unread article appear in the result.
func (db *DB) FetchAllNonZeroUnreadCounts(completion func(model.UnreadCountMap, error)) {
	go func() {
		completion(db.unreadCounts(nil))
	}()
}

func (db *DB) unreadCounts(feedIDs []string) (model.UnreadCountMap, error) {
	query := "SELECT feed_id, COUNT(*) FROM articles WHERE is_read = 0"
	var args []any
	if feedIDs != nil {
		if len(feedIDs) == 0 {
			return model.UnreadCountMap{}, nil
		}
		query += " AND feed_id IN (" + placeholders(len(feedIDs)) + ")"
		for _, id := range feedIDs {
			args = append(args, id)
		}
	}
	query += " GROUP BY feed_id"

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(model.UnreadCountMap)
	for rows.Next() {
		var feedID string
		var n int
		if err := rows.Scan(&feedID, &n); err != nil {
			return nil, err
		}
		counts[feedID] = n
	}
	return counts, rows.Err()
}

// --- Status Methods ---

// Mark sets one status flag on the given articles and returns the
// stored state of the articles whose flag actually flipped. Only the
// article IDs of the input are consulted. When the changed set is
// non-empty a StatusesChanged event is published after commit.
func (db *DB) Mark(articles []model.Article, key model.StatusKey, flag bool) ([]model.Article, error) {
	column, err := statusColumn(key)
	if err != nil {
		return nil, err
	}
	if len(articles) == 0 {
		return nil, nil
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return nil, err
	}
	stmt, err := tx.Prepare("UPDATE articles SET " + column + " = ? WHERE article_id = ? AND " + column + " = ?")
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	defer stmt.Close()

	var changedIDs []any
	for _, a := range articles {
		res, err := stmt.Exec(flag, a.ArticleID, !flag)
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			changedIDs = append(changedIDs, a.ArticleID)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	if len(changedIDs) == 0 {
		return nil, nil
	}

	// Re-read the flipped rows so the returned articles and the event
	// carry stored state; callers may pass articles holding only an ID.
	rows, err := db.conn.Query(
		"SELECT "+articleColumns+" FROM articles WHERE article_id IN ("+placeholders(len(changedIDs))+")",
		changedIDs...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	changed, err := scanArticles(rows)
	if err != nil {
		return nil, err
	}

	set := model.NewArticleSet(changed)
	db.bus.Publish(events.StatusesChanged{
		Keys:     []model.StatusKey{key},
		Articles: set,
		FeedIDs:  set.FeedIDs(),
	})
	return changed, nil
}

// MarkEverywhereAsRead marks every stored article as read. Per-article
// changes are not tracked; observers get a single BatchUpdateFinished.
func (db *DB) MarkEverywhereAsRead() error {
	if _, err := db.conn.Exec("UPDATE articles SET is_read = 1 WHERE is_read = 0"); err != nil {
		return err
	}
	db.bus.Publish(events.BatchUpdateFinished{})
	return nil
}

// --- Update Methods ---

// Update reconciles freshly parsed feed content with storage on a
// background goroutine. New items are inserted unread with an arrival
// stamp; existing items get title, body, url and publication date
// refreshed while their status is preserved. The completion callback
// receives the sets of new and materially changed articles.
func (db *DB) Update(feedID string, parsed *model.ParsedFeed, completion func(newArticles, updatedArticles model.ArticleSet, err error)) {
	go func() {
		newArticles, updatedArticles, err := db.update(feedID, parsed)
		completion(newArticles, updatedArticles, err)
	}()
}

func (db *DB) update(feedID string, parsed *model.ParsedFeed) (model.ArticleSet, model.ArticleSet, error) {
	stored, err := db.FetchArticles([]string{feedID})
	if err != nil {
		return nil, nil, fmt.Errorf("fetch existing articles: %w", err)
	}
	current := model.NewArticleSet(stored)

	tx, err := db.conn.Begin()
	if err != nil {
		return nil, nil, err
	}
	insert, err := tx.Prepare(`
		INSERT INTO articles (article_id, feed_id, guid, title, body, url, published_at, arrived_at, is_read, is_starred)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0)
		ON CONFLICT(feed_id, guid) DO NOTHING`)
	if err != nil {
		tx.Rollback()
		return nil, nil, err
	}
	defer insert.Close()
	refresh, err := tx.Prepare("UPDATE articles SET title = ?, body = ?, url = ?, published_at = ? WHERE article_id = ?")
	if err != nil {
		tx.Rollback()
		return nil, nil, err
	}
	defer refresh.Close()

	now := db.clock()
	newArticles := make(model.ArticleSet)
	updatedArticles := make(model.ArticleSet)
	for _, item := range parsed.Items {
		if item.GUID == "" {
			continue
		}
		id := model.ArticleIDFor(feedID, item.GUID)
		prev, exists := current[id]
		if !exists {
			a := model.Article{
				ArticleID:     id,
				FeedID:        feedID,
				GUID:          item.GUID,
				Title:         item.Title,
				Body:          item.Body,
				URL:           item.URL,
				DatePublished: item.DatePublished,
				DateArrived:   now,
			}
			if _, err := insert.Exec(id, feedID, item.GUID, item.Title, item.Body, item.URL, encodeNullableTime(item.DatePublished), encodeTime(now)); err != nil {
				tx.Rollback()
				return nil, nil, fmt.Errorf("insert article %q: %w", item.GUID, err)
			}
			newArticles[id] = a
			continue
		}
		if prev.Title == item.Title && prev.Body == item.Body && prev.URL == item.URL && prev.DatePublished.Equal(item.DatePublished) {
			continue
		}
		prev.Title = item.Title
		prev.Body = item.Body
		prev.URL = item.URL
		prev.DatePublished = item.DatePublished
		if _, err := refresh.Exec(item.Title, item.Body, item.URL, encodeNullableTime(item.DatePublished), id); err != nil {
			tx.Rollback()
			return nil, nil, fmt.Errorf("update article %q: %w", item.GUID, err)
		}
		updatedArticles[id] = prev
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return newArticles, updatedArticles, nil
}

// --- Helpers ---

func statusColumn(key model.StatusKey) (string, error) {
	switch key {
	case model.StatusRead:
		return "is_read", nil
	case model.StatusStarred:
		return "is_starred", nil
	}
	return "", fmt.Errorf("unknown status key %q", key)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func startOfDay(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, t.Location())
}

func encodeTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func encodeNullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return encodeTime(t)
}

func scanArticles(rows *sql.Rows) ([]model.Article, error) {
	var articles []model.Article
	for rows.Next() {
		var a model.Article
		var published sql.NullString
		var arrived string
		if err := rows.Scan(&a.ArticleID, &a.FeedID, &a.GUID, &a.Title, &a.Body, &a.URL, &published, &arrived, &a.Status.Read, &a.Status.Starred); err != nil {
			return nil, err
		}
		if published.Valid {
			t, err := time.Parse(timeLayout, published.String)
			if err != nil {
				return nil, fmt.Errorf("parse published_at %q: %w", published.String, err)
			}
			a.DatePublished = t
		}
		t, err := time.Parse(timeLayout, arrived)
		if err != nil {
			return nil, fmt.Errorf("parse arrived_at %q: %w", arrived, err)
		}
		a.DateArrived = t
		articles = append(articles, a)
	}
	return articles, rows.Err()
}
