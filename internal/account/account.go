// Package account owns the subscription tree: the account root with its
// folders and feeds, the redundant feed-lookup indices, the cached
// unread counts, and persistence of the tree as OPML.
//
// All tree state is guarded by one mutex. Public methods lock, finish
// the mutation including the index rebuild, unlock, and only then
// publish events, so a bus handler can never observe a half-updated
// tree and may safely re-enter the public API.
package account

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jmholt/newsstand/internal/events"
	"github.com/jmholt/newsstand/internal/model"
	"github.com/jmholt/newsstand/internal/saver"
)

const (
	opmlFileName      = "Subscriptions.opml"
	accountIDFileName = "AccountID"
	defaultName       = "Newsstand"
)

// ArticleStore is the persistent article storage the account consumes.
// *database.DB satisfies it.
type ArticleStore interface {
	FetchArticles(feedIDs []string) ([]model.Article, error)
	FetchUnreadArticles(feedIDs []string) ([]model.Article, error)
	FetchTodayArticles(feedIDs []string) ([]model.Article, error)
	FetchStarredArticles(feedIDs []string) ([]model.Article, error)
	FetchUnreadCounts(feedIDs []string, completion func(model.UnreadCountMap, error))
	FetchAllNonZeroUnreadCounts(completion func(model.UnreadCountMap, error))
	Mark(articles []model.Article, key model.StatusKey, flag bool) ([]model.Article, error)
	MarkEverywhereAsRead() error
	Update(feedID string, parsed *model.ParsedFeed, completion func(newArticles, updatedArticles model.ArticleSet, err error))
}

// SaveScheduler accepts coalesced save requests. *saver.Queue satisfies
// it.
type SaveScheduler interface {
	Enqueue(saver.Saveable)
}

// Option configures an Account.
type Option func(*Account)

// WithLogger sets the account's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Account) { a.logger = logger }
}

// WithName sets the account's display name, written as the OPML head
// title.
func WithName(name string) Option {
	return func(a *Account) {
		if name != "" {
			a.name = name
		}
	}
}

// WithClock overrides the time source used for export stamps.
func WithClock(clock func() time.Time) Option {
	return func(a *Account) { a.clock = clock }
}

// WithLegacyPath points at a pre-OPML subscriptions file to migrate on
// first open. Absence of the file is normal.
func WithLegacyPath(path string) Option {
	return func(a *Account) { a.legacyPath = path }
}

// Account is the root container of the subscription tree.
type Account struct {
	id         string
	name       string
	dataDir    string
	opmlPath   string
	legacyPath string

	store  ArticleStore
	bus    *events.Bus
	queue  SaveScheduler
	logger *slog.Logger
	clock  func() time.Time

	mu             sync.Mutex
	children       []Child
	feedsByID      map[string]*Feed
	feedsByURL     map[string]*Feed
	unreadCount    int
	dirty          bool
	refreshing     bool
	requestRefresh func()

	cancelSubscription func()
}

// Open loads or creates the account rooted at dataDir. The startup
// order is: migrate the legacy file if one exists (marking the account
// dirty so a fresh OPML write follows), else read the OPML file if
// present, else start empty. Unread counts are then primed from the
// store.
func Open(dataDir string, store ArticleStore, bus *events.Bus, queue SaveScheduler, opts ...Option) (*Account, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	a := &Account{
		name:       defaultName,
		dataDir:    dataDir,
		opmlPath:   filepath.Join(dataDir, opmlFileName),
		store:      store,
		bus:        bus,
		queue:      queue,
		logger:     slog.Default(),
		clock:      time.Now,
		feedsByID:  make(map[string]*Feed),
		feedsByURL: make(map[string]*Feed),
	}
	for _, opt := range opts {
		opt(a)
	}

	id, err := loadOrCreateAccountID(filepath.Join(dataDir, accountIDFileName))
	if err != nil {
		return nil, err
	}
	a.id = id

	migrated, err := a.loadSubscriptions()
	if err != nil {
		return nil, err
	}

	a.cancelSubscription = bus.Subscribe(a.handleEvent)
	if migrated {
		a.markDirty()
	}
	a.refreshAllUnreadCounts()
	return a, nil
}

// Close detaches the account from the bus. Pending saves still drain
// through the queue that owns them.
func (a *Account) Close() {
	if a.cancelSubscription != nil {
		a.cancelSubscription()
	}
}

// ID returns the account's stable identity.
func (a *Account) ID() string { return a.id }

// Name returns the account's display name.
func (a *Account) Name() string { return a.name }

// UnreadCount returns the cached aggregate over every reachable feed.
func (a *Account) UnreadCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.unreadCount
}

// Refreshing reports whether a refresh operation is in progress.
func (a *Account) Refreshing() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refreshing
}

// Dirty reports whether the in-memory tree diverges from the last
// persisted write.
func (a *Account) Dirty() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dirty
}

// Children returns a snapshot of the account's direct children in
// order.
func (a *Account) Children() []Child {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Child(nil), a.children...)
}

// SetRefreshRequester installs the hook the account invokes when an
// operation wants a refresh scheduled, such as a finished OPML import.
func (a *Account) SetRefreshRequester(fn func()) {
	a.mu.Lock()
	a.requestRefresh = fn
	a.mu.Unlock()
}

// --- Tree Mutations ---

// EnsureFolder returns the folder with the given name, creating it if
// needed. Repeated calls with the same name return the same folder.
// The empty name reports false.
func (a *Account) EnsureFolder(name string) (*Folder, bool) {
	if name == "" {
		return nil, false
	}
	a.mu.Lock()
	if f, ok := a.folderLocked(name); ok {
		a.mu.Unlock()
		return f, true
	}
	folder := a.ensureFolderLocked(name)
	a.rebuildIndexesLocked()
	a.mu.Unlock()
	a.structureChanged()
	return folder, true
}

// ExistingFolder returns the folder with the given name, if present.
func (a *Account) ExistingFolder(name string) (*Folder, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.folderLocked(name)
}

func (a *Account) folderLocked(name string) (*Folder, bool) {
	for _, child := range a.children {
		if f, ok := child.(*Folder); ok && f.name == name {
			return f, true
		}
	}
	return nil, false
}

// CreateFeed returns the account's feed for the given URL, creating a
// new detached instance when none exists yet. The feed ID of a new feed
// is its URL. The empty URL reports false.
func (a *Account) CreateFeed(url, name string) (*Feed, bool) {
	if url == "" {
		return nil, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.createFeedLocked(url, name), true
}

func (a *Account) createFeedLocked(url, name string) *Feed {
	if f, ok := a.feedsByURL[url]; ok {
		return f
	}
	return &Feed{feedID: url, url: url, name: name, account: a}
}

// AddFeed inserts the feed at the account's top level unless it is
// already there. A detached instance for an ID already in the tree
// resolves to the subscribed one.
func (a *Account) AddFeed(feed *Feed) bool {
	if feed == nil {
		return false
	}
	a.mu.Lock()
	feed = a.canonicalFeedLocked(feed)
	added := a.addTopLevelFeedLocked(feed)
	if added {
		a.addToIndexLocked(feed)
	}
	a.mu.Unlock()
	if added {
		a.structureChanged()
	}
	return true
}

func (a *Account) addTopLevelFeedLocked(feed *Feed) bool {
	for _, child := range a.children {
		if f, ok := child.(*Feed); ok && f.feedID == feed.feedID {
			return false
		}
	}
	a.children = append(a.children, feed)
	return true
}

// RenameFeed records a user override of the feed's display name. It
// reports false when the feed is unknown or the name is empty.
func (a *Account) RenameFeed(feedID, name string) bool {
	if name == "" {
		return false
	}
	a.mu.Lock()
	f, ok := a.feedsByID[feedID]
	if ok {
		f.editedName = name
	}
	a.mu.Unlock()
	if !ok {
		return false
	}
	a.structureChanged()
	return true
}

// RenameFolder renames the folder with the given name. It reports false
// when no such folder exists or the new name is empty.
func (a *Account) RenameFolder(name, newName string) bool {
	if newName == "" {
		return false
	}
	a.mu.Lock()
	f, ok := a.folderLocked(name)
	if ok {
		f.name = newName
	}
	a.mu.Unlock()
	if !ok {
		return false
	}
	a.structureChanged()
	return true
}

// FlattenedFeeds returns every feed in the tree, deduplicated by feed
// ID, in traversal order.
func (a *Account) FlattenedFeeds() []*Feed {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flattenedFeedsLocked()
}

func (a *Account) flattenedFeedsLocked() []*Feed {
	seen := make(map[string]struct{})
	var feeds []*Feed
	appendFeed := func(f *Feed) {
		if _, ok := seen[f.feedID]; ok {
			return
		}
		seen[f.feedID] = struct{}{}
		feeds = append(feeds, f)
	}
	for _, child := range a.children {
		switch c := child.(type) {
		case *Feed:
			appendFeed(c)
		case *Folder:
			for _, f := range c.children {
				appendFeed(f)
			}
		}
	}
	return feeds
}

func (a *Account) recomputeAggregatesLocked() {
	for _, child := range a.children {
		if folder, ok := child.(*Folder); ok {
			folder.recomputeUnreadLocked()
		}
	}
	total := 0
	for _, f := range a.flattenedFeedsLocked() {
		total += f.unreadCount
	}
	a.unreadCount = total
}

// --- Dirty State and Saving ---

// structureChanged announces a tree mutation. The account's own bus
// handler marks it dirty, so external publishers of the same event get
// identical treatment.
func (a *Account) structureChanged() {
	a.bus.Publish(events.StructuralChange{AccountID: a.id})
}

func (a *Account) markDirty() {
	a.mu.Lock()
	a.dirty = true
	enqueue := !a.refreshing
	a.mu.Unlock()
	if enqueue {
		a.queue.Enqueue(a)
	}
}

// SaveID keys coalesced save requests for this account.
func (a *Account) SaveID() string { return a.id }

// SaveIfNeeded writes the tree as OPML when the account is dirty. While
// a refresh runs the write is withheld; the refresh-finished transition
// re-enqueues it. A write failure is logged and not retried; the next
// mutation marks dirty again.
func (a *Account) SaveIfNeeded() {
	a.mu.Lock()
	if !a.dirty || a.refreshing {
		a.mu.Unlock()
		return
	}
	a.dirty = false
	doc := a.exportDocumentLocked()
	a.mu.Unlock()

	if err := writeFileAtomically(a.opmlPath, doc); err != nil {
		a.logger.Error("save subscriptions", "path", a.opmlPath, "error", err)
		return
	}
	a.logger.Debug("saved subscriptions", "path", a.opmlPath)
}

// --- Event Handling ---

func (a *Account) handleEvent(e events.Event) {
	switch ev := e.(type) {
	case events.StructuralChange:
		if ev.AccountID != a.id {
			return
		}
		a.markDirty()
	case events.StatusesChanged:
		a.handleStatusesChanged(ev)
	case events.BatchUpdateFinished:
		a.handleBatchUpdateFinished()
	case events.DownloadProgressChanged:
		if ev.AccountID != a.id {
			return
		}
		a.handleDownloadProgress(ev)
	}
}

// handleStatusesChanged recomputes the affected feeds' unread counts
// from the store, then re-broadcasts the change with account scope.
// Recompute first, re-broadcast second: observers of the account event
// may read counts and must not see pre-change values.
func (a *Account) handleStatusesChanged(ev events.StatusesChanged) {
	a.mu.Lock()
	feeds := make([]*Feed, 0, len(ev.FeedIDs))
	for _, id := range ev.FeedIDs {
		if f, ok := a.feedsByID[id]; ok {
			feeds = append(feeds, f)
		}
	}
	a.mu.Unlock()

	a.updateUnreadCounts(feeds, func() {
		a.bus.Publish(events.AccountStatusesChanged{
			AccountID: a.id,
			Keys:      ev.Keys,
			Articles:  ev.Articles,
			FeedIDs:   ev.FeedIDs,
		})
	})
}

// handleBatchUpdateFinished treats everything derived from the store as
// stale: full index rebuild, then a complete recount.
func (a *Account) handleBatchUpdateFinished() {
	a.mu.Lock()
	a.rebuildIndexesLocked()
	a.mu.Unlock()
	a.refreshAllUnreadCounts()
}

// handleDownloadProgress drives the refresh state machine. Nonzero
// remaining work means refreshing; reaching zero means idle, at which
// point a withheld save is re-enqueued.
func (a *Account) handleDownloadProgress(ev events.DownloadProgressChanged) {
	a.mu.Lock()
	was := a.refreshing
	a.refreshing = ev.Remaining > 0
	now := a.refreshing
	dirty := a.dirty
	a.mu.Unlock()

	if now && !was {
		a.bus.Publish(events.RefreshBegan{AccountID: a.id})
	}
	a.bus.Publish(events.RefreshProgressChanged{
		AccountID: a.id,
		Remaining: ev.Remaining,
		Total:     ev.Total,
	})
	if was && !now {
		a.bus.Publish(events.RefreshEnded{AccountID: a.id})
		if dirty {
			a.queue.Enqueue(a)
		}
	}
}

// --- Startup Helpers ---

func (a *Account) loadSubscriptions() (migrated bool, err error) {
	if a.legacyPath != "" {
		if _, statErr := os.Stat(a.legacyPath); statErr == nil {
			if err := a.migrateLegacyFile(a.legacyPath); err != nil {
				return false, fmt.Errorf("migrate legacy subscriptions: %w", err)
			}
			return true, nil
		}
	}
	if err := a.loadOPMLFile(a.opmlPath); err != nil {
		return false, err
	}
	return false, nil
}

func loadOrCreateAccountID(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read account id: %w", err)
	}
	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("write account id: %w", err)
	}
	return id, nil
}
