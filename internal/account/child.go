package account

// Child is a direct member of the account tree: a *Feed or a *Folder,
// nothing else. Traversals type-switch over the two variants.
type Child interface {
	isChild()
}

func (*Feed) isChild()   {}
func (*Folder) isChild() {}

// Container holds feeds, directly or through folders. *Account and
// *Folder implement it.
type Container interface {
	// FlattenedFeeds returns every feed reachable from the container,
	// deduplicated by feed ID, in traversal order.
	FlattenedFeeds() []*Feed
	// AddFeed inserts the feed unless the container already holds it
	// and reports whether the feed is present afterwards. The same
	// feed may live in several containers at once; only duplicate
	// insertion into the same container is rejected.
	AddFeed(*Feed) bool
}

// Settings carries per-feed fetch state. The tokens feed straight into
// conditional GET requests; they live for the session and are not
// persisted with the subscription tree.
type Settings struct {
	ETag         string
	LastModified string
}

// Feed is a single subscribed source. One Feed instance exists per feed
// ID within an account and is shared by reference across every
// container that subscribes to it, so a mutation through any container
// is visible through all of them.
type Feed struct {
	feedID  string
	url     string
	account *Account

	name        string
	editedName  string
	homePageURL string
	unreadCount int
	settings    Settings
}

// FeedID returns the feed's stable identity.
func (f *Feed) FeedID() string { return f.feedID }

// URL returns the subscription URL.
func (f *Feed) URL() string { return f.url }

// Name returns the name the feed document declared for itself.
func (f *Feed) Name() string {
	f.account.mu.Lock()
	defer f.account.mu.Unlock()
	return f.name
}

// EditedName returns the user's override of the feed name, if any.
func (f *Feed) EditedName() string {
	f.account.mu.Lock()
	defer f.account.mu.Unlock()
	return f.editedName
}

// DisplayName returns the edited name when set, then the feed's own
// name, then the URL.
func (f *Feed) DisplayName() string {
	f.account.mu.Lock()
	defer f.account.mu.Unlock()
	return f.displayNameLocked()
}

func (f *Feed) displayNameLocked() string {
	if f.editedName != "" {
		return f.editedName
	}
	if f.name != "" {
		return f.name
	}
	return f.url
}

// HomePageURL returns the site URL the feed document pointed at.
func (f *Feed) HomePageURL() string {
	f.account.mu.Lock()
	defer f.account.mu.Unlock()
	return f.homePageURL
}

// UnreadCount returns the feed's cached unread count.
func (f *Feed) UnreadCount() int {
	f.account.mu.Lock()
	defer f.account.mu.Unlock()
	return f.unreadCount
}

// SetUnreadCount overwrites the cached count and refreshes the
// container aggregates that depend on it.
func (f *Feed) SetUnreadCount(n int) {
	f.account.mu.Lock()
	f.unreadCount = n
	f.account.recomputeAggregatesLocked()
	f.account.mu.Unlock()
}

// Settings returns the feed's fetch state.
func (f *Feed) Settings() Settings {
	f.account.mu.Lock()
	defer f.account.mu.Unlock()
	return f.settings
}

// SetSettings replaces the feed's fetch state. It does not mark the
// account dirty; fetch state is not part of the persisted tree.
func (f *Feed) SetSettings(s Settings) {
	f.account.mu.Lock()
	f.settings = s
	f.account.mu.Unlock()
}

// Folder is a single-level grouping of feeds under a display name. The
// child type enforces that folders never nest.
type Folder struct {
	name    string
	account *Account

	children    []*Feed
	unreadCount int
}

// Name returns the folder's display name.
func (f *Folder) Name() string {
	f.account.mu.Lock()
	defer f.account.mu.Unlock()
	return f.name
}

// UnreadCount returns the folder's cached aggregate unread count.
func (f *Folder) UnreadCount() int {
	f.account.mu.Lock()
	defer f.account.mu.Unlock()
	return f.unreadCount
}

// Feeds returns the folder's children in order.
func (f *Folder) Feeds() []*Feed {
	f.account.mu.Lock()
	defer f.account.mu.Unlock()
	return append([]*Feed(nil), f.children...)
}

// FlattenedFeeds returns the folder's feeds in order. A folder holds
// feeds only, so no recursion is involved.
func (f *Folder) FlattenedFeeds() []*Feed {
	return f.Feeds()
}

// AddFeed inserts the feed into the folder unless it is already there.
// A detached instance for an ID already in the tree resolves to the
// subscribed one.
func (f *Folder) AddFeed(feed *Feed) bool {
	if feed == nil {
		return false
	}
	a := f.account
	a.mu.Lock()
	feed = a.canonicalFeedLocked(feed)
	added := f.addFeedLocked(feed)
	if added {
		a.addToIndexLocked(feed)
	}
	a.mu.Unlock()
	if added {
		a.structureChanged()
	}
	return true
}

func (f *Folder) addFeedLocked(feed *Feed) bool {
	for _, existing := range f.children {
		if existing.feedID == feed.feedID {
			return false
		}
	}
	f.children = append(f.children, feed)
	return true
}

func (f *Folder) recomputeUnreadLocked() {
	total := 0
	for _, feed := range f.children {
		total += feed.unreadCount
	}
	f.unreadCount = total
}
