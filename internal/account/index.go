package account

// The account keeps two redundant lookup maps over every feed reachable
// in the tree. They are rebuilt eagerly inside the same locked section
// as the mutation that invalidated them, so no public call can observe
// a stale index.

// ExistingFeed returns the feed with the given ID, if the account holds
// one anywhere in its tree.
func (a *Account) ExistingFeed(feedID string) (*Feed, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	f, ok := a.feedsByID[feedID]
	return f, ok
}

// ExistingFeedWithURL returns the feed subscribed at the given URL, if
// the account holds one anywhere in its tree.
func (a *Account) ExistingFeedWithURL(url string) (*Feed, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	f, ok := a.feedsByURL[url]
	return f, ok
}

// rebuildIndexesLocked rewrites both lookup maps from a depth-first
// walk of the tree. Duplicate feed IDs across containers resolve
// last-writer-wins, which is stable because duplicates are the same
// shared instance.
func (a *Account) rebuildIndexesLocked() {
	byID := make(map[string]*Feed)
	byURL := make(map[string]*Feed)
	for _, child := range a.children {
		switch c := child.(type) {
		case *Feed:
			byID[c.feedID] = c
			byURL[c.url] = c
		case *Folder:
			for _, f := range c.children {
				byID[f.feedID] = f
				byURL[f.url] = f
			}
		}
	}
	a.feedsByID = byID
	a.feedsByURL = byURL
}

// addToIndexLocked registers a single inserted feed. It must leave the
// maps exactly as a full rebuild would.
func (a *Account) addToIndexLocked(f *Feed) {
	a.feedsByID[f.feedID] = f
	a.feedsByURL[f.url] = f
}

// canonicalFeedLocked resolves a feed to the instance already reachable
// in the tree under the same ID, if any. Containers share one instance
// per feed ID, so inserting a detached duplicate must land the indexed
// instance instead.
func (a *Account) canonicalFeedLocked(f *Feed) *Feed {
	if indexed, ok := a.feedsByID[f.feedID]; ok {
		return indexed
	}
	return f
}
