package account

import (
	"encoding/json"
	"fmt"
	"os"
)

// The pre-OPML subscriptions file is a single JSON document listing
// top-level feeds and one level of folders. It is read once, applied to
// the tree, and renamed aside so the next start takes the OPML path.

type legacyFeed struct {
	URL  string `json:"url"`
	Name string `json:"name"`
}

type legacyFolder struct {
	Name  string       `json:"name"`
	Feeds []legacyFeed `json:"feeds"`
}

type legacySubscriptions struct {
	Feeds   []legacyFeed   `json:"feeds"`
	Folders []legacyFolder `json:"folders"`
}

func (a *Account) migrateLegacyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read legacy file: %w", err)
	}
	var legacy legacySubscriptions
	if err := json.Unmarshal(data, &legacy); err != nil {
		return fmt.Errorf("parse legacy file: %w", err)
	}

	a.mu.Lock()
	for _, lf := range legacy.Feeds {
		a.applyLegacyFeedLocked(lf, nil)
	}
	for _, lfolder := range legacy.Folders {
		var target *Folder
		if lfolder.Name != "" {
			target = a.ensureFolderLocked(lfolder.Name)
		}
		for _, lf := range lfolder.Feeds {
			a.applyLegacyFeedLocked(lf, target)
		}
	}
	a.rebuildIndexesLocked()
	a.mu.Unlock()

	migrated := path + ".migrated"
	if err := os.Rename(path, migrated); err != nil {
		return fmt.Errorf("rename legacy file: %w", err)
	}
	a.logger.Info("migrated legacy subscriptions", "from", path, "to", migrated)
	return nil
}

// applyLegacyFeedLocked places one legacy entry, treating a nameless
// group's feeds as top level.
func (a *Account) applyLegacyFeedLocked(lf legacyFeed, folder *Folder) {
	if lf.URL == "" {
		return
	}
	feed := a.createFeedLocked(lf.URL, lf.Name)
	if folder != nil {
		folder.addFeedLocked(feed)
	} else {
		a.addTopLevelFeedLocked(feed)
	}
	a.addToIndexLocked(feed)
}
