package account

import (
	"errors"
	"fmt"
	"os"

	"github.com/jmholt/newsstand/internal/opml"
)

// ImportOPML merges the document's outlines into the tree. Feeds dedup
// by URL against existing subscriptions; a named group maps onto a
// folder, reusing one with the same name; folders hold feeds only, so
// a named group nested inside another surfaces as its own top-level
// folder; an unnamed group flattens its children up one level. The
// import then persists the account and requests a refresh.
func (a *Account) ImportOPML(doc *opml.OPML) {
	a.mu.Lock()
	a.applyOutlinesLocked(doc.Body.Outlines, nil)
	a.rebuildIndexesLocked()
	refresh := a.requestRefresh
	a.mu.Unlock()

	a.structureChanged()
	if refresh != nil {
		refresh()
	}
}

// ImportOPMLFile imports the document at path. A file that fails to
// open or parse aborts the import without touching the tree.
func (a *Account) ImportOPMLFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open opml file: %w", err)
	}
	defer f.Close()
	doc, err := opml.Parse(f)
	if err != nil {
		return fmt.Errorf("parse opml file: %w", err)
	}
	a.ImportOPML(doc)
	return nil
}

// ExportOPML serializes the subscription tree, head title included.
func (a *Account) ExportOPML() ([]byte, error) {
	a.mu.Lock()
	doc := a.exportDocumentLocked()
	a.mu.Unlock()
	return opml.Export(doc)
}

// applyOutlinesLocked walks outlines into the tree without publishing
// events or touching the dirty flag; callers decide both. folder nil
// means the account's top level.
func (a *Account) applyOutlinesLocked(outlines []opml.Outline, folder *Folder) {
	for _, o := range outlines {
		if o.IsFeed() {
			feed := a.createFeedLocked(o.XMLURL, feedTitle(o))
			if feed.homePageURL == "" {
				feed.homePageURL = o.HTMLURL
			}
			if folder != nil {
				folder.addFeedLocked(feed)
			} else {
				a.addTopLevelFeedLocked(feed)
			}
			a.addToIndexLocked(feed)
			if len(o.Outlines) > 0 {
				a.applyOutlinesLocked(o.Outlines, folder)
			}
			continue
		}
		if name := o.Name(); name != "" {
			a.applyOutlinesLocked(o.Outlines, a.ensureFolderLocked(name))
			continue
		}
		// Unnamed group: its children land in the current context.
		a.applyOutlinesLocked(o.Outlines, folder)
	}
}

func (a *Account) ensureFolderLocked(name string) *Folder {
	if f, ok := a.folderLocked(name); ok {
		return f
	}
	f := &Folder{name: name, account: a}
	a.children = append(a.children, f)
	return f
}

func feedTitle(o opml.Outline) string {
	if o.Title != "" {
		return o.Title
	}
	return o.Text
}

func (a *Account) exportDocumentLocked() *opml.OPML {
	doc := opml.NewDocument(a.name, a.clock())
	for _, child := range a.children {
		switch c := child.(type) {
		case *Feed:
			doc.Body.Outlines = append(doc.Body.Outlines, feedOutlineLocked(c))
		case *Folder:
			group := opml.Outline{Text: c.name, Title: c.name}
			for _, f := range c.children {
				group.Outlines = append(group.Outlines, feedOutlineLocked(f))
			}
			doc.Body.Outlines = append(doc.Body.Outlines, group)
		}
	}
	return doc
}

func feedOutlineLocked(f *Feed) opml.Outline {
	name := f.displayNameLocked()
	return opml.Outline{
		Text:    name,
		Title:   name,
		Type:    "rss",
		XMLURL:  f.url,
		HTMLURL: f.homePageURL,
	}
}

func (a *Account) loadOPMLFile(path string) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open subscriptions: %w", err)
	}
	defer f.Close()
	doc, err := opml.Parse(f)
	if err != nil {
		return fmt.Errorf("parse subscriptions: %w", err)
	}
	a.mu.Lock()
	a.applyOutlinesLocked(doc.Body.Outlines, nil)
	a.rebuildIndexesLocked()
	a.mu.Unlock()
	return nil
}

func writeFileAtomically(path string, doc *opml.OPML) error {
	data, err := opml.Export(doc)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace subscriptions file: %w", err)
	}
	return nil
}
