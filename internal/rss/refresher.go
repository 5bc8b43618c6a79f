// Package rss downloads and parses subscribed feeds.
package rss

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/jmholt/newsstand/internal/account"
	"github.com/jmholt/newsstand/internal/events"
	"github.com/jmholt/newsstand/internal/model"
)

const (
	// MaxConcurrentDownloads is the worker pool size for a refresh.
	MaxConcurrentDownloads = 5
	// MaxConcurrentPerDomain limits parallel requests to any single host.
	MaxConcurrentPerDomain = 2
	// DelayBetweenDomainRequests is the minimum spacing between requests
	// to the same host.
	DelayBetweenDomainRequests = 500 * time.Millisecond
	// DownloadTimeout bounds a single feed download.
	DownloadTimeout = 30 * time.Second

	userAgent = "Newsstand/1.0"
)

// ErrRefreshInProgress is returned by RefreshAll while another refresh
// is still running.
var ErrRefreshInProgress = errors.New("refresh already in progress")

// FeedSource is the subscription set a refresh walks. *account.Account
// satisfies it.
type FeedSource interface {
	ID() string
	FlattenedFeeds() []*account.Feed
	UpdateFeed(feed *account.Feed, parsed *model.ParsedFeed, completion func(error))
}

// Refresher downloads every subscribed feed through a bounded worker
// pool and lands the parsed articles in the account. Completion of each
// feed, successful or not, advances the published download progress, so
// progress always reaches zero and the account's refresh state machine
// always unwinds.
type Refresher struct {
	source  FeedSource
	bus     *events.Bus
	client  *http.Client
	parser  *gofeed.Parser
	logger  *slog.Logger
	limiter *domainLimiter

	concurrency int

	mu         sync.Mutex
	refreshing bool

	progressMu sync.Mutex
	completed  int
	total      int
}

// Option configures a Refresher.
type Option func(*Refresher)

// WithClient sets the HTTP client used for downloads.
func WithClient(client *http.Client) Option {
	return func(r *Refresher) { r.client = client }
}

// WithConcurrency sets the worker pool size.
func WithConcurrency(n int) Option {
	return func(r *Refresher) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithLogger sets the refresher's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Refresher) { r.logger = logger }
}

// NewRefresher returns a refresher over the given subscription set.
func NewRefresher(source FeedSource, bus *events.Bus, opts ...Option) *Refresher {
	r := &Refresher{
		source:      source,
		bus:         bus,
		client:      &http.Client{Timeout: DownloadTimeout},
		parser:      gofeed.NewParser(),
		logger:      slog.Default(),
		limiter:     newDomainLimiter(),
		concurrency: MaxConcurrentDownloads,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RefreshAll downloads every feed once and blocks until each feed has
// finished, articles landed and counts recomputed included. Only one
// refresh runs at a time; a second call returns ErrRefreshInProgress.
// Cancelling the context skips the remaining downloads but still drives
// the progress to zero.
func (r *Refresher) RefreshAll(ctx context.Context) error {
	r.mu.Lock()
	if r.refreshing {
		r.mu.Unlock()
		return ErrRefreshInProgress
	}
	r.refreshing = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.refreshing = false
		r.mu.Unlock()
	}()

	feeds := r.source.FlattenedFeeds()
	if len(feeds) == 0 {
		return nil
	}
	r.beginProgress(len(feeds))

	// Each feed finishes exactly once, on whichever goroutine its
	// update completion runs.
	var pending sync.WaitGroup
	pending.Add(len(feeds))
	finish := func() {
		r.advanceProgress()
		pending.Done()
	}

	feedChan := make(chan *account.Feed, len(feeds))
	var workers sync.WaitGroup
	for i := 0; i < r.concurrency; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for feed := range feedChan {
				r.refreshFeed(ctx, feed, finish)
			}
		}()
	}
	for _, feed := range feeds {
		feedChan <- feed
	}
	close(feedChan)
	workers.Wait()
	pending.Wait()
	return ctx.Err()
}

// refreshFeed downloads, parses, and lands one feed. finish runs
// exactly once, after the account has absorbed the result.
func (r *Refresher) refreshFeed(ctx context.Context, feed *account.Feed, finish func()) {
	parsed, modified, err := r.download(ctx, feed)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			r.logger.Debug("refresh skipped", "url", feed.URL(), "error", err)
		} else {
			r.logger.Warn("refresh feed", "url", feed.URL(), "error", err)
		}
		finish()
		return
	}
	if !modified {
		r.logger.Debug("feed not modified", "url", feed.URL())
		finish()
		return
	}
	r.source.UpdateFeed(feed, parsed, func(error) {
		finish()
	})
}

// download performs the conditional GET for one feed. It returns
// modified=false with a nil error on a 304, after which the stored
// validators remain in effect.
func (r *Refresher) download(ctx context.Context, feed *account.Feed) (parsed *model.ParsedFeed, modified bool, err error) {
	domain := hostOf(feed.URL())
	if err := r.limiter.acquire(ctx, domain); err != nil {
		return nil, false, err
	}
	defer r.limiter.release(domain)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feed.URL(), nil)
	if err != nil {
		return nil, false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	settings := feed.Settings()
	if settings.ETag != "" {
		req.Header.Set("If-None-Match", settings.ETag)
	}
	if settings.LastModified != "" {
		req.Header.Set("If-Modified-Since", settings.LastModified)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("download feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return nil, false, nil
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, false, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	feed.SetSettings(account.Settings{
		ETag:         strings.TrimSpace(resp.Header.Get("ETag")),
		LastModified: strings.TrimSpace(resp.Header.Get("Last-Modified")),
	})

	downloaded, err := r.parser.Parse(resp.Body)
	if err != nil {
		return nil, false, fmt.Errorf("parse feed: %w", err)
	}
	return convertFeed(downloaded), true, nil
}

// beginProgress announces the refresh with the full remaining count, so
// observers flip into the refreshing state before the first download
// lands.
func (r *Refresher) beginProgress(total int) {
	r.progressMu.Lock()
	r.completed = 0
	r.total = total
	r.bus.Publish(events.DownloadProgressChanged{
		AccountID: r.source.ID(),
		Remaining: total,
		Total:     total,
	})
	r.progressMu.Unlock()
}

// advanceProgress counts one finished feed. Publishing under the lock
// keeps the events ordered, so remaining reaches zero exactly once and
// last.
func (r *Refresher) advanceProgress() {
	r.progressMu.Lock()
	r.completed++
	r.bus.Publish(events.DownloadProgressChanged{
		AccountID: r.source.ID(),
		Remaining: r.total - r.completed,
		Total:     r.total,
	})
	r.progressMu.Unlock()
}

// convertFeed maps a parsed gofeed document onto the account's model.
// Items without a usable identifier are dropped; the link stands in for
// a missing GUID. A missing publication date stays zero, the store
// falls back to the arrival time.
func convertFeed(feed *gofeed.Feed) *model.ParsedFeed {
	parsed := &model.ParsedFeed{
		Title:       feed.Title,
		HomePageURL: feed.Link,
	}
	for _, item := range feed.Items {
		guid := item.GUID
		if guid == "" {
			guid = item.Link
		}
		if guid == "" {
			continue
		}
		body := item.Content
		if body == "" {
			body = item.Description
		}
		var published time.Time
		if item.PublishedParsed != nil {
			published = *item.PublishedParsed
		}
		parsed.Items = append(parsed.Items, model.ParsedItem{
			GUID:          guid,
			Title:         item.Title,
			Body:          body,
			URL:           item.Link,
			DatePublished: published,
		})
	}
	return parsed
}

// domainLimiter spaces requests per host so a refresh does not hammer
// any single server.
type domainLimiter struct {
	mu          sync.Mutex
	semaphores  map[string]chan struct{}
	lastRequest map[string]time.Time
}

func newDomainLimiter() *domainLimiter {
	return &domainLimiter{
		semaphores:  make(map[string]chan struct{}),
		lastRequest: make(map[string]time.Time),
	}
}

// acquire takes a slot for the domain, waiting out the minimum delay
// since the previous request to it.
func (dl *domainLimiter) acquire(ctx context.Context, domain string) error {
	dl.mu.Lock()
	sem, ok := dl.semaphores[domain]
	if !ok {
		sem = make(chan struct{}, MaxConcurrentPerDomain)
		dl.semaphores[domain] = sem
	}
	dl.mu.Unlock()

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	dl.mu.Lock()
	last := dl.lastRequest[domain]
	dl.mu.Unlock()
	if !last.IsZero() {
		if wait := DelayBetweenDomainRequests - time.Since(last); wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				<-sem
				return ctx.Err()
			}
		}
	}
	return nil
}

// release frees the domain's slot and stamps the request time.
func (dl *domainLimiter) release(domain string) {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	dl.lastRequest[domain] = time.Now()
	if sem, ok := dl.semaphores[domain]; ok {
		<-sem
	}
}

func hostOf(feedURL string) string {
	u, err := url.Parse(feedURL)
	if err != nil || u.Host == "" {
		return feedURL
	}
	return u.Host
}
