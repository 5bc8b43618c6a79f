// Package server provides the HTTP API over one account.
package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jmholt/newsstand/internal/account"
	"github.com/jmholt/newsstand/internal/model"
	"github.com/jmholt/newsstand/internal/opml"
)

// RefreshScheduler triggers background refreshes. *rss.Poller satisfies
// it.
type RefreshScheduler interface {
	Kick()
}

// Server is the HTTP API server.
type Server struct {
	account   *account.Account
	scheduler RefreshScheduler
	logger    *slog.Logger
	router    chi.Router
}

// New creates a server over the account. Refresh requests are handed to
// the scheduler.
func New(a *account.Account, scheduler RefreshScheduler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		account:   a,
		scheduler: scheduler,
		logger:    logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	r.Route("/api", func(r chi.Router) {
		r.Get("/tree", s.handleTree)
		r.Get("/unread-count", s.handleUnreadCount)
		r.Post("/folders", s.handleCreateFolder)
		r.Post("/folders/rename", s.handleRenameFolder)
		r.Post("/feeds", s.handleCreateFeed)
		r.Post("/feeds/rename", s.handleRenameFeed)
		r.Get("/articles", s.handleArticles)
		r.Post("/articles/mark", s.handleMarkArticles)
		r.Post("/mark-everywhere-read", s.handleMarkEverywhereRead)
		r.Post("/import-opml", s.handleImportOPML)
		r.Get("/export-opml", s.handleExportOPML)
		r.Post("/refresh", s.handleRefresh)
	})

	s.router = r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// --- Payload Shapes ---

type feedJSON struct {
	FeedID      string `json:"feed_id"`
	URL         string `json:"url"`
	Name        string `json:"name"`
	HomePageURL string `json:"home_page_url,omitempty"`
	UnreadCount int    `json:"unread_count"`
}

type treeChildJSON struct {
	Type        string     `json:"type"`
	Name        string     `json:"name"`
	UnreadCount int        `json:"unread_count"`
	FeedID      string     `json:"feed_id,omitempty"`
	URL         string     `json:"url,omitempty"`
	HomePageURL string     `json:"home_page_url,omitempty"`
	Feeds       []feedJSON `json:"feeds,omitempty"`
}

type articleJSON struct {
	ArticleID     string     `json:"article_id"`
	FeedID        string     `json:"feed_id"`
	Title         string     `json:"title"`
	Body          string     `json:"body,omitempty"`
	URL           string     `json:"url,omitempty"`
	DatePublished *time.Time `json:"date_published,omitempty"`
	DateArrived   time.Time  `json:"date_arrived"`
	Read          bool       `json:"read"`
	Starred       bool       `json:"starred"`
}

func feedPayload(f *account.Feed) feedJSON {
	return feedJSON{
		FeedID:      f.FeedID(),
		URL:         f.URL(),
		Name:        f.DisplayName(),
		HomePageURL: f.HomePageURL(),
		UnreadCount: f.UnreadCount(),
	}
}

func articlePayload(a model.Article) articleJSON {
	out := articleJSON{
		ArticleID:   a.ArticleID,
		FeedID:      a.FeedID,
		Title:       a.Title,
		Body:        a.Body,
		URL:         a.URL,
		DateArrived: a.DateArrived,
		Read:        a.Status.Read,
		Starred:     a.Status.Starred,
	}
	if !a.DatePublished.IsZero() {
		published := a.DatePublished
		out.DatePublished = &published
	}
	return out
}

// --- Tree Handlers ---

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	children := s.account.Children()
	out := make([]treeChildJSON, 0, len(children))
	for _, child := range children {
		switch c := child.(type) {
		case *account.Feed:
			fj := feedPayload(c)
			out = append(out, treeChildJSON{
				Type:        "feed",
				Name:        fj.Name,
				UnreadCount: fj.UnreadCount,
				FeedID:      fj.FeedID,
				URL:         fj.URL,
				HomePageURL: fj.HomePageURL,
			})
		case *account.Folder:
			folderFeeds := c.Feeds()
			feeds := make([]feedJSON, 0, len(folderFeeds))
			for _, f := range folderFeeds {
				feeds = append(feeds, feedPayload(f))
			}
			out = append(out, treeChildJSON{
				Type:        "folder",
				Name:        c.Name(),
				UnreadCount: c.UnreadCount(),
				Feeds:       feeds,
			})
		}
	}
	s.respond(w, http.StatusOK, map[string]any{
		"name":         s.account.Name(),
		"unread_count": s.account.UnreadCount(),
		"children":     out,
	})
}

func (s *Server) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, map[string]any{"unread_count": s.account.UnreadCount()})
}

func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	folder, ok := s.account.EnsureFolder(req.Name)
	if !ok {
		http.Error(w, "Folder name required", http.StatusBadRequest)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"status": "ok", "name": folder.Name()})
}

func (s *Server) handleCreateFeed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL    string `json:"url"`
		Name   string `json:"name"`
		Folder string `json:"folder"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	feed, ok := s.account.CreateFeed(req.URL, req.Name)
	if !ok {
		http.Error(w, "Feed URL required", http.StatusBadRequest)
		return
	}
	if req.Folder != "" {
		folder, ok := s.account.EnsureFolder(req.Folder)
		if !ok {
			http.Error(w, "Invalid folder name", http.StatusBadRequest)
			return
		}
		folder.AddFeed(feed)
	} else {
		s.account.AddFeed(feed)
	}

	// Adding resolves duplicate creates onto the subscribed instance;
	// respond with that one.
	if existing, ok := s.account.ExistingFeedWithURL(req.URL); ok {
		feed = existing
	}

	// Pull the new feed's content promptly.
	s.scheduler.Kick()
	s.respond(w, http.StatusOK, map[string]any{"status": "ok", "feed": feedPayload(feed)})
}

func (s *Server) handleRenameFeed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FeedID string `json:"feed_id"`
		Name   string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "Name required", http.StatusBadRequest)
		return
	}
	if !s.account.RenameFeed(req.FeedID, req.Name) {
		http.Error(w, "Unknown feed", http.StatusNotFound)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleRenameFolder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string `json:"name"`
		NewName string `json:"new_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if req.NewName == "" {
		http.Error(w, "Name required", http.StatusBadRequest)
		return
	}
	if !s.account.RenameFolder(req.Name, req.NewName) {
		http.Error(w, "Unknown folder", http.StatusNotFound)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"status": "ok"})
}

// --- Article Handlers ---

func (s *Server) handleArticles(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")
	if scope == "" {
		scope = "all"
	}
	feedID := r.URL.Query().Get("feed_id")

	var feed *account.Feed
	if feedID != "" {
		var ok bool
		feed, ok = s.account.ExistingFeed(feedID)
		if !ok {
			http.Error(w, "Unknown feed", http.StatusNotFound)
			return
		}
	}

	var articles []model.Article
	var err error
	switch scope {
	case "all":
		if feed != nil {
			articles, err = s.account.FetchArticles(feed)
		} else {
			articles, err = s.account.FetchArticlesForContainer(s.account)
		}
	case "unread":
		if feed != nil {
			articles, err = s.account.FetchUnreadArticles(feed)
		} else {
			articles, err = s.account.FetchUnreadArticlesForContainer(s.account)
		}
	case "today", "starred":
		// Smart scopes are account-wide.
		if feed != nil {
			http.Error(w, "Scope does not support feed filtering", http.StatusBadRequest)
			return
		}
		if scope == "today" {
			articles, err = s.account.FetchTodayArticles(s.account)
		} else {
			articles, err = s.account.FetchStarredArticles(s.account)
		}
	default:
		http.Error(w, "Unknown scope", http.StatusBadRequest)
		return
	}
	if err != nil {
		s.logger.Error("fetch articles", "scope", scope, "error", err)
		http.Error(w, "Failed to fetch articles", http.StatusInternalServerError)
		return
	}

	payload := make([]articleJSON, 0, len(articles))
	for _, a := range articles {
		payload = append(payload, articlePayload(a))
	}
	s.respond(w, http.StatusOK, map[string]any{"articles": payload, "count": len(payload)})
}

func (s *Server) handleMarkArticles(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ArticleIDs []string        `json:"article_ids"`
		Key        model.StatusKey `json:"key"`
		Flag       bool            `json:"flag"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if req.Key != model.StatusRead && req.Key != model.StatusStarred {
		http.Error(w, "Unknown status key", http.StatusBadRequest)
		return
	}
	articles := make([]model.Article, 0, len(req.ArticleIDs))
	for _, id := range req.ArticleIDs {
		articles = append(articles, model.Article{ArticleID: id})
	}
	changed, err := s.account.MarkArticles(articles, req.Key, req.Flag)
	if err != nil {
		s.logger.Error("mark articles", "error", err)
		http.Error(w, "Failed to mark articles", http.StatusInternalServerError)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"status": "ok", "changed": len(changed)})
}

func (s *Server) handleMarkEverywhereRead(w http.ResponseWriter, r *http.Request) {
	if err := s.account.MarkEverywhereAsRead(); err != nil {
		s.logger.Error("mark everywhere read", "error", err)
		http.Error(w, "Failed to mark read", http.StatusInternalServerError)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"status": "ok"})
}

// --- OPML and Refresh Handlers ---

func (s *Server) handleImportOPML(w http.ResponseWriter, r *http.Request) {
	file, _, err := r.FormFile("opml")
	if err != nil {
		http.Error(w, "No file provided", http.StatusBadRequest)
		return
	}
	defer file.Close()

	doc, err := opml.Parse(file)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to parse OPML: %v", err), http.StatusBadRequest)
		return
	}

	before := len(s.account.FlattenedFeeds())
	s.account.ImportOPML(doc)
	imported := len(s.account.FlattenedFeeds()) - before

	s.respond(w, http.StatusOK, map[string]any{"status": "ok", "imported": imported})
}

func (s *Server) handleExportOPML(w http.ResponseWriter, r *http.Request) {
	data, err := s.account.ExportOPML()
	if err != nil {
		s.logger.Error("export opml", "error", err)
		http.Error(w, "Failed to export", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("Content-Disposition", "attachment; filename=subscriptions.opml")
	w.Write(data)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.scheduler.Kick()
	s.respond(w, http.StatusAccepted, map[string]any{"status": "scheduled"})
}

// --- Helpers ---

func (s *Server) respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}
