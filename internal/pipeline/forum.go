package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/signal-cli/internal/model"
	"github.com/sells-group/signal-cli/internal/store"
)

// ForumThread is one thread from a forum scrape dump.
type ForumThread struct {
	URL          string         `json:"url"`
	Title        string         `json:"title"`
	Author       string         `json:"author"`
	DatePosted   string         `json:"date_posted"`
	Description  string         `json:"description"`
	Tags         []string       `json:"tags"`
	Views        int            `json:"views"`
	RepliesCount int            `json:"replies_count"`
	Likes        int            `json:"likes"`
	Status       string         `json:"status"`
	Comments     []ForumComment `json:"comments"`
	ScrapedAt    string         `json:"scraped_at"`
	// Error is set by the scraper when the thread could not be extracted.
	Error string `json:"error,omitempty"`
}

// ForumComment is one reply inside a ForumThread.
type ForumComment struct {
	Author     string `json:"author"`
	Date       string `json:"date"`
	Text       string `json:"text"`
	IsAccepted bool   `json:"is_accepted"`
	Likes      int    `json:"likes"`
}

// ImportReport counts what an import wrote.
type ImportReport struct {
	Threads int `json:"threads"`
	Replies int `json:"replies"`
	Skipped int `json:"skipped"`
}

// DecodeForumThreads reads a JSON array of threads.
func DecodeForumThreads(r io.Reader) ([]ForumThread, error) {
	var threads []ForumThread
	if err := json.NewDecoder(r).Decode(&threads); err != nil {
		return nil, eris.Wrap(err, "forum: decode threads")
	}
	return threads, nil
}

// ForumSignals converts a thread into its root signal followed by one reply
// signal per non-empty comment.
func ForumSignals(source model.SourceType, t ForumThread) []model.Signal {
	root := model.Signal{
		Source:    source,
		SourceRef: t.URL,
		Content:   joinNonEmpty("\n\n", StripHTML(t.Title), StripHTML(t.Description)),
		Metadata: map[string]any{
			model.MetaThreadID:  t.URL,
			model.MetaTimestamp: t.DatePosted,
			"author":            t.Author,
			"title":             StripHTML(t.Title),
			"status":            t.Status,
			"views":             t.Views,
			"likes":             t.Likes,
		},
	}
	if len(t.Tags) > 0 {
		root.Metadata["tags"] = t.Tags
	}

	out := []model.Signal{root}
	for i, c := range t.Comments {
		text := StripHTML(c.Text)
		if text == "" {
			continue
		}
		out = append(out, model.Signal{
			Source:    source,
			SourceRef: t.URL + "#" + strconv.Itoa(i+1),
			Content:   text,
			Metadata: map[string]any{
				model.MetaThreadID:  t.URL,
				model.MetaTimestamp: c.Date,
				"author":            c.Author,
				"is_accepted":       c.IsAccepted,
				"likes":             c.Likes,
			},
		})
	}
	return out
}

// ImportForum upserts every thread in the dump as signals. Threads the
// scraper marked as failed, or without a URL, are skipped and counted.
// Re-importing the same dump is idempotent.
func ImportForum(ctx context.Context, st store.Store, source model.SourceType, threads []ForumThread) (*ImportReport, error) {
	log := zap.L().With(zap.String("component", "forum_import"))
	report := &ImportReport{}

	for _, t := range threads {
		if t.Error != "" || strings.TrimSpace(t.URL) == "" {
			report.Skipped++
			log.Debug("forum: skipping thread", zap.String("url", t.URL), zap.String("error", t.Error))
			continue
		}
		for i, sig := range ForumSignals(source, t) {
			if _, err := st.UpsertSignal(ctx, &sig); err != nil {
				return report, eris.Wrapf(err, "forum: upsert %s", sig.SourceRef)
			}
			if i == 0 {
				report.Threads++
			} else {
				report.Replies++
			}
		}
	}

	log.Info("forum: import complete",
		zap.Int("threads", report.Threads),
		zap.Int("replies", report.Replies),
		zap.Int("skipped", report.Skipped),
	)
	return report, nil
}

// StripHTML returns the visible text of s with whitespace collapsed. Plain
// text passes through unchanged apart from whitespace.
func StripHTML(s string) string {
	if strings.ContainsRune(s, '<') {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(s)); err == nil {
			doc.Find("script, style").Remove()
			s = doc.Text()
		}
	}
	return strings.Join(strings.Fields(s), " ")
}

func joinNonEmpty(sep string, parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}
