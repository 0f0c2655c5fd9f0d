// Package feed fetches the release RSS feed and normalizes its entries into
// pipeline.FeedItem values.
package feed

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/release-pipeline/internal/pipeline"
)

// DefaultTimeout bounds a single feed request.
const DefaultTimeout = 30 * time.Second

// ErrUnexpectedContent is returned when the feed URL does not serve XML.
var ErrUnexpectedContent = errors.New("feed did not return xml")

var (
	magnetRe    = regexp.MustCompile(`magnet:\?xt=urn:btih:[^\s"'<>]+`)
	pubDateForm = []string{time.RFC1123Z, time.RFC1123, time.RFC3339, "Mon, 2 Jan 2006 15:04:05 -0700"}
	imageExts   = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true, ".svg": true}
)

// Config controls the feed client.
type Config struct {
	URL       string
	UserAgent string
	Timeout   time.Duration
}

// Source reads the release feed with a colly collector.
type Source struct {
	cfg           Config
	feedHost      string
	baseCollector *colly.Collector
	logger        *zap.Logger
}

var _ pipeline.FeedSource = (*Source)(nil)

// New builds a Source.
func New(cfg Config, logger *zap.Logger) (*Source, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid feed url %q", cfg.URL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	c.WithTransport(newHTTPTransport())
	return &Source{
		cfg:           cfg,
		feedHost:      strings.ToLower(u.Hostname()),
		baseCollector: c,
		logger:        logger.Named("feed"),
	}, nil
}

// Fetch downloads the feed and returns its entries in document order.
// A transport, status, or content failure returns an error and no items.
func (s *Source) Fetch(ctx context.Context) ([]pipeline.FeedItem, error) {
	var (
		items       []pipeline.FeedItem
		fetchErr    error
		contentType string
	)
	collector := s.baseCollector.Clone()
	collector.AllowURLRevisit = true
	collector.Context = ctx
	if s.cfg.UserAgent != "" {
		collector.UserAgent = s.cfg.UserAgent
	}
	collector.SetRequestTimeout(s.cfg.Timeout)

	collector.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "application/rss+xml, application/xml;q=0.9, */*;q=0.5")
	})
	collector.OnResponse(func(r *colly.Response) {
		contentType = strings.ToLower(r.Headers.Get("Content-Type"))
	})
	collector.OnXML("//item", func(e *colly.XMLElement) {
		item, ok := s.parseItem(e)
		if ok {
			items = append(items, item)
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			fetchErr = fmt.Errorf("feed status %d: %w", r.StatusCode, err)
			return
		}
		fetchErr = err
	})

	if err := s.run(ctx, collector); err != nil {
		return nil, err
	}
	if fetchErr != nil {
		return nil, fmt.Errorf("fetch feed: %w", fetchErr)
	}
	if !strings.Contains(contentType, "xml") {
		return nil, fmt.Errorf("fetch feed (content-type %q): %w", contentType, ErrUnexpectedContent)
	}
	return items, nil
}

func (s *Source) run(ctx context.Context, collector *colly.Collector) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(s.cfg.URL)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("feed fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("feed visit failed: %w", err)
		}
		return nil
	}
}

func (s *Source) parseItem(e *colly.XMLElement) (pipeline.FeedItem, bool) {
	title := strings.TrimSpace(html.UnescapeString(e.ChildText("title")))
	link := strings.TrimSpace(e.ChildText("link"))
	sourceID := strings.TrimSpace(e.ChildText("guid"))
	if sourceID == "" {
		sourceID = link
	}
	if sourceID == "" || title == "" {
		s.logger.Warn("skipping feed item without id or title", zap.String("title", title), zap.String("link", link))
		return pipeline.FeedItem{}, false
	}

	item := pipeline.FeedItem{SourceID: sourceID, Title: title}
	if raw := strings.TrimSpace(e.ChildText("pubDate")); raw != "" {
		published, err := parsePubDate(raw)
		if err != nil {
			s.logger.Warn("unparseable feed pubDate", zap.String("source_id", sourceID), zap.String("pub_date", raw))
		}
		item.PublishedAt = published
	}

	postHost := ""
	if u, err := url.Parse(link); err == nil {
		postHost = strings.ToLower(u.Hostname())
	}
	seen := map[string]bool{}
	add := func(raw string) {
		raw = strings.TrimSpace(html.UnescapeString(raw))
		if raw == "" || seen[raw] || !s.isDownloadLink(raw, postHost) {
			return
		}
		seen[raw] = true
		item.RawLinks = append(item.RawLinks, raw)
	}

	for _, enclosure := range e.ChildAttrs("enclosure", "url") {
		add(enclosure)
	}
	for _, body := range []string{e.ChildText("content:encoded"), e.ChildText("description")} {
		for _, href := range extractLinks(body) {
			add(href)
		}
	}
	return item, true
}

// isDownloadLink drops links back to the feed site and inline images.
func (s *Source) isDownloadLink(raw, postHost string) bool {
	kind, ok := pipeline.ClassifyLink(raw)
	if !ok {
		return false
	}
	if kind == pipeline.LinkKindMagnet {
		return true
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == s.feedHost || (postHost != "" && host == postHost) {
		return false
	}
	return !imageExts[strings.ToLower(path.Ext(u.Path))]
}

// extractLinks returns anchor targets and bare magnet URIs found in an HTML fragment.
func extractLinks(fragment string) []string {
	if strings.TrimSpace(fragment) == "" {
		return nil
	}
	var links []string
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err == nil {
		doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
			if href, ok := sel.Attr("href"); ok {
				links = append(links, href)
			}
		})
	}
	links = append(links, magnetRe.FindAllString(fragment, -1)...)
	return links
}

func parsePubDate(raw string) (time.Time, error) {
	for _, layout := range pubDateForm {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized pubDate %q", raw)
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
	}
}
