// Package extract turns a listing page into item candidates. Each field is
// resolved by an ordered list of independent lookups; the first hit wins.
package extract

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/JakeFAU/pagewatch/internal/clock/system"
	"github.com/JakeFAU/pagewatch/internal/watch"
)

// Candidate is one item scraped from a listing page.
type Candidate struct {
	ExternalID   string
	Title        string
	ThumbnailURL string
	RelativeTime string
	UploadTime   time.Time
}

// Item converts the candidate into a persistable item for sourceID.
func (c Candidate) Item(sourceID int64) watch.Item {
	return watch.Item{
		SourceID:     sourceID,
		ExternalID:   c.ExternalID,
		Title:        c.Title,
		ThumbnailURL: c.ThumbnailURL,
		RelativeTime: c.RelativeTime,
		UploadTime:   c.UploadTime,
	}
}

var containerSelectors = []string{
	".col-xs-6.col-md-3",
	".thumbnail",
	".video-item",
	".item",
	".card",
	".video-card",
	".content-item",
	`div[class*="video"]`,
	`div[class*="item"]`,
	".gallery-item",
	".thumb-item",
}

const fallbackLinks = `a[href*="video"], a[href*="watch"], a[href*="play"], a[href*="view"]`

var idLinkSelectors = []string{
	`a[href*="video"]`,
	`a[href*="watch"]`,
	`a[href*="play"]`,
	`a[href*="view"]`,
	`a[href*="movie"]`,
	`a[href]`,
}

var idPatterns = []*regexp.Regexp{
	regexp.MustCompile(`video-(\d+)\.htm`),
	regexp.MustCompile(`video/(\d+)`),
	regexp.MustCompile(`watch\?(?:.*&)?v=(\w+)`),
	regexp.MustCompile(`play/(\d+)`),
	regexp.MustCompile(`movie/(\d+)`),
	regexp.MustCompile(`id=(\d+)`),
	regexp.MustCompile(`/(\d+)(?:/|$)`),
	regexp.MustCompile(`[?&]v=([^&]+)`),
	regexp.MustCompile(`embed/(\w+)`),
	regexp.MustCompile(`v/(\w+)`),
	regexp.MustCompile(`view/(\d+)`),
	regexp.MustCompile(`(\d+)(?:\.\w+)?$`),
}

var titleSelectors = []string{
	".title h5 a",
	".title a",
	".video-title",
	".title",
	"h3",
	"a[title]",
	".item-title",
	".video-name",
	".name",
	".description",
	"p",
	"a",
}

var titleAttrs = []string{"title", "alt", "data-title"}

var timeSelectors = []string{".info p", ".upload-time", ".time", "time", ".date"}

var (
	backgroundURL = regexp.MustCompile(`background-image:\s*url\(["']?([^"')]+)["']?\)`)
	viewPrefix    = regexp.MustCompile(`(\d+(?:\.\d+)?[kK]?次观看\s+)(.+)`)
	viewResidue   = regexp.MustCompile(`(?i)\d+.*?(次观看|次播放|views|播放|view)`)
)

// Option customizes an Extractor.
type Option func(*Extractor)

// WithClock sets the time source used for relative timestamps.
func WithClock(c watch.Clock) Option {
	return func(e *Extractor) { e.clock = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Extractor) {
		if l != nil {
			e.logger = l
		}
	}
}

// Extractor is stateless apart from its clock and logger and safe for concurrent use.
type Extractor struct {
	clock  watch.Clock
	logger *zap.Logger
}

// New constructs an Extractor.
func New(opts ...Option) *Extractor {
	e := &Extractor{clock: system.New(), logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.Named("extract")
	return e
}

// ExtractItems returns the titled candidates found in page, in document order.
func (e *Extractor) ExtractItems(page, baseURL string) ([]Candidate, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("parse listing html: %w", err)
	}
	now := e.clock.Now()
	containers := findContainers(doc)
	e.logger.Debug("containers located", zap.Int("count", len(containers)))

	out := make([]Candidate, 0, len(containers))
	for _, c := range containers {
		title := extractTitle(c)
		if title == "" {
			continue
		}
		rel := extractTime(c)
		uploaded, ok := ParseRelativeTime(rel, now)
		if !ok {
			e.logger.Warn("unrecognized time text", zap.String("text", rel))
		}
		out = append(out, Candidate{
			ExternalID:   extractID(c),
			Title:        title,
			ThumbnailURL: extractThumbnail(c, baseURL),
			RelativeTime: rel,
			UploadTime:   uploaded,
		})
	}
	e.logger.Info("items extracted", zap.Int("containers", len(containers)), zap.Int("items", len(out)))
	return out, nil
}

func findContainers(doc *goquery.Document) []*goquery.Selection {
	for _, sel := range containerSelectors {
		found := doc.Find(sel)
		if found.Length() > 0 {
			return splitSelection(found)
		}
	}

	seen := make(map[*html.Node]bool)
	var out []*goquery.Selection
	doc.Find(fallbackLinks).Each(func(_ int, link *goquery.Selection) {
		parent := link.ParentsFiltered("div, article, section, li").First()
		if parent.Length() == 0 {
			return
		}
		node := parent.Get(0)
		if seen[node] {
			return
		}
		seen[node] = true
		out = append(out, parent)
	})
	return out
}

func splitSelection(s *goquery.Selection) []*goquery.Selection {
	out := make([]*goquery.Selection, 0, s.Length())
	s.Each(func(_ int, item *goquery.Selection) {
		out = append(out, item)
	})
	return out
}

func extractID(item *goquery.Selection) string {
	var href string
	for _, sel := range idLinkSelectors {
		link := item.Find(sel).First()
		if link.Length() == 0 {
			continue
		}
		href, _ = link.Attr("href")
		break
	}
	if href == "" {
		return ""
	}
	for _, re := range idPatterns {
		if m := re.FindStringSubmatch(href); m != nil {
			return m[1]
		}
	}
	return ""
}

func extractTitle(item *goquery.Selection) string {
	for _, sel := range titleSelectors {
		el := item.Find(sel).First()
		if el.Length() == 0 {
			continue
		}
		for _, attr := range titleAttrs {
			if v, ok := el.Attr(attr); ok {
				if v = strings.TrimSpace(v); v != "" {
					return v
				}
			}
		}
		if text := strings.TrimSpace(el.Text()); text != "" {
			return text
		}
	}
	return ""
}

func extractThumbnail(item *goquery.Selection, baseURL string) string {
	img := item.Find("img").First()
	if img.Length() > 0 {
		for _, attr := range []string{"src", "data-src"} {
			if v, ok := img.Attr(attr); ok && strings.TrimSpace(v) != "" {
				return absolutize(baseURL, strings.TrimSpace(v))
			}
		}
	}
	styled := item.Find(`.image, [style*="background-image"]`).First()
	if style, ok := styled.Attr("style"); ok {
		if m := backgroundURL.FindStringSubmatch(style); m != nil {
			return absolutize(baseURL, m[1])
		}
	}
	return ""
}

func absolutize(baseURL, ref string) string {
	if strings.HasPrefix(ref, "//") {
		return "https:" + ref
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(r).String()
}

func extractTime(item *goquery.Selection) string {
	var text string
	for _, sel := range timeSelectors {
		el := item.Find(sel).First()
		if el.Length() == 0 {
			continue
		}
		text = strings.TrimSpace(el.Text())
		if m := viewPrefix.FindStringSubmatch(text); m != nil {
			text = strings.TrimSpace(m[2])
		}
		break
	}
	text = strings.TrimSpace(viewResidue.ReplaceAllString(text, ""))
	if text == "" {
		return watch.RecentLabel
	}
	return text
}
