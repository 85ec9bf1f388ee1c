package extract

import (
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagewatch/internal/clock/fake"
	"github.com/JakeFAU/pagewatch/internal/watch"
)

var fixedNow = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

const listingPage = `<html><body><div class="row">
<div class="col-xs-6 col-md-3">
  <div class="thumbnail">
    <a href="/video-1001.htm"><div class="image" style="background-image: url('/thumb/1001.jpg')"></div></a>
    <div class="caption title"><h5><a href="/video-1001.htm">First clip</a></h5></div>
    <div class="info"><p>1.2k次观看 3天前</p></div>
  </div>
</div>
<div class="col-xs-6 col-md-3">
  <div class="thumbnail">
    <a href="/video-1002.htm"><img src="//cdn.example.net/1002.jpg"></a>
    <div class="title"><h5><a href="/video-1002.htm" title="Second clip">ignored text</a></h5></div>
    <div class="info"><p>5次观看 2小时前</p></div>
  </div>
</div>
<div class="col-xs-6 col-md-3">
  <div class="thumbnail"></div>
</div>
</div></body></html>`

func newExtractor() *Extractor {
	return New(WithClock(fake.New(fixedNow)))
}

func mustDoc(t *testing.T, page string) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	require.NoError(t, err)
	return doc
}

func TestExtractItemsListing(t *testing.T) {
	t.Parallel()

	got, err := newExtractor().ExtractItems(listingPage, "https://example.com/user.htm?author=x")
	require.NoError(t, err)

	want := []Candidate{
		{
			ExternalID:   "1001",
			Title:        "First clip",
			ThumbnailURL: "https://example.com/thumb/1001.jpg",
			RelativeTime: "3天前",
			UploadTime:   fixedNow.Add(-72 * time.Hour),
		},
		{
			ExternalID:   "1002",
			Title:        "Second clip",
			ThumbnailURL: "https://cdn.example.net/1002.jpg",
			RelativeTime: "2小时前",
			UploadTime:   fixedNow.Add(-2 * time.Hour),
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("candidates mismatch (-want +got):\n%s", diff)
	}
}

func TestExtractItemsIdempotent(t *testing.T) {
	t.Parallel()

	e := newExtractor()
	first, err := e.ExtractItems(listingPage, "https://example.com/")
	require.NoError(t, err)
	second, err := e.ExtractItems(listingPage, "https://example.com/")
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(first, second))
}

func TestExtractItemsFallsBackToLinkParents(t *testing.T) {
	t.Parallel()

	page := `<html><body>
<ul>
  <li><a href="/watch?v=abc123">Clip A</a><span class="time">2024-04-01</span></li>
  <li><a href="/watch?v=def456">Clip B</a><a href="/play/9">dup link same parent</a></li>
</ul>
<section><a href="/about">About</a></section>
</body></html>`

	got, err := newExtractor().ExtractItems(page, "https://example.com/")
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "abc123", got[0].ExternalID)
	assert.Equal(t, "Clip A", got[0].Title)
	assert.Equal(t, "2024-04-01", got[0].RelativeTime)
	assert.Equal(t, time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC), got[0].UploadTime)

	assert.Equal(t, "def456", got[1].ExternalID)
	assert.Equal(t, watch.RecentLabel, got[1].RelativeTime)
	assert.Equal(t, fixedNow, got[1].UploadTime)
}

func TestExtractItemsEmptyPage(t *testing.T) {
	t.Parallel()

	got, err := newExtractor().ExtractItems("<html><body><p>nothing here</p></body></html>", "https://example.com/")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestExtractID(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		`<div><a href="/video-42.htm">x</a></div>`:              "42",
		`<div><a href="/video/77">x</a></div>`:                  "77",
		`<div><a href="/watch?list=1&v=Zx9_q">x</a></div>`:      "Zx9_q",
		`<div><a href="/play/301">x</a></div>`:                  "301",
		`<div><a href="/movie/12">x</a></div>`:                  "12",
		`<div><a href="/page?id=88">x</a></div>`:                "88",
		`<div><a href="/clips/555/">x</a></div>`:                "555",
		`<div><a href="/embed/qwe">x</a></div>`:                 "qwe",
		`<div><a href="/view/abc">x</a></div>`:                  "",
		`<div><span>no link</span></div>`:                       "",
		`<div><a href="/c/clip900.mp4">x</a></div>`:             "900",
		`<div><a href="/x">y</a><a href="/video-5.htm">z</a></div>`: "5",
	}
	for page, want := range tests {
		doc := mustDoc(t, page)
		assert.Equal(t, want, extractID(doc.Find("div").First()), page)
	}
}

func TestExtractTitlePrefersAttributes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		html string
		want string
	}{
		{name: "data-title on anchor", html: `<div><a data-title=" Data Title " href="/v">text</a></div>`, want: "Data Title"},
		{name: "video-title text", html: `<div><span class="video-title"> Named </span><p>para</p></div>`, want: "Named"},
		{name: "empty title falls through", html: `<div><div class="title"></div><h3>Heading</h3></div>`, want: "Heading"},
		{name: "alt on nested image ignored", html: `<div><p><img alt="Alt text"></p></div>`, want: ""},
		{name: "paragraph", html: `<div><p>Para</p></div>`, want: "Para"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			doc := mustDoc(t, tc.html)
			assert.Equal(t, tc.want, extractTitle(doc.Find("div").First()))
		})
	}
}

func TestExtractThumbnail(t *testing.T) {
	t.Parallel()

	base := "https://example.com/users/page.htm"
	tests := map[string]string{
		`<div><img src="/a.jpg"></div>`:                                          "https://example.com/a.jpg",
		`<div><img src="b.jpg"></div>`:                                           "https://example.com/users/b.jpg",
		`<div><img data-src="https://img.example.org/c.jpg"></div>`:              "https://img.example.org/c.jpg",
		`<div><span style="background-image:url(//cdn.example.org/d.png)"></span></div>`: "https://cdn.example.org/d.png",
		`<div><span>none</span></div>`:                                           "",
	}
	for page, want := range tests {
		doc := mustDoc(t, page)
		assert.Equal(t, want, extractThumbnail(doc.Find("div").First(), base), page)
	}
}

func TestExtractTimeStripsViewCounts(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		`<div><div class="info"><p>12次观看 1月前</p></div></div>`:   "1月前",
		`<div><span class="time">1.5k views 4 days ago</span></div>`: "4 days ago",
		`<div><span class="date">300 views</span></div>`:            watch.RecentLabel,
		`<div><span>untimed</span></div>`:                           watch.RecentLabel,
	}
	for page, want := range tests {
		doc := mustDoc(t, page)
		assert.Equal(t, want, extractTime(doc.Find("div").First()), page)
	}
}

func TestCandidateItem(t *testing.T) {
	t.Parallel()

	c := Candidate{ExternalID: "9", Title: "t", ThumbnailURL: "u", RelativeTime: "r", UploadTime: fixedNow}
	item := c.Item(3)
	assert.Equal(t, int64(3), item.SourceID)
	assert.Equal(t, "9", item.ExternalID)
	assert.Equal(t, fixedNow, item.UploadTime)
	assert.False(t, item.Watched)
}
