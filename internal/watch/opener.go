package watch

import (
	"fmt"
	"net/url"
)

// DefaultItemPath is the item page layout of the default target site.
const DefaultItemPath = "/video-%s.htm"

// PathOpener builds item links on the host of the item's source page.
type PathOpener struct {
	// Path is a format string with one %s verb for the external id.
	Path string
}

var _ Opener = PathOpener{}

// ItemURL returns the absolute page URL of item. It falls back to https when
// the source URL has no scheme and returns "" when it has no host.
func (o PathOpener) ItemURL(src Source, item Item) string {
	base, err := url.Parse(src.URL)
	if err != nil || base.Host == "" || item.ExternalID == "" {
		return ""
	}
	scheme := base.Scheme
	if scheme == "" {
		scheme = "https"
	}
	path := o.Path
	if path == "" {
		path = DefaultItemPath
	}
	return scheme + "://" + base.Host + fmt.Sprintf(path, url.PathEscape(item.ExternalID))
}
