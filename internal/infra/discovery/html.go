package discovery

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/html"

	"github.com/vietddude/harvester/internal/core/fault"
)

// HTMLPage scrapes <img> sources from a page whose URL template contains
// {keyword}.
type HTMLPage struct {
	name     string
	template string
	getter   Getter
}

// NewHTMLPage creates a page-scraping source.
func NewHTMLPage(name, template string, getter Getter) (*HTMLPage, error) {
	if !strings.Contains(template, "{keyword}") {
		return nil, fmt.Errorf("html source %s: template must contain {keyword}", name)
	}
	return &HTMLPage{name: name, template: template, getter: getter}, nil
}

func (h *HTMLPage) Name() string { return h.name }

// Search implements Searcher. The page is fetched once and the
// [offset, offset+limit) window of its images returned.
func (h *HTMLPage) Search(ctx context.Context, keyword string, offset, limit int) ([]string, error) {
	pageURL := strings.ReplaceAll(h.template, "{keyword}", url.QueryEscape(keyword))
	resp, err := h.getter.Get(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	urls, err := ExtractImages(resp.Data, pageURL)
	if err != nil {
		return nil, fault.Wrap(fault.KindMalformed, "scrape "+h.name, err)
	}
	if offset >= len(urls) {
		return nil, nil
	}
	return urls[offset:min(offset+limit, len(urls))], nil
}

// ExtractImages returns absolute, de-duplicated image URLs found in page.
func ExtractImages(page []byte, base string) ([]string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil, err
	}
	doc, err := html.Parse(bytes.NewReader(page))
	if err != nil {
		return nil, err
	}

	var (
		urls []string
		seen = make(map[string]bool)
	)
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "img" {
			if src := imgSource(n); src != "" {
				if ref, err := url.Parse(src); err == nil {
					abs := baseURL.ResolveReference(ref)
					if (abs.Scheme == "http" || abs.Scheme == "https") && !seen[abs.String()] {
						seen[abs.String()] = true
						urls = append(urls, abs.String())
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return urls, nil
}

// imgSource prefers lazy-load attributes over a placeholder src.
func imgSource(n *html.Node) string {
	var src string
	for _, a := range n.Attr {
		switch a.Key {
		case "data-src", "data-original":
			return strings.TrimSpace(a.Val)
		case "src":
			src = strings.TrimSpace(a.Val)
		}
	}
	if strings.HasPrefix(src, "data:") {
		return ""
	}
	return src
}
