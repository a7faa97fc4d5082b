package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/vietddude/harvester/internal/core/fault"
)

// SearchAPI queries a JSON image search endpoint:
//
//	GET {endpoint}?q={keyword}&offset={n}&limit={n}[&key={api_key}]
//	-> {"results": [{"url": "..."}]}
type SearchAPI struct {
	name     string
	endpoint *url.URL
	apiKey   string
	getter   Getter
}

// NewSearchAPI creates a JSON search source.
func NewSearchAPI(name, endpoint, apiKey string, getter Getter) (*SearchAPI, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid search endpoint %q for %s", endpoint, name)
	}
	return &SearchAPI{name: name, endpoint: u, apiKey: apiKey, getter: getter}, nil
}

func (s *SearchAPI) Name() string { return s.name }

type searchResponse struct {
	Results []struct {
		URL string `json:"url"`
	} `json:"results"`
}

// Search implements Searcher.
func (s *SearchAPI) Search(ctx context.Context, keyword string, offset, limit int) ([]string, error) {
	u := *s.endpoint
	q := u.Query()
	q.Set("q", keyword)
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))
	if s.apiKey != "" {
		q.Set("key", s.apiKey)
	}
	u.RawQuery = q.Encode()

	resp, err := s.getter.Get(ctx, u.String())
	if err != nil {
		return nil, err
	}
	var body searchResponse
	if err := json.Unmarshal(resp.Data, &body); err != nil {
		return nil, fault.Wrap(fault.KindMalformed, "search "+s.name, err)
	}
	urls := make([]string, 0, len(body.Results))
	for _, r := range body.Results {
		if r.URL != "" {
			urls = append(urls, r.URL)
		}
	}
	if len(urls) > limit {
		urls = urls[:limit]
	}
	return urls, nil
}
