package discovery

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"math"

	"github.com/vietddude/harvester/internal/core/domain"
	"github.com/vietddude/harvester/internal/core/fault"
	"github.com/vietddude/harvester/internal/core/retry"
	"github.com/vietddude/harvester/internal/infra/fetch"
)

// Candidate is one discovered image URL.
type Candidate struct {
	URL     string
	Keyword string
	Source  string
}

// Query asks for candidates covering one chunk's image range.
type Query struct {
	Keywords  []string
	Range     domain.ImageRange
	Sources   []string // empty selects every configured source
	Overfetch float64  // extra fraction requested to absorb rejections
}

// Window returns the per-keyword offset and limit for the query. The range
// is split evenly across keywords.
func (q Query) Window() (offset, limit int) {
	k := max(len(q.Keywords), 1)
	offset = q.Range.Start / k
	per := (q.Range.Size() + k - 1) / k
	limit = int(math.Ceil(float64(per) * (1 + max(q.Overfetch, 0))))
	return offset, max(limit, 1)
}

// Searcher returns candidate URLs for a keyword page.
type Searcher interface {
	Name() string
	Search(ctx context.Context, keyword string, offset, limit int) ([]string, error)
}

// Provider yields a finite lazy candidate sequence.
type Provider interface {
	Discover(ctx context.Context, q Query) iter.Seq2[Candidate, error]
}

// Getter is the HTTP surface searchers need.
type Getter interface {
	Get(ctx context.Context, url string) (*fetch.Response, error)
}

// SourceConfig describes one configured source.
type SourceConfig struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"` // searchapi | html
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
}

// NewSearcher builds a searcher from configuration.
func NewSearcher(cfg SourceConfig, getter Getter) (Searcher, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("source name is required")
	}
	switch cfg.Type {
	case "searchapi", "":
		return NewSearchAPI(cfg.Name, cfg.Endpoint, cfg.APIKey, getter)
	case "html":
		return NewHTMLPage(cfg.Name, cfg.Endpoint, getter)
	default:
		return nil, fmt.Errorf("unknown source type %q for %s", cfg.Type, cfg.Name)
	}
}

// Multi fans a query out over the job's sources and interleaves results
// round-robin across (keyword, source) pairs. Each page fetch runs through
// the operation retry policy; a source that still fails is yielded as an
// error and skipped.
type Multi struct {
	sources map[string]Searcher
	order   []string
	policy  retry.Policy
	log     *slog.Logger
}

// NewMulti creates a fan-out provider.
func NewMulti(policy retry.Policy, searchers ...Searcher) *Multi {
	m := &Multi{
		sources: make(map[string]Searcher, len(searchers)),
		policy:  policy,
		log:     slog.Default().With("component", "discovery"),
	}
	for _, s := range searchers {
		m.sources[s.Name()] = s
		m.order = append(m.order, s.Name())
	}
	return m
}

// FromConfig builds a Multi from source configurations.
func FromConfig(cfgs []SourceConfig, getter Getter, policy retry.Policy) (*Multi, error) {
	searchers := make([]Searcher, 0, len(cfgs))
	for _, cfg := range cfgs {
		s, err := NewSearcher(cfg, getter)
		if err != nil {
			return nil, err
		}
		searchers = append(searchers, s)
	}
	return NewMulti(policy, searchers...), nil
}

// Names lists the configured sources.
func (m *Multi) Names() []string {
	return append([]string(nil), m.order...)
}

type stream struct {
	keyword string
	source  Searcher
	urls    []string
	loaded  bool
	pos     int
}

// Discover implements Provider.
func (m *Multi) Discover(ctx context.Context, q Query) iter.Seq2[Candidate, error] {
	return func(yield func(Candidate, error) bool) {
		names := q.Sources
		if len(names) == 0 {
			names = m.order
		}
		var streams []*stream
		for _, name := range names {
			s, ok := m.sources[name]
			if !ok {
				if !yield(Candidate{}, fault.New(fault.KindValidation, "discover", fmt.Sprintf("unknown source %q", name))) {
					return
				}
				continue
			}
			for _, kw := range q.Keywords {
				streams = append(streams, &stream{keyword: kw, source: s})
			}
		}

		offset, limit := q.Window()
		seen := make(map[string]bool)
		for live := len(streams); live > 0; {
			live = 0
			for _, st := range streams {
				if ctx.Err() != nil {
					yield(Candidate{}, fault.Wrap(fault.KindOf(ctx.Err()), "discover", ctx.Err()))
					return
				}
				if !st.loaded {
					st.loaded = true
					urls, err := retry.Value(ctx, m.policy, func(ctx context.Context) ([]string, error) {
						return st.source.Search(ctx, st.keyword, offset, limit)
					})
					if err != nil {
						m.log.Warn("Source failed", "source", st.source.Name(), "keyword", st.keyword, "error", err)
						if !yield(Candidate{}, err) {
							return
						}
						continue
					}
					st.urls = urls
				}
				if st.pos >= len(st.urls) {
					continue
				}
				live++
				u := st.urls[st.pos]
				st.pos++
				if seen[u] {
					continue
				}
				seen[u] = true
				if !yield(Candidate{URL: u, Keyword: st.keyword, Source: st.source.Name()}, nil) {
					return
				}
			}
		}
	}
}
