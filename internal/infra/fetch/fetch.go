package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vietddude/harvester/internal/core/fault"
	"github.com/vietddude/harvester/internal/orchestration/metrics"
)

// Config holds downloader settings.
type Config struct {
	Timeout    time.Duration
	MaxBytes   int64
	PerHostRPS float64 // 0 disables per-host limiting
	UserAgent  string
}

// Response is a fetched body.
type Response struct {
	URL         string
	Data        []byte
	ContentType string
}

// Client downloads URLs with per-host rate limiting and maps failures onto
// fault kinds.
type Client struct {
	cfg        Config
	httpClient *http.Client

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewClient creates a downloader.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 20 << 20
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "harvester/1.0"
	}
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiters: make(map[string]*rate.Limiter),
	}
}

func (c *Client) limiter(host string) *rate.Limiter {
	if c.cfg.PerHostRPS <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[host]
	if !ok {
		burst := max(1, int(c.cfg.PerHostRPS))
		l = rate.NewLimiter(rate.Limit(c.cfg.PerHostRPS), burst)
		c.limiters[host] = l
	}
	return l
}

// Get downloads rawURL. Returned errors are *fault.Error values.
func (c *Client) Get(ctx context.Context, rawURL string) (*Response, error) {
	start := time.Now()
	resp, err := c.get(ctx, rawURL)
	metrics.DownloadLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.Downloads.WithLabelValues(string(fault.KindOf(err))).Inc()
		return nil, err
	}
	metrics.Downloads.WithLabelValues("ok").Inc()
	return resp, nil
}

func (c *Client) get(ctx context.Context, rawURL string) (*Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fault.New(fault.KindMalformed, "fetch", fmt.Sprintf("unsupported url %q", rawURL))
	}
	op := "GET " + u.Host

	if l := c.limiter(u.Host); l != nil {
		if err := l.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, fault.Wrap(fault.KindOf(ctx.Err()), op, ctx.Err())
			}
			return nil, fault.Wrap(fault.KindRateLimit, op, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fault.Wrap(fault.KindMalformed, op, err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "image/*,text/html;q=0.9,application/json;q=0.9,*/*;q=0.5")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fault.Wrap(fault.KindOf(err), op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &fault.Error{
			Kind:       fault.FromHTTPStatus(resp.StatusCode),
			Op:         op,
			Err:        fmt.Errorf("http %d", resp.StatusCode),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	}
	if resp.ContentLength > c.cfg.MaxBytes {
		return nil, fault.New(fault.KindValidation, op, fmt.Sprintf("body of %d bytes exceeds %d", resp.ContentLength, c.cfg.MaxBytes))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBytes+1))
	if err != nil {
		return nil, fault.Wrap(fault.KindOf(err), op, err)
	}
	if int64(len(data)) > c.cfg.MaxBytes {
		return nil, fault.New(fault.KindValidation, op, fmt.Sprintf("body exceeds %d bytes", c.cfg.MaxBytes))
	}

	contentType := resp.Header.Get("Content-Type")
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	return &Response{
		URL:         rawURL,
		Data:        data,
		ContentType: strings.TrimSpace(contentType),
	}, nil
}

// ParseRetryAfter reads delay-seconds or an HTTP date.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}
