package nethttp

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/guiyumin/fastget/fastdownloader"
)

// Config tunes the http.Transport and retry policy shared by every
// connection a Transport opens.
type Config struct {
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	ForceAttemptHTTP2   bool
	WriteBufferSize     int
	ReadBufferSizeHint  int

	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration

	// ProgressInterval caps how often EventProgress fires per connection.
	ProgressInterval time.Duration
}

// DefaultConfig mirrors the pooling and buffer sizes a high-throughput
// multi-connection download client wants: unlimited overall idle
// connections, a handful kept warm per host, and large read/write buffers.
func DefaultConfig() Config {
	return Config{
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     120 * time.Second,
		ForceAttemptHTTP2:   true,
		WriteBufferSize:     128 * 1024,
		ReadBufferSizeHint:  128 * 1024,
		RetryMax:            3,
		RetryWaitMin:        200 * time.Millisecond,
		RetryWaitMax:        2 * time.Second,
		ProgressInterval:    200 * time.Millisecond,
	}
}

// Transport is a fastdownloader.Transport backed by net/http. A single
// Transport should be shared across every connection of a run so they pool
// connections to the same host.
type Transport struct {
	cfg  Config
	base *http.Transport
}

// New builds a Transport from cfg.
func New(cfg Config) *Transport {
	return &Transport{
		cfg: cfg,
		base: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        0,
			MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
			IdleConnTimeout:     cfg.IdleConnTimeout,
			ForceAttemptHTTP2:   cfg.ForceAttemptHTTP2,
			WriteBufferSize:     cfg.WriteBufferSize,
			ReadBufferSize:      cfg.ReadBufferSizeHint,
		},
	}
}

// Open implements fastdownloader.Transport.
func (t *Transport) Open(ctx context.Context, req fastdownloader.Request) (fastdownloader.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, err
	}

	ua := req.UserAgent
	if ua == "" {
		ua = fastdownloader.DefaultUserAgent
	}
	httpReq.Header.Set("User-Agent", ua)
	if req.RangeSet {
		httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", req.RangeBegin, req.RangeEnd))
	}

	base := t.base
	if req.TLSConfig != nil {
		clone := t.base.Clone()
		clone.TLSClientConfig = req.TLSConfig
		base = clone
	}

	rc := retryablehttp.NewClient()
	rc.Logger = nil
	rc.RetryMax = t.cfg.RetryMax
	rc.RetryWaitMin = t.cfg.RetryWaitMin
	rc.RetryWaitMax = t.cfg.RetryWaitMax
	rc.HTTPClient.Transport = base

	std := rc.StandardClient()
	r := newResponse(req.URL)
	decide := redirectPolicy(req)
	if !req.FollowRedirects {
		std.CheckRedirect = decide
	} else {
		std.CheckRedirect = func(hreq *http.Request, via []*http.Request) error {
			if err := decide(hreq, via); err != nil {
				return err
			}
			r.send(hreq.Context(), fastdownloader.TransportEvent{
				Kind:          fastdownloader.EventRedirected,
				RedirectedURL: hreq.URL.String(),
			})
			return nil
		}
	}

	bufSize := req.ReadBufferSize
	if bufSize <= 0 {
		bufSize = int64(t.cfg.ReadBufferSizeHint)
	}

	go r.run(ctx, std, base, httpReq, bufSize, t.cfg.ProgressInterval)
	return r, nil
}

// redirectPolicy returns the base redirect decision for req, before the
// probe's own EventRedirected notification is layered on top of it.
func redirectPolicy(req fastdownloader.Request) func(*http.Request, []*http.Request) error {
	if !req.FollowRedirects {
		return func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	max := req.MaxRedirects
	if max <= 0 {
		max = fastdownloader.DefaultMaxRedirects
	}
	return func(_ *http.Request, via []*http.Request) error {
		if len(via) > max {
			return fmt.Errorf("nethttp: stopped after %d redirects", max)
		}
		return nil
	}
}
