package nethttp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/guiyumin/fastget/fastdownloader"
)

// response is the live fastdownloader.Response for one net/http request. Its
// fields are written from the run goroutine and read from whatever goroutine
// the Downloader's Reader API calls land on, so every access goes through mu.
type response struct {
	mu      sync.Mutex
	url     string
	header  http.Header
	unread  []byte
	running bool
	errStr  string
	aborted bool

	events   chan fastdownloader.TransportEvent
	retryTLS chan struct{}
}

func newResponse(url string) *response {
	return &response{
		url:      url,
		header:   http.Header{},
		running:  true,
		events:   make(chan fastdownloader.TransportEvent),
		retryTLS: make(chan struct{}, 1),
	}
}

func (r *response) Events() <-chan fastdownloader.TransportEvent { return r.events }

func (r *response) URL() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.url
}

func (r *response) Header(name string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.header.Get(name)
}

func (r *response) RawHeader(name string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	vals := r.header.Values(name)
	if len(vals) == 0 {
		return ""
	}
	return strings.Join(vals, ", ")
}

func (r *response) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *response) BytesAvailable() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.unread))
}

func (r *response) Peek(n int64) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > int64(len(r.unread)) {
		n = int64(len(r.unread))
	}
	out := make([]byte, n)
	copy(out, r.unread[:n])
	return out, nil
}

func (r *response) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := copy(p, r.unread)
	r.unread = r.unread[n:]
	return n, nil
}

func (r *response) ReadAll() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.unread
	r.unread = nil
	return out, nil
}

func (r *response) ReadLine(maxSize int64) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	limit := len(r.unread)
	if maxSize >= 0 && int(maxSize) < limit {
		limit = int(maxSize)
	}
	idx := bytes.IndexByte(r.unread[:limit], '\n')
	if idx < 0 {
		out := r.unread[:limit]
		r.unread = r.unread[limit:]
		return out, nil
	}
	out := r.unread[:idx+1]
	r.unread = r.unread[idx+1:]
	return out, nil
}

func (r *response) Skip(n int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > int64(len(r.unread)) {
		n = int64(len(r.unread))
	}
	r.unread = r.unread[n:]
	return n, nil
}

func (r *response) AtEnd() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.unread) == 0
}

func (r *response) ErrorString() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errStr
}

// IgnoreTLSErrors signals the retry-without-verification path started by
// doWithTLSRetry. It is a no-op once that decision has already been made.
func (r *response) IgnoreTLSErrors() {
	select {
	case r.retryTLS <- struct{}{}:
	default:
	}
}

func (r *response) Abort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aborted = true
	r.running = false
}

func (r *response) isAborted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborted
}

func (r *response) appendUnread(b []byte) {
	r.mu.Lock()
	r.unread = append(r.unread, b...)
	r.mu.Unlock()
}

func (r *response) setHeader(h http.Header) {
	r.mu.Lock()
	r.header = h
	r.mu.Unlock()
}

func (r *response) setURL(u string) {
	r.mu.Lock()
	r.url = u
	r.mu.Unlock()
}

func (r *response) setErrorString(s string) {
	r.mu.Lock()
	r.errStr = s
	r.mu.Unlock()
}

func (r *response) setRunning(v bool) {
	r.mu.Lock()
	r.running = v
	r.mu.Unlock()
}

// send delivers ev, giving up if ctx is canceled first so a connection whose
// consumer already walked away can't wedge this goroutine forever.
func (r *response) send(ctx context.Context, ev fastdownloader.TransportEvent) {
	select {
	case r.events <- ev:
	case <-ctx.Done():
	}
}

// run drives the request to completion and feeds every observed transition
// into r.events, closing it exactly once EventFinished has been sent.
func (r *response) run(ctx context.Context, client *http.Client, base *http.Transport, req *http.Request, bufSize int64, progressInterval time.Duration) {
	defer close(r.events)

	resp, err := r.doWithTLSRetry(ctx, client, base, req)
	if err != nil {
		r.fail(ctx, err)
		return
	}
	defer resp.Body.Close()

	r.setHeader(resp.Header)
	if resp.Request != nil && resp.Request.URL != nil {
		r.setURL(resp.Request.URL.String())
	}

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		r.fail(ctx, &fastdownloader.DownloadError{
			Kind: fastdownloader.ErrProtocolViolation,
			Err:  fmt.Errorf("nethttp: unexpected redirect status %d", resp.StatusCode),
		})
		return
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		r.fail(ctx, &fastdownloader.DownloadError{
			Kind: fastdownloader.ErrProtocolViolation,
			Err:  fmt.Errorf("nethttp: unexpected status %d", resp.StatusCode),
		})
		return
	}

	bytesTotal := parseBytesTotal(resp)
	if bufSize <= 0 {
		bufSize = 32 * 1024
	}
	buf := make([]byte, bufSize)
	var bytesReceived int64
	var lastProgress time.Time

	for {
		if r.isAborted() {
			r.setRunning(false)
			r.send(ctx, fastdownloader.TransportEvent{Kind: fastdownloader.EventFinished})
			return
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			r.appendUnread(buf[:n:n])
			bytesReceived += int64(n)
			r.send(ctx, fastdownloader.TransportEvent{Kind: fastdownloader.EventReadyRead})
			if progressInterval <= 0 || time.Since(lastProgress) >= progressInterval {
				lastProgress = time.Now()
				r.send(ctx, fastdownloader.TransportEvent{
					Kind:          fastdownloader.EventProgress,
					BytesReceived: bytesReceived,
					BytesTotal:    bytesTotal,
				})
			}
		}
		if readErr == io.EOF {
			if bytesTotal >= 0 && bytesReceived != bytesTotal {
				r.fail(ctx, &fastdownloader.DownloadError{
					Kind: fastdownloader.ErrProtocolViolation,
					Err:  fmt.Errorf("nethttp: received %d bytes, want %d", bytesReceived, bytesTotal),
				})
				return
			}
			r.setRunning(false)
			r.send(ctx, fastdownloader.TransportEvent{Kind: fastdownloader.EventFinished})
			return
		}
		if readErr != nil {
			r.fail(ctx, readErr)
			return
		}
	}
}

// fail records err, emits EventError followed by the terminal EventFinished.
func (r *response) fail(ctx context.Context, err error) {
	r.setRunning(false)
	r.setErrorString(err.Error())
	r.send(ctx, fastdownloader.TransportEvent{Kind: fastdownloader.EventError, Err: err})
	r.send(ctx, fastdownloader.TransportEvent{Kind: fastdownloader.EventFinished})
}

// doWithTLSRetry performs req, and on a certificate verification failure
// emits EventTLSErrors and waits for either IgnoreTLSErrors (retry once,
// skipping verification) or ctx cancellation.
func (r *response) doWithTLSRetry(ctx context.Context, client *http.Client, base *http.Transport, req *http.Request) (*http.Response, error) {
	resp, err := client.Do(req)
	if err == nil {
		return resp, nil
	}

	tlsErrs, isTLS := classifyTLSError(err)
	if !isTLS {
		return nil, err
	}

	r.send(ctx, fastdownloader.TransportEvent{Kind: fastdownloader.EventTLSErrors, TLSErrors: tlsErrs})

	select {
	case <-r.retryTLS:
		insecure := &http.Client{
			Transport:     cloneInsecureTransport(base),
			CheckRedirect: client.CheckRedirect,
		}
		return insecure.Do(req)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// parseBytesTotal returns how many body bytes the response declares: the
// size of the Content-Range span for a ranged response, else Content-Length.
func parseBytesTotal(resp *http.Response) int64 {
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		span := strings.TrimPrefix(cr, "bytes ")
		if idx := strings.LastIndexByte(span, '/'); idx >= 0 {
			span = span[:idx]
		}
		if dash := strings.IndexByte(span, '-'); dash >= 0 {
			first, err1 := strconv.ParseInt(span[:dash], 10, 64)
			last, err2 := strconv.ParseInt(span[dash+1:], 10, 64)
			if err1 == nil && err2 == nil && last >= first {
				return last - first + 1
			}
		}
	}
	if resp.ContentLength >= 0 {
		return resp.ContentLength
	}
	return -1
}
