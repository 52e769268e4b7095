package fastdownloader

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
)

// taggedEvent fans every live connection's transport events into the loop
// goroutine's single select, tagged with the connection that produced it.
type taggedEvent struct {
	id ConnectionID
	ev TransportEvent
}

// Downloader is the Orchestrator: it owns the state machine described in
// spec.md §4.5, one probe-then-ranged-connections lifecycle at a time. All
// of its fields below the loop plumbing are mutated only from the loop
// goroutine started by New; every exported method is a thin synchronous
// wrapper that hands a closure to that goroutine and waits for it to run.
type Downloader struct {
	url       string
	cfg       Config
	transport Transport
	sink      EventSink

	calls      chan func()
	connEvents chan taggedEvent
	closeOnce  sync.Once
	closeCh    chan struct{}

	rng *rand.Rand

	// Loop-owned state. Never touch these outside the loop goroutine.
	running          bool
	resolved         bool
	parallelEligible bool
	resolvedURL      string
	contentLength    int64
	bytesReceivedTotal int64
	errCode          ErrorKind
	lastErr          error
	connections      map[ConnectionID]*connection
}

// New constructs an idle Downloader bound to url, using transport to open
// connections and sink to observe them. The returned Downloader owns a
// background goroutine; call Close when done with it.
func New(url string, cfg Config, transport Transport, sink EventSink) (*Downloader, error) {
	if transport == nil {
		return nil, errors.New("fastdownloader: transport must not be nil")
	}
	d := &Downloader{
		url:         url,
		cfg:         cfg,
		transport:   transport,
		sink:        sink,
		calls:       make(chan func()),
		connEvents:  make(chan taggedEvent),
		closeCh:     make(chan struct{}),
		rng:         newIDGenerator(),
		connections: make(map[ConnectionID]*connection),
	}
	go d.loop()
	return d, nil
}

// loop is the single goroutine that ever mutates Downloader/connection
// state. It multiplexes serialized consumer calls with the fan-in of every
// live connection's transport events; each is run to completion before the
// next is dispatched, exactly as spec.md §5 requires.
func (d *Downloader) loop() {
	for {
		select {
		case call, ok := <-d.calls:
			if !ok {
				return
			}
			call()
		case te := <-d.connEvents:
			d.routeEvent(te.id, te.ev)
		case <-d.closeCh:
			return
		}
	}
}

// call runs fn on the loop goroutine and blocks until it has completed.
func (d *Downloader) call(fn func()) {
	done := make(chan struct{})
	select {
	case d.calls <- func() { fn(); close(done) }:
		<-done
	case <-d.closeCh:
	}
}

// Close aborts any in-flight download and stops the Downloader's goroutine.
// It is safe to call more than once.
func (d *Downloader) Close() error {
	d.call(func() {
		if d.running {
			d.abort()
		}
	})
	d.closeOnce.Do(func() { close(d.closeCh) })
	return nil
}

// Start transitions Idle -> Probing if cfg and url are valid, returning
// false and leaving the Downloader Idle otherwise (spec.md §4.5).
func (d *Downloader) Start() bool {
	var ok bool
	d.call(func() { ok = d.start() })
	return ok
}

// Abort forces termination from any running state. It is synchronous: on
// return, IsRunning() is false and every connection has been freed.
func (d *Downloader) Abort() {
	d.call(func() { d.abort() })
}

func (d *Downloader) start() bool {
	if d.running {
		return false
	}
	if err := d.cfg.Validate(); err != nil {
		return false
	}
	if !isValidAbsoluteURL(d.url) {
		return false
	}

	d.reset()
	d.createConnection(d.url, 0, 0, true)
	return true
}

// reset is the pre-start variant of free: it marks the downloader running
// and zeros the per-run fields without touching option fields.
func (d *Downloader) reset() {
	d.running = true
	d.resolved = false
	d.parallelEligible = false
	d.resolvedURL = ""
	d.contentLength = 0
	d.bytesReceivedTotal = 0
	d.errCode = ErrNone
	d.lastErr = nil
}

// free deletes all connections and clears the per-run fields. It does not
// touch errCode, which is sticky until the next reset.
func (d *Downloader) free() {
	for id := range d.connections {
		d.deleteConnection(id)
	}
	d.resolvedURL = ""
	d.contentLength = 0
	d.bytesReceivedTotal = 0
	d.parallelEligible = false
	d.resolved = false
	d.running = false
}

// createConnection builds a request with the pinned options, opens it via
// the Transport, and wires its event stream into the loop. isProbe selects
// between the no-range, redirect-following probe request and a ranged,
// no-redirect request.
func (d *Downloader) createConnection(target string, begin, end int64, isProbe bool) {
	id := d.generateID()

	req := Request{
		URL:             target,
		FollowRedirects: isProbe,
		HighPriority:    true,
		TLSConfig:       d.cfg.TLSConfig,
		ReadBufferSize:  d.cfg.ReadBufferSize,
		UserAgent:       d.cfg.userAgent(),
	}
	if isProbe {
		req.MaxRedirects = d.cfg.MaxRedirects
	} else {
		req.RangeSet = true
		req.RangeBegin = begin
		req.RangeEnd = end
	}

	ctx, cancel := context.WithCancel(context.Background())
	resp, err := d.transport.Open(ctx, req)
	if err != nil {
		cancel()
		d.errCode = ErrTransport
		d.lastErr = err
		d.sink.error(id, &DownloadError{Kind: ErrTransport, ConnectionID: id, Err: err})
		d.sink.finished(id)
		d.abort()
		return
	}

	c := &connection{
		id:     id,
		probe:  isProbe,
		cancel: cancel,
		resp:   resp,
	}
	if !isProbe {
		c.head = begin
		c.bytesTotal = end - begin + 1
	}
	d.connections[id] = c

	go d.forward(ctx, id, resp.Events())
}

// forward relays one connection's transport events into the shared fan-in
// channel until ctx is canceled (deleteConnection does this on teardown) or
// the Downloader is closed. It never touches Downloader state directly;
// routeEvent, running on the loop goroutine, does that. It does not assume
// the Transport closes Events() promptly after cancellation.
func (d *Downloader) forward(ctx context.Context, id ConnectionID, events <-chan TransportEvent) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			select {
			case d.connEvents <- taggedEvent{id: id, ev: ev}:
			case <-ctx.Done():
				return
			case <-d.closeCh:
				return
			}
		case <-ctx.Done():
			return
		case <-d.closeCh:
			return
		}
	}
}

// routeEvent dispatches one tagged transport event. It runs entirely on the
// loop goroutine.
func (d *Downloader) routeEvent(id ConnectionID, ev TransportEvent) {
	c, ok := d.connections[id]
	if !ok {
		// The connection was already torn down (deleteConnection
		// cancels but does not guarantee the forwarder stops
		// mid-flight); stray events are simply dropped.
		return
	}

	switch ev.Kind {
	case EventReadyRead:
		if !c.probe || d.resolved {
			d.handleReadyRead(c)
		} else {
			d.handleProbeReadyRead(c)
		}
	case EventProgress:
		d.sink.progress(c.id, c.bytesReceived, c.bytesTotal)
		if c.err == nil {
			d.sink.aggregateProgress(d.bytesReceivedTotal, d.contentLength)
		}
	case EventRedirected:
		if d.resolved {
			d.abort()
			return
		}
		d.sink.redirected(ev.RedirectedURL)
	case EventError:
		if ev.Err != nil {
			c.err = ev.Err
			d.errCode = classifyError(ev.Err)
			d.lastErr = ev.Err
		}
		d.sink.error(c.id, ev.Err)
	case EventTLSErrors:
		d.errCode = ErrTLSVerification
		d.sink.tlsErrors(c.id, ev.TLSErrors)
	case EventFinished:
		d.handleFinished(c)
	}
}

// handleReadyRead implements the readyRead routing rule shared by the
// Resolved-Single probe and every ranged connection (spec.md §4.5).
func (d *Downloader) handleReadyRead(c *connection) {
	delta := c.resp.BytesAvailable() + c.pos - c.bytesReceived
	c.bytesReceived = c.pos + c.resp.BytesAvailable()
	d.bytesReceivedTotal += delta
	d.sink.readyRead(c.id)
}

// handleFinished implements the finished routing rule (spec.md §4.5): it
// decides whether the run is complete, frees connections if so, always
// emits the per-connection finished event, and either cascades into abort
// (on error) or schedules the next untargeted chunk.
func (d *Downloader) handleFinished(c *connection) {
	id := c.id
	completed := d.downloadCompleted()
	connErr := c.err

	if completed && connErr == nil {
		d.running = false
		d.free()
	}

	d.sink.finished(id)

	if connErr != nil {
		d.abort()
		return
	}

	if completed {
		d.sink.aggregateFinished()
		return
	}

	nextPos := d.nextPortionPosition()
	if nextPos > 0 {
		nextSize := d.untargetedDataSize()
		if d.cfg.ChunkSizeLimit > 0 && nextSize >= 2*d.cfg.ChunkSizeLimit {
			nextSize = d.cfg.ChunkSizeLimit
		}
		if nextSize > 0 {
			d.createConnection(d.resolvedURL, nextPos, nextPos+nextSize-1, false)
		}
	}
}

// downloadCompleted reports whether every connection is non-running and no
// untargeted tail remains.
func (d *Downloader) downloadCompleted() bool {
	if d.nextPortionAvailable() {
		return false
	}
	for _, c := range d.connections {
		if c.resp.IsRunning() {
			return false
		}
	}
	return true
}

// nextPortionAvailable reports whether the chunked-tail-scheduling path
// applies to this run at all.
func (d *Downloader) nextPortionAvailable() bool {
	if !(d.parallelEligible && d.cfg.ChunkSizeLimit > 0 && d.cfg.Parallelism >= 2) {
		return false
	}
	var total int64
	for _, c := range d.connections {
		total += c.bytesTotal
	}
	return total < d.contentLength
}

// nextPortionPosition returns the maximum head+bytes_total across existing
// connections, or -1 when no untargeted tail remains to schedule.
func (d *Downloader) nextPortionPosition() int64 {
	if !d.nextPortionAvailable() {
		return -1
	}
	var next int64
	for _, c := range d.connections {
		if end := c.head + c.bytesTotal; end > next {
			next = end
		}
	}
	return next
}

// untargetedDataSize returns the number of bytes not yet assigned to any
// connection.
func (d *Downloader) untargetedDataSize() int64 {
	var total int64
	for _, c := range d.connections {
		total += c.bytesTotal
	}
	return d.contentLength - total
}

// startParallelDownloading runs the Partitioner and creates one ranged
// connection per resulting window (spec.md §4.3).
func (d *Downloader) startParallelDownloading() {
	for _, w := range partitionWindows(d.contentLength, d.cfg.Parallelism, d.cfg.ChunkSizeLimit) {
		d.createConnection(d.resolvedURL, w.begin, w.end, false)
	}
}

// deleteConnection tears down one connection: aborts its response if still
// running, cancels its context, and removes it from the live set.
func (d *Downloader) deleteConnection(id ConnectionID) {
	c, ok := d.connections[id]
	if !ok {
		return
	}
	if c.resp.IsRunning() {
		c.resp.Abort()
	}
	c.cancel()
	delete(d.connections, id)
}

// abort implements spec.md §4.8: snapshot active connections, mark the
// downloader canceled, free everything, then emit the per-connection and
// aggregate closure events against the frozen snapshot.
func (d *Downloader) abort() {
	if !d.running {
		return
	}

	type snapshot struct {
		id            ConnectionID
		bytesReceived int64
		bytesTotal    int64
	}
	var snapshots []snapshot
	for _, c := range d.connections {
		if c.resp.IsRunning() {
			snapshots = append(snapshots, snapshot{c.id, c.bytesReceived, c.bytesTotal})
		}
	}
	finalBytesReceived := d.bytesReceivedTotal
	finalContentLength := d.contentLength

	d.errCode = ErrOperationCanceled
	d.running = false
	d.free()

	for _, s := range snapshots {
		d.sink.error(s.id, &DownloadError{Kind: ErrOperationCanceled, ConnectionID: s.id})
		d.sink.progress(s.id, s.bytesReceived, s.bytesTotal)
		d.sink.finished(s.id)
	}
	d.sink.aggregateProgress(finalBytesReceived, finalContentLength)
	d.sink.aggregateFinished()
}

// classifyError maps a transport error into the sticky ErrorKind. A
// DownloadError passed through from the transport keeps its own Kind;
// anything else is a generic transport error.
func classifyError(err error) ErrorKind {
	var de *DownloadError
	if errors.As(err, &de) {
		return de.Kind
	}
	return ErrTransport
}

// --- Getters. Each one that reads loop-owned state goes through call. ---

// URL returns the url the Downloader was constructed with.
func (d *Downloader) URL() string {
	return d.url
}

// ResolvedURL returns the effective URL after the probe's redirects, empty
// until IsResolved.
func (d *Downloader) ResolvedURL() string {
	var out string
	d.call(func() { out = d.resolvedURL })
	return out
}

// ContentLength returns the probed length, or -1 if the origin declared
// none. It is 0 before the probe resolves and again once the run has ended,
// since free clears it.
func (d *Downloader) ContentLength() int64 {
	var out int64 = -1
	d.call(func() { out = d.contentLength })
	return out
}

// BytesReceivedTotal returns the monotonic (within the caveats of spec.md
// §9) aggregate byte count for the current run.
func (d *Downloader) BytesReceivedTotal() int64 {
	var out int64
	d.call(func() { out = d.bytesReceivedTotal })
	return out
}

// Err returns the sticky error for the current run, or nil.
func (d *Downloader) Err() error {
	var out error
	d.call(func() {
		if d.errCode == ErrNone {
			return
		}
		out = &DownloadError{Kind: d.errCode, Err: d.lastErr}
	})
	return out
}

// IsRunning reports whether a download is currently in progress.
func (d *Downloader) IsRunning() bool {
	var out bool
	d.call(func() { out = d.running })
	return out
}

// IsResolved reports whether the probe's first readyRead has resolved the
// current run.
func (d *Downloader) IsResolved() bool {
	var out bool
	d.call(func() { out = d.resolved })
	return out
}

// IsParallelEligible reports the Resolver's parallel-eligibility decision
// for the current run.
func (d *Downloader) IsParallelEligible() bool {
	var out bool
	d.call(func() { out = d.parallelEligible })
	return out
}

// ConnectionIDs returns a snapshot of the currently live connection ids, in
// no particular order.
func (d *Downloader) ConnectionIDs() []ConnectionID {
	var out []ConnectionID
	d.call(func() {
		out = make([]ConnectionID, 0, len(d.connections))
		for id := range d.connections {
			out = append(out, id)
		}
	})
	return out
}

func (d *Downloader) String() string {
	return fmt.Sprintf("fastdownloader.Downloader{url: %q, running: %v}", d.url, d.IsRunning())
}
