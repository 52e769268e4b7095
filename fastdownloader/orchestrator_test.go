package fastdownloader

import (
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"
)

const testTimeout = 2 * time.Second

func waitOrFatal(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for download to settle")
	}
}

func probeResponse(url string, headers map[string]string) *fakeResponse {
	resp := newFakeResponse(url, headers)
	resp.play([]step{{ev: TransportEvent{Kind: EventReadyRead}, buffered: 0, running: true}})
	return resp
}

func finishingRangedResponse(url string, size int64) *fakeResponse {
	resp := newFakeResponse(url, nil)
	resp.play([]step{
		{ev: TransportEvent{Kind: EventReadyRead}, buffered: size, running: true},
		{ev: TransportEvent{Kind: EventFinished}, buffered: size, running: false},
	})
	return resp
}

func TestScenarioParallelDownloadPartitionsExactly(t *testing.T) {
	const url = "https://example.test/file.bin"
	const contentLength = 1048576

	tr := &fakeTransport{}
	tr.next = func(req Request) *fakeResponse {
		if !req.RangeSet {
			return probeResponse(url, map[string]string{
				"Accept-Ranges":  "bytes",
				"Content-Length": strconv.Itoa(contentLength),
			})
		}
		return finishingRangedResponse(url, req.RangeEnd-req.RangeBegin+1)
	}

	done := make(chan struct{})
	var finishedIDs []ConnectionID
	var mu sync.Mutex
	sink := EventSink{
		OnFinished: func(id ConnectionID) {
			mu.Lock()
			finishedIDs = append(finishedIDs, id)
			mu.Unlock()
		},
		OnAggregateFinished: func() { close(done) },
	}

	d, err := New(url, Config{Parallelism: 4}, tr, sink)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()

	if !d.Start() {
		t.Fatal("Start returned false")
	}
	waitOrFatal(t, done)

	mu.Lock()
	defer mu.Unlock()
	if len(finishedIDs) != 4 {
		t.Fatalf("got %d per-connection finished events, want 4 (the probe must not emit one)", len(finishedIDs))
	}

	var windows []window
	for _, req := range tr.seenRequests() {
		if req.RangeSet {
			windows = append(windows, window{req.RangeBegin, req.RangeEnd})
		}
	}
	sort.Slice(windows, func(i, j int) bool { return windows[i].begin < windows[j].begin })
	want := []window{{0, 262143}, {262144, 524287}, {524288, 786431}, {786432, 1048575}}
	if len(windows) != len(want) {
		t.Fatalf("got windows %v, want %v", windows, want)
	}
	for i := range want {
		if windows[i] != want[i] {
			t.Errorf("window %d = %+v, want %+v", i, windows[i], want[i])
		}
	}
}

func TestScenarioNoAcceptRangesFallsBackToSingleConnection(t *testing.T) {
	const url = "https://example.test/file.bin"
	const contentLength = 500000

	tr := &fakeTransport{}
	tr.next = func(req Request) *fakeResponse {
		resp := newFakeResponse(url, map[string]string{"Content-Length": strconv.Itoa(contentLength)})
		resp.play([]step{
			{ev: TransportEvent{Kind: EventReadyRead}, buffered: 0, running: true},
			{ev: TransportEvent{Kind: EventReadyRead}, buffered: contentLength, running: true},
			{ev: TransportEvent{Kind: EventProgress}, buffered: contentLength, running: true},
			{ev: TransportEvent{Kind: EventFinished}, buffered: contentLength, running: false},
		})
		return resp
	}

	done := make(chan struct{})
	var gotReceived, gotTotal int64
	var mu sync.Mutex
	sink := EventSink{
		OnAggregateProgress: func(received, total int64) {
			mu.Lock()
			gotReceived, gotTotal = received, total
			mu.Unlock()
		},
		OnAggregateFinished: func() { close(done) },
	}

	d, err := New(url, Config{Parallelism: 4}, tr, sink)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()

	if !d.Start() {
		t.Fatal("Start returned false")
	}
	waitOrFatal(t, done)

	if len(tr.seenRequests()) != 1 {
		t.Fatalf("got %d requests, want exactly the probe", len(tr.seenRequests()))
	}
	mu.Lock()
	defer mu.Unlock()
	if gotReceived != contentLength || gotTotal != contentLength {
		t.Errorf("aggregate progress = (%d, %d), want (%d, %d)", gotReceived, gotTotal, contentLength, contentLength)
	}
}

func TestScenarioBelowThresholdFallsBackToSingleConnection(t *testing.T) {
	const url = "https://example.test/file.bin"
	const contentLength = 50000 // below MinSimultaneousContentSize

	tr := &fakeTransport{}
	tr.next = func(req Request) *fakeResponse {
		return finishingProbe(url, map[string]string{
			"Accept-Ranges":  "bytes",
			"Content-Length": strconv.Itoa(contentLength),
		}, contentLength)
	}

	done := make(chan struct{})
	var eligible bool
	sink := EventSink{
		OnResolved:          func(string) {},
		OnAggregateFinished: func() { close(done) },
	}

	d, err := New(url, Config{Parallelism: 4}, tr, sink)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()

	if !d.Start() {
		t.Fatal("Start returned false")
	}
	waitOrFatal(t, done)

	eligible = d.IsParallelEligible()
	if eligible {
		t.Error("IsParallelEligible() = true, want false below MinSimultaneousContentSize")
	}
	if len(tr.seenRequests()) != 1 {
		t.Fatalf("got %d requests, want exactly the probe", len(tr.seenRequests()))
	}
}

// finishingProbe resolves, delivers the whole body on the probe connection
// itself, and finishes — used for the single-connection fallback scenarios.
func finishingProbe(url string, headers map[string]string, size int64) *fakeResponse {
	resp := newFakeResponse(url, headers)
	resp.play([]step{
		{ev: TransportEvent{Kind: EventReadyRead}, buffered: 0, running: true},
		{ev: TransportEvent{Kind: EventReadyRead}, buffered: size, running: true},
		{ev: TransportEvent{Kind: EventFinished}, buffered: size, running: false},
	})
	return resp
}

// TestScenarioOneShotProbeReadyReadAccountsBytes pins the case where the
// entire body arrives in the probe's first readyRead, with no second
// readyRead to ride along behind: handleProbeReadyRead must account for
// bytesAlreadyBuffered itself rather than leaving it for a later
// handleReadyRead call that never comes.
func TestScenarioOneShotProbeReadyReadAccountsBytes(t *testing.T) {
	const url = "https://example.test/file.bin"
	const contentLength = 50000 // below MinSimultaneousContentSize

	tr := &fakeTransport{}
	tr.next = func(req Request) *fakeResponse {
		resp := newFakeResponse(url, map[string]string{
			"Accept-Ranges":  "bytes",
			"Content-Length": strconv.Itoa(contentLength),
		})
		resp.play([]step{
			{ev: TransportEvent{Kind: EventReadyRead}, buffered: contentLength, running: true},
			{ev: TransportEvent{Kind: EventProgress}, buffered: contentLength, running: true},
			{ev: TransportEvent{Kind: EventFinished}, buffered: contentLength, running: false},
		})
		return resp
	}

	// free() zeroes the per-run counters once the run completes, so the
	// accounting is observed through the progress events emitted while the
	// probe is still live.
	done := make(chan struct{})
	var gotReceived, gotTotal, gotConnReceived int64
	var mu sync.Mutex
	sink := EventSink{
		OnProgress: func(_ ConnectionID, received, _ int64) {
			mu.Lock()
			gotConnReceived = received
			mu.Unlock()
		},
		OnAggregateProgress: func(received, total int64) {
			mu.Lock()
			gotReceived, gotTotal = received, total
			mu.Unlock()
		},
		OnAggregateFinished: func() { close(done) },
	}

	d, err := New(url, Config{Parallelism: 4}, tr, sink)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()

	if !d.Start() {
		t.Fatal("Start returned false")
	}
	waitOrFatal(t, done)

	mu.Lock()
	defer mu.Unlock()
	if gotConnReceived != contentLength {
		t.Errorf("per-connection progress received = %d, want %d", gotConnReceived, contentLength)
	}
	if gotReceived != contentLength || gotTotal != contentLength {
		t.Errorf("aggregate progress = (%d, %d), want (%d, %d)", gotReceived, gotTotal, contentLength, contentLength)
	}
}

func TestScenarioContentLengthUnknownRunsSingleConnection(t *testing.T) {
	const url = "https://example.test/file.bin"

	tr := &fakeTransport{}
	tr.next = func(req Request) *fakeResponse {
		// Accept-Ranges present but no Content-Length at all.
		resp := newFakeResponse(url, map[string]string{"Accept-Ranges": "bytes"})
		resp.play([]step{
			{ev: TransportEvent{Kind: EventReadyRead}, buffered: 0, running: true},
			{ev: TransportEvent{Kind: EventFinished}, buffered: 0, running: false},
		})
		return resp
	}

	done := make(chan struct{})
	sink := EventSink{OnAggregateFinished: func() { close(done) }}

	d, err := New(url, Config{Parallelism: 4}, tr, sink)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()

	if !d.Start() {
		t.Fatal("Start returned false")
	}
	waitOrFatal(t, done)

	if len(tr.seenRequests()) != 1 {
		t.Fatalf("got %d requests, want exactly the probe", len(tr.seenRequests()))
	}
}

func TestScenarioChunkSizeLimitedTailSchedulingCoversWholeResource(t *testing.T) {
	const url = "https://example.test/file.bin"
	const contentLength = 1000000
	const chunkLimit = 100000

	tr := &fakeTransport{}
	tr.next = func(req Request) *fakeResponse {
		if !req.RangeSet {
			return probeResponse(url, map[string]string{
				"Accept-Ranges":  "bytes",
				"Content-Length": strconv.Itoa(contentLength),
			})
		}
		return finishingRangedResponse(url, req.RangeEnd-req.RangeBegin+1)
	}

	done := make(chan struct{})
	sink := EventSink{OnAggregateFinished: func() { close(done) }}

	d, err := New(url, Config{Parallelism: 4, ChunkSizeLimit: chunkLimit}, tr, sink)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()

	if !d.Start() {
		t.Fatal("Start returned false")
	}
	waitOrFatal(t, done)

	var windows []window
	for _, req := range tr.seenRequests() {
		if req.RangeSet {
			windows = append(windows, window{req.RangeBegin, req.RangeEnd})
		}
	}
	sort.Slice(windows, func(i, j int) bool { return windows[i].begin < windows[j].begin })

	var sum int64
	prevEnd := int64(-1)
	for _, w := range windows {
		if w.begin != prevEnd+1 {
			t.Fatalf("gap or overlap: window %+v does not follow previous end %d", w, prevEnd)
		}
		sum += w.size()
		prevEnd = w.end
	}
	if sum != contentLength {
		t.Errorf("windows cover %d bytes, want %d", sum, contentLength)
	}
	if prevEnd != contentLength-1 {
		t.Errorf("last window ends at %d, want %d", prevEnd, contentLength-1)
	}
}

func TestScenarioAbortMidDownloadEmitsPerConnectionThenAggregate(t *testing.T) {
	const url = "https://example.test/file.bin"
	const contentLength = 200000

	var readyReads sync.WaitGroup
	readyReads.Add(2) // one first-read per ranged connection; the probe's
	// own resolve never reaches OnReadyRead once it hands off to the
	// parallel path

	tr := &fakeTransport{}
	tr.next = func(req Request) *fakeResponse {
		if !req.RangeSet {
			return probeResponse(url, map[string]string{
				"Accept-Ranges":  "bytes",
				"Content-Length": strconv.Itoa(contentLength),
			})
		}
		buffered := int64(40000)
		if req.RangeBegin != 0 {
			buffered = 60000
		}
		resp := newFakeResponse(url, nil)
		resp.play([]step{{ev: TransportEvent{Kind: EventReadyRead}, buffered: buffered, running: true}})
		return resp
	}

	type evt struct {
		kind EventKind
		id   ConnectionID
	}
	var mu sync.Mutex
	var seq []evt

	sink := EventSink{
		OnReadyRead: func(id ConnectionID) { readyReads.Done() },
		OnError: func(id ConnectionID, err error) {
			mu.Lock()
			seq = append(seq, evt{EventError, id})
			mu.Unlock()
		},
		OnProgress: func(id ConnectionID, received, total int64) {
			mu.Lock()
			seq = append(seq, evt{EventProgress, id})
			mu.Unlock()
		},
		OnFinished: func(id ConnectionID) {
			mu.Lock()
			seq = append(seq, evt{EventFinished, id})
			mu.Unlock()
		},
		OnAggregateProgress: func(received, total int64) {
			mu.Lock()
			seq = append(seq, evt{EventProgress, 0})
			mu.Unlock()
		},
		OnAggregateFinished: func() {
			mu.Lock()
			seq = append(seq, evt{EventFinished, 0})
			mu.Unlock()
		},
	}

	d, err := New(url, Config{Parallelism: 2}, tr, sink)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()

	if !d.Start() {
		t.Fatal("Start returned false")
	}

	readyDone := make(chan struct{})
	go func() { readyReads.Wait(); close(readyDone) }()
	waitOrFatal(t, readyDone)

	d.Abort()

	mu.Lock()
	defer mu.Unlock()
	if len(seq) != 8 { // (error, progress, finished) x2 connections + 2 aggregate
		t.Fatalf("got %d events, want 8: %+v", len(seq), seq)
	}
	for i := 0; i < 2; i++ {
		group := seq[i*3 : i*3+3]
		if group[0].kind != EventError || group[1].kind != EventProgress || group[2].kind != EventFinished {
			t.Errorf("group %d = %+v, want [error, progress, finished]", i, group)
		}
		if group[0].id != group[1].id || group[1].id != group[2].id {
			t.Errorf("group %d mixes connection ids: %+v", i, group)
		}
	}
	if seq[6].kind != EventProgress || seq[6].id != 0 {
		t.Errorf("seq[6] = %+v, want aggregate progress", seq[6])
	}
	if seq[7].kind != EventFinished || seq[7].id != 0 {
		t.Errorf("seq[7] = %+v, want aggregate finished", seq[7])
	}

	if err := d.Err(); err == nil {
		t.Error("Err() = nil after abort, want ErrOperationCanceled")
	}
}

func TestScenarioSuspiciousPostResolveRedirectTriggersAbort(t *testing.T) {
	const url = "https://example.test/file.bin"
	const contentLength = 50000 // keep this single-connection so resolved == true on the probe itself

	tr := &fakeTransport{}
	tr.next = func(req Request) *fakeResponse {
		resp := newFakeResponse(url, map[string]string{"Content-Length": strconv.Itoa(contentLength)})
		resp.play([]step{
			{ev: TransportEvent{Kind: EventReadyRead}, buffered: 0, running: true},
			{ev: TransportEvent{Kind: EventRedirected, RedirectedURL: "https://example.test/elsewhere"}, buffered: 0, running: true},
		})
		return resp
	}

	done := make(chan struct{})
	var redirectedCalled bool
	sink := EventSink{
		OnRedirected:        func(string) { redirectedCalled = true },
		OnAggregateFinished: func() { close(done) },
	}

	d, err := New(url, Config{Parallelism: 4}, tr, sink)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()

	if !d.Start() {
		t.Fatal("Start returned false")
	}
	waitOrFatal(t, done)

	if redirectedCalled {
		t.Error("OnRedirected fired for a post-resolve redirect, want abort instead")
	}
	if err := d.Err(); err == nil {
		t.Error("Err() = nil after suspicious redirect, want ErrOperationCanceled")
	}
}

func TestStartRejectsOutOfRangeParallelism(t *testing.T) {
	for _, p := range []int{0, -1, MaxSimultaneousConnections + 1} {
		tr := &fakeTransport{next: func(Request) *fakeResponse { return newFakeResponse("x", nil) }}
		d, err := New("https://example.test/file.bin", Config{Parallelism: p}, tr, EventSink{})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if d.Start() {
			t.Errorf("Start() with parallelism=%d = true, want false", p)
		}
		d.Close()
	}
}

func TestStartRejectsSmallChunkSizeLimit(t *testing.T) {
	tr := &fakeTransport{next: func(Request) *fakeResponse { return newFakeResponse("x", nil) }}
	d, err := New("https://example.test/file.bin", Config{Parallelism: 4, ChunkSizeLimit: 1}, tr, EventSink{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()
	if d.Start() {
		t.Error("Start() with chunk_size_limit=1 = true, want false")
	}
}

func TestStartRejectsInvalidURL(t *testing.T) {
	tr := &fakeTransport{next: func(Request) *fakeResponse { return newFakeResponse("x", nil) }}
	d, err := New("not-a-url", Config{Parallelism: 4}, tr, EventSink{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()
	if d.Start() {
		t.Error("Start() with an invalid url = true, want false")
	}
}

func TestStartRejectsWhileRunning(t *testing.T) {
	const url = "https://example.test/file.bin"
	tr := &fakeTransport{}
	tr.next = func(req Request) *fakeResponse {
		resp := newFakeResponse(url, map[string]string{"Content-Length": "1000"})
		return resp // never plays an event: stays "running" forever
	}
	d, err := New(url, Config{Parallelism: 4}, tr, EventSink{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()

	if !d.Start() {
		t.Fatal("first Start() returned false")
	}
	if d.Start() {
		t.Error("second Start() while running = true, want false")
	}
}
