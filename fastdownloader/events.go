package fastdownloader

// ConnectionID identifies a connection for the lifetime of the run that
// created it. Ids are opaque, random 32-bit tokens; callers must not assume
// any ordering between them.
type ConnectionID int32

// EventSink is a set of optional callbacks invoked from the Downloader's own
// goroutine as events occur. A nil field is simply never called. Because
// every handler runs to completion before the next event is dispatched, a
// slow callback delays the whole download; consumers that need to do slow
// work should hand it off to their own goroutine.
//
// Callbacks run on the same goroutine as Start, Abort, the Reader API, and
// the getters. Calling any of those back into the Downloader from inside a
// callback deadlocks; use the event's own payload, or hand off to another
// goroutine first.
type EventSink struct {
	// OnResolved fires once, on the probe's first readyRead.
	OnResolved func(resolvedURL string)

	// OnRedirected fires for a redirect followed during the probe.
	OnRedirected func(newURL string)

	// OnReadyRead fires whenever new bytes are available on connection id.
	OnReadyRead func(id ConnectionID)

	// OnProgress fires per connection, mirroring the transport's own
	// progress cadence.
	OnProgress func(id ConnectionID, bytesReceived, bytesTotal int64)

	// OnAggregateProgress fires alongside OnProgress, except when the
	// reporting connection currently carries an error.
	OnAggregateProgress func(bytesReceivedTotal, contentLength int64)

	// OnError fires once per transport error observed on connection id.
	OnError func(id ConnectionID, err error)

	// OnTLSErrors fires for pre-body TLS verification problems.
	OnTLSErrors func(id ConnectionID, errs []error)

	// OnFinished fires exactly once for every connection that ever
	// existed during the run, except a probe that is discarded when the
	// ranged connections take over: that probe is torn down silently.
	OnFinished func(id ConnectionID)

	// OnAggregateFinished fires exactly once per run, after every
	// per-connection OnFinished of that run.
	OnAggregateFinished func()
}

func (s EventSink) resolved(url string) {
	if s.OnResolved != nil {
		s.OnResolved(url)
	}
}

func (s EventSink) redirected(url string) {
	if s.OnRedirected != nil {
		s.OnRedirected(url)
	}
}

func (s EventSink) readyRead(id ConnectionID) {
	if s.OnReadyRead != nil {
		s.OnReadyRead(id)
	}
}

func (s EventSink) progress(id ConnectionID, received, total int64) {
	if s.OnProgress != nil {
		s.OnProgress(id, received, total)
	}
}

func (s EventSink) aggregateProgress(received, total int64) {
	if s.OnAggregateProgress != nil {
		s.OnAggregateProgress(received, total)
	}
}

func (s EventSink) error(id ConnectionID, err error) {
	if s.OnError != nil {
		s.OnError(id, err)
	}
}

func (s EventSink) tlsErrors(id ConnectionID, errs []error) {
	if s.OnTLSErrors != nil {
		s.OnTLSErrors(id, errs)
	}
}

func (s EventSink) finished(id ConnectionID) {
	if s.OnFinished != nil {
		s.OnFinished(id)
	}
}

func (s EventSink) aggregateFinished() {
	if s.OnAggregateFinished != nil {
		s.OnAggregateFinished()
	}
}
