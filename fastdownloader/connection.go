package fastdownloader

import "context"

// connection is the Orchestrator's bookkeeping record for one request. It is
// only ever touched from the Downloader's loop goroutine.
type connection struct {
	id    ConnectionID
	probe bool

	head int64
	pos  int64

	bytesReceived int64
	bytesTotal    int64

	// err is the most recent transport error reported on this
	// connection, if any. Distinct from the Downloader's sticky
	// errCode: this is what gates whether the finished handler
	// cascades into abort.
	err error

	resp   Response
	cancel context.CancelFunc
}
