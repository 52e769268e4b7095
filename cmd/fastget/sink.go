package main

import (
	"os"

	"github.com/guiyumin/fastget/fastdownloader"
)

// diskWriter drains every connection's Reader API into outFile at the
// connection's own offset, concurrently. Each connection gets a dedicated
// goroutine that blocks on its own wake channel; OnReadyRead only ever does
// a non-blocking send to that channel, never calls back into dl itself,
// since EventSink callbacks run on dl's own loop goroutine and the Reader
// API (Read, Peek, ...) is itself routed through that same loop.
type diskWriter struct {
	dl      *fastdownloader.Downloader
	outFile *os.File

	wake map[fastdownloader.ConnectionID]chan struct{}
	errs chan error
}

// newDiskWriter builds a diskWriter for outFile. dl is set after
// fastdownloader.New returns, via bind — no connection exists yet when a
// diskWriter is normally constructed, since the EventSink it feeds must be
// handed to New before a *Downloader exists to reference.
func newDiskWriter(outFile *os.File) *diskWriter {
	return &diskWriter{
		outFile: outFile,
		wake:    make(map[fastdownloader.ConnectionID]chan struct{}),
		errs:    make(chan error, 16),
	}
}

// bind attaches the now-constructed Downloader. Must be called before
// Start(), since OnReadyRead/OnFinished never fire before then.
func (w *diskWriter) bind(dl *fastdownloader.Downloader) {
	w.dl = dl
}

// attach layers this diskWriter's behavior onto sink, preserving whatever
// callbacks sink already carries (e.g. a TUI's progress tracking).
func (w *diskWriter) attach(sink fastdownloader.EventSink) fastdownloader.EventSink {
	prevReadyRead := sink.OnReadyRead
	prevFinished := sink.OnFinished

	sink.OnReadyRead = func(id fastdownloader.ConnectionID) {
		w.ensureWorker(id)
		select {
		case w.wake[id] <- struct{}{}:
		default:
		}
		if prevReadyRead != nil {
			prevReadyRead(id)
		}
	}
	sink.OnFinished = func(id fastdownloader.ConnectionID) {
		if ch, ok := w.wake[id]; ok {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
		if prevFinished != nil {
			prevFinished(id)
		}
	}
	return sink
}

// ensureWorker is only ever called from inside an EventSink callback, i.e.
// on dl's loop goroutine, so the map access needs no lock of its own.
func (w *diskWriter) ensureWorker(id fastdownloader.ConnectionID) {
	if _, ok := w.wake[id]; ok {
		return
	}
	ch := make(chan struct{}, 1)
	w.wake[id] = ch
	go w.drain(id, ch)
}

// drain runs on its own goroutine, never on dl's loop goroutine, so calling
// dl.Read/dl.AtEnd/dl.Head here is safe: those calls enqueue a func onto the
// loop's own channel and block only this goroutine, not the loop itself.
func (w *diskWriter) drain(id fastdownloader.ConnectionID, wake chan struct{}) {
	head := w.dl.Head(id)
	if head < 0 {
		return
	}
	offset := head
	buf := make([]byte, 256*1024)

	for range wake {
		for {
			n := w.dl.Read(id, buf)
			if n <= 0 {
				break
			}
			if _, err := w.outFile.WriteAt(buf[:n], offset); err != nil {
				w.errs <- err
				return
			}
			offset += int64(n)
		}
		if w.dl.AtEnd(id) && !w.connectionLive(id) {
			return
		}
	}
}

func (w *diskWriter) connectionLive(id fastdownloader.ConnectionID) bool {
	for _, live := range w.dl.ConnectionIDs() {
		if live == id {
			return true
		}
	}
	return false
}

// Err returns the first write error observed, if any, draining the channel
// without blocking.
func (w *diskWriter) Err() error {
	select {
	case err := <-w.errs:
		return err
	default:
		return nil
	}
}
