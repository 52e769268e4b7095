package fastdownloader

import "strconv"

// parseContentLength parses a raw Content-Length header value, returning -1
// if it is absent or malformed.
func parseContentLength(raw string) int64 {
	if raw == "" {
		return -1
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

// handleProbeReadyRead implements the Resolver (spec.md §4.2): it runs once,
// on the probe connection's first readyRead, while resolved == false.
func (d *Downloader) handleProbeReadyRead(c *connection) {
	d.resolved = true
	d.resolvedURL = c.resp.URL()
	d.contentLength = parseContentLength(c.resp.RawHeader("Content-Length"))

	bytesAlreadyBuffered := c.resp.BytesAvailable()
	d.parallelEligible = c.resp.RawHeader("Accept-Ranges") == "bytes" &&
		d.contentLength > bytesAlreadyBuffered &&
		d.contentLength >= MinSimultaneousContentSize

	d.sink.resolved(d.resolvedURL)

	goParallel := d.parallelEligible && d.cfg.Parallelism > 1 && c.resp.IsRunning()
	if goParallel {
		d.bytesReceivedTotal = 0
		d.deleteConnection(c.id)
		d.startParallelDownloading()
		return
	}

	c.bytesTotal = d.contentLength

	delta := c.resp.BytesAvailable() + c.pos - c.bytesReceived
	c.bytesReceived = c.pos + c.resp.BytesAvailable()
	d.bytesReceivedTotal += delta

	d.sink.readyRead(c.id)
}
