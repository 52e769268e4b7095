package fastdownloader

// requireConnection resolves id to its live connection, or reports false if
// the Downloader isn't running or id names no live connection. Per spec.md
// §4.7 these are non-fatal: callers get a sentinel back, not a panic or a
// logged warning.
func (d *Downloader) requireConnection(id ConnectionID) (*connection, bool) {
	if !d.running {
		return nil, false
	}
	c, ok := d.connections[id]
	return c, ok
}

// BytesAvailable returns how many unread bytes connection id currently has
// buffered, or -1 if id does not name a live connection.
func (d *Downloader) BytesAvailable(id ConnectionID) int64 {
	var out int64 = -1
	d.call(func() {
		if c, ok := d.requireConnection(id); ok {
			out = c.resp.BytesAvailable()
		}
	})
	return out
}

// Peek returns up to n unread bytes from connection id without advancing its
// read position, or nil if id does not name a live connection.
func (d *Downloader) Peek(id ConnectionID, n int64) []byte {
	var out []byte
	d.call(func() {
		c, ok := d.requireConnection(id)
		if !ok {
			return
		}
		b, err := c.resp.Peek(n)
		if err == nil {
			out = b
		}
	})
	return out
}

// Read drains up to len(p) bytes from connection id into p, advancing its
// read position by the number of bytes actually returned. It returns -1 if
// id does not name a live connection.
func (d *Downloader) Read(id ConnectionID, p []byte) int {
	out := -1
	d.call(func() {
		c, ok := d.requireConnection(id)
		if !ok {
			return
		}
		n, _ := c.resp.Read(p)
		c.pos += int64(n)
		out = n
	})
	return out
}

// ReadAll drains every unread byte from connection id, advancing its read
// position accordingly, or nil if id does not name a live connection.
func (d *Downloader) ReadAll(id ConnectionID) []byte {
	var out []byte
	d.call(func() {
		c, ok := d.requireConnection(id)
		if !ok {
			return
		}
		b, err := c.resp.ReadAll()
		if err == nil {
			c.pos += int64(len(b))
			out = b
		}
	})
	return out
}

// ReadLine drains up to the next newline (or maxSize bytes, whichever comes
// first) from connection id, advancing its read position, or nil if id does
// not name a live connection.
func (d *Downloader) ReadLine(id ConnectionID, maxSize int64) []byte {
	var out []byte
	d.call(func() {
		c, ok := d.requireConnection(id)
		if !ok {
			return
		}
		b, err := c.resp.ReadLine(maxSize)
		if err == nil {
			c.pos += int64(len(b))
			out = b
		}
	})
	return out
}

// Skip discards up to n unread bytes from connection id, advancing its read
// position by the number of bytes actually skipped, or -1 if id does not
// name a live connection.
func (d *Downloader) Skip(id ConnectionID, n int64) int64 {
	var out int64 = -1
	d.call(func() {
		c, ok := d.requireConnection(id)
		if !ok {
			return
		}
		skipped, err := c.resp.Skip(n)
		if err == nil {
			c.pos += skipped
			out = skipped
		}
	})
	return out
}

// AtEnd reports whether connection id's response is fully drained. It
// returns true (the spec's sentinel for this query) if id does not name a
// live connection.
func (d *Downloader) AtEnd(id ConnectionID) bool {
	out := true
	d.call(func() {
		if c, ok := d.requireConnection(id); ok {
			out = c.resp.AtEnd()
		}
	})
	return out
}

// ErrorString returns connection id's most recent transport error string,
// or "" if id does not name a live connection.
func (d *Downloader) ErrorString(id ConnectionID) string {
	var out string
	d.call(func() {
		if c, ok := d.requireConnection(id); ok {
			out = c.resp.ErrorString()
		}
	})
	return out
}

// IgnoreTLSErrors tells connection id's transport to proceed past any TLS
// verification errors already reported on it. It is a no-op if id does not
// name a live connection.
func (d *Downloader) IgnoreTLSErrors(id ConnectionID) {
	d.call(func() {
		if c, ok := d.requireConnection(id); ok {
			c.resp.IgnoreTLSErrors()
		}
	})
}

// Head returns connection id's absolute starting offset in the resource, or
// -1 if id does not name a live connection.
func (d *Downloader) Head(id ConnectionID) int64 {
	var out int64 = -1
	d.call(func() {
		if c, ok := d.requireConnection(id); ok {
			out = c.head
		}
	})
	return out
}

// Pos returns how many bytes the consumer has drained from connection id via
// the Reader API so far, or -1 if id does not name a live connection.
func (d *Downloader) Pos(id ConnectionID) int64 {
	var out int64 = -1
	d.call(func() {
		if c, ok := d.requireConnection(id); ok {
			out = c.pos
		}
	})
	return out
}
