package fastdownloader

import (
	"crypto/tls"
	"errors"
	"net/url"
)

// Wire-visible constants (spec.md §6.4).
const (
	// MaxSimultaneousConnections is the hard cap on parallelism, chosen
	// for typical per-origin HTTP concurrency limits.
	MaxSimultaneousConnections = 6
	// MinChunkSize is the smallest non-zero chunk_size_limit accepted.
	MinChunkSize = 10240
	// MinSimultaneousContentSize is the smallest Content-Length that
	// makes a resource eligible for parallel download.
	MinSimultaneousContentSize = 102400
	// DefaultUserAgent is sent unless Config.UserAgent overrides it.
	DefaultUserAgent = "FastDownloader"
	// DefaultMaxRedirects applies only to the probe connection.
	DefaultMaxRedirects = 5
)

// Config is the configuration surface of a Downloader. All fields are
// read-only while a download is running.
type Config struct {
	// Parallelism is the number of connections opened once a resource is
	// found parallel-eligible; must be in [1, MaxSimultaneousConnections].
	Parallelism int

	// MaxRedirects bounds redirects followed on the probe only.
	MaxRedirects int

	// ChunkSizeLimit caps each ranged connection's window; 0 means
	// unlimited. Non-zero values below MinChunkSize are rejected.
	ChunkSizeLimit int64

	// ReadBufferSize is a per-connection read-ahead hint passed to the
	// Transport; 0 means let the transport choose.
	ReadBufferSize int64

	// TLSConfig is opaque to the core; it is passed straight through to
	// the Transport.
	TLSConfig *tls.Config

	// UserAgent overrides DefaultUserAgent when non-empty.
	UserAgent string
}

// DefaultConfig returns a Config with sensible, spec-compliant defaults.
func DefaultConfig() Config {
	return Config{
		Parallelism:  MaxSimultaneousConnections - 1,
		MaxRedirects: DefaultMaxRedirects,
		UserAgent:    DefaultUserAgent,
	}
}

// Validate reports whether the configuration satisfies start()'s
// preconditions. It does not check url, since a Downloader is always
// constructed with one; callers that want early feedback before
// constructing a Downloader can call it directly.
func (c Config) Validate() error {
	if c.Parallelism < 1 || c.Parallelism > MaxSimultaneousConnections {
		return &DownloadError{Kind: ErrInvalidConfiguration, Err: errors.New("parallelism must be between 1 and 6")}
	}
	if c.MaxRedirects < 0 {
		return &DownloadError{Kind: ErrInvalidConfiguration, Err: errors.New("max redirects must not be negative")}
	}
	if c.ChunkSizeLimit != 0 && c.ChunkSizeLimit < MinChunkSize {
		return &DownloadError{Kind: ErrInvalidConfiguration, Err: errors.New("chunk size limit must be 0 or at least 10240")}
	}
	if c.ReadBufferSize < 0 {
		return &DownloadError{Kind: ErrInvalidConfiguration, Err: errors.New("read buffer size must not be negative")}
	}
	return nil
}

func (c Config) userAgent() string {
	if c.UserAgent != "" {
		return c.UserAgent
	}
	return DefaultUserAgent
}

func isValidAbsoluteURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.IsAbs() && u.Host != ""
}
