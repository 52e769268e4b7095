// Package nethttp implements fastdownloader.Transport over net/http.
//
// It owns the connection pool, TLS, redirect policy, and retry behavior for
// transient failures; the fastdownloader core never touches net/http
// directly. Open hands a Response back at once; transient connection-level
// failures are then retried under the hood by a
// github.com/hashicorp/go-retryablehttp client inside that Response's own
// request goroutine, so the core only ever sees a failure once retries are
// exhausted.
package nethttp
