// Package fastdownloader accelerates retrieval of a single HTTP(S) resource
// by opening multiple concurrent range-based connections, each fetching a
// disjoint byte interval, and exposing per-connection streaming reads to the
// consumer.
//
// The package owns URL resolution, capability probing, chunk partitioning,
// connection lifecycle and bookkeeping, progress and completion aggregation,
// and cancellation. It does not speak HTTP itself: callers supply a
// Transport implementation (see the nethttp package for one built on
// net/http), and it does not write to disk, parse flags, or log; see
// cmd/fastget for a consumer that does all three.
package fastdownloader
