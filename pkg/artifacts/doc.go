// Package artifacts implements the content-addressed blob store used to
// distribute challenge payloads and collect receiver captures. Blobs
// are keyed by SHA-256 and written via a stream-hash-rename sequence so
// a crash never leaves a partially visible blob.
package artifacts
