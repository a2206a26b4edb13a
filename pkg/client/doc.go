// Package client is a typed Go client for the service's HTTP API: binary
// submission, status polling, result retrieval, cancellation, provider
// discovery, and the admin key operations. Server error bodies convert
// back into the shared sentinel errors so callers keep using errors.Is.
package client
