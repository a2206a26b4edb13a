// Package ratelimit enforces per-tier and global request quotas over the
// store's sliding-window counters. HTTP requests and LLM calls are counted
// separately for the same identity, so heavy translation fan-out does not
// lock a user out of the API.
package ratelimit
