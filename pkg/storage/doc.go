/*
Package storage provides the two persistence tiers for binlift.

The structured tier (BoltStore) keeps small mutable rows in BoltDB: jobs and
their priority queue index, API keys, sliding-window rate-limit buckets, the
deduplication cache, sessions, worker heartbeats, and periodic system stats.
All multi-step mutations run inside a single BoltDB write transaction, which
also gives the dequeue path its exactly-once claim semantics: BoltDB
serializes writers, so concurrent workers calling DequeueNextJob never
receive the same job.

The blob tier (FSBlobs) keeps large immutable bytes on the filesystem under
{kind}/{yyyy}/{mm}/{dd}/{hash}. Uploads and result documents are written to
a tempfile and renamed into place, so a partially written blob is never
visible. The file mtime anchors the kind's TTL; Touch extends a result's
lifetime on access, and GC sweeps expired files and orphaned tempfiles.

# Bucket Layout

	jobs                 job id → Job (JSON)
	jobs_queue           priority rank + created_at + id → job id
	api_keys             user_id/key_id → APIKey (JSON)
	api_keys_by_hash     key hash → api_keys key
	rate_limits          scope \0 identifier \0 window_start → bucket (JSON)
	cache_entries        cache key → CacheEntry (JSON)
	sessions             session id → Session (JSON)
	worker_heartbeats    worker id → WorkerHeartbeat (JSON)
	system_stats         sampled_at → SystemStats (JSON)

The jobs_queue key encodes the priority rank as its first byte and the
creation timestamp big-endian after it, so a forward cursor scan yields
urgent-before-low, FIFO-within-priority ordering for free.
*/
package storage
