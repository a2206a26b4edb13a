/*
Package types defines the core data structures used throughout binlift.

This package contains all fundamental types that represent the service's
domain model: jobs and their lifecycle, API keys and permissions, rate-limit
buckets, deduplication cache entries, the structured disassembly record
produced by the adapter, and the translated result document stored for each
completed job. These types are used by all other packages for state
management, API responses, and orchestration logic.

# Core Types

Job lifecycle:
  - Job: durable record of one submission (pending → in_progress → terminal)
  - JobStatus, JobPriority: closed enums with dequeue ranking
  - AnalysisConfig: per-job settings captured at submission, with a stable
    canonical form used for result deduplication

Disassembly:
  - Disassembly: header info, functions, imports, exports, strings, sections
  - Function: includes the full per-function assembly listing; an empty
    listing is a warning condition, never silently translated

Translations:
  - TranslatedResult: per-function/import/string translations plus the
    overall summary, with per-item token and latency accounting
  - ResultDocument: the immutable merged blob referenced by a completed job

Access control and quotas:
  - APIKey: salted-hash credential with tier, permission set, and expiry
  - RateLimitBucket: one fixed window of a sliding-window counter
  - WorkerHeartbeat: worker liveness row used for crash detection

All types serialize to JSON for both the bbolt store and the HTTP surface.
Validation helpers enforce the closed enum sets and the identifier character
whitelist.
*/
package types
