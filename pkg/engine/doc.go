/*
Package engine owns the decompilation job lifecycle.

Submission stores the upload blob, consults the result cache keyed on
(file hash, canonical config), and either completes the job immediately
from a cached result or enqueues it pending. A small pool of workers each
lease one job at a time through the store's atomic dequeue, run the
disassemble-translate pipeline under the job's deadline, write the merged
result blob, and finalize the job record.

Workers report progress and refresh their lease on a heartbeat cadence.
The recovery loop requeues jobs whose worker stopped reporting, failing
them with worker_lost once the retry cap is reached; the same scan runs at
startup so a crashed process leaves no jobs stuck in progress. A separate
maintenance loop garbage-collects expired store rows and blobs and persists
periodic system stats samples.

Cancellation is cooperative. The API sets a flag on the job; the worker's
watcher cancels the job context, the subprocess and in-flight HTTP calls
abort, and the job finalizes as cancelled with no result reference.
*/
package engine
