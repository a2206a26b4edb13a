/*
Package translate orchestrates the LLM fan-out for one job.

Given a Disassembly and a Provider, the orchestrator issues one call per
function that has an assembly listing, one per unique import, and one per
selected string, all under a bounded worker pool. The overall summary runs
strictly last so its prompt can reference the rest of the extraction.

Every call passes through the provider key's circuit breaker, an optional
LLM quota gate, and a per-call timeout. Items fail independently: a failed
call records its error on the item and the run continues. The run as a
whole fails only when fewer than half the function translations succeed and
the summary fails too.

String selection keeps literals of length four or more with a printable
run, deduplicated by content and encoding, read-only data sections first,
capped by the configured maximum for the job's analysis depth.
*/
package translate
