/*
Package breaker shields upstream LLM endpoints behind per-provider-key
circuit breakers.

A provider key is the (provider id, endpoint, model) triple; each key gets
its own breaker, materialized lazily when the first call flows through it.
Admin operations against a key that has never carried traffic return not
found, which is the intended signal rather than an error condition.

Breakers follow the usual closed, open, half-open cycle: consecutive
failures past the threshold open the breaker, the cool-down admits a
bounded set of probes, and enough probe successes close it again. Admin
can additionally latch any materialized breaker open; the latch holds until
an explicit reset, which swaps in a fresh closed breaker.
*/
package breaker
