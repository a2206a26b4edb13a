// Package alerts raises operational alerts when service counters cross
// configured thresholds: queue depth, job failure ratio, open circuit
// breakers, and blob tier usage. Alerts deduplicate by rule, auto-resolve
// when the condition clears, and support an operator acknowledge/resolve
// lifecycle behind the admin API.
package alerts
