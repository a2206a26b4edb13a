// Package api exposes the service over HTTP: binary submission and job
// tracking under /decompile, provider discovery under /llm-providers,
// health probes, and the admin surface (stats, config, metrics, api keys,
// circuit breakers, alerts, bootstrap).
//
// Protected routes run a fixed middleware chain: request id assignment,
// bearer authentication, permission check, then rate limiting. Admin
// routes require the admin permission alone; read or write grants never
// imply it. Errors map sentinel kinds to HTTP statuses and always carry a
// {error, detail} body.
package api
