/*
Package provider turns disassembly facts into natural-language explanations
through HTTP-backed LLM endpoints.

Providers are not configured ahead of time. Each request carries its own
provider parameters (provider id, model, endpoint, API key); the Registry
constructs a Provider bound to exactly those parameters, filling only the
fields the request omitted from configured defaults. The provider id picks
the wire protocol:

	openai, local   chat-completions
	anthropic       messages
	gemini          generate-content

All three families reduce to one system+user exchange per operation. The
shared client layer builds the prompt, parses the JSON reply, and retries a
malformed reply exactly once with a schema reminder before giving up with a
provider failure.

API keys travel only in request headers. They are never serialized, logged,
or echoed in errors.
*/
package provider
