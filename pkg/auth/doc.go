// Package auth issues and verifies the service's bearer credentials.
// Tokens carry 32 bytes of entropy behind a recognizable prefix; only the
// salted SHA-256 hash is stored, so a leaked database cannot be replayed
// as credentials. Bootstrap mints the first admin key exactly once.
package auth
