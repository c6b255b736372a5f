// ABOUTME: Package documentation for the HTTP API
// ABOUTME: Describes authentication tiers and the inline step-up pattern

// Package api implements the HTTP API for the cryovault console.
//
// Routes come in three tiers. /healthz and /api/auth/login are open.
// Everything else under /api requires a session token. Donor mutations,
// retrieval confirmation, and passkey removal additionally require a
// step-up assertion carried
// inline in the request body: the handler verifies the assertion, spends
// the resulting elevation grant, and performs the operation all within the
// same request, so elevation never persists across requests.
package api
