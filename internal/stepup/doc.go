// ABOUTME: Package documentation for step-up authentication
// ABOUTME: Explains ceremonies, the challenge lifecycle, and elevation grants

// Package stepup implements passkey-backed step-up authentication.
//
// A logged-in session token proves who the user is; it does not prove the
// user is physically present right now. Sensitive operations demand that
// second proof. The flow is a standard WebAuthn assertion ceremony: the
// server issues a challenge, the browser has a platform authenticator sign
// it with user verification, and the server checks the signature against
// the user's registered credential.
//
// # Challenge lifecycle
//
// Challenges live in the store, one per (user, purpose). Beginning a new
// ceremony replaces any outstanding challenge for that purpose, so only the
// most recently issued options can complete. Every completion attempt
// consumes the challenge, success or failure; a failed assertion requires a
// fresh ceremony from the start. Challenges past their TTL behave exactly
// like missing ones.
//
// # Elevation grants
//
// A verified assertion mints a Grant. Grants are spent through a Gate
// exactly once, within a short freshness window, by the same user the
// ceremony verified. Handlers run the ceremony and the gated operation in
// the same request so a grant never outlives its request cycle.
package stepup
