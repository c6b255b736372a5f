// Package auth provides the identity boundary for cryovault.
//
// # Session Tokens
//
// Staff authenticate with username/password at POST /api/auth/login and
// receive an HS256 JWT session token. Every other API request carries the
// token as an Authorization bearer header. The step-up subsystem never
// parses raw credentials itself; it only consumes the verified Identity
// this package places in the request context.
//
// # Identity Propagation
//
//	ident := auth.FromContext(r.Context())
//
// Middleware validates the bearer token, resolves the subject against the
// user store, and attaches an Identity. Handlers that reach FromContext and
// find nil are behind a misconfigured route; MustFromContext panics to make
// that loud in tests.
//
// # Step-Up
//
// Session tokens prove who the caller is; they do not authorize sensitive
// mutations. Those additionally require a fresh WebAuthn step-up ceremony;
// see the stepup package.
package auth
