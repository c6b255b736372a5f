// Package config handles configuration loading for cryovault.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${CRYOVAULT_JWT_SECRET}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	auth:
//	  session_ttl: "12h"
//	webauthn:
//	  challenge_ttl: "5m"
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//
// Database:
//
//	database:
//	  path: "/var/lib/cryovault/cryovault.db"
//
// Session tokens:
//
//	auth:
//	  jwt_secret: "${CRYOVAULT_JWT_SECRET}"  # at least 32 characters
//	  session_ttl: "12h"
//
// WebAuthn relying party. rp_id is the hostname the browser sees and origin
// must match the page origin exactly; the step-up verifier compares both
// against the ceremony response:
//
//	webauthn:
//	  rp_id: "console.example.com"
//	  rp_name: "Cryovault Console"
//	  origin: "https://console.example.com"
//	  challenge_ttl: "5m"
//
// Logging:
//
//	logging:
//	  level: "info"    # debug, info, warn, error
//	  format: "text"   # text (colorized) or json
package config
