// Package auth validates inbound JWTs against a cached JWKS and extracts
// the caller's role and project scope (spec §4.10). It has no direct
// teacher file — the teacher's internal API is mTLS-gated gRPC with no
// bearer-token consumer — so the shape here is new, built against
// github.com/golang-jwt/jwt/v5, the one ecosystem-standard JWT library
// named in SPEC_FULL.md §4 (no JWKS/JWT library appears anywhere in
// _examples/, so this package is grounded on the spec's own contract
// rather than a pack file).
package auth
