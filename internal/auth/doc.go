// ABOUTME: Package auth provides JWT token verification and password hashing
// ABOUTME: for the hub's API surface.

// Package auth implements authentication for courier-hub.
//
// Tokens are HS256 JWTs carrying the user ID in the "sub" claim. The
// JWTVerifier both mints and verifies tokens; HTTP handlers attach the
// verified user ID to the request context via Middleware.
//
// Passwords are hashed with bcrypt. The package never stores anything
// itself; persistence of users lives in the store package.
package auth
