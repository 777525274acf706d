// Package auth provides JWT-based authentication for mailbridge.
//
// Two token purposes exist, both HS256 signed with the configured secret:
//
//   - Access tokens: identify MCP clients. The "sub" claim carries the user
//     key used as the cache's key namespace discriminator.
//
//   - State tokens: short-lived tokens threaded through the provider's
//     hosted OAuth flow and verified on the callback, binding the completed
//     authorization to the user that started it.
package auth
