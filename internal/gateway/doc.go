// Package gateway glues the MCP server to the tool provider. The Bridge
// resolves tools and tool calls per user through the resource cache, and the
// APIServer hosts the connect flow whose OAuth callback is the external
// trigger for cache invalidation.
package gateway
