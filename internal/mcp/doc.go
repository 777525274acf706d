// Package mcp implements the MCP Streamable HTTP transport over which
// external agents reach the bridge's tools. The server resolves a user key
// from the request's credentials at initialize time and binds it to the
// session; tools and tool calls then route through a ToolSource.
package mcp
