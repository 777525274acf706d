// Package provider implements the HTTP client for the hosted OAuth and
// tool-provisioning service. It checks connection status, initiates hosted
// OAuth flows, and opens the long-lived tool sessions the resource cache
// keeps per user.
package provider
