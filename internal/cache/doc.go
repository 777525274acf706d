// Package cache provides an in-process expiring cache for the three resource
// kinds the bridge keeps per user: auth statuses, tool-set snapshots, and
// long-lived client handles. Invalidating an auth status cascades to the
// entries derived from it.
package cache
