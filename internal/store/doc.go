// Package store persists the durable facts about provider connections:
// which user is connected under which connection ID, and the authorization
// events that got them there. Cached resources (statuses, tool sets, client
// handles) are deliberately not persisted; a process restart clears them.
package store
