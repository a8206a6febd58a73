// Package cache defines the disk-backed generation store. Each generation is
// a named directory of response snapshots keyed by request path:
//
//	<StoragePath>/generations/<name>/<path>.body   response body
//	<StoragePath>/generations/<name>/<path>.meta   status + headers (JSON)
//	<StoragePath>/ACTIVE                           name of the active generation
//
// Writes use temp file + rename so readers never observe partial entries, and
// a body without its meta sidecar counts as a miss. At most one generation is
// active at a time; activation deletes every other generation wholesale.
package cache
