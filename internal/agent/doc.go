// Package agent implements the offline caching policy in front of the origin:
// install precaches a fixed asset list into a named cache generation, activate
// garbage-collects older generations and claims traffic for the new one, and
// the interceptor routes each request cache-first (same-origin subresources)
// or network-first (navigations) with the precached offline page as the last
// resort. Handlers hold no mutable state beyond the active-generation pointer;
// everything else lives in the cache store.
package agent
