// Package cache stores synthesized audio keyed by a content hash of the text
// and the synthesis settings. Tiers are consulted fastest first (memory LRU,
// zstd-compressed disk, redis, the application store) and concurrent fetches
// of the same key share a single backend call.
package cache
