// Package config provides YAML-backed configuration for statecache with
// environment variable overrides and validation.
//
// Sizes are human-readable strings ("64MB", "1.5G"); see pkg/utils.
// A minimal configuration file:
//
//	cache:
//	  capacity_bytes: "64MB"
//	  object_max_bytes: "1MB"
//	  compression:
//	    codec: "zstd"
//	    min_size: "1KB"
//	persistence:
//	  directory: "/var/cache/statecache"
//	  file_count: 3
//
// Environment variables use the STATECACHE_ prefix, e.g.
// STATECACHE_CAPACITY_BYTES or STATECACHE_PERSIST_DIR ("none" disables
// persistence).
package config
