// Package types provides the shared data structures and interfaces for
// statecache: the statistics snapshot reported by every cache layer and
// the client-facing Cache contract implemented by the cache package.
package types
