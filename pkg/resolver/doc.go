// Package resolver decides which compiled script serves a run.
//
// A workflow declares a cache-key template. Rendering it against the parameters of a run yields the
// cache-key value; (workflow, value) selects a published script mapping. Lookups go through a
// bounded, expiring in-process cache over the script store, invalidated when a new version
// publishes for the same key.
package resolver
