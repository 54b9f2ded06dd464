// Package version publishes script revisions.
//
// Revisions are copy-on-write. Publishing creates the next version as a draft under the same script id,
// copies unpatched blocks forward by reference, stores a new file for every patched block,
// splices the patches into program.go and only then marks the revision ready, records the
// published mapping and invalidates the resolver cache for the key.
package version
