// Package locking serializes work per key: review cycles of one workflow, or publishes on one
// script. Locks are reference counted in-process and can be backed by a ports.DistributedLocker
// when several processes share the same stores.
package locking
