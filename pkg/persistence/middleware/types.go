// Package middleware wraps artifact stores to redact or encrypt content before it is persisted.
package middleware

import "github.com/aretw0/scriptforge/pkg/ports"

// Middleware allows wrapping an ArtifactStore to add behavior.
type Middleware func(ports.ArtifactStore) ports.ArtifactStore

// Chain applies middlewares so that the first one sees the data first on writes.
func Chain(store ports.ArtifactStore, mws ...Middleware) ports.ArtifactStore {
	for i := len(mws) - 1; i >= 0; i-- {
		store = mws[i](store)
	}
	return store
}
