/*
Package ports defines the driven ports (interfaces) of the script compiler.

These interfaces decouple compilation, caching and review from the concrete storage backends,
the page-interaction engine and the text-generation model.

# Key Interfaces

  - ScriptStore: scripts, revisions, blocks, files and workflow→script mappings.
  - EpisodeStore: fallback episodes and stale-branch history consumed by review.
  - ArtifactStore: content-addressed blobs (sources, page snapshots).
  - RunSource: completed runs and workflow definitions produced by the page-interaction engine.
  - Generator: the text-generation model used for triage and drafting.
  - DistributedLocker: cross-process locks for review cycles and publishing.
*/
package ports
