/*
Package domain contains the core models of the script compiler.

It describes what the page-interaction engine records (runs, blocks, actions), what the compiler
produces (scripts, revisions, blocks, files) and what the self-repair loop consumes (fallback
episodes, stale branches). The package is kept free of I/O, following the hexagonal layout of the
rest of the module.

# Key Entities

  - Trace: the normalized, per-block form of one completed workflow run.
  - Script: one immutable revision of a compiled program, identified by (ScriptID, Version).
  - ScriptBlock / ScriptFile: the per-block records and persisted sources of a revision.
  - WorkflowScriptMapping: which script serves a (workflow, rendered cache key) pair.
  - FallbackEpisode: a compiled block that failed and was taken over by the live agent.
*/
package domain
