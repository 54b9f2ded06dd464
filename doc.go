/*
Package scriptforge compiles recorded browser-automation runs into deterministic Go programs,
caches them per workflow and cache key, and repairs them when a compiled block has to fall back
to the live agent.

# Lifecycle

A completed run is read through a ports.RunSource, normalized into a trace, emitted as Go source
(program.go plus one blocks/<label>.go file per block) and published as version 1 of a new
script under the cache key rendered from the run:

	eng, err := scriptforge.New(runs, scriptforge.Stores{
		Scripts:   memory.NewStore(),
		Episodes:  memory.NewEpisodeStore(),
		Artifacts: memory.NewArtifactStore(),
	}, scriptforge.WithGenerator(openai.New()))
	if err != nil {
		log.Fatal(err)
	}

	compiled, err := eng.CompileRun(ctx, "run-42")

Later runs of the same workflow resolve the script through the cache key:

	res, err := eng.Resolve(ctx, "wf-checkout", compiled.CacheKeyValue)

When the runtime has to hand a compiled block back to the agent it reports a fallback episode.
Review triages pending episodes, drafts patches with the generator, validates them against the
closed sdk surface and publishes a new revision:

	_, err = eng.RecordEpisode(ctx, scriptforge.Episode{FallbackEpisode: domain.FallbackEpisode{
		WorkflowID: "wf-checkout", ScriptID: res.Script.ScriptID, BlockLabel: "login", Error: "selector not found",
	}})
	reports, err := eng.Review(ctx, "wf-checkout")

Published revisions are never mutated. Unchanged files are carried forward by id.
*/
package scriptforge
