package scriptforge_test

import (
	"context"
	"fmt"
	"log"

	"github.com/aretw0/scriptforge"
	"github.com/aretw0/scriptforge/pkg/adapters/memory"
	"github.com/aretw0/scriptforge/pkg/domain"
)

// ExampleEngine_CompileRun compiles a recorded run and resolves the cached script for it.
func ExampleEngine_CompileRun() {
	src := memory.NewRunSource()
	src.AddWorkflow(domain.Workflow{
		ID:       "wf-shop",
		CacheKey: "default",
		Blocks:   []domain.DeclaredBlock{{Label: "search", Type: domain.BlockTask, Goal: "Search"}},
	})
	src.AddRun(domain.WorkflowRun{
		ID:         "run-a",
		WorkflowID: "wf-shop",
		Blocks:     []domain.ExecutedBlock{{Label: "search", Type: domain.BlockTask, TaskID: "task-a"}},
		Tasks:      map[string]domain.Task{"task-a": {ID: "task-a", URL: "https://a.example.com"}},
	})
	src.AddActions("task-a", domain.ActionRecord{Type: domain.ActionClick, Selector: "#go"})

	engine, err := scriptforge.New(src, scriptforge.Stores{
		Scripts:   memory.NewStore(),
		Episodes:  memory.NewEpisodeStore(),
		Artifacts: memory.NewArtifactStore(),
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	compiled, err := engine.CompileRun(ctx, "run-a")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(compiled.CacheKeyValue, compiled.Script.Version, len(compiled.Blocks))

	res, err := engine.ResolveForRun(ctx, "run-a")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(res.Script.ScriptID == compiled.Script.ScriptID)

	// Output:
	// default:a.example.com 1 1
	// true
}
