package codegen

import (
	"context"
	"errors"
	"fmt"

	"github.com/aretw0/scriptforge/pkg/domain"
	"github.com/aretw0/scriptforge/pkg/ports"
)

// ErrNoStores is returned by Persist when the emitter was built without WithStores.
var ErrNoStores = errors.New("emitter has no stores")

// StoreFile puts data into the artifact store and records it at path in a revision.
func StoreFile(ctx context.Context, scripts ports.ScriptStore, artifacts ports.ArtifactStore, revisionID, path string, data []byte) (*domain.ScriptFile, error) {
	artifactID, err := artifacts.PutArtifact(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("failed to store %s: %w", path, err)
	}
	return scripts.CreateScriptFile(ctx, domain.ScriptFile{
		RevisionID:  revisionID,
		Path:        path,
		ArtifactID:  artifactID,
		ContentHash: domain.ContentHash(data),
		Size:        len(data),
	})
}

// LoadFile reads the content of a file of a revision.
func LoadFile(ctx context.Context, scripts ports.ScriptStore, artifacts ports.ArtifactStore, revisionID, path string) ([]byte, error) {
	f, err := scripts.GetScriptFile(ctx, revisionID, path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return artifacts.GetArtifact(ctx, f.ArtifactID)
}

// Persist writes program.go and every block file into the revision and records the blocks.
func (e *Emitter) Persist(ctx context.Context, prog *Program, rev *domain.Script) ([]domain.ScriptBlock, error) {
	if e.scripts == nil || e.artifacts == nil {
		return nil, ErrNoStores
	}

	if _, err := StoreFile(ctx, e.scripts, e.artifacts, rev.RevisionID, domain.ProgramPath, prog.Main); err != nil {
		return nil, err
	}

	blocks := make([]domain.ScriptBlock, 0, len(prog.Blocks))
	for _, b := range prog.Blocks {
		record := domain.ScriptBlock{
			RevisionID:    rev.RevisionID,
			ScriptID:      rev.ScriptID,
			Label:         b.Label,
			Position:      b.Position,
			Type:          b.Type,
			Goal:          b.Prompt,
			RunSignature:  b.RunSignature,
			InputFields:   b.InputFields,
			RequiresAgent: b.RequiresAgent,
		}
		if b.Source != nil {
			f, err := StoreFile(ctx, e.scripts, e.artifacts, rev.RevisionID, b.Path, b.Source)
			if err != nil {
				return nil, err
			}
			record.FileID = f.ID
		}
		created, err := e.scripts.CreateScriptBlock(ctx, record)
		if err != nil {
			return nil, fmt.Errorf("failed to record block %q: %w", b.Label, err)
		}
		blocks = append(blocks, *created)
		e.logger.Debug("persisted block", "script_id", rev.ScriptID, "version", rev.Version, "block", b.Label)
	}
	return blocks, nil
}
