package domain

import (
	"path"
	"strings"
	"time"
	"unicode"
)

// ProgramPath is the path of the top-level program file inside a revision.
const ProgramPath = "program.go"

// RevisionStatus tells whether a revision finished committing.
type RevisionStatus string

const (
	// RevisionDraft is a revision whose blocks are still being written.
	// Drafts are never returned by latest-version lookups.
	RevisionDraft RevisionStatus = "draft"

	// RevisionReady is a fully committed, immutable revision.
	RevisionReady RevisionStatus = "ready"
)

// Script is one revision of a compiled program.
type Script struct {
	ScriptID   string         `json:"script_id"`
	RevisionID string         `json:"revision_id"`
	Version    int            `json:"version"`
	WorkflowID string         `json:"workflow_id"`
	RunID      string         `json:"run_id,omitempty"`
	Status     RevisionStatus `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
}

// ScriptBlock is one compiled block function scoped to a revision.
type ScriptBlock struct {
	ID            string    `json:"id"`
	RevisionID    string    `json:"revision_id"`
	ScriptID      string    `json:"script_id"`
	Label         string    `json:"label"`
	Position      int       `json:"position"`
	Type          BlockType `json:"type"`
	Goal          string    `json:"goal,omitempty"`
	FileID        string    `json:"file_id,omitempty"`
	RunSignature  string    `json:"run_signature,omitempty"`
	InputFields   []string  `json:"input_fields,omitempty"`
	RequiresAgent bool      `json:"requires_agent"`
	CreatedAt     time.Time `json:"created_at"`
}

// Invocable reports whether the runner may call the compiled function of this block.
func (b ScriptBlock) Invocable() bool {
	return b.RunSignature != "" && !b.RequiresAgent
}

// ScriptFile is one persisted source file of a revision, addressed by content hash.
type ScriptFile struct {
	ID          string    `json:"id"`
	RevisionID  string    `json:"revision_id"`
	Path        string    `json:"path"`
	ArtifactID  string    `json:"artifact_id"`
	ContentHash string    `json:"content_hash"`
	Size        int       `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
}

// MappingStatus is the lifecycle of a workflow→script mapping.
type MappingStatus string

const (
	MappingPending   MappingStatus = "pending"
	MappingPublished MappingStatus = "published"
)

// WorkflowScriptMapping binds a (workflow, rendered cache key) pair to a script.
type WorkflowScriptMapping struct {
	WorkflowID    string        `json:"workflow_id"`
	CacheKeyValue string        `json:"cache_key_value"`
	ScriptID      string        `json:"script_id"`
	Status        MappingStatus `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
}

// BlockPath returns the per-block source path for a label.
func BlockPath(label string) string {
	return path.Join("blocks", Slug(label)+".go")
}

// Slug lowercases a label and replaces anything outside [a-z0-9] with underscores.
func Slug(label string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(label) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore && b.Len() > 0 {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	s := strings.TrimSuffix(b.String(), "_")
	if s == "" {
		return "block"
	}
	return s
}

// NextVersion picks the version of a new revision requested as `requested`. A ready revision at
// or above it means the caller built on a stale base. Drafts left behind by failed publishes are
// skipped, so the result may be higher than requested.
func NextVersion(revs []Script, requested int) (int, bool) {
	next := requested
	for _, r := range revs {
		if r.Version >= requested && r.Status == RevisionReady {
			return 0, false
		}
		if r.Version >= next {
			next = r.Version + 1
		}
	}
	return next, true
}
