package domain

import "time"

// FallbackEpisode records one compiled block that failed and was completed by the live agent.
// Episodes are immutable once recorded, apart from the review marker.
type FallbackEpisode struct {
	ID                 string         `json:"id"`
	WorkflowID         string         `json:"workflow_id"`
	ScriptID           string         `json:"script_id"`
	Version            int            `json:"version"`
	BlockLabel         string         `json:"block_label"`
	Error              string         `json:"error,omitempty"`
	SnapshotArtifactID string         `json:"snapshot_artifact_id,omitempty"`
	Actions            []ActionRecord `json:"actions,omitempty"`
	Branch             string         `json:"branch,omitempty"`
	Succeeded          bool           `json:"succeeded"`
	Reviewed           bool           `json:"reviewed"`
	ReviewNote         string         `json:"review_note,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	ReviewedAt         time.Time      `json:"reviewed_at,omitzero"`
}

// StaleBranch is a compiled conditional branch that has not been exercised recently.
// It is shown to the reviewer so that a patch does not silently delete it.
type StaleBranch struct {
	ScriptID    string    `json:"script_id"`
	BlockLabel  string    `json:"block_label"`
	BranchLabel string    `json:"branch_label"`
	LastSeen    time.Time `json:"last_seen"`
}
