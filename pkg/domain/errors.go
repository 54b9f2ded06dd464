package domain

import "errors"

var (
	// ErrRunNotFound is returned when a workflow run cannot be loaded.
	ErrRunNotFound = errors.New("run not found")

	// ErrWorkflowNotFound is returned when the workflow definition of a run cannot be loaded.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrScriptNotFound is returned when a script (or the requested version) does not exist.
	ErrScriptNotFound = errors.New("script not found")

	// ErrFileNotFound is returned when a script file is missing from a revision.
	ErrFileNotFound = errors.New("script file not found")

	// ErrMappingNotFound is returned when no workflow→script mapping matches a lookup.
	ErrMappingNotFound = errors.New("workflow script mapping not found")

	// ErrEpisodeNotFound is returned when a fallback episode id is unknown.
	ErrEpisodeNotFound = errors.New("fallback episode not found")

	// ErrArtifactNotFound is returned by artifact stores for unknown ids.
	ErrArtifactNotFound = errors.New("artifact not found")

	// ErrRunCycle is returned when a nested run refers back to one of its ancestors.
	ErrRunCycle = errors.New("nested run cycle")

	// ErrDuplicateLabel is returned when two blocks of one revision share a label.
	ErrDuplicateLabel = errors.New("duplicate block label")

	// ErrDuplicatePath is returned when a revision already holds a file at the same path.
	ErrDuplicatePath = errors.New("duplicate script file path")

	// ErrVersionConflict is returned when a ready revision already holds the requested version.
	ErrVersionConflict = errors.New("script version conflict")
)
