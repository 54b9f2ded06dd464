package domain

import (
	"net/url"
	"sort"
)

// ActionType names a recorded page interaction.
type ActionType string

const (
	ActionNavigate     ActionType = "navigate"
	ActionClick        ActionType = "click"
	ActionInputText    ActionType = "input_text"
	ActionSelectOption ActionType = "select_option"
	ActionUploadFile   ActionType = "upload_file"
	ActionExtract      ActionType = "extract"
	ActionWait         ActionType = "wait"
	ActionScroll       ActionType = "scroll"
	ActionHover        ActionType = "hover"
	ActionKeypress     ActionType = "keypress"
	ActionDownload     ActionType = "download_file"
	ActionComplete     ActionType = "complete"
	ActionSolveCaptcha ActionType = "solve_captcha"
	ActionTerminate    ActionType = "terminate"
)

// CarriesValue reports whether the action types a literal value into the page.
// Only these actions feed the parameter reverse index.
func (t ActionType) CarriesValue() bool {
	switch t {
	case ActionInputText, ActionSelectOption, ActionUploadFile:
		return true
	}
	return false
}

// BlockType is the kind of a workflow block.
type BlockType string

const (
	BlockTask            BlockType = "task"
	BlockNavigation      BlockType = "navigation"
	BlockAction          BlockType = "action"
	BlockExtraction      BlockType = "extraction"
	BlockLogin           BlockType = "login"
	BlockFileDownload    BlockType = "file_download"
	BlockGotoURL         BlockType = "goto_url"
	BlockWait            BlockType = "wait"
	BlockValidation      BlockType = "validation"
	BlockConditional     BlockType = "conditional"
	BlockWorkflowTrigger BlockType = "workflow_trigger"
	BlockForLoop         BlockType = "for_loop"
)

// ActionRecord is one interaction the live agent performed inside a task.
type ActionRecord struct {
	ID          string         `json:"id" yaml:"id"`
	TaskID      string         `json:"task_id" yaml:"task_id"`
	Type        ActionType     `json:"type" yaml:"type"`
	Selector    string         `json:"selector,omitempty" yaml:"selector,omitempty"`
	Intention   string         `json:"intention,omitempty" yaml:"intention,omitempty"`
	Text        string         `json:"text,omitempty" yaml:"text,omitempty"`
	FileURL     string         `json:"file_url,omitempty" yaml:"file_url,omitempty"`
	URL         string         `json:"url,omitempty" yaml:"url,omitempty"`
	Schema      map[string]any `json:"schema,omitempty" yaml:"schema,omitempty"`
	WaitSeconds int            `json:"wait_seconds,omitempty" yaml:"wait_seconds,omitempty"`
	Direction   string         `json:"direction,omitempty" yaml:"direction,omitempty"`
	Amount      int            `json:"amount,omitempty" yaml:"amount,omitempty"`
}

// Value returns the literal the action typed, selected or uploaded.
func (a ActionRecord) Value() string {
	if a.Type == ActionUploadFile && a.FileURL != "" {
		return a.FileURL
	}
	return a.Text
}

// Parameter is a declared workflow input.
type Parameter struct {
	Key         string `json:"key" yaml:"key"`
	Type        string `json:"type,omitempty" yaml:"type,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Default     any    `json:"default,omitempty" yaml:"default,omitempty"`
}

// Branch is one arm of a conditional block.
type Branch struct {
	Label      string `json:"label" yaml:"label"`
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// DeclaredBlock is a block as written in the workflow definition, with templated fields.
type DeclaredBlock struct {
	Label            string         `json:"label" yaml:"label"`
	Type             BlockType      `json:"type" yaml:"type"`
	Goal             string         `json:"goal,omitempty" yaml:"goal,omitempty"`
	URL              string         `json:"url,omitempty" yaml:"url,omitempty"`
	ExtractionSchema map[string]any `json:"extraction_schema,omitempty" yaml:"extraction_schema,omitempty"`
	Branches         []Branch       `json:"branches,omitempty" yaml:"branches,omitempty"`
}

// Workflow is the definition a run was started from.
type Workflow struct {
	ID         string          `json:"id" yaml:"id"`
	Title      string          `json:"title,omitempty" yaml:"title,omitempty"`
	CacheKey   string          `json:"cache_key,omitempty" yaml:"cache_key,omitempty"`
	Parameters []Parameter     `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Blocks     []DeclaredBlock `json:"blocks" yaml:"blocks"`
}

// Task holds the execution data of one task-backed block.
type Task struct {
	ID               string         `json:"id" yaml:"id"`
	Goal             string         `json:"goal,omitempty" yaml:"goal,omitempty"`
	URL              string         `json:"url,omitempty" yaml:"url,omitempty"`
	ExtractionSchema map[string]any `json:"extraction_schema,omitempty" yaml:"extraction_schema,omitempty"`
	ExtractedOutput  any            `json:"extracted_output,omitempty" yaml:"extracted_output,omitempty"`
}

// ExecutedBlock is a block as it actually ran.
type ExecutedBlock struct {
	Label      string    `json:"label" yaml:"label"`
	Type       BlockType `json:"type" yaml:"type"`
	TaskID     string    `json:"task_id,omitempty" yaml:"task_id,omitempty"`
	Status     string    `json:"status,omitempty" yaml:"status,omitempty"`
	URL        string    `json:"url,omitempty" yaml:"url,omitempty"`
	Goal       string    `json:"goal,omitempty" yaml:"goal,omitempty"`
	ChildRunID string    `json:"child_run_id,omitempty" yaml:"child_run_id,omitempty"`
}

// WorkflowRun is one completed execution, as recorded by the page-interaction engine.
type WorkflowRun struct {
	ID         string          `json:"id" yaml:"id"`
	WorkflowID string          `json:"workflow_id" yaml:"workflow_id"`
	Status     string          `json:"status,omitempty" yaml:"status,omitempty"`
	Parameters map[string]any  `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Blocks     []ExecutedBlock `json:"blocks" yaml:"blocks"`
	Tasks      map[string]Task `json:"tasks,omitempty" yaml:"tasks,omitempty"`
}

// BlockIR is the intermediate form of one block: the declared block joined with its execution.
type BlockIR struct {
	Label            string         `json:"label"`
	Type             BlockType      `json:"type"`
	Goal             string         `json:"goal,omitempty"`
	URL              string         `json:"url,omitempty"`
	Origin           string         `json:"origin"`
	TaskID           string         `json:"task_id,omitempty"`
	ExtractionSchema map[string]any `json:"extraction_schema,omitempty"`
	Branches         []Branch       `json:"branches,omitempty"`
	Actions          []ActionRecord `json:"actions,omitempty"`
}

// Trace is the normalized form of a run handed to the code emitter.
type Trace struct {
	RunID            string                    `json:"run_id"`
	WorkflowID       string                    `json:"workflow_id"`
	CacheKeyTemplate string                    `json:"cache_key_template,omitempty"`
	Parameters       []Parameter               `json:"parameters,omitempty"`
	Bindings         map[string]any            `json:"bindings,omitempty"`
	Blocks           []BlockIR                 `json:"blocks"`
	Actions          map[string][]ActionRecord `json:"actions,omitempty"`
}

// ParameterKeys returns the declared parameter keys in declaration order.
func (t *Trace) ParameterKeys() []string {
	keys := make([]string, 0, len(t.Parameters))
	for _, p := range t.Parameters {
		keys = append(keys, p.Key)
	}
	return keys
}

// TargetDomain returns the host of the first block carrying a URL, or "".
func (t *Trace) TargetDomain() string {
	for _, b := range t.Blocks {
		if b.URL == "" {
			continue
		}
		if host := Hostname(b.URL); host != "" {
			return host
		}
	}
	return ""
}

// TaskIDs returns the task ids present in the action map, sorted.
func (t *Trace) TaskIDs() []string {
	ids := make([]string, 0, len(t.Actions))
	for id := range t.Actions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Hostname extracts the host of a URL, tolerating scheme-less input.
func Hostname(raw string) string {
	u, err := url.Parse(raw)
	if err == nil && u.Hostname() != "" {
		return u.Hostname()
	}
	u, err = url.Parse("https://" + raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
