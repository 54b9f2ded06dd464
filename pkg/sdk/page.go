package sdk

import "context"

// Page is the page-interaction handle a compiled block drives.
// Implementations are provided by the runtime that executes compiled programs.
type Page interface {
	Goto(ctx context.Context, opts Goto) error
	Click(ctx context.Context, opts Click) error
	Fill(ctx context.Context, opts Fill) error
	Select(ctx context.Context, opts Select) error
	Upload(ctx context.Context, opts Upload) error
	Extract(ctx context.Context, opts Extract) (any, error)
	Wait(ctx context.Context, opts Wait) error
	Scroll(ctx context.Context, opts Scroll) error
	Hover(ctx context.Context, opts Hover) error
	Press(ctx context.Context, opts Press) error
	Download(ctx context.Context, opts Download) error
	Classify(ctx context.Context, opts Classify) (string, error)
	Complete(ctx context.Context, opts Complete) error
	Validate(ctx context.Context, opts Validate) error
	SolveCaptcha(ctx context.Context, opts SolveCaptcha) error
	RunAgent(ctx context.Context, opts RunAgent) (any, error)
}

// Goto navigates to a URL.
type Goto struct {
	URL      string
	CacheKey string
}

// Click clicks the element matched by Selector, or the one described by Prompt.
type Click struct {
	Selector string
	Prompt   string
	CacheKey string
}

// Fill types Value into an input.
type Fill struct {
	Selector string
	Value    string
	Prompt   string
	CacheKey string
}

// Select picks an option of a select element.
type Select struct {
	Selector string
	Value    string
	Prompt   string
	CacheKey string
}

// Upload attaches the file at FileURL to a file input.
type Upload struct {
	Selector string
	FileURL  string
	Prompt   string
	CacheKey string
}

// Extract reads structured data from the page. Schema is a JSON-Schema fragment.
type Extract struct {
	Prompt   string
	Schema   map[string]any
	CacheKey string
}

// Wait pauses for a number of seconds.
type Wait struct {
	Seconds  int
	CacheKey string
}

// Scroll scrolls the page.
type Scroll struct {
	Direction string
	Amount    int
	CacheKey  string
}

// Hover moves the pointer over an element.
type Hover struct {
	Selector string
	Prompt   string
	CacheKey string
}

// Press sends a key press, optionally focused on an element.
type Press struct {
	Key      string
	Selector string
	CacheKey string
}

// Download triggers a file download.
type Download struct {
	Selector string
	Prompt   string
	CacheKey string
}

// Classify asks which of Options describes the current page. The answer is one of Options.
type Classify struct {
	Prompt   string
	Options  []string
	CacheKey string
}

// Complete marks the goal described by Prompt as reached.
type Complete struct {
	Prompt   string
	CacheKey string
}

// Validate checks that the condition described by Prompt holds and fails otherwise.
type Validate struct {
	Prompt   string
	CacheKey string
}

// SolveCaptcha solves a captcha on the current page.
type SolveCaptcha struct {
	CacheKey string
}

// RunAgent hands control to the live agent for the goal in Prompt.
type RunAgent struct {
	Prompt   string
	CacheKey string
}
