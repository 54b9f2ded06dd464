// Package validate statically checks compiled block sources against the sdk primitive surface.
package validate

import (
	"errors"
	"fmt"
	"strings"
)

// Check names one stage of the pipeline.
type Check string

const (
	CheckSyntax     Check = "syntax"
	CheckPrimitives Check = "primitive_allowlist"
	CheckKeywords   Check = "keyword_allowlist"
	CheckTypes      Check = "type_closure"
	CheckBranches   Check = "branch_completeness"
	CheckParams     Check = "parameter_references"
	CheckRegression Check = "structural_regression"
)

// Issue is one validation failure.
type Issue struct {
	Check   Check  `json:"check"`
	Message string `json:"message"`
	Pos     string `json:"pos,omitempty"`
	// Repairable marks branch issues that AutoRepair can fix mechanically.
	Repairable bool `json:"repairable,omitempty"`
}

func (i Issue) String() string {
	if i.Pos == "" {
		return fmt.Sprintf("[%s] %s", i.Check, i.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", i.Check, i.Pos, i.Message)
}

// Report collects the issues of one validation run. It is returned as an error.
type Report struct {
	Issues []Issue `json:"issues"`
}

func (r *Report) Error() string {
	if len(r.Issues) == 1 {
		return r.Issues[0].String()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d validation errors:\n", len(r.Issues))
	for i, issue := range r.Issues {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, issue)
	}
	return b.String()
}

// Has reports whether any issue comes from check.
func (r *Report) Has(check Check) bool {
	for _, i := range r.Issues {
		if i.Check == check {
			return true
		}
	}
	return false
}

// OnlyRepairable reports whether AutoRepair can fix every issue.
func (r *Report) OnlyRepairable() bool {
	if len(r.Issues) == 0 {
		return false
	}
	for _, i := range r.Issues {
		if !i.Repairable {
			return false
		}
	}
	return true
}

func (r *Report) add(check Check, pos, format string, args ...any) {
	r.Issues = append(r.Issues, Issue{Check: check, Pos: pos, Message: fmt.Sprintf(format, args...)})
}

func (r *Report) err() error {
	if len(r.Issues) == 0 {
		return nil
	}
	return r
}

// AsReport extracts a Report from err.
func AsReport(err error) (*Report, bool) {
	var r *Report
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}
