package validate

import (
	"log/slog"

	"github.com/aretw0/scriptforge/internal/logging"
)

// DefaultMaxShrink is the largest relative size reduction a repair may make.
const DefaultMaxShrink = 0.5

// Input is one candidate block source.
type Input struct {
	// Label is the block the source implements.
	Label string
	// Source is a block file or a bare block function.
	Source []byte
	// Previous is the committed source of the block; empty for new blocks.
	Previous []byte
	// ParamKeys are the declared workflow parameters.
	ParamKeys []string
}

// Pipeline runs the static checks in a fixed order.
type Pipeline struct {
	logger    *slog.Logger
	maxShrink float64
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the pipeline logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithMaxShrink overrides DefaultMaxShrink.
func WithMaxShrink(f float64) Option {
	return func(p *Pipeline) {
		if f > 0 && f < 1 {
			p.maxShrink = f
		}
	}
}

// New creates a Pipeline.
func New(opts ...Option) *Pipeline {
	p := &Pipeline{
		logger:    logging.NewNop(),
		maxShrink: DefaultMaxShrink,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Validate returns nil when the source passes every check, or a *Report.
// A syntax failure stops the pipeline; every other check runs and contributes its issues.
func (p *Pipeline) Validate(in Input) error {
	r := &Report{}

	cur, err := parseSource(in.Source)
	if err != nil {
		r.add(CheckSyntax, "", "%v", err)
		return r
	}

	checkPrimitives(cur, r)
	checkKeywords(cur, r)
	checkTypes(cur, in.Label, r)
	checkBranches(cur, r)
	checkParams(cur, in.ParamKeys, r)

	if len(in.Previous) > 0 {
		prev, err := parseSource(in.Previous)
		if err != nil {
			p.logger.Warn("previous block source does not parse, skipping regression check", "block", in.Label, "err", err)
		} else {
			checkRegression(prev, cur, in.Label, p.maxShrink, r)
		}
	}

	if len(r.Issues) > 0 {
		p.logger.Debug("block rejected", "block", in.Label, "issues", len(r.Issues))
	}
	return r.err()
}

// CallCount returns how many page primitives a source calls, or -1 if it does not parse.
func CallCount(src []byte) int {
	s, err := parseSource(src)
	if err != nil {
		return -1
	}
	return callCount(s)
}

// BranchLabels returns the decision branch labels a source handles.
func BranchLabels(src []byte) []string {
	s, err := parseSource(src)
	if err != nil {
		return nil
	}
	return branchLabels(s)
}
