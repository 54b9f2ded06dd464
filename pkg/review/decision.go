package review

import (
	"context"
	"fmt"
	"slices"

	"github.com/aretw0/scriptforge/pkg/codegen"
	"github.com/aretw0/scriptforge/pkg/domain"
	"github.com/aretw0/scriptforge/pkg/validate"
)

// DecisionRequest describes an agent-driven decision block to compile.
type DecisionRequest struct {
	Label     string
	Goal      string
	Branches  []domain.Branch
	ParamKeys []string
}

// DecisionResult is the outcome of CompileDecision. Patch is nil when the block stays
// agent-driven, either because the model declined or because every draft was rejected.
type DecisionResult struct {
	Label    string
	Patch    *codegen.Patch
	Declined bool
	Attempts int
	Errors   []string
}

// CompileDecision asks the model to express a runtime branch choice as a deterministic block.
// The answer must classify the page, handle every branch label and carry a default case.
func (r *Reviewer) CompileDecision(ctx context.Context, req DecisionRequest) (*DecisionResult, error) {
	if len(req.Branches) == 0 {
		return nil, fmt.Errorf("block %q has no branches to compile", req.Label)
	}
	res := &DecisionResult{Label: req.Label}
	data := decisionData{
		surface:     newSurface(req.Label, req.ParamKeys),
		Goal:        req.Goal,
		Branches:    req.Branches,
		MaxAttempts: r.maxAttempts,
	}
	log := r.logger.With("block", req.Label)

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		res.Attempts = attempt
		data.Attempt = attempt

		prompt, err := render("decision.tmpl", data)
		if err != nil {
			return nil, err
		}
		g, err := r.generator.Generate(ctx, prompt, "decision")
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			res.Errors = append(res.Errors, err.Error())
			data.LastError = "generation failed: " + err.Error()
			continue
		}
		if isCannotCompile(g) {
			res.Declined = true
			log.Info("decision left to the live agent", "attempt", attempt)
			return res, nil
		}

		code, err := ExtractCode(g)
		if err == nil {
			code, err = r.check(validate.Input{Label: req.Label, Source: code, ParamKeys: req.ParamKeys})
		}
		if err == nil {
			err = coversBranches(code, req.Branches)
		}
		if err == nil {
			code, err = codegen.PatchFile(codegen.Patch{Label: req.Label, Source: code})
		}
		if err != nil {
			log.Info("decision draft rejected", "attempt", attempt, "err", err)
			r.metrics.Attempt("rejected")
			res.Errors = append(res.Errors, err.Error())
			data.LastError = err.Error()
			continue
		}

		r.metrics.Attempt("accepted")
		res.Patch = &codegen.Patch{Label: req.Label, Source: code}
		return res, nil
	}
	log.Warn("decision compilation exhausted", "attempts", res.Attempts)
	return res, nil
}

func coversBranches(src []byte, branches []domain.Branch) error {
	handled := validate.BranchLabels(src)
	var missing []string
	for _, b := range branches {
		if !slices.Contains(handled, b.Label) {
			missing = append(missing, b.Label)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("branches not handled: %v", missing)
	}
	return nil
}
