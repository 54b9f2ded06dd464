package review

import (
	"regexp"

	"github.com/aretw0/scriptforge/pkg/domain"
)

// Strategy selects the drafting prompt for a block.
type Strategy int

const (
	Sequential Strategy = iota
	Extraction
	FormFilling
)

func (s Strategy) String() string {
	switch s {
	case Extraction:
		return "extraction"
	case FormFilling:
		return "form_filling"
	default:
		return "sequential"
	}
}

// templates maps each strategy to its prompt template.
var templates = map[Strategy]string{
	Sequential:  "sequential.tmpl",
	Extraction:  "extraction.tmpl",
	FormFilling: "form_filling.tmpl",
}

// formFields is the number of value-typing steps from which a block counts as a form.
const formFields = 2

var callPattern = regexp.MustCompile(`\bpage\.(\w+)\(`)

// Classify picks the drafting strategy from the existing source and the live actions of the
// episodes. Extraction wins over form filling, which wins over the sequential default.
func Classify(source []byte, episodes []domain.FallbackEpisode) Strategy {
	fills := 0
	for _, m := range callPattern.FindAllSubmatch(source, -1) {
		switch string(m[1]) {
		case "Extract":
			return Extraction
		case "Fill", "Select", "Upload":
			fills++
		}
	}

	// live actions repeat across episodes, so the busiest episode counts
	busiest := 0
	for _, ep := range episodes {
		n := 0
		for _, a := range ep.Actions {
			if a.Type == domain.ActionExtract {
				return Extraction
			}
			if a.Type.CarriesValue() {
				n++
			}
		}
		busiest = max(busiest, n)
	}

	if fills >= formFields || busiest >= formFields {
		return FormFilling
	}
	return Sequential
}
