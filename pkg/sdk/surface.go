package sdk

import (
	"reflect"
	"sort"
)

// ImportPath is the import path compiled programs use for this package.
const ImportPath = "github.com/aretw0/scriptforge/pkg/sdk"

// RunContextMethods are the RunContext methods compiled code may call.
var RunContextMethods = []string{"Param", "Value", "Output", "SetOutput", "Metadata", "Render"}

// Exports lists the identifiers compiled code may reference through the sdk package.
var Exports = []string{
	"Page", "RunContext", "Override", "BlockFunc", "Step",
	"NewRunContext", "WithMetadata", "WithParam", "AgentStep", "RunSteps", "ErrUnhandledBranch",
	"Goto", "Click", "Fill", "Select", "Upload", "Extract", "Wait", "Scroll", "Hover", "Press",
	"Download", "Classify", "Complete", "Validate", "SolveCaptcha", "RunAgent",
}

var primitives = func() map[string][]string {
	out := make(map[string][]string)
	page := reflect.TypeOf((*Page)(nil)).Elem()
	for i := 0; i < page.NumMethod(); i++ {
		m := page.Method(i)
		opts := m.Type.In(1)
		fields := make([]string, 0, opts.NumField())
		for j := 0; j < opts.NumField(); j++ {
			fields = append(fields, opts.Field(j).Name)
		}
		out[m.Name] = fields
	}
	return out
}()

// Primitives returns the Page methods with the keywords each accepts.
func Primitives() map[string][]string {
	out := make(map[string][]string, len(primitives))
	for k, v := range primitives {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// PrimitiveNames returns the Page method names, sorted.
func PrimitiveNames() []string {
	names := make([]string, 0, len(primitives))
	for k := range primitives {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
