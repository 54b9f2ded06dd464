package review

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/aretw0/scriptforge/pkg/ports"
	"github.com/mitchellh/mapstructure"
)

// ErrUnusableGeneration is returned when a generation carries no code in an accepted form.
var ErrUnusableGeneration = errors.New("generation holds no usable code")

// CannotCompile is the answer a model gives when a decision needs the live agent.
const CannotCompile = "CANNOT_COMPILE"

var fencePattern = regexp.MustCompile("(?s)```[a-zA-Z]*[ \t]*\r?\n(.*?)```")

type codeAnswer struct {
	Code string `mapstructure:"code"`
}

// ExtractCode returns the source carried by a generation: plain text, fenced code inside text,
// or the code field of a structured object. Lists and other shapes are rejected.
func ExtractCode(g ports.Generation) ([]byte, error) {
	if g.Structured == nil {
		return fromText(g.Text)
	}

	if s, ok := g.Structured.(string); ok {
		return fromText(s)
	}
	v := reflect.ValueOf(g.Structured)
	for v.Kind() == reflect.Pointer && !v.IsNil() {
		v = v.Elem()
	}
	if v.Kind() != reflect.Map && v.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: structured answer is a %s", ErrUnusableGeneration, v.Kind())
	}

	var ans codeAnswer
	if err := mapstructure.Decode(g.Structured, &ans); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnusableGeneration, err)
	}
	if strings.TrimSpace(ans.Code) == "" {
		return nil, fmt.Errorf("%w: structured answer has no code field", ErrUnusableGeneration)
	}
	return fromText(ans.Code)
}

func fromText(s string) ([]byte, error) {
	if m := fencePattern.FindStringSubmatch(s); m != nil {
		s = m[1]
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty answer", ErrUnusableGeneration)
	}
	return []byte(s + "\n"), nil
}

// isCannotCompile reports whether an answer is the CANNOT_COMPILE sentinel, alone or fenced.
func isCannotCompile(g ports.Generation) bool {
	text := g.Text
	if s, ok := g.Structured.(string); ok {
		text = s
	}
	if m, ok := g.Structured.(map[string]any); ok {
		text, _ = m["code"].(string)
	}
	text = strings.Trim(strings.TrimSpace(text), "`")
	return strings.TrimSpace(text) == CannotCompile
}
