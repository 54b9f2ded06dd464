package review_test

import (
	"testing"

	"github.com/aretw0/scriptforge/pkg/domain"
	"github.com/aretw0/scriptforge/pkg/ports"
	"github.com/aretw0/scriptforge/pkg/review"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	fill := domain.ActionRecord{Type: domain.ActionInputText}
	tests := []struct {
		name     string
		source   string
		episodes []domain.FallbackEpisode
		want     review.Strategy
	}{
		{"empty", "", nil, review.Sequential},
		{"clicks only", `page.Click(ctx, sdk.Click{}); page.Goto(ctx, sdk.Goto{})`, nil, review.Sequential},
		{"extract in source", `out, err := page.Extract(ctx, sdk.Extract{})`, nil, review.Extraction},
		{"two fills", `page.Fill(ctx, sdk.Fill{}); page.Select(ctx, sdk.Select{})`, nil, review.FormFilling},
		{"live form", "", []domain.FallbackEpisode{{Actions: []domain.ActionRecord{fill, fill}}}, review.FormFilling},
		{"fills spread over episodes", "", []domain.FallbackEpisode{{Actions: []domain.ActionRecord{fill}}, {Actions: []domain.ActionRecord{fill}}}, review.Sequential},
		{"live extract wins", `page.Fill(ctx, sdk.Fill{}); page.Fill(ctx, sdk.Fill{})`,
			[]domain.FallbackEpisode{{Actions: []domain.ActionRecord{{Type: domain.ActionExtract}}}}, review.Extraction},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, review.Classify([]byte(tt.source), tt.episodes))
		})
	}
	assert.Equal(t, "form_filling", review.FormFilling.String())
}

func TestExtractCode(t *testing.T) {
	code := "func BlockA() {}"
	tests := []struct {
		name string
		gen  ports.Generation
		want string
		err  bool
	}{
		{"plain text", ports.Generation{Text: code}, code + "\n", false},
		{"fenced", ports.Generation{Text: "Here you go:\n```go\n" + code + "\n```\nDone."}, code + "\n", false},
		{"structured code field", ports.Generation{Structured: map[string]any{"code": code, "notes": "x"}}, code + "\n", false},
		{"structured struct", ports.Generation{Structured: struct{ Code string }{Code: code}}, code + "\n", false},
		{"structured string", ports.Generation{Structured: code}, code + "\n", false},
		{"list rejected", ports.Generation{Structured: []any{code}}, "", true},
		{"missing code field", ports.Generation{Structured: map[string]any{"text": code}}, "", true},
		{"empty", ports.Generation{Text: "  "}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := review.ExtractCode(tt.gen)
			if tt.err {
				require.ErrorIs(t, err, review.ErrUnusableGeneration)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestEpisodeState(t *testing.T) {
	assert.True(t, review.StateReceived.CanTransition(review.StateFixable))
	assert.False(t, review.StateReceived.CanTransition(review.StateAccepted))
	assert.True(t, review.StateDrafted.CanTransition(review.StateDrafted))
	assert.True(t, review.StateAccepted.Terminal())
	assert.True(t, review.StateExhausted.Terminal())
	assert.False(t, review.StateValidated.Terminal())
}

func TestDiff(t *testing.T) {
	d := review.Diff("blocks/search.go", []byte("a\nb\n"), []byte("a\nc\n"), 1)
	assert.Contains(t, d, "--- a/blocks/search.go")
	assert.Contains(t, d, "-b")
	assert.Contains(t, d, "+c")
}
