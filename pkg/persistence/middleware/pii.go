package middleware

import (
	"context"
	"fmt"
	"regexp"

	"github.com/aretw0/scriptforge/pkg/ports"
)

// Mask replaces every redacted match.
const Mask = "***"

// DefaultPIIPatterns match values that commonly leak into page snapshots.
var DefaultPIIPatterns = []string{
	`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`, // email
	`\b\d{3}-\d{2}-\d{4}\b`,                          // ssn
	`\b(?:\d[ -]?){12,18}\d\b`,                       // card number
	`(?i)bearer\s+[A-Za-z0-9._~+/-]+=*`,              // auth header
}

type redactionMiddleware struct {
	next     ports.ArtifactStore
	patterns []*regexp.Regexp
}

// NewRedactionMiddleware creates a middleware that masks every match of the patterns before
// content reaches the store. Reads pass through untouched.
func NewRedactionMiddleware(patternStrings []string) (Middleware, error) {
	patterns := make([]*regexp.Regexp, len(patternStrings))
	for i, p := range patternStrings {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid redaction pattern %q: %w", p, err)
		}
		patterns[i] = re
	}
	return func(next ports.ArtifactStore) ports.ArtifactStore {
		return &redactionMiddleware{next: next, patterns: patterns}
	}, nil
}

func (m *redactionMiddleware) PutArtifact(ctx context.Context, data []byte) (string, error) {
	return m.next.PutArtifact(ctx, Redact(data, m.patterns))
}

func (m *redactionMiddleware) GetArtifact(ctx context.Context, id string) ([]byte, error) {
	return m.next.GetArtifact(ctx, id)
}

// Redact returns a copy of data with every match masked. data itself is never modified.
func Redact(data []byte, patterns []*regexp.Regexp) []byte {
	out := data
	for _, p := range patterns {
		out = p.ReplaceAll(out, []byte(Mask))
	}
	return out
}
