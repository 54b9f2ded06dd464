package review

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

var paramTagPattern = regexp.MustCompile(`mapstructure:"([^"]+)"`)

// Diff returns a unified diff between two versions of a source file.
func Diff(path string, before, after []byte, context int) string {
	d, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(before)),
		B:        difflib.SplitLines(string(after)),
		FromFile: "a/" + path,
		ToFile:   "b/" + path,
		Context:  context,
	})
	if err != nil {
		return fmt.Sprintf("diff unavailable: %v", err)
	}
	return d
}

// diffNote summarizes a patch as added and removed line counts.
func diffNote(label string, before, after []byte) string {
	if len(before) == 0 {
		return fmt.Sprintf("compiled block %q (%d lines)", label, strings.Count(string(after), "\n"))
	}
	added, removed := 0, 0
	for _, line := range strings.Split(Diff(label, before, after, 0), "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
		case strings.HasPrefix(line, "+"):
			added++
		case strings.HasPrefix(line, "-"):
			removed++
		}
	}
	return fmt.Sprintf("patched block %q (+%d -%d lines)", label, added, removed)
}
