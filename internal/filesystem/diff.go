package filesystem

import (
	"github.com/sergi/go-diff/diffmatchpatch"
)

// Diff returns a patch (unidiff-like, percent-encoded) turning before into
// after. Identical inputs produce an empty string.
func Diff(before, after string) string {
	if before == after {
		return ""
	}
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(before, after, false)
	diffs = dmp.DiffCleanupSemantic(diffs)
	return dmp.PatchToText(dmp.PatchMake(before, diffs))
}
