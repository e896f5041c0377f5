//go:build !sqlite_vec || !cgo

package validation

// semanticCoverage falls back to the lexical trigger-phrase heuristic when
// the sqlite-vec extension is not compiled in. Both implementations return
// the same [0,1] shape, so callers never branch on which one ran.
func semanticCoverage(taskDescription, body string) float64 {
	return lexicalCoverage(taskDescription, body)
}
