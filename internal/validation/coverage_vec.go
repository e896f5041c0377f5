//go:build sqlite_vec && cgo

package validation

import (
	"database/sql"
	"encoding/binary"
	"hash/fnv"
	"math"
	"strings"

	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"skillforge/internal/logging"
)

func init() {
	// Register sqlite-vec as an auto-loadable extension on the
	// mattn/go-sqlite3 driver.
	vec.Auto()
}

const embeddingDim = 256

// semanticCoverage computes trigger-phrase coverage as the cosine
// similarity between hashed bag-of-words embeddings of the task
// description and the draft body, evaluated through sqlite-vec. Falls back
// to the lexical heuristic if the extension fails to load at runtime.
func semanticCoverage(taskDescription, body string) float64 {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return lexicalCoverage(taskDescription, body)
	}
	defer db.Close()

	var distance float64
	err = db.QueryRow(`SELECT vec_distance_cosine(?, ?)`,
		embed(taskDescription), embed(body)).Scan(&distance)
	if err != nil {
		logging.Get(logging.CategoryValidation).Debug("vec_distance_cosine unavailable: %v", err)
		return lexicalCoverage(taskDescription, body)
	}

	similarity := 1 - distance
	if similarity < 0 {
		return 0
	}
	if similarity > 1 {
		return 1
	}
	return similarity
}

// embed hashes each token into a fixed-dimension term-frequency vector,
// L2-normalized, serialized as the little-endian float32 blob sqlite-vec
// expects.
func embed(text string) []byte {
	counts := make([]float32, embeddingDim)
	for _, w := range wordRe.FindAllString(strings.ToLower(text), -1) {
		if len(w) < 4 || stopwords[w] {
			continue
		}
		h := fnv.New32a()
		h.Write([]byte(w))
		counts[h.Sum32()%embeddingDim]++
	}

	var norm float64
	for _, c := range counts {
		norm += float64(c) * float64(c)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		norm = 1
	}

	blob := make([]byte, 4*embeddingDim)
	for i, c := range counts {
		binary.LittleEndian.PutUint32(blob[i*4:], math.Float32bits(float32(float64(c)/norm)))
	}
	return blob
}
