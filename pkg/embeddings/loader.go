package embeddings

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
)

// FromDir loads a TEXMEX-style dataset from dir:
//   - <name>_base.fvecs: base vectors (required)
//   - <name>_query.fvecs: query vectors (optional)
//   - <name>_groundtruth.ivecs: nearest neighbours per query (optional)
//
// SIFT1M uses name "sift" and SIFT10K "siftsmall".
// Download from: http://corpus-texmex.irisa.fr/
func FromDir(dir, name string) (*Dataset, error) {
	basePath := filepath.Join(dir, name+"_base.fvecs")
	queryPath := filepath.Join(dir, name+"_query.fvecs")
	gtPath := filepath.Join(dir, name+"_groundtruth.ivecs")

	if _, err := os.Stat(basePath); os.IsNotExist(err) {
		return nil, fmt.Errorf("base vectors not found: %s", basePath)
	}

	d, err := FromFvecs(basePath, name)
	if err != nil {
		return nil, fmt.Errorf("failed to load base vectors: %w", err)
	}

	if _, err := os.Stat(queryPath); err == nil {
		if d.Queries, err = LoadFvecs(queryPath); err != nil {
			return nil, fmt.Errorf("failed to load queries: %w", err)
		}
		if len(d.Queries) > 0 && len(d.Queries[0]) != d.Dimension {
			return nil, fmt.Errorf("queries have dimension %d, base vectors %d", len(d.Queries[0]), d.Dimension)
		}
	}

	if _, err := os.Stat(gtPath); err == nil {
		if d.GroundTruth, err = LoadIvecs(gtPath); err != nil {
			return nil, fmt.Errorf("failed to load ground truth: %w", err)
		}
	}

	return d, nil
}

// FromFvecs loads a dataset from a single .fvecs file.
// No queries or ground truth.
func FromFvecs(path string, name string) (*Dataset, error) {
	vectors, err := LoadFvecs(path)
	if err != nil {
		return nil, err
	}

	dim := 0
	if len(vectors) > 0 {
		dim = len(vectors[0])
	}

	return &Dataset{
		Name:      name,
		Dimension: dim,
		Vectors:   vectors,
	}, nil
}

// Generate creates a synthetic dataset of n base vectors and queries
// queries with coordinates uniform in [-1, 1). It is reproducible for a seed.
func Generate(n, queries, dim int, seed int64) *Dataset {
	rng := rand.New(rand.NewSource(seed))
	draw := func(rows int) [][]float32 {
		out := make([][]float32, rows)
		for i := range out {
			out[i] = make([]float32, dim)
			for j := range out[i] {
				out[i][j] = float32(2*rng.Float64() - 1)
			}
		}
		return out
	}

	return &Dataset{
		Name:      "random",
		Dimension: dim,
		Vectors:   draw(n),
		Queries:   draw(queries),
	}
}
