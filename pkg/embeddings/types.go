// Package embeddings loads embedding datasets in the TEXMEX .fvecs/.ivecs
// formats (SIFT, GIST, ...) and generates synthetic ones, for loading and
// benchmarking collections.
package embeddings

// Dataset is a set of base vectors with optional queries and ground truth.
type Dataset struct {
	// Name of the dataset (e.g., "sift", "random")
	Name string

	// Dimension of each vector
	Dimension int

	// Vectors is the main dataset (base vectors)
	Vectors [][]float32

	// Queries is the query set (for benchmarking)
	Queries [][]float32

	// GroundTruth[i] holds the indices of the nearest base vectors of
	// Queries[i], nearest first.
	GroundTruth [][]int
}

// Stats returns statistics about the dataset.
func (d *Dataset) Stats() DatasetStats {
	return DatasetStats{
		Name:             d.Name,
		NumVectors:       len(d.Vectors),
		NumQueries:       len(d.Queries),
		Dimension:        d.Dimension,
		HasGroundTruth:   len(d.GroundTruth) > 0,
		GroundTruthDepth: d.groundTruthDepth(),
	}
}

func (d *Dataset) groundTruthDepth() int {
	if len(d.GroundTruth) == 0 {
		return 0
	}
	return len(d.GroundTruth[0])
}

// DatasetStats contains summary statistics about a dataset.
type DatasetStats struct {
	Name             string
	NumVectors       int
	NumQueries       int
	Dimension        int
	HasGroundTruth   bool
	GroundTruthDepth int // Number of ground truth neighbors per query
}

// Subset returns the dataset restricted to its first n base vectors.
// Ground truth refers to the full set and is dropped.
func (d *Dataset) Subset(n int) *Dataset {
	n = min(n, len(d.Vectors))
	return &Dataset{
		Name:      d.Name + "_subset",
		Dimension: d.Dimension,
		Vectors:   d.Vectors[:n],
		Queries:   d.Queries,
	}
}

// Recall returns the fraction of the first k ground-truth neighbours of
// query q found in results.
func (d *Dataset) Recall(q int, results []int, k int) float64 {
	if q >= len(d.GroundTruth) || k <= 0 {
		return 0
	}
	truth := d.GroundTruth[q][:min(k, len(d.GroundTruth[q]))]
	want := make(map[int]struct{}, len(truth))
	for _, idx := range truth {
		want[idx] = struct{}{}
	}
	hits := 0
	for _, idx := range results[:min(k, len(results))] {
		if _, ok := want[idx]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(truth))
}
