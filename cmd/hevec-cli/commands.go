package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"path/filepath"
	"slices"
	"time"

	"github.com/montanaflynn/stats"

	"github.com/opaque/hevec/pkg/client"
	"github.com/opaque/hevec/pkg/embeddings"
	"github.com/opaque/hevec/pkg/wire"
)

func runDemo(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("demo", flag.ExitOnError)
	var conn connFlags
	conn.register(fs)
	rows := fs.Int("rows", 64, "rows per collection")
	dim := fs.Int("dim", 32, "vector dimension")
	k := fs.Int("k", 3, "results per query")
	fs.Parse(args)

	c, err := conn.dial(ctx)
	if err != nil {
		return err
	}
	defer c.Terminate(ctx)

	data := embeddings.Generate(*rows, 0, *dim, 42)
	payloads := make([]string, *rows)
	for i := range payloads {
		payloads[i] = fmt.Sprintf("document %d", i)
	}
	rng := rand.New(rand.NewSource(7))

	for _, metric := range []wire.Metric{wire.MetricIP, wire.MetricL2, wire.MetricCosine} {
		for _, encrypted := range []bool{false, true} {
			name := fmt.Sprintf("demo-%s-%v", metric, encrypted)
			fmt.Printf("=== %s (encrypted=%v) ===\n", metric, encrypted)

			if _, err := c.SetupCollection(ctx, name, *dim, metric, encrypted); err != nil {
				return err
			}
			start := time.Now()
			if err := c.Insert(ctx, name, data.Vectors, payloads); err != nil {
				return err
			}
			fmt.Printf("inserted %d rows in %v\n", *rows, time.Since(start).Round(time.Millisecond))

			// A noisy copy of a random row. Under L2 and COSINE that row ranks first.
			target := rng.Intn(*rows)
			q := slices.Clone(data.Vectors[target])
			for i := range q {
				q[i] += float32(rng.NormFloat64() * 0.05)
			}

			start = time.Now()
			results, err := c.QueryAndTopKWithScores(ctx, name, q, *k)
			if err != nil {
				return err
			}
			fmt.Printf("query (target row %d) in %v\n", target, time.Since(start).Round(time.Millisecond))
			printResults(results)

			if len(results) > 0 {
				start = time.Now()
				payload, err := c.RetrievePIR(ctx, name, results[0].Index)
				if err != nil {
					return err
				}
				fmt.Printf("PIR payload of row %d: %q in %v\n", results[0].Index, payload, time.Since(start).Round(time.Millisecond))
			}

			if err := c.DropCollection(ctx, name); err != nil {
				return err
			}
			fmt.Println()
		}
	}
	return nil
}

func runBench(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("bench", flag.ExitOnError)
	var conn connFlags
	var coll collFlags
	conn.register(fs)
	coll.register(fs)
	rows := fs.Int("rows", 1000, "synthetic rows")
	dim := fs.Int("dim", 128, "synthetic dimension")
	queries := fs.Int("queries", 20, "queries to time")
	k := fs.Int("k", 10, "recall depth")
	dataset := fs.String("dataset", "", "TEXMEX dataset directory (synthetic when empty)")
	datasetName := fs.String("dataset-name", "siftsmall", "dataset file prefix")
	limit := fs.Int("limit", 0, "use only the first n base vectors")
	batch := fs.Int("batch", 1000, "rows per insert")
	fs.Parse(args)

	var data *embeddings.Dataset
	if *dataset != "" {
		var err error
		if data, err = embeddings.FromDir(*dataset, *datasetName); err != nil {
			return err
		}
	} else {
		data = embeddings.Generate(*rows, *queries, *dim, 42)
	}
	if *limit > 0 {
		data = data.Subset(*limit)
	}
	if len(data.Queries) == 0 {
		return errors.New("dataset has no queries")
	}
	st := data.Stats()
	log.Printf("dataset %s: %d vectors, %d queries, dim %d", st.Name, st.NumVectors, st.NumQueries, st.Dimension)

	if err := coll.sizeBound(&conn, data.Vectors); err != nil {
		return err
	}
	c, err := conn.dial(ctx)
	if err != nil {
		return err
	}
	defer c.Terminate(ctx)

	metric, err := coll.setup(ctx, c, data.Dimension)
	if err != nil {
		return err
	}
	start := time.Now()
	if err := insertBatches(ctx, c, coll.name, data.Vectors, *batch); err != nil {
		return err
	}
	log.Printf("inserted %d rows in %v", len(data.Vectors), time.Since(start).Round(time.Millisecond))

	n := min(*queries, len(data.Queries))
	latencies := make([]float64, 0, n)
	var recalls []float64
	for i := 0; i < n; i++ {
		start := time.Now()
		results, err := c.QueryAndTopKWithScores(ctx, coll.name, data.Queries[i], *k)
		if err != nil {
			return err
		}
		latencies = append(latencies, float64(time.Since(start).Microseconds())/1000)

		idx := make([]int, len(results))
		for j, r := range results {
			idx[j] = r.Index
		}
		if metric == wire.MetricL2 && len(data.GroundTruth) > 0 {
			recalls = append(recalls, data.Recall(i, idx, *k))
		}
	}

	mean, _ := stats.Mean(latencies)
	p50, _ := stats.Percentile(latencies, 50)
	p90, _ := stats.Percentile(latencies, 90)
	p99, _ := stats.Percentile(latencies, 99)
	stddev, _ := stats.StandardDeviation(latencies)

	fmt.Printf("Query latency over %d queries (%s, encrypted=%v):\n", n, metric, coll.encrypted)
	fmt.Printf("  Mean:   %.2f ms (stddev %.2f)\n", mean, stddev)
	fmt.Printf("  p50:    %.2f ms\n", p50)
	fmt.Printf("  p90:    %.2f ms\n", p90)
	fmt.Printf("  p99:    %.2f ms\n", p99)
	fmt.Printf("  QPS:    %.1f\n", 1000/mean)
	if len(recalls) > 0 {
		r, _ := stats.Mean(recalls)
		fmt.Printf("  Recall@%d: %.4f\n", *k, r)
	}
	return nil
}

func insertBatches(ctx context.Context, c *client.Client, name string, vectors [][]float32, batch int) error {
	batch = max(batch, 1)
	for lo := 0; lo < len(vectors); lo += batch {
		hi := min(lo+batch, len(vectors))
		if err := c.Insert(ctx, name, vectors[lo:hi], nil); err != nil {
			return fmt.Errorf("rows %d-%d: %w", lo, hi-1, err)
		}
	}
	return nil
}

func runGen(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("gen", flag.ExitOnError)
	rows := fs.Int("rows", 10000, "base vectors")
	queries := fs.Int("queries", 100, "query vectors")
	dim := fs.Int("dim", 128, "vector dimension")
	seed := fs.Int64("seed", 42, "generator seed")
	dir := fs.String("out", ".", "output directory")
	name := fs.String("name", "synthetic", "dataset file prefix")
	fs.Parse(args)

	data := embeddings.Generate(*rows, *queries, *dim, *seed)
	base := filepath.Join(*dir, *name+"_base.fvecs")
	if err := embeddings.SaveFvecs(base, data.Vectors); err != nil {
		return err
	}
	query := filepath.Join(*dir, *name+"_query.fvecs")
	if err := embeddings.SaveFvecs(query, data.Queries); err != nil {
		return err
	}
	fmt.Printf("wrote %s and %s\n", base, query)
	return nil
}

func runLoad(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("load", flag.ExitOnError)
	var conn connFlags
	var coll collFlags
	conn.register(fs)
	coll.register(fs)
	file := fs.String("file", "", ".fvecs file to insert")
	batch := fs.Int("batch", 1000, "rows per insert")
	fs.Parse(args)

	if *file == "" {
		return errors.New("-file is required")
	}
	data, err := embeddings.FromFvecs(*file, coll.name)
	if err != nil {
		return err
	}
	if len(data.Vectors) == 0 {
		return fmt.Errorf("%s holds no vectors", *file)
	}
	if err := coll.sizeBound(&conn, data.Vectors); err != nil {
		return err
	}

	c, err := conn.dial(ctx)
	if err != nil {
		return err
	}
	defer c.Terminate(ctx)

	if _, err := coll.setup(ctx, c, data.Dimension); err != nil {
		return err
	}
	start := time.Now()
	if err := insertBatches(ctx, c, coll.name, data.Vectors, *batch); err != nil {
		return err
	}
	fmt.Printf("loaded %d vectors of dimension %d into %q in %v\n", len(data.Vectors), data.Dimension, coll.name, time.Since(start).Round(time.Millisecond))
	return nil
}

func runQuery(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	var conn connFlags
	var coll collFlags
	conn.register(fs)
	coll.register(fs)
	vector := fs.String("vector", "", "comma-separated query coordinates")
	k := fs.Int("k", 5, "results to print")
	ptxt := fs.Bool("ptxt", false, "use QUERY_PTXT")
	fs.Parse(args)

	q, err := parseVector(*vector)
	if err != nil {
		return err
	}
	c, err := conn.dial(ctx)
	if err != nil {
		return err
	}
	defer c.Terminate(ctx)

	metric, err := coll.setup(ctx, c, len(q))
	if err != nil {
		return err
	}

	start := time.Now()
	var scores []float32
	if *ptxt {
		scores, err = c.QueryPlain(ctx, coll.name, q)
	} else {
		scores, err = c.Query(ctx, coll.name, q)
	}
	if err != nil {
		return err
	}
	fmt.Printf("%d rows scored in %v\n", len(scores), time.Since(start).Round(time.Millisecond))

	order := client.GetTopKIndices(scores, len(scores))
	if metric == wire.MetricL2 {
		slices.Reverse(order)
	}
	results := make([]client.Result, 0, *k)
	for _, idx := range order[:min(*k, len(order))] {
		results = append(results, client.Result{Index: idx, Score: scores[idx]})
	}
	printResults(results)
	return nil
}

func runRetrieve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("retrieve", flag.ExitOnError)
	var conn connFlags
	var coll collFlags
	conn.register(fs)
	coll.register(fs)
	index := fs.Int("index", 0, "row index")
	pir := fs.Bool("pir", false, "retrieve without revealing the index")
	dim := fs.Int("dim", 0, "collection dimension (needed with -pir)")
	fs.Parse(args)

	c, err := conn.dial(ctx)
	if err != nil {
		return err
	}
	defer c.Terminate(ctx)

	var payload string
	if *pir {
		if *dim <= 0 {
			return errors.New("-pir needs -dim")
		}
		if _, err := coll.setup(ctx, c, *dim); err != nil {
			return err
		}
		payload, err = c.RetrievePIR(ctx, coll.name, *index)
	} else {
		payload, err = c.Retrieve(ctx, coll.name, *index)
	}
	if err != nil {
		return err
	}
	fmt.Printf("%q\n", payload)
	return nil
}

func runDrop(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("drop", flag.ExitOnError)
	var conn connFlags
	var coll collFlags
	conn.register(fs)
	coll.register(fs)
	fs.Parse(args)

	c, err := conn.dial(ctx)
	if err != nil {
		return err
	}
	defer c.Terminate(ctx)

	if err := c.DropCollection(ctx, coll.name); err != nil {
		return err
	}
	fmt.Printf("dropped %q\n", coll.name)
	return nil
}
