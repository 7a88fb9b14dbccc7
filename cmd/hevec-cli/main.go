// Command hevec-cli talks to a hevec-server: it loads vectors, runs queries
// and benchmarks, and retrieves payloads.
//
// Keys are generated per invocation. Encrypted collections can only be
// queried with the keys that inserted them, so pass the same -seed to every
// invocation that touches one.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc/credentials"

	"github.com/opaque/hevec/pkg/client"
	"github.com/opaque/hevec/pkg/wire"
)

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, args []string) error
}

var commands = []command{
	{"demo", "synthetic end-to-end run on every metric", runDemo},
	{"bench", "query latency and recall on a synthetic or .fvecs dataset", runBench},
	{"gen", "write a synthetic dataset as .fvecs files", runGen},
	{"load", "insert an .fvecs file into a collection", runLoad},
	{"query", "score one query and print the top rows", runQuery},
	{"retrieve", "fetch a payload, optionally through PIR", runRetrieve},
	{"drop", "drop a collection", runDrop},
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: hevec-cli <command> [flags]\n\ncommands:\n")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-9s %s\n", c.name, c.summary)
	}
	fmt.Fprintf(os.Stderr, "\nRun hevec-cli <command> -h for the flags of a command.\n")
}

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	for _, c := range commands {
		if c.name == os.Args[1] {
			if err := c.run(context.Background(), os.Args[2:]); err != nil {
				log.Fatalf("%s: %v", c.name, err)
			}
			return
		}
	}
	usage()
	os.Exit(2)
}

// connFlags are the connection settings every command shares.
type connFlags struct {
	addr       string
	paramsFile string
	caFile     string
	seed       string
	timeout    time.Duration
	plainQuery bool
	normBound  float64
}

func (f *connFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.addr, "addr", "localhost:50051", "server address")
	fs.StringVar(&f.paramsFile, "params", "", "JSON scheme parameters file (must match the server)")
	fs.StringVar(&f.caFile, "tls-ca", "", "CA certificate for TLS (plaintext when empty)")
	fs.StringVar(&f.seed, "seed", "", "key generation seed (random when empty)")
	fs.DurationVar(&f.timeout, "timeout", 5*time.Minute, "per-call deadline")
	fs.BoolVar(&f.plainQuery, "plain-query", false, "send float queries to plaintext collections")
	fs.Float64Var(&f.normBound, "norm-bound", 0, "encoded key norm bound for new encrypted collections (server default when 0)")
}

func (f *connFlags) dial(ctx context.Context) (*client.Client, error) {
	cfg := client.DefaultConfig()
	cfg.Address = f.addr
	cfg.Timeout = f.timeout
	cfg.EncryptQueries = !f.plainQuery
	cfg.NormBound = f.normBound
	if f.seed != "" {
		cfg.Seed = []byte(f.seed)
	}
	if f.paramsFile != "" {
		data, err := os.ReadFile(f.paramsFile)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &cfg.Params); err != nil {
			return nil, fmt.Errorf("failed to parse parameters: %w", err)
		}
	}
	if f.caFile != "" {
		creds, err := credentials.NewClientTLSFromFile(f.caFile, "")
		if err != nil {
			return nil, fmt.Errorf("failed to load CA: %w", err)
		}
		cfg.Credentials = creds
	}

	start := time.Now()
	c, err := client.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	log.Printf("session %s registered in %v", c.SessionID(), time.Since(start).Round(time.Millisecond))
	return c, nil
}

// collFlags name a collection and the parameters it was set up with.
type collFlags struct {
	name      string
	metric    string
	encrypted bool
}

func (f *collFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.name, "collection", "default", "collection name")
	fs.StringVar(&f.metric, "metric", "IP", "IP, L2 or COSINE")
	fs.BoolVar(&f.encrypted, "encrypted", false, "store encrypted keys instead of plaintext vectors")
}

// sizeBound sets the norm bound of a new encrypted collection from the rows
// about to be inserted, unless -norm-bound was given.
func (f *collFlags) sizeBound(conn *connFlags, vectors [][]float32) error {
	metric, err := wire.ParseMetric(f.metric)
	if err != nil {
		return err
	}
	if f.encrypted && conn.normBound == 0 {
		conn.normBound = client.KeyNormBound(metric, vectors)
	}
	return nil
}

func (f *collFlags) setup(ctx context.Context, c *client.Client, dim int) (wire.Metric, error) {
	metric, err := wire.ParseMetric(f.metric)
	if err != nil {
		return 0, err
	}
	if _, err := c.SetupCollection(ctx, f.name, dim, metric, f.encrypted); err != nil {
		return 0, err
	}
	return metric, nil
}

func parseVector(s string) ([]float32, error) {
	fields := strings.Split(s, ",")
	out := make([]float32, len(fields))
	for i, f := range fields {
		x, err := strconv.ParseFloat(strings.TrimSpace(f), 32)
		if err != nil {
			return nil, fmt.Errorf("coordinate %d: %w", i, err)
		}
		out[i] = float32(x)
	}
	return out, nil
}

func printResults(results []client.Result) {
	for i, r := range results {
		fmt.Printf("  %2d. row %-8d score %.5f\n", i+1, r.Index, r.Score)
	}
}
