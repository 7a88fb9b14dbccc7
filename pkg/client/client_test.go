package client

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"slices"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/opaque/hevec/internal/service"
	"github.com/opaque/hevec/internal/store"
	"github.com/opaque/hevec/pkg/blob"
	"github.com/opaque/hevec/pkg/grpcserver"
	"github.com/opaque/hevec/pkg/hevec"
	"github.com/opaque/hevec/pkg/wire"
)

// startServer serves a fresh service over an in-memory listener.
func startServer(t *testing.T) grpc.ClientConnInterface {
	t.Helper()

	cfg := service.DefaultConfig()
	cfg.Params = hevec.TestParameters
	cfg.MaxConcurrentScores = 4
	cfg.Passphrase = "client test"
	svc, err := service.New(cfg, store.NewMemoryStore(), blob.NewMemoryStore())
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	grpcserver.Register(srv, svc)
	go srv.Serve(lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(64<<20), grpc.MaxCallSendMsgSize(64<<20)),
	)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		srv.Stop()
		svc.Close()
	})
	return conn
}

func newTestClient(t *testing.T, conn grpc.ClientConnInterface, encryptQueries bool) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Params = hevec.TestParameters
	cfg.Seed = []byte(t.Name())
	cfg.Timeout = time.Minute
	cfg.EncryptQueries = encryptQueries

	c, err := NewWithConn(context.Background(), conn, cfg)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if c.SessionID() == "" {
		t.Fatal("no session after key registration")
	}
	return c
}

func randomVectors(rng *rand.Rand, rows, dim int) [][]float32 {
	out := make([][]float32, rows)
	for i := range out {
		out[i] = make([]float32, dim)
		for j := range out[i] {
			out[i][j] = float32(rng.NormFloat64() / 4)
		}
	}
	return out
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func TestEncryptedQueryOnPlaintextCollection(t *testing.T) {
	conn := startServer(t)
	c := newTestClient(t, conn, true)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(1))

	if _, err := c.SetupCollection(ctx, "docs", 8, wire.MetricIP, false); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	vectors := randomVectors(rng, 10, 8)
	payloads := make([]string, len(vectors))
	for i := range payloads {
		payloads[i] = fmt.Sprintf("doc-%d", i)
	}
	if err := c.Insert(ctx, "docs", vectors, payloads); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	// A scaled copy of row 4.
	q := slices.Clone(vectors[4])
	for i := range q {
		q[i] *= 3
	}
	scores, err := c.Query(ctx, "docs", q)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	for i, v := range vectors {
		if math.Abs(float64(scores[i])-dot(q, v)) > 1e-2 {
			t.Errorf("row %d: got %.4f, want %.4f", i, scores[i], dot(q, v))
		}
	}

	results, err := c.QueryAndTopKWithScores(ctx, "docs", q, 3)
	if err != nil {
		t.Fatalf("top-k failed: %v", err)
	}
	want := GetTopKIndices(scores, 3)
	if len(results) != 3 || results[0].Index != want[0] {
		t.Errorf("results %v, want indices %v", results, want)
	}

	payload, err := c.Retrieve(ctx, "docs", results[0].Index)
	if err != nil {
		t.Fatalf("retrieve failed: %v", err)
	}
	if payload != payloads[results[0].Index] {
		t.Errorf("payload = %q", payload)
	}
	private, err := c.RetrievePIR(ctx, "docs", results[0].Index)
	if err != nil {
		t.Fatalf("PIR retrieve failed: %v", err)
	}
	if private != payload {
		t.Errorf("PIR payload = %q, want %q", private, payload)
	}
}

func TestEncryptedCollectionL2(t *testing.T) {
	conn := startServer(t)
	c := newTestClient(t, conn, true)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(2))

	if _, err := c.SetupCollection(ctx, "secret", 6, wire.MetricL2, true); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	vectors := randomVectors(rng, 9, 6)
	if err := c.Insert(ctx, "secret", vectors[:5], nil); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := c.Insert(ctx, "secret", vectors[5:], nil); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	// Nearest neighbour of a slightly shifted row 7 is row 7.
	q := slices.Clone(vectors[7])
	q[0] += 0.01

	scores, err := c.Query(ctx, "secret", q)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(scores) != len(vectors) {
		t.Fatalf("got %d scores", len(scores))
	}
	for i, v := range vectors {
		var want float64
		for j := range v {
			d := float64(q[j]) - float64(v[j])
			want += d * d
		}
		if math.Abs(float64(scores[i])-want) > 2e-2 {
			t.Errorf("row %d: got %.4f, want %.4f", i, scores[i], want)
		}
	}

	res, err := hevec.NewTopK(2)
	if err != nil {
		t.Fatalf("NewTopK: %v", err)
	}
	if err := c.QueryAndTopK(ctx, res, "secret", q); err != nil {
		t.Fatalf("top-k failed: %v", err)
	}
	if best, _ := res.At(0); best != 7 {
		t.Errorf("nearest row = %d, want 7", best)
	}

	// Payloads default to empty.
	private, err := c.RetrievePIR(ctx, "secret", 8)
	if err != nil || private != "" {
		t.Errorf("PIR retrieve = %q, %v", private, err)
	}
}

func TestPlainQueries(t *testing.T) {
	conn := startServer(t)
	c := newTestClient(t, conn, false)
	ctx := context.Background()

	if _, err := c.SetupCollection(ctx, "docs", 2, wire.MetricCosine, false); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if err := c.Insert(ctx, "docs", [][]float32{{2, 0}, {0, 3}, {1, 1}}, nil); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	scores, err := c.Query(ctx, "docs", []float32{5, 0})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	want := []float32{1, 0, float32(math.Sqrt2 / 2)}
	for i := range want {
		if math.Abs(float64(scores[i]-want[i])) > 1e-5 {
			t.Errorf("row %d: got %v, want %v", i, scores[i], want[i])
		}
	}

	ptxt, err := c.QueryPlain(ctx, "docs", []float32{0, 1})
	if err != nil {
		t.Fatalf("QueryPlain failed: %v", err)
	}
	if got := GetTopKIndices(ptxt, 1); got[0] != 1 {
		t.Errorf("best row = %v, want 1", got)
	}
}

func TestClientErrors(t *testing.T) {
	conn := startServer(t)
	c := newTestClient(t, conn, true)
	ctx := context.Background()

	if err := c.Insert(ctx, "nowhere", [][]float32{{1}}, nil); !errors.Is(err, ErrUnknownCollection) {
		t.Errorf("expected ErrUnknownCollection, got %v", err)
	}
	if _, err := c.SetupCollection(ctx, "docs", 2, wire.MetricIP, false); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if err := c.Insert(ctx, "docs", [][]float32{{1, 2}}, []string{"a", "b"}); !errors.Is(err, ErrPayloadCount) {
		t.Errorf("expected ErrPayloadCount, got %v", err)
	}
	if err := c.Insert(ctx, "docs", [][]float32{{1, 2, 3}}, nil); !errors.Is(err, hevec.ErrIndexOutOfRange) {
		t.Errorf("expected ErrIndexOutOfRange, got %v", err)
	}
	if _, err := c.SetupCollection(ctx, "docs", 3, wire.MetricIP, false); status.Code(err) != codes.AlreadyExists {
		t.Errorf("expected AlreadyExists, got %v", err)
	}
	if _, err := c.Retrieve(ctx, "missing", 0); status.Code(err) != codes.NotFound {
		t.Errorf("expected NotFound, got %v", err)
	}
	if _, err := c.RetrievePIR(ctx, "docs", 0); !errors.Is(err, hevec.ErrIndexOutOfRange) {
		t.Errorf("PIR on empty collection: got %v", err)
	}

	if err := c.DropCollection(ctx, "docs"); err != nil {
		t.Fatalf("drop failed: %v", err)
	}
	if _, err := c.Query(ctx, "docs", []float32{1, 2}); !errors.Is(err, ErrUnknownCollection) {
		t.Errorf("query after drop: got %v", err)
	}
}

func TestSecondClientAttaches(t *testing.T) {
	conn := startServer(t)
	ctx := context.Background()

	first := newTestClient(t, conn, false)
	if _, err := first.SetupCollection(ctx, "shared", 1, wire.MetricIP, false); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if err := first.Insert(ctx, "shared", [][]float32{{1}, {2}}, []string{"x", "y"}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	// The second client learns the row count from SETUP.
	second := newTestClient(t, conn, true)
	if _, err := second.SetupCollection(ctx, "shared", 1, wire.MetricIP, false); err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	got, err := second.RetrievePIR(ctx, "shared", 1)
	if err != nil || got != "y" {
		t.Errorf("PIR retrieve = %q, %v", got, err)
	}
}

func TestTerminate(t *testing.T) {
	conn := startServer(t)
	c := newTestClient(t, conn, true)
	ctx := context.Background()

	if err := c.Terminate(ctx); err != nil {
		t.Fatalf("terminate failed: %v", err)
	}
	if c.SessionID() != "" {
		t.Error("session id kept after terminate")
	}
	if err := c.Terminate(ctx); status.Code(err) != codes.Unauthenticated {
		t.Errorf("second terminate: expected Unauthenticated, got %v", err)
	}
}

func TestGetTopKIndices(t *testing.T) {
	scores := []float32{0.1, 0.9, 0.5, 0.9, -1}
	if got := GetTopKIndices(scores, 3); !slices.Equal(got, []int{1, 3, 2}) {
		t.Errorf("GetTopKIndices = %v", got)
	}
	if got := rank(wire.MetricL2, scores, 2); !slices.Equal(got, []int{4, 0}) {
		t.Errorf("L2 rank = %v", got)
	}
	if got := GetTopKIndices(nil, 3); len(got) != 0 {
		t.Errorf("empty scores ranked as %v", got)
	}
	if got := GetTopKIndices(scores, 10); len(got) != len(scores) {
		t.Errorf("k above row count gave %d results", len(got))
	}
}

// integerVectors returns rows of integer coordinates in [0, 50), the range
// of quantized descriptors such as SIFT.
func integerVectors(rng *rand.Rand, rows, dim int) [][]float32 {
	out := make([][]float32, rows)
	for i := range out {
		out[i] = make([]float32, dim)
		for j := range out[i] {
			out[i][j] = float32(rng.Intn(50))
		}
	}
	return out
}

func TestIntegerL2Scores(t *testing.T) {
	const (
		rows   = 8
		dim    = 64
		target = 3
		tol    = 500.0
	)
	conn := startServer(t)
	ctx := context.Background()
	vectors := integerVectors(rand.New(rand.NewSource(9)), rows, dim)

	plain := newTestClient(t, conn, false)
	if _, err := plain.SetupCollection(ctx, "ints", dim, wire.MetricL2, false); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if err := plain.Insert(ctx, "ints", vectors, nil); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	want, err := plain.Query(ctx, "ints", vectors[target])
	if err != nil {
		t.Fatalf("plaintext query failed: %v", err)
	}
	if want[target] != 0 {
		t.Fatalf("plaintext distance to self = %v", want[target])
	}

	cfg := DefaultConfig()
	cfg.Params = hevec.TestParameters
	cfg.Seed = []byte(t.Name())
	cfg.Timeout = time.Minute
	cfg.NormBound = KeyNormBound(wire.MetricL2, vectors)
	c, err := NewWithConn(ctx, conn, cfg)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if _, err := c.SetupCollection(ctx, "ints-enc", dim, wire.MetricL2, true); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if err := c.Insert(ctx, "ints-enc", vectors, nil); err != nil {
		t.Fatalf("encrypted insert failed: %v", err)
	}
	if _, err := c.SetupCollection(ctx, "ints", dim, wire.MetricL2, false); err != nil {
		t.Fatalf("attach failed: %v", err)
	}

	for _, name := range []string{"ints", "ints-enc"} {
		got, err := c.Query(ctx, name, vectors[target])
		if err != nil {
			t.Fatalf("%s: encrypted query failed: %v", name, err)
		}
		for i := range want {
			if math.Abs(float64(got[i]-want[i])) > tol {
				t.Errorf("%s row %d: got %.1f, want %.1f", name, i, got[i], want[i])
			}
		}
		if best := rank(wire.MetricL2, got, 1); best[0] != target {
			t.Errorf("%s: nearest row %d, want %d", name, best[0], target)
		}
	}
}

func TestNormBound(t *testing.T) {
	conn := startServer(t)
	ctx := context.Background()
	c := newTestClient(t, conn, true)

	if _, err := c.SetupCollection(ctx, "small", 4, wire.MetricL2, true); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	// (10, 0, 0, 0) encodes to (10, 0, 0, 0, -50), above the default bound.
	err := c.Insert(ctx, "small", [][]float32{{10, 0, 0, 0}}, nil)
	if !errors.Is(err, hevec.ErrNumericRange) {
		t.Errorf("expected ErrNumericRange, got %v", err)
	}
	if err := c.Insert(ctx, "small", [][]float32{{1, 1, 1, 1}}, nil); err != nil {
		t.Errorf("insert within bound failed: %v", err)
	}

	// A second client adopts the bound the collection was created with.
	cfg := DefaultConfig()
	cfg.Params = hevec.TestParameters
	cfg.Seed = []byte(t.Name())
	cfg.Timeout = time.Minute
	cfg.NormBound = 1e6
	other, err := NewWithConn(ctx, conn, cfg)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if _, err := other.SetupCollection(ctx, "small", 4, wire.MetricL2, true); err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	if got := other.collections["small"].normBound; got != hevec.DefaultNormBound {
		t.Errorf("attached bound = %v, want %v", got, hevec.DefaultNormBound)
	}
}
