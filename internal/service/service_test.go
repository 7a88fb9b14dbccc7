package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/opaque/hevec/internal/session"
	"github.com/opaque/hevec/internal/store"
	"github.com/opaque/hevec/pkg/blob"
	"github.com/opaque/hevec/pkg/client"
	"github.com/opaque/hevec/pkg/hevec"
	"github.com/opaque/hevec/pkg/wire"
)

var (
	encOnce sync.Once
	testEnc *client.Encryptor
	encErr  error
)

func testEncryptor(t *testing.T) *client.Encryptor {
	t.Helper()
	encOnce.Do(func() {
		params, err := hevec.NewParametersFromLiteral(hevec.TestParameters)
		if err != nil {
			encErr = err
			return
		}
		testEnc, encErr = client.NewEncryptor(params, []byte("service test keys"))
	})
	if encErr != nil {
		t.Fatalf("failed to create encryptor: %v", encErr)
	}
	return testEnc
}

func newTestService(t *testing.T, passphrase string) (*Service, string) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Params = hevec.TestParameters
	cfg.MaxConcurrentScores = 4
	cfg.Passphrase = passphrase

	svc, err := New(cfg, store.NewMemoryStore(), blob.NewMemoryStore())
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	t.Cleanup(func() { svc.Close() })

	keys, err := testEncryptor(t).EvaluationKeys()
	if err != nil {
		t.Fatalf("failed to serialize keys: %v", err)
	}
	resp, err := svc.RegisterKeys(&wire.RegisterKeysRequest{Keys: keys, TTLSeconds: 600})
	if err != nil {
		t.Fatalf("failed to register keys: %v", err)
	}
	return svc, resp.SessionID
}

func randomVectors(rng *rand.Rand, rows, dim int) [][]float32 {
	out := make([][]float32, rows)
	for i := range out {
		out[i] = make([]float32, dim)
		for j := range out[i] {
			out[i][j] = float32(rng.Float64() - 0.5)
		}
	}
	return out
}

func expectedScore(metric wire.Metric, q, v []float32) float64 {
	var dot, qq, vv float64
	for i := range q {
		dot += float64(q[i]) * float64(v[i])
		qq += float64(q[i]) * float64(q[i])
		vv += float64(v[i]) * float64(v[i])
	}
	switch metric {
	case wire.MetricL2:
		return qq - 2*dot + vv
	case wire.MetricCosine:
		return dot / math.Sqrt(qq*vv)
	}
	return dot
}

func checkScores(t *testing.T, metric wire.Metric, q []float32, vectors [][]float32, got []float32, tol float64) {
	t.Helper()
	if len(got) != len(vectors) {
		t.Fatalf("got %d scores for %d rows", len(got), len(vectors))
	}
	for i, v := range vectors {
		want := expectedScore(metric, q, v)
		if math.Abs(float64(got[i])-want) > tol {
			t.Errorf("%v row %d: got %.5f, want %.5f", metric, i, got[i], want)
		}
	}
}

func setup(t *testing.T, svc *Service, name string, dim int, metric wire.Metric, encrypted bool) {
	t.Helper()
	req := &wire.SetupRequest{Name: name, Dim: uint64(dim), Metric: metric, Encrypted: encrypted}
	if _, err := svc.Setup(context.Background(), req); err != nil {
		t.Fatalf("setup %q failed: %v", name, err)
	}
}

func insertPlain(t *testing.T, svc *Service, name string, vectors [][]float32) {
	t.Helper()
	req := &wire.InsertRequest{Name: name, Cols: uint64(len(vectors[0])), Kind: wire.KindFloat, Vectors: vectors, Payloads: make([]string, len(vectors))}
	if _, err := svc.Insert(context.Background(), "", req); err != nil {
		t.Fatalf("insert into %q failed: %v", name, err)
	}
}

func insertEncrypted(t *testing.T, svc *Service, sessionID, name string, metric wire.Metric, vectors [][]float32) {
	t.Helper()
	cts, err := testEncryptor(t).EncryptKeys(metric, vectors, keyNormBound(metric, 0))
	if err != nil {
		t.Fatalf("failed to encrypt keys: %v", err)
	}
	req := &wire.InsertRequest{Name: name, Cols: uint64(len(vectors[0])), Kind: wire.KindCiphertext, Ciphertexts: cts, Payloads: make([]string, len(vectors))}
	if _, err := svc.Insert(context.Background(), sessionID, req); err != nil {
		t.Fatalf("encrypted insert into %q failed: %v", name, err)
	}
}

func encryptedQuery(t *testing.T, svc *Service, sessionID, name string, metric wire.Metric, q []float32) []float32 {
	t.Helper()
	enc := testEncryptor(t)
	chunks, err := enc.EncryptQuery(metric, q)
	if err != nil {
		t.Fatalf("failed to encrypt query: %v", err)
	}
	resp, err := svc.Query(context.Background(), sessionID, &wire.QueryRequest{Name: name, Kind: wire.KindCiphertext, Chunks: chunks})
	if err != nil {
		t.Fatalf("encrypted query failed: %v", err)
	}
	scores, err := enc.DecryptScores(metric, q, resp.Blobs, int(resp.Rows), resp.KeyNorm)
	if err != nil {
		t.Fatalf("failed to decrypt scores: %v", err)
	}
	return scores
}

var metrics = []wire.Metric{wire.MetricIP, wire.MetricL2, wire.MetricCosine}

func TestSetup(t *testing.T) {
	svc, _ := newTestService(t, "")
	ctx := context.Background()

	resp, err := svc.Setup(ctx, &wire.SetupRequest{Name: "docs", Dim: 4, Metric: wire.MetricIP})
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if resp.ID != store.CollectionID("docs") || resp.Rows != 0 {
		t.Errorf("unexpected response %+v", resp)
	}

	insertPlain(t, svc, "docs", randomVectors(rand.New(rand.NewSource(1)), 3, 4))

	again, err := svc.Setup(ctx, &wire.SetupRequest{Name: "docs", Dim: 4, Metric: wire.MetricIP})
	if err != nil {
		t.Fatalf("idempotent setup failed: %v", err)
	}
	if again.ID != resp.ID || again.Rows != 3 {
		t.Errorf("idempotent setup returned %+v", again)
	}

	_, err = svc.Setup(ctx, &wire.SetupRequest{Name: "docs", Dim: 5, Metric: wire.MetricIP})
	if !errors.Is(err, ErrCollectionExists) {
		t.Errorf("expected ErrCollectionExists, got %v", err)
	}
	for _, bad := range []*wire.SetupRequest{{Name: "", Dim: 4}, {Name: "x", Dim: 0}, {Name: "x", Dim: MaxDim + 1}} {
		if _, err := svc.Setup(ctx, bad); !errors.Is(err, wire.ErrMalformed) {
			t.Errorf("setup %+v: expected ErrMalformed, got %v", bad, err)
		}
	}
}

func TestPlaintextQuery(t *testing.T) {
	svc, _ := newTestService(t, "")
	ctx := context.Background()
	rng := rand.New(rand.NewSource(2))

	for _, metric := range metrics {
		name := "plain-" + metric.String()
		setup(t, svc, name, 6, metric, false)
		vectors := randomVectors(rng, 7, 6)
		insertPlain(t, svc, name, vectors[:3])
		insertPlain(t, svc, name, vectors[3:])

		q := randomVectors(rng, 1, 6)[0]
		resp, err := svc.Query(ctx, "", &wire.QueryRequest{Name: name, Kind: wire.KindFloat, Vector: q})
		if err != nil {
			t.Fatalf("%v query failed: %v", metric, err)
		}
		if resp.Kind != wire.KindFloat || resp.Rows != 7 {
			t.Errorf("%v: unexpected response kind %d rows %d", metric, resp.Kind, resp.Rows)
		}
		checkScores(t, metric, q, vectors, resp.Scores, 1e-4)

		ptxt, err := svc.QueryPtxt(ctx, &wire.QueryPtxtRequest{Name: name, Vector: q})
		if err != nil {
			t.Fatalf("%v QUERY_PTXT failed: %v", metric, err)
		}
		checkScores(t, metric, q, vectors, ptxt.Scores, 1e-4)
	}

	if _, err := svc.QueryPtxt(ctx, &wire.QueryPtxtRequest{Name: "plain-IP", Vector: []float32{1}}); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}
	if _, err := svc.QueryPtxt(ctx, &wire.QueryPtxtRequest{Name: "missing", Vector: []float32{1}}); !errors.Is(err, ErrCollectionNotFound) {
		t.Errorf("expected ErrCollectionNotFound, got %v", err)
	}
}

func TestEncryptedQueryOnPlaintextCollection(t *testing.T) {
	svc, sessionID := newTestService(t, "")
	rng := rand.New(rand.NewSource(3))

	for _, metric := range metrics {
		name := "mixed-" + metric.String()
		setup(t, svc, name, 8, metric, false)
		vectors := randomVectors(rng, 6, 8)
		insertPlain(t, svc, name, vectors[:5])

		q := randomVectors(rng, 1, 8)[0]
		checkScores(t, metric, q, vectors[:5], encryptedQuery(t, svc, sessionID, name, metric, q), 1e-2)

		// The plaintext packs are rebuilt after an insert.
		insertPlain(t, svc, name, vectors[5:])
		checkScores(t, metric, q, vectors, encryptedQuery(t, svc, sessionID, name, metric, q), 1e-2)
	}
}

func TestEncryptedCollection(t *testing.T) {
	svc, sessionID := newTestService(t, "")
	rng := rand.New(rand.NewSource(4))
	rank := svc.Parameters().Rank()

	for _, metric := range metrics {
		name := "enc-" + metric.String()
		setup(t, svc, name, 10, metric, true)

		// Batches that end inside a pack group exercise the tail repacking.
		vectors := randomVectors(rng, 2*rank+3, 10)
		insertEncrypted(t, svc, sessionID, name, metric, vectors[:rank-1])
		insertEncrypted(t, svc, sessionID, name, metric, vectors[rank-1:rank+2])
		insertEncrypted(t, svc, sessionID, name, metric, vectors[rank+2:])

		q := randomVectors(rng, 1, 10)[0]
		checkScores(t, metric, q, vectors, encryptedQuery(t, svc, sessionID, name, metric, q), 1e-2)
	}
}

func TestEncryptedCollectionChunked(t *testing.T) {
	svc, sessionID := newTestService(t, "")
	rng := rand.New(rand.NewSource(5))

	// More coordinates than one ring element of degree n holds.
	dim := svc.Parameters().InvRank() + 20
	setup(t, svc, "wide", dim, wire.MetricIP, true)
	vectors := randomVectors(rng, 3, dim)
	insertEncrypted(t, svc, sessionID, "wide", wire.MetricIP, vectors)

	q := randomVectors(rng, 1, dim)[0]
	checkScores(t, wire.MetricIP, q, vectors, encryptedQuery(t, svc, sessionID, "wide", wire.MetricIP, q), 1e-2)
}

func TestCollectionKindErrors(t *testing.T) {
	svc, sessionID := newTestService(t, "")
	ctx := context.Background()
	rng := rand.New(rand.NewSource(6))
	enc := testEncryptor(t)

	setup(t, svc, "enc", 4, wire.MetricIP, true)
	setup(t, svc, "plain", 4, wire.MetricIP, false)
	vectors := randomVectors(rng, 2, 4)
	cts, err := enc.EncryptKeys(wire.MetricIP, vectors, hevec.DefaultNormBound)
	if err != nil {
		t.Fatalf("failed to encrypt keys: %v", err)
	}

	_, err = svc.Insert(ctx, sessionID, &wire.InsertRequest{Name: "enc", Cols: 4, Kind: wire.KindFloat, Vectors: vectors, Payloads: []string{"", ""}})
	if !errors.Is(err, ErrEncryptedCollection) {
		t.Errorf("float insert into encrypted collection: got %v", err)
	}
	_, err = svc.Insert(ctx, sessionID, &wire.InsertRequest{Name: "plain", Cols: 4, Kind: wire.KindCiphertext, Ciphertexts: cts, Payloads: []string{"", ""}})
	if !errors.Is(err, ErrNotEncrypted) {
		t.Errorf("ciphertext insert into plaintext collection: got %v", err)
	}
	_, err = svc.Insert(ctx, "", &wire.InsertRequest{Name: "enc", Cols: 4, Kind: wire.KindCiphertext, Ciphertexts: cts, Payloads: []string{"", ""}})
	if !errors.Is(err, ErrNoSession) {
		t.Errorf("insert without session: got %v", err)
	}
	_, err = svc.Insert(ctx, "no-such-session", &wire.InsertRequest{Name: "enc", Cols: 4, Kind: wire.KindCiphertext, Ciphertexts: cts, Payloads: []string{"", ""}})
	if !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("insert with unknown session: got %v", err)
	}
	_, err = svc.Insert(ctx, sessionID, &wire.InsertRequest{Name: "enc", Cols: 5, Kind: wire.KindCiphertext, Ciphertexts: cts, Payloads: []string{"", ""}})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("insert with wrong columns: got %v", err)
	}

	// Query ciphertexts are rejected as keys.
	q, _ := enc.EncryptQuery(wire.MetricIP, vectors[0])
	_, err = svc.Insert(ctx, sessionID, &wire.InsertRequest{Name: "enc", Cols: 4, Kind: wire.KindCiphertext, Ciphertexts: [][][]byte{q}, Payloads: []string{""}})
	if !errors.Is(err, hevec.ErrDomainMismatch) {
		t.Errorf("query ciphertext inserted as key: got %v", err)
	}

	if _, err := svc.QueryPtxt(ctx, &wire.QueryPtxtRequest{Name: "enc", Vector: vectors[0]}); !errors.Is(err, ErrEncryptedCollection) {
		t.Errorf("QUERY_PTXT on encrypted collection: got %v", err)
	}
	_, err = svc.Query(ctx, sessionID, &wire.QueryRequest{Name: "enc", Kind: wire.KindCiphertext, Chunks: [][]byte{q[0], q[0]}})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("query with extra chunk: got %v", err)
	}
	_, err = svc.Query(ctx, sessionID, &wire.QueryRequest{Name: "enc", Kind: wire.KindCiphertext, Chunks: [][]byte{{1, 2, 3}}})
	if !errors.Is(err, wire.ErrMalformed) {
		t.Errorf("query with garbage chunk: got %v", err)
	}

	// Failed inserts leave the collections empty.
	for _, name := range []string{"enc", "plain"} {
		coll, err := svc.catalog.Get(ctx, name)
		if err != nil || coll.Rows != 0 {
			t.Errorf("%s: rows %d, err %v", name, coll.Rows, err)
		}
	}
}

func TestEmptyEncryptedCollection(t *testing.T) {
	svc, sessionID := newTestService(t, "")
	setup(t, svc, "empty", 4, wire.MetricIP, true)

	scores := encryptedQuery(t, svc, sessionID, "empty", wire.MetricIP, []float32{1, 0, 0, 0})
	if len(scores) != 0 {
		t.Errorf("expected no scores, got %v", scores)
	}
}

func TestRetrieve(t *testing.T) {
	for _, passphrase := range []string{"", "storage passphrase"} {
		t.Run(fmt.Sprintf("sealed=%v", passphrase != ""), func(t *testing.T) {
			svc, _ := newTestService(t, passphrase)
			ctx := context.Background()

			setup(t, svc, "docs", 2, wire.MetricIP, false)
			payloads := []string{"alpha", "", "gamma"}
			req := &wire.InsertRequest{Name: "docs", Cols: 2, Kind: wire.KindFloat, Vectors: [][]float32{{1, 0}, {0, 1}, {1, 1}}, Payloads: payloads}
			if _, err := svc.Insert(ctx, "", req); err != nil {
				t.Fatalf("insert failed: %v", err)
			}

			for i, want := range payloads {
				resp, err := svc.Retrieve(ctx, &wire.RetrieveRequest{Name: "docs", Index: uint64(i)})
				if err != nil {
					t.Fatalf("retrieve %d failed: %v", i, err)
				}
				if resp.Payload != want {
					t.Errorf("row %d: got %q, want %q", i, resp.Payload, want)
				}
			}

			stored, err := svc.blobs.Get(ctx, "docs", 0)
			if err != nil {
				t.Fatalf("blob lookup failed: %v", err)
			}
			if stored.Sealed != (passphrase != "") {
				t.Errorf("sealed = %v", stored.Sealed)
			}
			if stored.Sealed && string(stored.Data) == "alpha" {
				t.Error("sealed payload stored in the clear")
			}

			if _, err := svc.Retrieve(ctx, &wire.RetrieveRequest{Name: "docs", Index: 3}); !errors.Is(err, blob.ErrBlobNotFound) {
				t.Errorf("expected ErrBlobNotFound, got %v", err)
			}
		})
	}
}

func TestPayloadTooLarge(t *testing.T) {
	svc, _ := newTestService(t, "")
	setup(t, svc, "docs", 1, wire.MetricIP, false)

	big := string(make([]byte, wire.MaxPayloadSize+1))
	req := &wire.InsertRequest{Name: "docs", Cols: 1, Kind: wire.KindFloat, Vectors: [][]float32{{1}}, Payloads: []string{big}}
	if _, err := svc.Insert(context.Background(), "", req); !errors.Is(err, wire.ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
}

func pirRetrieve(t *testing.T, svc *Service, sessionID, name string, rows, index int) string {
	t.Helper()
	enc := testEncryptor(t)
	chunks, err := enc.PIRSelectors(rows, index)
	if err != nil {
		t.Fatalf("failed to build selectors: %v", err)
	}
	resp, err := svc.PIRRetrieve(context.Background(), sessionID, &wire.PIRRequest{Name: name, Chunks: chunks})
	if err != nil {
		t.Fatalf("PIR retrieve %d failed: %v", index, err)
	}
	payload, err := enc.DecodePIR(resp.Blobs)
	if err != nil {
		t.Fatalf("failed to decode PIR response: %v", err)
	}
	return string(payload)
}

func TestPIRRetrieve(t *testing.T) {
	svc, sessionID := newTestService(t, "pir passphrase")
	ctx := context.Background()
	n := svc.Parameters().InvRank()

	// Enough rows for two selector chunks.
	rows := n + 9
	setup(t, svc, "docs", 1, wire.MetricIP, false)
	vectors := make([][]float32, rows)
	payloads := make([]string, rows)
	for i := range vectors {
		vectors[i] = []float32{float32(i)}
		payloads[i] = fmt.Sprintf("payload-%d", i*i)
	}
	payloads[3] = ""
	payloads[7] = "\x00\xff binary \x80"
	if _, err := svc.Insert(ctx, "", &wire.InsertRequest{Name: "docs", Cols: 1, Kind: wire.KindFloat, Vectors: vectors, Payloads: payloads}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	for _, i := range []int{0, 3, 7, n - 1, n, rows - 1} {
		if got := pirRetrieve(t, svc, sessionID, "docs", rows, i); got != payloads[i] {
			t.Errorf("row %d: got %q, want %q", i, got, payloads[i])
		}
	}

	// A longer payload widens the record table.
	long := "a considerably longer payload than any before it"
	if _, err := svc.Insert(ctx, "", &wire.InsertRequest{Name: "docs", Cols: 1, Kind: wire.KindFloat, Vectors: [][]float32{{0}}, Payloads: []string{long}}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if got := pirRetrieve(t, svc, sessionID, "docs", rows+1, rows); got != long {
		t.Errorf("new row: got %q", got)
	}
	if got := pirRetrieve(t, svc, sessionID, "docs", rows+1, 1); got != payloads[1] {
		t.Errorf("old row after widening: got %q", got)
	}

	// Selectors for a stale row count are rejected.
	chunks, _ := testEncryptor(t).PIRSelectors(5, 0)
	if _, err := svc.PIRRetrieve(ctx, sessionID, &wire.PIRRequest{Name: "docs", Chunks: chunks}); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}
	if _, err := svc.PIRRetrieve(ctx, "", &wire.PIRRequest{Name: "docs", Chunks: chunks}); !errors.Is(err, ErrNoSession) {
		t.Errorf("expected ErrNoSession, got %v", err)
	}
}

func TestDropCollection(t *testing.T) {
	svc, _ := newTestService(t, "")
	ctx := context.Background()

	setup(t, svc, "docs", 2, wire.MetricIP, false)
	insertPlain(t, svc, "docs", [][]float32{{1, 2}})

	if _, err := svc.DropCollection(ctx, &wire.NameRequest{Name: "docs"}); err != nil {
		t.Fatalf("drop failed: %v", err)
	}
	if _, err := svc.Retrieve(ctx, &wire.RetrieveRequest{Name: "docs"}); !errors.Is(err, ErrCollectionNotFound) {
		t.Errorf("expected ErrCollectionNotFound, got %v", err)
	}
	if buckets, _ := svc.blobs.ListBuckets(ctx); len(buckets) != 0 {
		t.Errorf("payloads survived drop: %v", buckets)
	}
	if _, err := svc.DropCollection(ctx, &wire.NameRequest{Name: "docs"}); !errors.Is(err, ErrCollectionNotFound) {
		t.Errorf("second drop: expected ErrCollectionNotFound, got %v", err)
	}

	// The name is free again, with new parameters.
	setup(t, svc, "docs", 3, wire.MetricL2, false)
	insertPlain(t, svc, "docs", [][]float32{{1, 2, 3}})
	resp, err := svc.QueryPtxt(ctx, &wire.QueryPtxtRequest{Name: "docs", Vector: []float32{1, 2, 3}})
	if err != nil || len(resp.Scores) != 1 || resp.Scores[0] != 0 {
		t.Errorf("query after re-create: %v, %v", resp, err)
	}
}

func TestHandle(t *testing.T) {
	svc, sessionID := newTestService(t, "")
	ctx := context.Background()

	frame, err := wire.NewFrame(wire.OpSetup, &wire.SetupRequest{Name: "docs", Dim: 3, Metric: wire.MetricCosine})
	if err != nil {
		t.Fatalf("failed to encode frame: %v", err)
	}
	out, err := svc.Handle(ctx, "", frame)
	if err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if out.Op != wire.OpSetup {
		t.Errorf("response op %v", out.Op)
	}
	var setupResp wire.SetupResponse
	if err := out.Decode(&setupResp); err != nil || setupResp.ID != store.CollectionID("docs") {
		t.Errorf("setup response %+v, %v", setupResp, err)
	}

	if _, err := svc.Handle(ctx, "", &wire.Frame{Op: wire.OpSetup, Body: []byte{1}}); !errors.Is(err, wire.ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
	if _, err := svc.Handle(ctx, "", &wire.Frame{Op: wire.Operation(200)}); !errors.Is(err, wire.ErrUnknownOp) {
		t.Errorf("expected ErrUnknownOp, got %v", err)
	}

	terminate, _ := wire.NewFrame(wire.OpTerminate, &wire.Empty{})
	if _, err := svc.Handle(ctx, sessionID, terminate); err != nil {
		t.Fatalf("terminate failed: %v", err)
	}
	if _, err := svc.Handle(ctx, sessionID, terminate); !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("second terminate: expected ErrSessionNotFound, got %v", err)
	}
	if _, err := svc.Handle(ctx, "", terminate); !errors.Is(err, ErrNoSession) {
		t.Errorf("terminate without session: expected ErrNoSession, got %v", err)
	}
}

func TestRegisterKeys(t *testing.T) {
	svc, sessionID := newTestService(t, "")

	if _, err := svc.RegisterKeys(&wire.RegisterKeysRequest{Keys: []byte("not keys"), TTLSeconds: 60}); !errors.Is(err, wire.ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
	if svc.GetSessionCount() != 1 {
		t.Errorf("expected 1 session, got %d", svc.GetSessionCount())
	}
	if _, err := svc.server(sessionID); err != nil {
		t.Errorf("session lookup failed: %v", err)
	}

	// Keys generated for other parameters are refused.
	other, err := hevec.NewParametersFromLiteral(hevec.ParametersLiteral{LogN: 10, LogRank: 1, LogQ: 52, LogP: 56, Sigma: 3.2})
	if err != nil {
		t.Fatalf("failed to create parameters: %v", err)
	}
	enc, err := client.NewEncryptor(other, []byte("other"))
	if err != nil {
		t.Fatalf("failed to create encryptor: %v", err)
	}
	keys, _ := enc.EvaluationKeys()
	if _, err := svc.RegisterKeys(&wire.RegisterKeysRequest{Keys: keys, TTLSeconds: 60}); err == nil {
		t.Error("keys for other parameters were accepted")
	}
}

func TestHealthCheck(t *testing.T) {
	svc, _ := newTestService(t, "")
	setup(t, svc, "a", 1, wire.MetricIP, false)
	setup(t, svc, "b", 1, wire.MetricIP, true)

	ok, msg, sessions, collections := svc.HealthCheck(context.Background())
	if !ok || msg != "healthy" {
		t.Errorf("unhealthy: %s", msg)
	}
	if sessions != 1 || collections != 2 {
		t.Errorf("got %d sessions, %d collections", sessions, collections)
	}
}

func TestParallelStopsOnCancel(t *testing.T) {
	svc, _ := newTestService(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := svc.parallel(ctx, 10, func(int) error { calls++; return nil })
	if !errors.Is(err, context.Canceled) || calls != 0 {
		t.Errorf("got %v after %d calls", err, calls)
	}

	err = svc.parallel(context.Background(), 3, func(i int) error {
		if i == 1 {
			return errors.New("boom")
		}
		time.Sleep(time.Millisecond)
		return nil
	})
	if err == nil || err.Error() != "boom" {
		t.Errorf("expected joined error, got %v", err)
	}
}
