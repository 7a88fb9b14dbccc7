// Package client provides the HEVEC SDK for privacy-preserving vector search.
//
// A Client generates its keys locally, registers the public evaluation keys
// with the server, and talks to it through single-frame gRPC calls. Scores
// and PIR records come back encrypted and are decrypted here.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/opaque/hevec/pkg/hevec"
	"github.com/opaque/hevec/pkg/wire"
)

var (
	// ErrPayloadCount is returned when payloads do not match the vectors one to one.
	ErrPayloadCount = errors.New("payload count does not match vector count")

	// ErrUnknownCollection is returned for a collection this client has not set up.
	ErrUnknownCollection = errors.New("collection not set up by this client")
)

// Config holds client configuration.
type Config struct {
	// Server address, host:port.
	Address string

	// Scheme parameters; must match the server.
	Params hevec.ParametersLiteral

	// Session lifetime requested at key registration.
	SessionTTL time.Duration

	// Per-call deadline. Zero disables it.
	Timeout time.Duration

	// gRPC message size limit in both directions.
	MaxMessageSize int

	// Transport credentials. Nil means plaintext.
	Credentials credentials.TransportCredentials

	// EncryptQueries sends encrypted queries to plaintext collections too.
	// Encrypted collections always receive encrypted queries.
	EncryptQueries bool

	// Seed makes key generation reproducible. Nil uses crypto/rand.
	Seed []byte

	// NormBound caps the encoded key norm of encrypted collections this
	// client creates. Under L2 a key v encodes to (v, -|v|^2/2). Zero uses
	// hevec.DefaultNormBound; COSINE collections always use 1.
	NormBound float64
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		Address:        "localhost:50051",
		Params:         hevec.DefaultParameters,
		SessionTTL:     time.Hour,
		Timeout:        2 * time.Minute,
		MaxMessageSize: 64 << 20,
		EncryptQueries: true,
	}
}

// Result is one ranked row.
type Result struct {
	Index int
	Score float32
}

type collectionInfo struct {
	id        uint64
	dim       int
	metric    wire.Metric
	encrypted bool
	rows      int
	normBound float64
}

// Client is the main SDK entry point.
type Client struct {
	config Config
	conn   grpc.ClientConnInterface
	owned  *grpc.ClientConn
	enc    *Encryptor

	sessionID string

	mu          sync.RWMutex
	collections map[string]*collectionInfo
}

// New dials cfg.Address, generates keys and registers them.
func New(ctx context.Context, cfg Config) (*Client, error) {
	creds := cfg.Credentials
	if creds == nil {
		creds = insecure.NewCredentials()
	}
	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
			grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Address, err)
	}

	c, err := NewWithConn(ctx, conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	c.owned = conn
	return c, nil
}

// NewWithConn is New over an existing connection, which the caller keeps
// ownership of.
func NewWithConn(ctx context.Context, conn grpc.ClientConnInterface, cfg Config) (*Client, error) {
	params, err := hevec.NewParametersFromLiteral(cfg.Params)
	if err != nil {
		return nil, fmt.Errorf("failed to create parameters: %w", err)
	}
	enc, err := NewEncryptor(params, cfg.Seed)
	if err != nil {
		return nil, err
	}

	c := &Client{
		config:      cfg,
		conn:        conn,
		enc:         enc,
		collections: make(map[string]*collectionInfo),
	}

	keys, err := enc.EvaluationKeys()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize evaluation keys: %w", err)
	}
	var resp wire.SessionResponse
	req := &wire.RegisterKeysRequest{Keys: keys, TTLSeconds: uint64(cfg.SessionTTL / time.Second)}
	if err := c.call(ctx, wire.OpRegisterKeys, req, &resp); err != nil {
		return nil, fmt.Errorf("failed to register keys: %w", err)
	}
	c.mu.Lock()
	c.sessionID = resp.SessionID
	c.mu.Unlock()
	return c, nil
}

// SessionID returns the server session bound to this client's keys.
func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// Encryptor returns the client's key holder.
func (c *Client) Encryptor() *Encryptor { return c.enc }

func (c *Client) call(ctx context.Context, op wire.Operation, req, resp wire.Message) error {
	frame, err := wire.NewFrame(op, req)
	if err != nil {
		return err
	}
	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}
	if id := c.SessionID(); id != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, wire.SessionHeader, id)
	}

	out := new(wire.Frame)
	if err := c.conn.Invoke(ctx, wire.MethodCall, frame, out, grpc.CallContentSubtype(wire.CodecName)); err != nil {
		return fmt.Errorf("%v: %w", op, err)
	}
	if out.Op != op {
		return fmt.Errorf("%w: %v answered with %v", wire.ErrMalformed, op, out.Op)
	}
	return out.Decode(resp)
}

func (c *Client) info(name string) (*collectionInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	info, ok := c.collections[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCollection, name)
	}
	return info, nil
}

// SetupCollection creates the collection, or attaches to it when it already
// exists with the same parameters, and returns its id. An encrypted
// collection stores only key ciphertexts.
func (c *Client) SetupCollection(ctx context.Context, name string, dim int, metric wire.Metric, encrypted bool) (uint64, error) {
	var resp wire.SetupResponse
	req := &wire.SetupRequest{Name: name, Dim: uint64(dim), Metric: metric, Encrypted: encrypted, NormBound: c.config.NormBound}
	if err := c.call(ctx, wire.OpSetup, req, &resp); err != nil {
		return 0, err
	}
	if encrypted && !(resp.NormBound > 0) {
		return 0, fmt.Errorf("%w: encrypted collection %q has norm bound %v", wire.ErrMalformed, name, resp.NormBound)
	}

	c.mu.Lock()
	c.collections[name] = &collectionInfo{id: resp.ID, dim: dim, metric: metric, encrypted: encrypted, rows: int(resp.Rows), normBound: resp.NormBound}
	c.mu.Unlock()
	return resp.ID, nil
}

// Insert appends vectors with their payloads. payloads may be nil.
func (c *Client) Insert(ctx context.Context, name string, vectors [][]float32, payloads []string) error {
	info, err := c.info(name)
	if err != nil {
		return err
	}
	if payloads != nil && len(payloads) != len(vectors) {
		return fmt.Errorf("%w: %d payloads for %d vectors", ErrPayloadCount, len(payloads), len(vectors))
	}
	for i, v := range vectors {
		if len(v) != info.dim {
			return fmt.Errorf("%w: vector %d has %d coordinates, collection %d", hevec.ErrIndexOutOfRange, i, len(v), info.dim)
		}
	}

	req := &wire.InsertRequest{Name: name, Cols: uint64(info.dim), Payloads: payloads}
	if info.encrypted {
		req.Kind = wire.KindCiphertext
		if req.Ciphertexts, err = c.enc.EncryptKeys(info.metric, vectors, info.normBound); err != nil {
			return fmt.Errorf("failed to encrypt vectors: %w", err)
		}
	} else {
		req.Kind = wire.KindFloat
		req.Vectors = vectors
	}
	if err := c.call(ctx, wire.OpInsert, req, &wire.Empty{}); err != nil {
		return err
	}

	c.mu.Lock()
	info.rows += len(vectors)
	c.mu.Unlock()
	return nil
}

// Query returns one score per row: the inner product for IP, the cosine
// similarity for COSINE and the squared distance for L2.
func (c *Client) Query(ctx context.Context, name string, q []float32) ([]float32, error) {
	info, err := c.info(name)
	if err != nil {
		return nil, err
	}
	if len(q) != info.dim {
		return nil, fmt.Errorf("%w: query has %d coordinates, collection %d", hevec.ErrIndexOutOfRange, len(q), info.dim)
	}

	if !info.encrypted && !c.config.EncryptQueries {
		var resp wire.QueryResponse
		if err := c.call(ctx, wire.OpQuery, &wire.QueryRequest{Name: name, Kind: wire.KindFloat, Vector: q}, &resp); err != nil {
			return nil, err
		}
		c.mu.Lock()
		info.rows = int(resp.Rows)
		c.mu.Unlock()
		return resp.Scores, nil
	}

	chunks, err := c.enc.EncryptQuery(info.metric, q)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt query: %w", err)
	}
	var resp wire.QueryResponse
	if err := c.call(ctx, wire.OpQuery, &wire.QueryRequest{Name: name, Kind: wire.KindCiphertext, Chunks: chunks}, &resp); err != nil {
		return nil, err
	}
	if resp.Kind != wire.KindCiphertext {
		return nil, fmt.Errorf("%w: encrypted query answered with kind %d", wire.ErrMalformed, resp.Kind)
	}

	c.mu.Lock()
	info.rows = int(resp.Rows)
	c.mu.Unlock()
	return c.enc.DecryptScores(info.metric, q, resp.Blobs, int(resp.Rows), resp.KeyNorm)
}

// QueryPlain scores a plaintext query with QUERY_PTXT. The server sees q.
func (c *Client) QueryPlain(ctx context.Context, name string, q []float32) ([]float32, error) {
	var resp wire.ScoresResponse
	if err := c.call(ctx, wire.OpQueryPtxt, &wire.QueryPtxtRequest{Name: name, Vector: q}, &resp); err != nil {
		return nil, err
	}
	return resp.Scores, nil
}

// QueryAndTopK fills res with the best rows for q.
func (c *Client) QueryAndTopK(ctx context.Context, res *hevec.TopK, name string, q []float32) error {
	results, err := c.QueryAndTopKWithScores(ctx, name, q, res.K())
	if err != nil {
		return err
	}
	for i := 0; i < res.K(); i++ {
		idx := -1
		if i < len(results) {
			idx = results[i].Index
		}
		if err := res.Set(i, idx); err != nil {
			return err
		}
	}
	return nil
}

// QueryAndTopKWithScores returns the k best rows with their scores, best first.
func (c *Client) QueryAndTopKWithScores(ctx context.Context, name string, q []float32, k int) ([]Result, error) {
	info, err := c.info(name)
	if err != nil {
		return nil, err
	}
	scores, err := c.Query(ctx, name, q)
	if err != nil {
		return nil, err
	}

	idx := rank(info.metric, scores, k)
	out := make([]Result, len(idx))
	for i, j := range idx {
		out[i] = Result{Index: j, Score: scores[j]}
	}
	return out, nil
}

// Retrieve fetches the payload of row index in the clear.
func (c *Client) Retrieve(ctx context.Context, name string, index int) (string, error) {
	var resp wire.PayloadResponse
	if err := c.call(ctx, wire.OpRetrieve, &wire.RetrieveRequest{Name: name, Index: uint64(index)}, &resp); err != nil {
		return "", err
	}
	return resp.Payload, nil
}

// RetrievePIR fetches the payload of row index without revealing index.
func (c *Client) RetrievePIR(ctx context.Context, name string, index int) (string, error) {
	info, err := c.info(name)
	if err != nil {
		return "", err
	}
	c.mu.RLock()
	rows := info.rows
	c.mu.RUnlock()

	chunks, err := c.enc.PIRSelectors(rows, index)
	if err != nil {
		return "", err
	}
	var resp wire.BlobsResponse
	if err := c.call(ctx, wire.OpPIRRetrieve, &wire.PIRRequest{Name: name, Chunks: chunks}, &resp); err != nil {
		return "", err
	}
	payload, err := c.enc.DecodePIR(resp.Blobs)
	if err != nil {
		return "", fmt.Errorf("failed to decode PIR response: %w", err)
	}
	return string(payload), nil
}

// DropCollection removes a collection on the server.
func (c *Client) DropCollection(ctx context.Context, name string) error {
	if err := c.call(ctx, wire.OpDropCollection, &wire.NameRequest{Name: name}, &wire.Empty{}); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.collections, name)
	c.mu.Unlock()
	return nil
}

// Terminate ends the server session and closes the connection if the
// client dialed it.
func (c *Client) Terminate(ctx context.Context) error {
	err := c.call(ctx, wire.OpTerminate, &wire.Empty{}, &wire.Empty{})
	c.mu.Lock()
	c.sessionID = ""
	c.mu.Unlock()
	return errors.Join(err, c.Close())
}

// Close closes the connection if the client dialed it. The server session
// stays alive until it expires.
func (c *Client) Close() error {
	if c.owned == nil {
		return nil
	}
	return c.owned.Close()
}

// GetTopKIndices returns the indices of the k highest scores, best first.
func GetTopKIndices(scores []float32, k int) []int {
	return rank(wire.MetricIP, scores, k)
}

// rank orders rows best first: ascending distance for L2, descending
// score otherwise.
func rank(metric wire.Metric, scores []float32, k int) []int {
	s := make([]float64, len(scores))
	for i, x := range scores {
		s[i] = float64(x)
		if metric == wire.MetricL2 {
			s[i] = -s[i]
		}
	}
	best := hevec.GetTopKIndices(s, k)
	out := make([]int, len(best))
	for i, idx := range best {
		out[i] = int(idx)
	}
	return out
}
