// Package service implements the HEVEC collection service.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/opaque/hevec/internal/session"
	"github.com/opaque/hevec/internal/store"
	"github.com/opaque/hevec/pkg/blob"
	"github.com/opaque/hevec/pkg/encrypt"
	"github.com/opaque/hevec/pkg/hevec"
	"github.com/opaque/hevec/pkg/wire"
)

// MaxDim bounds the dimension of a collection.
const MaxDim = 1 << 16

// Errors
var (
	ErrCollectionNotFound  = store.ErrNotFound
	ErrCollectionExists    = store.ErrExists
	ErrEncryptedCollection = errors.New("operation needs a plaintext collection")
	ErrNotEncrypted        = errors.New("operation needs an encrypted collection")
	ErrDimensionMismatch   = errors.New("dimension mismatch")
	ErrNoSession           = errors.New("operation needs a session")
)

// Config holds service configuration.
type Config struct {
	// Params is the scheme parameter set. Clients must use the same one.
	Params hevec.ParametersLiteral

	// Session configuration
	MaxSessionTTL time.Duration

	// Concurrency limits
	MaxConcurrentScores int

	// Passphrase seals payloads at rest when set.
	Passphrase string
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		Params:              hevec.DefaultParameters,
		MaxSessionTTL:       24 * time.Hour,
		MaxConcurrentScores: 16,
	}
}

// Service answers wire frames against a catalog and a payload store.
type Service struct {
	config   Config
	params   hevec.Parameters
	catalog  store.Store
	blobs    blob.Store
	sessions *session.Manager
	keyring  *encrypt.Keyring

	mu          sync.Mutex
	collections map[string]*collectionState
}

// New creates a service. It owns catalog and blobs and closes them in Close.
func New(cfg Config, catalog store.Store, blobs blob.Store) (*Service, error) {
	params, err := hevec.NewParametersFromLiteral(cfg.Params)
	if err != nil {
		return nil, fmt.Errorf("failed to create parameters: %w", err)
	}
	if cfg.MaxConcurrentScores < 1 {
		cfg.MaxConcurrentScores = 1
	}

	return &Service{
		config:      cfg,
		params:      params,
		catalog:     catalog,
		blobs:       blobs,
		sessions:    session.NewManager(cfg.MaxSessionTTL),
		keyring:     encrypt.NewKeyring(cfg.Passphrase, store.SealingSalt),
		collections: make(map[string]*collectionState),
	}, nil
}

// Parameters returns the scheme parameters the service was built with.
func (s *Service) Parameters() hevec.Parameters { return s.params }

// Close stops the session sweeper and closes both stores.
func (s *Service) Close() error {
	s.sessions.Close()
	return errors.Join(s.catalog.Close(), s.blobs.Close())
}

// Handle decodes req, runs its operation and encodes the response under the
// same op. sessionID may be empty for operations that need no keys.
func (s *Service) Handle(ctx context.Context, sessionID string, req *wire.Frame) (*wire.Frame, error) {
	var (
		resp wire.Message
		err  error
	)

	switch req.Op {
	case wire.OpSetup:
		var m wire.SetupRequest
		if err = req.Decode(&m); err == nil {
			resp, err = s.Setup(ctx, &m)
		}
	case wire.OpInsert:
		var m wire.InsertRequest
		if err = req.Decode(&m); err == nil {
			resp, err = s.Insert(ctx, sessionID, &m)
		}
	case wire.OpQuery:
		var m wire.QueryRequest
		if err = req.Decode(&m); err == nil {
			resp, err = s.Query(ctx, sessionID, &m)
		}
	case wire.OpQueryPtxt:
		var m wire.QueryPtxtRequest
		if err = req.Decode(&m); err == nil {
			resp, err = s.QueryPtxt(ctx, &m)
		}
	case wire.OpTerminate:
		var m wire.Empty
		if err = req.Decode(&m); err == nil {
			resp, err = s.Terminate(sessionID)
		}
	case wire.OpRetrieve:
		var m wire.RetrieveRequest
		if err = req.Decode(&m); err == nil {
			resp, err = s.Retrieve(ctx, &m)
		}
	case wire.OpPIRRetrieve:
		var m wire.PIRRequest
		if err = req.Decode(&m); err == nil {
			resp, err = s.PIRRetrieve(ctx, sessionID, &m)
		}
	case wire.OpDropCollection:
		var m wire.NameRequest
		if err = req.Decode(&m); err == nil {
			resp, err = s.DropCollection(ctx, &m)
		}
	case wire.OpRegisterKeys:
		var m wire.RegisterKeysRequest
		if err = req.Decode(&m); err == nil {
			resp, err = s.RegisterKeys(&m)
		}
	default:
		return nil, fmt.Errorf("%w: %d", wire.ErrUnknownOp, req.Op)
	}

	if err != nil {
		return nil, err
	}
	return wire.NewFrame(req.Op, resp)
}

// RegisterKeys validates a client's evaluation keys and opens a session.
func (s *Service) RegisterKeys(m *wire.RegisterKeysRequest) (*wire.SessionResponse, error) {
	keys := new(hevec.EvaluationKeys)
	if err := keys.UnmarshalBinary(m.Keys); err != nil {
		return nil, fmt.Errorf("%w: evaluation keys: %v", wire.ErrMalformed, err)
	}
	srv, err := hevec.NewServerFromKeys(s.params, keys)
	if err != nil {
		return nil, fmt.Errorf("evaluation keys: %w", err)
	}

	sess, err := s.sessions.Create(srv, time.Duration(m.TTLSeconds)*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	log.Printf("[service] session %s opened, expires %s", sess.ID, sess.ExpiresAt.Format(time.RFC3339))
	return &wire.SessionResponse{SessionID: sess.ID}, nil
}

// Terminate closes a session.
func (s *Service) Terminate(sessionID string) (*wire.Empty, error) {
	if sessionID == "" {
		return nil, ErrNoSession
	}
	if !s.sessions.Delete(sessionID) {
		return nil, session.ErrSessionNotFound
	}
	return &wire.Empty{}, nil
}

// server returns the evaluator bound to a session.
func (s *Service) server(sessionID string) (*hevec.Server, error) {
	if sessionID == "" {
		return nil, ErrNoSession
	}
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return nil, fmt.Errorf("invalid session: %w", err)
	}
	return sess.Server, nil
}

// GetSessionCount returns the number of active sessions.
func (s *Service) GetSessionCount() int {
	return s.sessions.Count()
}

// HealthCheck returns service health status: ok, message, live sessions and
// stored collections.
func (s *Service) HealthCheck(ctx context.Context) (bool, string, int64, int64) {
	colls, err := s.catalog.List(ctx)
	if err != nil {
		return false, fmt.Sprintf("store error: %v", err), 0, 0
	}
	if _, err := s.blobs.Stats(ctx); err != nil {
		return false, fmt.Sprintf("blob store error: %v", err), 0, 0
	}
	return true, "healthy", int64(s.sessions.Count()), int64(len(colls))
}

// parallel runs fn for 0..n-1 with at most MaxConcurrentScores in flight.
func (s *Service) parallel(ctx context.Context, n int, fn func(i int) error) error {
	errs := make([]error, n)
	sem := make(chan struct{}, s.config.MaxConcurrentScores)
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			wg.Wait()
			return err
		}
		wg.Add(1)
		sem <- struct{}{}

		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()
			errs[idx] = fn(idx)
		}(i)
	}

	wg.Wait()
	return errors.Join(errs...)
}
