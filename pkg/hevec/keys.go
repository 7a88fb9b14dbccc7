package hevec

import (
	"fmt"

	"github.com/opaque/hevec/pkg/ring"
)

// SecretKey is a ternary secret held under both the ciphertext modulus Q and
// the special modulus P. Both views are in the coefficient domain.
type SecretKey struct {
	q *ring.Polynomial
	p *ring.Polynomial
}

// Q returns the secret reduced mod Q.
func (sk *SecretKey) Q() *ring.Polynomial { return sk.q }

// P returns the secret reduced mod P.
func (sk *SecretKey) P() *ring.Polynomial { return sk.p }

// SwitchingKey switches a ciphertext from an old secret to a new one.
// With a uniform over Z_QP, it holds b = -a*s_new + e + P*s_old in the
// evaluation domain, split into its residues mod Q and mod P.
type SwitchingKey struct {
	AModQ *ring.Polynomial
	AModP *ring.Polynomial
	BModQ *ring.Polynomial
	BModP *ring.Polynomial
}

// NewSwitchingKey allocates a zero key over rings of the given degree.
func NewSwitchingKey(degree int, q, p uint64) (*SwitchingKey, error) {
	rq, err := ring.Lookup(degree, q)
	if err != nil {
		return nil, err
	}
	rp, err := ring.Lookup(degree, p)
	if err != nil {
		return nil, err
	}
	swk := &SwitchingKey{
		AModQ: rq.NewPolynomial(),
		AModP: rp.NewPolynomial(),
		BModQ: rq.NewPolynomial(),
		BModP: rp.NewPolynomial(),
	}
	for _, pol := range swk.polynomials() {
		pol.SetDomain(ring.Evaluation)
	}
	return swk, nil
}

func (swk *SwitchingKey) polynomials() []*ring.Polynomial {
	return []*ring.Polynomial{swk.AModQ, swk.AModP, swk.BModQ, swk.BModP}
}

// Degree returns the ring degree the key operates on.
func (swk *SwitchingKey) Degree() int { return swk.AModQ.Degree() }

// MLWESwitchingKey holds one switching unit per module coordinate.
type MLWESwitchingKey struct {
	units []*SwitchingKey
}

// NewMLWESwitchingKey allocates rank zero units over rings of the given degree.
func NewMLWESwitchingKey(rank, degree int, q, p uint64) (*MLWESwitchingKey, error) {
	if rank <= 0 {
		return nil, fmt.Errorf("%w: rank %d", ErrInvalidConstruction, rank)
	}
	key := &MLWESwitchingKey{units: make([]*SwitchingKey, rank)}
	for i := range key.units {
		u, err := NewSwitchingKey(degree, q, p)
		if err != nil {
			return nil, err
		}
		key.units[i] = u
	}
	return key, nil
}

// Rank returns the number of units.
func (k *MLWESwitchingKey) Rank() int { return len(k.units) }

// Unit returns the switching unit of coordinate i.
func (k *MLWESwitchingKey) Unit(i int) (*SwitchingKey, error) {
	if i < 0 || i >= len(k.units) {
		return nil, fmt.Errorf("%w: unit %d of rank %d", ErrIndexOutOfRange, i, len(k.units))
	}
	return k.units[i], nil
}

// matrix is a row-major two-dimensional container with bounds-checked access.
type matrix[T any] struct {
	rows, cols int
	data       []T
}

func newMatrix[T any](rows, cols int) (matrix[T], error) {
	if rows <= 0 || cols <= 0 {
		return matrix[T]{}, fmt.Errorf("%w: %dx%d key matrix", ErrInvalidConstruction, rows, cols)
	}
	return matrix[T]{rows: rows, cols: cols, data: make([]T, rows*cols)}, nil
}

func (m *matrix[T]) index(i, j int) (int, error) {
	if i < 0 || i >= m.rows || j < 0 || j >= m.cols {
		return 0, fmt.Errorf("%w: entry (%d, %d) of %dx%d", ErrIndexOutOfRange, i, j, m.rows, m.cols)
	}
	return i*m.cols + j, nil
}

// Rows returns the number of automorphism schedules.
func (m *matrix[T]) Rows() int { return m.rows }

// Cols returns the number of pack positions.
func (m *matrix[T]) Cols() int { return m.cols }

// At returns entry (i, j).
func (m *matrix[T]) At(i, j int) (T, error) {
	idx, err := m.index(i, j)
	if err != nil {
		var zero T
		return zero, err
	}
	return m.data[idx], nil
}

// Set writes entry (i, j).
func (m *matrix[T]) Set(i, j int, v T) error {
	idx, err := m.index(i, j)
	if err != nil {
		return err
	}
	m.data[idx] = v
	return nil
}

// AutedModPackKeys lifts MLWE ciphertexts into RLWE ones. Entry (i, j)
// switches from the automorphism-i image of the embedded j-th secret block to
// the ring secret.
type AutedModPackKeys struct {
	matrix[*SwitchingKey]
}

// NewAutedModPackKeys allocates an empty rows x cols matrix.
func NewAutedModPackKeys(rows, cols int) (*AutedModPackKeys, error) {
	m, err := newMatrix[*SwitchingKey](rows, cols)
	if err != nil {
		return nil, err
	}
	return &AutedModPackKeys{matrix: m}, nil
}

// AutedModPackMLWEKeys unpacks RLWE ciphertexts back into MLWE ones. Entry
// (i, j) extracts pack position j of a ciphertext packed with schedule i.
type AutedModPackMLWEKeys struct {
	matrix[*MLWESwitchingKey]
}

// NewAutedModPackMLWEKeys allocates an empty rows x cols matrix.
func NewAutedModPackMLWEKeys(rows, cols int) (*AutedModPackMLWEKeys, error) {
	m, err := newMatrix[*MLWESwitchingKey](rows, cols)
	if err != nil {
		return nil, err
	}
	return &AutedModPackMLWEKeys{matrix: m}, nil
}

// EvaluationKeys is the public material a client publishes to a server.
type EvaluationKeys struct {
	Relin   *SwitchingKey
	Pack    *AutedModPackKeys
	InvPack *AutedModPackMLWEKeys
}

// validate checks that the keys have the shapes params expects.
func (ek *EvaluationKeys) validate(params Parameters) error {
	if ek.Relin == nil || ek.Pack == nil || ek.InvPack == nil {
		return fmt.Errorf("%w: incomplete evaluation keys", ErrInvalidConstruction)
	}
	if err := checkSwitchingKey(ek.Relin, params.ringQ, params.ringP); err != nil {
		return fmt.Errorf("relinearization key: %w", err)
	}

	rank := params.Rank()
	if ek.Pack.Rows() != NumSchedules || ek.Pack.Cols() != rank {
		return fmt.Errorf("%w: pack keys are %dx%d, want %dx%d", ErrDomainMismatch, ek.Pack.Rows(), ek.Pack.Cols(), NumSchedules, rank)
	}
	if ek.InvPack.Rows() != NumSchedules || ek.InvPack.Cols() != rank {
		return fmt.Errorf("%w: unpack keys are %dx%d, want %dx%d", ErrDomainMismatch, ek.InvPack.Rows(), ek.InvPack.Cols(), NumSchedules, rank)
	}

	for i := 0; i < NumSchedules; i++ {
		for j := 0; j < rank; j++ {
			swk, _ := ek.Pack.At(i, j)
			if swk == nil {
				return fmt.Errorf("%w: missing pack key (%d, %d)", ErrInvalidConstruction, i, j)
			}
			if err := checkSwitchingKey(swk, params.ringQ, params.ringP); err != nil {
				return fmt.Errorf("pack key (%d, %d): %w", i, j, err)
			}

			inv, _ := ek.InvPack.At(i, j)
			if inv == nil || inv.Rank() != rank {
				return fmt.Errorf("%w: unpack key (%d, %d) missing or of wrong rank", ErrInvalidConstruction, i, j)
			}
			for _, u := range inv.units {
				if err := checkSwitchingKey(u, params.ringQn, params.ringPn); err != nil {
					return fmt.Errorf("unpack key (%d, %d): %w", i, j, err)
				}
			}
		}
	}
	return nil
}

func checkSwitchingKey(swk *SwitchingKey, rq, rp *ring.Ring) error {
	for i, pol := range swk.polynomials() {
		want := rq
		if i%2 == 1 {
			want = rp
		}
		if pol == nil {
			return fmt.Errorf("%w: missing polynomial", ErrInvalidConstruction)
		}
		if pol.Degree() != want.Degree() || pol.Modulus() != want.Modulus() {
			return fmt.Errorf("%w: polynomial in R(N=%d, q=%d), want %v", ErrDomainMismatch, pol.Degree(), pol.Modulus(), want)
		}
		if pol.Domain() != ring.Evaluation {
			return fmt.Errorf("%w: switching key must be in evaluation domain", ErrDomainMismatch)
		}
	}
	return nil
}
