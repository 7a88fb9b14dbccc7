package hevec

import (
	"errors"
	"fmt"
	"sync"

	lring "github.com/tuneinsight/lattigo/v5/ring"
	"github.com/tuneinsight/lattigo/v5/utils/sampling"

	"github.com/opaque/hevec/pkg/ring"
)

// Client owns the secret key side of the scheme: key generation, encoding,
// encryption, decryption and top-k selection.
//
// A Client is safe for concurrent use; calls that draw randomness are serialized.
type Client struct {
	params Parameters

	mu      sync.Mutex
	ternary *ring.Sampler
	gaussQ  *ring.Sampler
	gaussQn *ring.Sampler
	uniQ    *ring.Sampler
	uniP    *ring.Sampler
	uniQn   *ring.Sampler
	uniPn   *ring.Sampler
}

// NewClient returns a client whose randomness is seeded from crypto/rand.
func NewClient(params Parameters) (*Client, error) {
	prng, err := sampling.NewPRNG()
	if err != nil {
		return nil, fmt.Errorf("seed prng: %w", err)
	}
	return newClient(params, prng)
}

// NewClientFromSeed returns a client with a deterministic keyed PRNG.
// Two clients built from the same seed generate the same keys and ciphertexts.
func NewClientFromSeed(params Parameters, seed []byte) (*Client, error) {
	prng, err := sampling.NewKeyedPRNG(seed)
	if err != nil {
		return nil, fmt.Errorf("seed prng: %w", err)
	}
	return newClient(params, prng)
}

func newClient(params Parameters, prng sampling.PRNG) (*Client, error) {
	c := &Client{params: params}
	gauss := lring.DiscreteGaussian{Sigma: params.Sigma(), Bound: 6 * params.Sigma()}

	for _, s := range []struct {
		dst **ring.Sampler
		r   *ring.Ring
		X   lring.DistributionParameters
	}{
		{&c.ternary, params.ringQ, lring.Ternary{P: 2.0 / 3.0}},
		{&c.gaussQ, params.ringQ, gauss},
		{&c.gaussQn, params.ringQn, gauss},
		{&c.uniQ, params.ringQ, lring.Uniform{}},
		{&c.uniP, params.ringP, lring.Uniform{}},
		{&c.uniQn, params.ringQn, lring.Uniform{}},
		{&c.uniPn, params.ringPn, lring.Uniform{}},
	} {
		var err error
		if *s.dst, err = ring.NewSampler(prng, s.r, s.X); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Parameters returns the client's parameter set.
func (c *Client) Parameters() Parameters { return c.params }

// GetRank returns the packing factor: scores carried per result ciphertext.
func (c *Client) GetRank() int { return c.params.Rank() }

// GetInvRank returns the slot count of one MLWE ciphertext, the largest
// vector chunk a single query or key ciphertext can carry.
func (c *Client) GetInvRank() int { return c.params.InvRank() }

// GenSecKey samples a fresh ternary secret.
func (c *Client) GenSecKey() (*SecretKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sq := c.ternary.ReadNew()
	sp := c.params.ringP.NewPolynomial()
	if err := ring.LiftCentered(sp, sq); err != nil {
		return nil, err
	}
	return &SecretKey{q: sq, p: sp}, nil
}

// GenRelinKey returns the key switching s^2 to s.
func (c *Client) GenRelinKey(sk *SecretKey) (*SwitchingKey, error) {
	if err := c.checkSecret(sk); err != nil {
		return nil, err
	}

	s2 := c.params.ringQ.NewPolynomial()
	if err := s2.Mul(sk.q, sk.q); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.genSwitchingKey(s2, sk.q, sk.p, c.uniQ, c.uniP, c.gaussQ)
}

// GenAutedModPackKeys returns the 2 x rank matrix whose entry (i, j) switches
// from the schedule-i automorphism of the embedded secret block j to s.
func (c *Client) GenAutedModPackKeys(sk *SecretKey) (*AutedModPackKeys, error) {
	if err := c.checkSecret(sk); err != nil {
		return nil, err
	}

	rank := c.params.Rank()
	keys, err := NewAutedModPackKeys(NumSchedules, rank)
	if err != nil {
		return nil, err
	}

	blocks, err := secretBlocks(c.params, sk.q)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for i := 0; i < NumSchedules; i++ {
		for j, blk := range blocks {
			old, err := embedScheduled(c.params, blk, Schedule(i))
			if err != nil {
				return nil, err
			}
			swk, err := c.genSwitchingKey(old, sk.q, sk.p, c.uniQ, c.uniP, c.gaussQ)
			if err != nil {
				return nil, fmt.Errorf("pack key (%d, %d): %w", i, j, err)
			}
			if err := keys.Set(i, j, swk); err != nil {
				return nil, err
			}
		}
	}
	return keys, nil
}

// GenInvAutedModPackKeys returns the 2 x rank matrix of MLWE switching keys
// that unpack position j of a schedule-i packed ciphertext.
//
// Position j of a packed ciphertext decrypts, over R_n, under the twisted
// secret t_k = Y^[k>j] * phase_k(s). Unit k of entry (i, j) switches the
// schedule-i automorphism of t_k back to the block secret s_k.
func (c *Client) GenInvAutedModPackKeys(sk *SecretKey) (*AutedModPackMLWEKeys, error) {
	if err := c.checkSecret(sk); err != nil {
		return nil, err
	}

	params := c.params
	rank := params.Rank()
	keys, err := NewAutedModPackMLWEKeys(NumSchedules, rank)
	if err != nil {
		return nil, err
	}

	blocksQ, err := secretBlocks(params, sk.q)
	if err != nil {
		return nil, err
	}
	blocksP, err := secretBlocks(params, sk.p)
	if err != nil {
		return nil, err
	}

	phases := make([]*ring.Polynomial, rank)
	for k := range phases {
		phases[k] = params.ringQn.NewPolynomial()
		if err := ring.ExtractPhase(phases[k], sk.q, k); err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	gen := ring.ConjugateGenerator(params.InvRank())
	for i := 0; i < NumSchedules; i++ {
		for j := 0; j < rank; j++ {
			key := &MLWESwitchingKey{units: make([]*SwitchingKey, rank)}
			for k := 0; k < rank; k++ {
				old := phases[k].CopyNew()
				if k > j {
					if err := old.MulMonomial(old, 1); err != nil {
						return nil, err
					}
				}
				if Schedule(i) == KeySchedule {
					if err := old.Automorphism(old, gen); err != nil {
						return nil, err
					}
				}
				if key.units[k], err = c.genSwitchingKey(old, blocksQ[k], blocksP[k], c.uniQn, c.uniPn, c.gaussQn); err != nil {
					return nil, fmt.Errorf("unpack key (%d, %d, %d): %w", i, j, k, err)
				}
			}
			if err := keys.Set(i, j, key); err != nil {
				return nil, err
			}
		}
	}
	return keys, nil
}

// GenEvaluationKeys generates the full public key set for a server.
func (c *Client) GenEvaluationKeys(sk *SecretKey) (*EvaluationKeys, error) {
	relin, err := c.GenRelinKey(sk)
	if err != nil {
		return nil, fmt.Errorf("relinearization key: %w", err)
	}
	pack, err := c.GenAutedModPackKeys(sk)
	if err != nil {
		return nil, err
	}
	inv, err := c.GenInvAutedModPackKeys(sk)
	if err != nil {
		return nil, err
	}
	return &EvaluationKeys{Relin: relin, Pack: pack, InvPack: inv}, nil
}

// genSwitchingKey returns b = -a*s_new + e + P*s_old over the rings of sNewQ
// and sNewP. The caller holds c.mu.
func (c *Client) genSwitchingKey(sOld, sNewQ, sNewP *ring.Polynomial, uniQ, uniP, gauss *ring.Sampler) (*SwitchingKey, error) {
	rq, rp := sNewQ.Ring(), sNewP.Ring()

	old, err := evaluationCopy(sOld)
	if err != nil {
		return nil, err
	}
	snq, err := evaluationCopy(sNewQ)
	if err != nil {
		return nil, err
	}
	snp, err := evaluationCopy(sNewP)
	if err != nil {
		return nil, err
	}

	swk := &SwitchingKey{
		AModQ: uniQ.ReadNew(),
		AModP: uniP.ReadNew(),
		BModQ: rq.NewPolynomial(),
		BModP: rp.NewPolynomial(),
	}

	eQ := gauss.ReadNew()
	eP := rp.NewPolynomial()
	pOld := rq.NewPolynomial()
	err = errors.Join(
		ring.LiftCentered(eP, eQ),
		eQ.NTT(),
		eP.NTT(),
		swk.AModQ.NTT(),
		swk.AModP.NTT(),
		pOld.MulScalar(old, c.params.p%c.params.q),

		swk.BModQ.Mul(swk.AModQ, snq),
		swk.BModQ.Neg(swk.BModQ),
		swk.BModQ.Add(swk.BModQ, eQ),
		swk.BModQ.Add(swk.BModQ, pOld),

		swk.BModP.Mul(swk.AModP, snp),
		swk.BModP.Neg(swk.BModP),
		swk.BModP.Add(swk.BModP, eP),
	)
	if err != nil {
		return nil, fmt.Errorf("switching key: %w", err)
	}
	return swk, nil
}

func (c *Client) checkSecret(sk *SecretKey) error {
	if sk == nil || sk.q == nil || sk.p == nil {
		return fmt.Errorf("%w: nil secret key", ErrInvalidConstruction)
	}
	if sk.q.Degree() != c.params.N() || sk.q.Modulus() != c.params.q || sk.p.Modulus() != c.params.p {
		return fmt.Errorf("%w: secret key does not match parameters", ErrDomainMismatch)
	}
	return nil
}

// secretBlocks splits s into rank consecutive blocks of n coefficients,
// the module secret (s_0, ..., s_{rank-1}).
func secretBlocks(params Parameters, s *ring.Polynomial) ([]*ring.Polynomial, error) {
	rn, err := ring.Lookup(params.InvRank(), s.Modulus())
	if err != nil {
		return nil, err
	}
	blocks := make([]*ring.Polynomial, params.Rank())
	for k := range blocks {
		blocks[k] = rn.NewPolynomial()
		if err := ring.ExtractBlock(blocks[k], s, k); err != nil {
			return nil, err
		}
	}
	return blocks, nil
}

// embedScheduled maps a module element into R_N (Y -> X^rank) and applies the
// schedule's automorphism.
func embedScheduled(params Parameters, src *ring.Polynomial, sched Schedule) (*ring.Polynomial, error) {
	src, err := coefficientView(src)
	if err != nil {
		return nil, err
	}
	dst := params.ringQ.NewPolynomial()
	if err := ring.Embed(dst, src); err != nil {
		return nil, err
	}
	if sched == KeySchedule {
		if err := dst.Automorphism(dst, ring.ConjugateGenerator(params.N())); err != nil {
			return nil, err
		}
	}
	return dst, nil
}
