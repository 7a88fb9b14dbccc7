package hevec

import (
	"errors"
	"fmt"

	"github.com/opaque/hevec/pkg/ring"
)

// Encode quantizes msg at the given scale into a polynomial mod Q whose
// degree equals the message length.
func (c *Client) Encode(msg *Message, scale float64) (*ring.Polynomial, error) {
	if msg.Degree() > c.params.N() {
		return nil, fmt.Errorf("%w: %d slots, ring degree %d", ErrIndexOutOfRange, msg.Degree(), c.params.N())
	}
	r, err := ring.Lookup(msg.Degree(), c.params.q)
	if err != nil {
		return nil, err
	}
	return encode(r, msg, scale)
}

// Decode inverts Encode.
func (c *Client) Decode(pt *ring.Polynomial, scale float64) (*Message, error) {
	return decode(pt, scale)
}

// Encrypt encrypts an encoded degree-N plaintext: b = -a*s + e + pt.
func (c *Client) Encrypt(pt *ring.Polynomial, sk *SecretKey) (*Ciphertext, error) {
	if err := c.checkSecret(sk); err != nil {
		return nil, err
	}
	if pt.Degree() != c.params.N() || pt.Modulus() != c.params.q {
		return nil, fmt.Errorf("%w: plaintext in R(N=%d, q=%d), want %v", ErrDomainMismatch, pt.Degree(), pt.Modulus(), c.params.ringQ)
	}
	pt, err := coefficientView(pt)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	a := c.uniQ.ReadNew()
	e := c.gaussQ.ReadNew()
	c.mu.Unlock()

	rq := c.params.ringQ
	as := rq.NewPolynomial()
	b := rq.NewPolynomial()
	if err := errors.Join(as.Mul(a, sk.q), b.Add(pt, e), b.Sub(b, as)); err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	return &Ciphertext{a: a, b: b}, nil
}

// EncryptMessage encodes msg at scale and encrypts it.
func (c *Client) EncryptMessage(msg *Message, sk *SecretKey, scale float64) (*Ciphertext, error) {
	if msg.Degree() != c.params.N() {
		return nil, fmt.Errorf("%w: message has %d slots, want %d", ErrDomainMismatch, msg.Degree(), c.params.N())
	}
	pt, err := c.Encode(msg, scale)
	if err != nil {
		return nil, err
	}
	return c.Encrypt(pt, sk)
}

// EncryptQuery encrypts a query vector of at most GetInvRank() slots for
// caching with Server.CacheQuery.
func (c *Client) EncryptQuery(msg *Message, sk *SecretKey, scale float64) (*MLWECiphertext, error) {
	return c.encryptMLWE(msg, sk, scale, QuerySchedule)
}

// EncryptKey encrypts a database vector of at most GetInvRank() slots for
// caching with Server.CacheKeys.
func (c *Client) EncryptKey(msg *Message, sk *SecretKey, scale float64) (*MLWECiphertext, error) {
	return c.encryptMLWE(msg, sk, scale, KeySchedule)
}

func (c *Client) encryptMLWE(msg *Message, sk *SecretKey, scale float64, sched Schedule) (*MLWECiphertext, error) {
	if err := c.checkSecret(sk); err != nil {
		return nil, err
	}
	rn := c.params.ringQn
	pt, err := encode(rn, msg, scale)
	if err != nil {
		return nil, err
	}
	blocks, err := secretBlocks(c.params, sk.q)
	if err != nil {
		return nil, err
	}

	ct := newMLWECiphertext(c.params, sched)

	c.mu.Lock()
	for k := range ct.a {
		ct.a[k] = c.uniQn.ReadNew()
	}
	e := c.gaussQn.ReadNew()
	c.mu.Unlock()

	if err := ct.b.Add(pt, e); err != nil {
		return nil, err
	}
	prod := rn.NewPolynomial()
	for k, a := range ct.a {
		if err := errors.Join(prod.Mul(a, blocks[k]), ct.b.Sub(ct.b, prod)); err != nil {
			return nil, fmt.Errorf("encrypt coordinate %d: %w", k, err)
		}
	}
	return ct, nil
}

// Decrypt returns the decoded phase of ct, handling the extended form.
func (c *Client) Decrypt(ct *Ciphertext, sk *SecretKey, scale float64) (*Message, error) {
	phase, err := c.phase(ct, sk)
	if err != nil {
		return nil, err
	}
	return decode(phase, scale)
}

// DecryptScore decrypts cts[i] into msgs[i] for every i. Nil entries of msgs
// are allocated; existing ones are overwritten in place.
func (c *Client) DecryptScore(msgs []*Message, cts []*Ciphertext, sk *SecretKey, scale float64) error {
	if len(msgs) != len(cts) {
		return fmt.Errorf("%w: %d messages for %d ciphertexts", ErrIndexOutOfRange, len(msgs), len(cts))
	}
	for i, ct := range cts {
		m, err := c.Decrypt(ct, sk, scale)
		if err != nil {
			return fmt.Errorf("ciphertext %d: %w", i, err)
		}
		if msgs[i] == nil {
			msgs[i] = m
			continue
		}
		if msgs[i].Degree() != m.Degree() {
			return fmt.Errorf("%w: message %d has %d slots, want %d", ErrIndexOutOfRange, i, msgs[i].Degree(), m.Degree())
		}
		copy(msgs[i].slots, m.slots)
	}
	return nil
}

// DecryptMLWE decrypts a module ciphertext into a message of GetInvRank() slots.
func (c *Client) DecryptMLWE(ct *MLWECiphertext, sk *SecretKey, scale float64) (*Message, error) {
	if err := c.checkSecret(sk); err != nil {
		return nil, err
	}
	if err := ct.checkShape(c.params); err != nil {
		return nil, err
	}
	blocks, err := secretBlocks(c.params, sk.q)
	if err != nil {
		return nil, err
	}

	rn := c.params.ringQn
	b, err := coefficientView(ct.b)
	if err != nil {
		return nil, err
	}
	phase := b.CopyNew()
	prod := rn.NewPolynomial()
	for k, a := range ct.a {
		a, err := coefficientView(a)
		if err != nil {
			return nil, err
		}
		if err := errors.Join(prod.Mul(a, blocks[k]), phase.Add(phase, prod)); err != nil {
			return nil, fmt.Errorf("decrypt coordinate %d: %w", k, err)
		}
	}
	return decode(phase, scale)
}

// phase returns b + a*s (+ c*s^2) in the coefficient domain.
func (c *Client) phase(ct *Ciphertext, sk *SecretKey) (*ring.Polynomial, error) {
	if err := c.checkSecret(sk); err != nil {
		return nil, err
	}

	rq := c.params.ringQ
	polys := ct.polynomials()
	for i, p := range polys {
		if p.Degree() != c.params.N() || p.Modulus() != c.params.q {
			return nil, fmt.Errorf("%w: ciphertext component in R(N=%d, q=%d)", ErrDomainMismatch, p.Degree(), p.Modulus())
		}
		if p.Domain() != ct.b.Domain() {
			return nil, fmt.Errorf("%w: ciphertext components in different domains", ErrDomainMismatch)
		}
		cv, err := coefficientView(p)
		if err != nil {
			return nil, err
		}
		polys[i] = cv
	}

	// polys is (a, b) or (a, b, c).
	out := polys[1].CopyNew()
	prod := rq.NewPolynomial()
	if err := errors.Join(prod.Mul(polys[0], sk.q), out.Add(out, prod)); err != nil {
		return nil, err
	}
	if len(polys) == 3 {
		s2 := rq.NewPolynomial()
		if err := errors.Join(s2.Mul(sk.q, sk.q), prod.Mul(polys[2], s2), out.Add(out, prod)); err != nil {
			return nil, err
		}
	}
	return out, nil
}
