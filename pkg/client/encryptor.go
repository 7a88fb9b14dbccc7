package client

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/opaque/hevec/pkg/hevec"
	"github.com/opaque/hevec/pkg/wire"
)

// Encryptor owns a secret key. It turns vectors into the ciphertexts the
// service scores and service responses back into scores and payloads.
// The secret key never leaves it.
type Encryptor struct {
	params hevec.Parameters
	he     *hevec.Client
	sk     *hevec.SecretKey
	evk    *hevec.EvaluationKeys
}

// NewEncryptor generates a key set for params. A nil seed draws keys from
// crypto/rand; a fixed seed gives reproducible keys.
func NewEncryptor(params hevec.Parameters, seed []byte) (*Encryptor, error) {
	var (
		he  *hevec.Client
		err error
	)
	if seed == nil {
		he, err = hevec.NewClient(params)
	} else {
		he, err = hevec.NewClientFromSeed(params, seed)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create HE client: %w", err)
	}

	sk, err := he.GenSecKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate secret key: %w", err)
	}
	evk, err := he.GenEvaluationKeys(sk)
	if err != nil {
		return nil, fmt.Errorf("failed to generate evaluation keys: %w", err)
	}
	return &Encryptor{params: params, he: he, sk: sk, evk: evk}, nil
}

// Parameters returns the scheme parameters.
func (e *Encryptor) Parameters() hevec.Parameters { return e.params }

// EvaluationKeys returns the serialized public evaluation keys.
func (e *Encryptor) EvaluationKeys() ([]byte, error) {
	return e.evk.MarshalBinary()
}

// encodeRow applies the metric transform. Database keys under L2 become
// (v, -|v|^2/2) and queries (q, 1), so their inner product is
// <q,v> - |v|^2/2. COSINE normalizes both sides.
func encodeRow(metric wire.Metric, v []float32, key bool) []float64 {
	row := make([]float64, metric.EncodedDim(len(v)))
	for i, x := range v {
		row[i] = float64(x)
	}
	switch metric {
	case wire.MetricCosine:
		var sq float64
		for _, x := range row {
			sq += x * x
		}
		if sq > 0 {
			inv := 1 / math.Sqrt(sq)
			for i := range row {
				row[i] *= inv
			}
		}
	case wire.MetricL2:
		if key {
			var sq float64
			for _, x := range row[:len(v)] {
				sq += x * x
			}
			row[len(v)] = -sq / 2
		} else {
			row[len(v)] = 1
		}
	}
	return row
}

// encryptRow splits row into chunks of n coordinates and encrypts each one.
func (e *Encryptor) encryptRow(row []float64, key bool, scale float64) ([][]byte, error) {
	n := e.params.InvRank()
	chunks := wire.NumChunks(len(row), n)
	out := make([][]byte, chunks)
	for c := range out {
		msg, err := hevec.NewMessageFromSlice(n, row[c*n:min((c+1)*n, len(row))])
		if err != nil {
			return nil, err
		}
		var ct *hevec.MLWECiphertext
		if key {
			ct, err = e.he.EncryptKey(msg, e.sk, scale)
		} else {
			ct, err = e.he.EncryptQuery(msg, e.sk, scale)
		}
		if err != nil {
			return nil, fmt.Errorf("chunk %d: %w", c, err)
		}
		if out[c], err = ct.MarshalBinary(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// queryScale returns the encoded query row, its norm and its scale.
func (e *Encryptor) queryScale(metric wire.Metric, q []float32) ([]float64, float64, float64, error) {
	row := encodeRow(metric, q, false)
	norm := floats.Norm(row, 2)
	scale, err := e.params.ScaleFor(norm)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("query: %w", err)
	}
	return row, norm, scale, nil
}

// EncryptQuery encrypts q for a collection of the given metric, one
// ciphertext per chunk. The scale follows from the norm of q, so
// DecryptScores recomputes it.
func (e *Encryptor) EncryptQuery(metric wire.Metric, q []float32) ([][]byte, error) {
	row, _, scale, err := e.queryScale(metric, q)
	if err != nil {
		return nil, err
	}
	return e.encryptRow(row, false, scale)
}

// EncryptKeys encrypts database vectors, indexed [row][chunk], at the scale
// of the collection's key norm bound. A row whose encoded norm exceeds
// bound fails with ErrNumericRange.
func (e *Encryptor) EncryptKeys(metric wire.Metric, vectors [][]float32, bound float64) ([][][]byte, error) {
	scale, err := e.params.ScaleFor(bound)
	if err != nil {
		return nil, err
	}
	out := make([][][]byte, len(vectors))
	for i, v := range vectors {
		row := encodeRow(metric, v, true)
		if norm := floats.Norm(row, 2); norm > bound*(1+1e-9) {
			return nil, fmt.Errorf("%w: row %d has encoded norm %g, collection bound %g", hevec.ErrNumericRange, i, norm, bound)
		}
		if out[i], err = e.encryptRow(row, true, scale); err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
	}
	return out, nil
}

// KeyNormBound returns the largest encoded norm among vectors stored as
// keys under metric, the smallest norm bound that admits all of them.
func KeyNormBound(metric wire.Metric, vectors [][]float32) float64 {
	var bound float64
	for _, v := range vectors {
		bound = max(bound, floats.Norm(encodeRow(metric, v, true), 2))
	}
	return bound
}

// decryptGroups decrypts one ciphertext per group of rank rows and returns
// the first rows slots, in row order.
func (e *Encryptor) decryptGroups(blobs [][]byte, rows int, scale float64) ([]float64, error) {
	rank := e.params.Rank()
	if len(blobs) < (rows+rank-1)/rank {
		return nil, fmt.Errorf("%w: %d groups for %d rows", hevec.ErrIndexOutOfRange, len(blobs), rows)
	}

	cts := make([]*hevec.Ciphertext, len(blobs))
	for i, b := range blobs {
		cts[i] = new(hevec.Ciphertext)
		if err := cts[i].UnmarshalBinary(b); err != nil {
			return nil, fmt.Errorf("group %d: %w", i, err)
		}
	}
	msgs := make([]*hevec.Message, len(cts))
	if err := e.he.DecryptScore(msgs, cts, e.sk, scale); err != nil {
		return nil, err
	}

	out := make([]float64, 0, len(msgs)*rank)
	for _, m := range msgs {
		out = append(out, m.Slots()[:rank]...)
	}
	if rows >= 0 && rows < len(out) {
		out = out[:rows]
	}
	return out, nil
}

// DecryptScores turns an encrypted QUERY response into one score per row,
// with the same meaning as plaintext scores: the squared distance for L2 and
// the inner product otherwise. keyNorm is the bound the response carries.
func (e *Encryptor) DecryptScores(metric wire.Metric, q []float32, blobs [][]byte, rows int, keyNorm float64) ([]float32, error) {
	_, qNorm, qScale, err := e.queryScale(metric, q)
	if err != nil {
		return nil, err
	}
	kScale, err := e.params.ScaleFor(keyNorm)
	if err != nil {
		return nil, fmt.Errorf("key norm: %w", err)
	}
	if err := e.params.CheckProduct(qNorm, qScale, keyNorm, kScale); err != nil {
		return nil, err
	}
	raw, err := e.decryptGroups(blobs, rows, qScale*kScale)
	if err != nil {
		return nil, err
	}

	var qq float64
	if metric == wire.MetricL2 {
		for _, x := range q {
			qq += float64(x) * float64(x)
		}
	}
	out := make([]float32, len(raw))
	for i, s := range raw {
		if metric == wire.MetricL2 {
			s = qq - 2*s
		}
		out[i] = float32(s)
	}
	return out, nil
}

// PIRSelectors encrypts a one-hot selector for row index of a collection of
// rows rows, one ciphertext per chunk of n rows.
func (e *Encryptor) PIRSelectors(rows, index int) ([][]byte, error) {
	if index < 0 || index >= rows {
		return nil, fmt.Errorf("%w: row %d of %d", hevec.ErrIndexOutOfRange, index, rows)
	}
	sel := make([]float64, rows)
	sel[index] = 1
	return e.encryptRow(sel, false, hevec.DefaultPIRScale)
}

// DecodePIR recovers the payload from a PIR_RETRIEVE response.
func (e *Encryptor) DecodePIR(blobs [][]byte) ([]byte, error) {
	values, err := e.decryptGroups(blobs, -1, hevec.DefaultPIRScale)
	if err != nil {
		return nil, err
	}
	rec := make([]byte, len(values))
	for i, v := range values {
		b := math.Round(v)
		if b < 0 || b > 255 {
			return nil, fmt.Errorf("%w: record byte %d decrypted to %.2f", hevec.ErrNumericRange, i, v)
		}
		rec[i] = byte(b)
	}
	return wire.DecodePIRRecord(rec)
}
