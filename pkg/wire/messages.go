package wire

import (
	"fmt"
	"math"
)

// SetupRequest creates a collection, or confirms an identical one.
// NormBound caps the encoded key norm of an encrypted collection; zero asks
// for the default. It is ignored when attaching to an existing collection.
type SetupRequest struct {
	Name      string
	Dim       uint64
	Metric    Metric
	Encrypted bool
	NormBound float64
}

func (m *SetupRequest) MarshalBinary() ([]byte, error) {
	var w Writer
	w.Text(m.Name)
	w.U64(m.Dim)
	w.U8(uint8(m.Metric))
	w.Bool(m.Encrypted)
	w.F64(m.NormBound)
	return w.Bytes(), nil
}

func (m *SetupRequest) UnmarshalBinary(data []byte) error {
	r := NewReader(data)
	m.Name = r.Text()
	m.Dim = r.U64()
	m.Metric = Metric(r.U8())
	m.Encrypted = r.Bool()
	m.NormBound = r.F64()
	if r.Err() != nil {
		return r.Err()
	}
	if !m.Metric.Valid() {
		return fmt.Errorf("%w: metric %d", ErrMalformed, m.Metric)
	}
	if !validNorm(m.NormBound) {
		return fmt.Errorf("%w: norm bound %v", ErrMalformed, m.NormBound)
	}
	return r.Done()
}

// SetupResponse carries the collection id, its current row count and, for
// encrypted collections, the key norm bound every inserting client must use.
type SetupResponse struct {
	ID        uint64
	Rows      uint64
	NormBound float64
}

func (m *SetupResponse) MarshalBinary() ([]byte, error) {
	var w Writer
	w.U64(m.ID)
	w.U64(m.Rows)
	w.F64(m.NormBound)
	return w.Bytes(), nil
}

func (m *SetupResponse) UnmarshalBinary(data []byte) error {
	r := NewReader(data)
	m.ID = r.U64()
	m.Rows = r.U64()
	m.NormBound = r.F64()
	if r.Err() == nil && !validNorm(m.NormBound) {
		return fmt.Errorf("%w: norm bound %v", ErrMalformed, m.NormBound)
	}
	return r.Done()
}

func validNorm(x float64) bool { return x >= 0 && !math.IsInf(x, 0) }

// InsertRequest appends rows to a collection. Exactly one of Vectors
// (KindFloat) or Ciphertexts (KindCiphertext, one blob per chunk per row)
// is used. Payloads has one entry per row; a nil slice sends empty payloads.
type InsertRequest struct {
	Name        string
	Cols        uint64
	Kind        uint8
	Vectors     [][]float32
	Ciphertexts [][][]byte
	Payloads    []string
}

// Rows returns the number of rows carried.
func (m *InsertRequest) Rows() int {
	if m.Kind == KindCiphertext {
		return len(m.Ciphertexts)
	}
	return len(m.Vectors)
}

func (m *InsertRequest) MarshalBinary() ([]byte, error) {
	rows := m.Rows()
	if m.Payloads != nil && len(m.Payloads) != rows {
		return nil, fmt.Errorf("%w: %d payloads for %d rows", ErrMalformed, len(m.Payloads), rows)
	}

	var w Writer
	w.Text(m.Name)
	w.U64(uint64(rows))
	w.U64(m.Cols)
	w.U8(m.Kind)
	switch m.Kind {
	case KindFloat:
		for i, v := range m.Vectors {
			if uint64(len(v)) != m.Cols {
				return nil, fmt.Errorf("%w: row %d has %d columns, want %d", ErrMalformed, i, len(v), m.Cols)
			}
			for _, x := range v {
				w.F32(x)
			}
		}
	case KindCiphertext:
		for _, row := range m.Ciphertexts {
			w.Blobs(row)
		}
	default:
		return nil, fmt.Errorf("%w: insert kind %d", ErrMalformed, m.Kind)
	}
	for i := 0; i < rows; i++ {
		if m.Payloads == nil {
			w.Text("")
			continue
		}
		w.Text(m.Payloads[i])
	}
	return w.Bytes(), nil
}

func (m *InsertRequest) UnmarshalBinary(data []byte) error {
	r := NewReader(data)
	m.Name = r.Text()
	rows := r.U64()
	m.Cols = r.U64()
	m.Kind = r.U8()
	if r.Err() != nil {
		return r.Err()
	}

	// Every row costs at least 4 payload bytes, which bounds rows.
	n := r.count(rows, 4)
	m.Vectors, m.Ciphertexts = nil, nil
	switch m.Kind {
	case KindFloat:
		left := uint64(r.Remaining()) / 4
		if n > 0 && (m.Cols > left || uint64(n)*m.Cols > left) {
			return fmt.Errorf("%w: %d x %d matrix exceeds body", ErrMalformed, rows, m.Cols)
		}
		m.Vectors = make([][]float32, n)
		for i := range m.Vectors {
			m.Vectors[i] = make([]float32, m.Cols)
			for j := range m.Vectors[i] {
				m.Vectors[i][j] = r.F32()
			}
		}
	case KindCiphertext:
		m.Ciphertexts = make([][][]byte, n)
		for i := range m.Ciphertexts {
			m.Ciphertexts[i] = r.Blobs()
		}
	default:
		return fmt.Errorf("%w: insert kind %d", ErrMalformed, m.Kind)
	}
	m.Payloads = make([]string, n)
	for i := range m.Payloads {
		m.Payloads[i] = r.Text()
	}
	return r.Done()
}

// QueryRequest scores a query against every row. Vector is used with
// KindFloat; Chunks holds one encrypted query chunk per blob with KindCiphertext.
type QueryRequest struct {
	Name   string
	Kind   uint8
	Vector []float32
	Chunks [][]byte
}

func (m *QueryRequest) MarshalBinary() ([]byte, error) {
	var w Writer
	w.Text(m.Name)
	w.U8(m.Kind)
	switch m.Kind {
	case KindFloat:
		w.Floats(m.Vector)
	case KindCiphertext:
		w.Blobs(m.Chunks)
	default:
		return nil, fmt.Errorf("%w: query kind %d", ErrMalformed, m.Kind)
	}
	return w.Bytes(), nil
}

func (m *QueryRequest) UnmarshalBinary(data []byte) error {
	r := NewReader(data)
	m.Name = r.Text()
	m.Kind = r.U8()
	m.Vector, m.Chunks = nil, nil
	switch {
	case r.Err() != nil:
	case m.Kind == KindFloat:
		m.Vector = r.Floats()
	case m.Kind == KindCiphertext:
		m.Chunks = r.Blobs()
	default:
		return fmt.Errorf("%w: query kind %d", ErrMalformed, m.Kind)
	}
	return r.Done()
}

// QueryResponse carries plaintext scores (KindFloat) or one encrypted score
// ciphertext per pack of rows (KindCiphertext). Rows is the collection size.
// With KindCiphertext, KeyNorm bounds the encoded key norms; the keys were
// encoded at the scale hevec.Parameters.ScaleFor gives for it.
type QueryResponse struct {
	Kind    uint8
	Scores  []float32
	Blobs   [][]byte
	Rows    uint64
	KeyNorm float64
}

func (m *QueryResponse) MarshalBinary() ([]byte, error) {
	var w Writer
	w.U8(m.Kind)
	switch m.Kind {
	case KindFloat:
		w.Floats(m.Scores)
	case KindCiphertext:
		w.Blobs(m.Blobs)
	default:
		return nil, fmt.Errorf("%w: query kind %d", ErrMalformed, m.Kind)
	}
	w.U64(m.Rows)
	w.F64(m.KeyNorm)
	return w.Bytes(), nil
}

func (m *QueryResponse) UnmarshalBinary(data []byte) error {
	r := NewReader(data)
	m.Kind = r.U8()
	m.Scores, m.Blobs = nil, nil
	switch {
	case r.Err() != nil:
	case m.Kind == KindFloat:
		m.Scores = r.Floats()
	case m.Kind == KindCiphertext:
		m.Blobs = r.Blobs()
	default:
		return fmt.Errorf("%w: query kind %d", ErrMalformed, m.Kind)
	}
	m.Rows = r.U64()
	m.KeyNorm = r.F64()
	if r.Err() == nil && !validNorm(m.KeyNorm) {
		return fmt.Errorf("%w: key norm %v", ErrMalformed, m.KeyNorm)
	}
	return r.Done()
}

// QueryPtxtRequest scores a plaintext query against a plaintext collection.
type QueryPtxtRequest struct {
	Name   string
	Vector []float32
}

func (m *QueryPtxtRequest) MarshalBinary() ([]byte, error) {
	var w Writer
	w.Text(m.Name)
	w.Floats(m.Vector)
	return w.Bytes(), nil
}

func (m *QueryPtxtRequest) UnmarshalBinary(data []byte) error {
	r := NewReader(data)
	m.Name = r.Text()
	m.Vector = r.Floats()
	return r.Done()
}

// ScoresResponse is the QUERY_PTXT response.
type ScoresResponse struct {
	Scores []float32
}

func (m *ScoresResponse) MarshalBinary() ([]byte, error) {
	var w Writer
	w.Floats(m.Scores)
	return w.Bytes(), nil
}

func (m *ScoresResponse) UnmarshalBinary(data []byte) error {
	r := NewReader(data)
	m.Scores = r.Floats()
	return r.Done()
}

// RetrieveRequest fetches one payload in the clear.
type RetrieveRequest struct {
	Name  string
	Index uint64
}

func (m *RetrieveRequest) MarshalBinary() ([]byte, error) {
	var w Writer
	w.Text(m.Name)
	w.U64(m.Index)
	return w.Bytes(), nil
}

func (m *RetrieveRequest) UnmarshalBinary(data []byte) error {
	r := NewReader(data)
	m.Name = r.Text()
	m.Index = r.U64()
	return r.Done()
}

// PayloadResponse is the RETRIEVE response.
type PayloadResponse struct {
	Payload string
}

func (m *PayloadResponse) MarshalBinary() ([]byte, error) {
	var w Writer
	w.Text(m.Payload)
	return w.Bytes(), nil
}

func (m *PayloadResponse) UnmarshalBinary(data []byte) error {
	r := NewReader(data)
	m.Payload = r.Text()
	return r.Done()
}

// PIRRequest carries one encrypted one-hot selector per chunk of rows.
// The requested index is not sent.
type PIRRequest struct {
	Name   string
	Chunks [][]byte
}

func (m *PIRRequest) MarshalBinary() ([]byte, error) {
	var w Writer
	w.Text(m.Name)
	w.Blobs(m.Chunks)
	return w.Bytes(), nil
}

func (m *PIRRequest) UnmarshalBinary(data []byte) error {
	r := NewReader(data)
	m.Name = r.Text()
	m.Chunks = r.Blobs()
	return r.Done()
}

// BlobsResponse is the PIR_RETRIEVE response: one ciphertext per byte group.
type BlobsResponse struct {
	Blobs [][]byte
}

func (m *BlobsResponse) MarshalBinary() ([]byte, error) {
	var w Writer
	w.Blobs(m.Blobs)
	return w.Bytes(), nil
}

func (m *BlobsResponse) UnmarshalBinary(data []byte) error {
	r := NewReader(data)
	m.Blobs = r.Blobs()
	return r.Done()
}

// NameRequest is the DROP_COLLECTION body.
type NameRequest struct {
	Name string
}

func (m *NameRequest) MarshalBinary() ([]byte, error) {
	var w Writer
	w.Text(m.Name)
	return w.Bytes(), nil
}

func (m *NameRequest) UnmarshalBinary(data []byte) error {
	r := NewReader(data)
	m.Name = r.Text()
	return r.Done()
}

// Empty is the body of TERMINATE and of responses without content.
type Empty struct{}

func (*Empty) MarshalBinary() ([]byte, error) { return nil, nil }

func (*Empty) UnmarshalBinary(data []byte) error { return NewReader(data).Done() }

// RegisterKeysRequest publishes evaluation keys and opens a session.
// A zero TTL asks for the server default.
type RegisterKeysRequest struct {
	Keys       []byte
	TTLSeconds uint64
}

func (m *RegisterKeysRequest) MarshalBinary() ([]byte, error) {
	var w Writer
	w.Blob(m.Keys)
	w.U64(m.TTLSeconds)
	return w.Bytes(), nil
}

func (m *RegisterKeysRequest) UnmarshalBinary(data []byte) error {
	r := NewReader(data)
	m.Keys = r.Blob()
	m.TTLSeconds = r.U64()
	return r.Done()
}

// SessionResponse carries the id of a new session.
type SessionResponse struct {
	SessionID string
}

func (m *SessionResponse) MarshalBinary() ([]byte, error) {
	var w Writer
	w.Text(m.SessionID)
	return w.Bytes(), nil
}

func (m *SessionResponse) UnmarshalBinary(data []byte) error {
	r := NewReader(data)
	m.SessionID = r.Text()
	return r.Done()
}
