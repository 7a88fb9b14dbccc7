package hevec

import (
	"cmp"
	"fmt"
	"math"
	"slices"
)

// TopK is a fixed-length buffer of result indices. Unfilled positions hold -1.
type TopK struct {
	indices []int
}

// NewTopK returns a buffer for k indices.
func NewTopK(k int) (*TopK, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: k=%d", ErrInvalidConstruction, k)
	}
	t := &TopK{indices: make([]int, k)}
	t.reset()
	return t, nil
}

// K returns the buffer length.
func (t *TopK) K() int { return len(t.indices) }

// At returns position i.
func (t *TopK) At(i int) (int, error) {
	if i < 0 || i >= len(t.indices) {
		return 0, fmt.Errorf("%w: position %d of %d", ErrIndexOutOfRange, i, len(t.indices))
	}
	return t.indices[i], nil
}

// Set writes position i.
func (t *TopK) Set(i, v int) error {
	if i < 0 || i >= len(t.indices) {
		return fmt.Errorf("%w: position %d of %d", ErrIndexOutOfRange, i, len(t.indices))
	}
	t.indices[i] = v
	return nil
}

// Indices returns a copy of the buffer.
func (t *TopK) Indices() []int { return slices.Clone(t.indices) }

func (t *TopK) reset() {
	for i := range t.indices {
		t.indices[i] = -1
	}
}

// Fill writes the best K() indices of scores into t.
func (t *TopK) Fill(scores []float64) {
	t.reset()
	for i, idx := range rankIndices(scores, len(t.indices)) {
		t.indices[i] = idx
	}
}

// TopKScore fills res from decoded score messages. Only the first rank slots
// of each message carry scores; slot s of message m is index m*rank + s.
// All of them are ranked, including the padding slots of a partial last
// group, which decode near zero. TopKScoreRows leaves those out.
func (c *Client) TopKScore(res *TopK, msgs []*Message) error {
	return c.TopKScoreRows(res, msgs, len(msgs)*c.params.Rank())
}

// TopKScoreRows is TopKScore restricted to the first rows indices.
func (c *Client) TopKScoreRows(res *TopK, msgs []*Message, rows int) error {
	rank := c.params.Rank()
	if rows < 0 || rows > len(msgs)*rank {
		return fmt.Errorf("%w: %d rows in %d messages of %d slots", ErrIndexOutOfRange, rows, len(msgs), rank)
	}
	scores := make([]float64, 0, len(msgs)*rank)
	for i, m := range msgs {
		if m == nil || m.Degree() < rank {
			return fmt.Errorf("%w: message %d carries fewer than %d slots", ErrIndexOutOfRange, i, rank)
		}
		scores = append(scores, m.slots[:rank]...)
	}
	res.Fill(scores[:rows])
	return nil
}

// GetTopKIndices returns the indices of the min(k, len(scores)) highest
// scores, in descending score order with ties broken by ascending index.
func GetTopKIndices(scores []float64, k int) []uint64 {
	best := rankIndices(scores, k)
	out := make([]uint64, len(best))
	for i, idx := range best {
		out[i] = uint64(idx)
	}
	return out
}

// rankIndices orders indices by descending score, then ascending index. NaN sorts last.
func rankIndices(scores []float64, k int) []int {
	if k <= 0 || len(scores) == 0 {
		return nil
	}
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	slices.SortFunc(idx, func(a, b int) int {
		sa, sb := scores[a], scores[b]
		na, nb := math.IsNaN(sa), math.IsNaN(sb)
		switch {
		case na && nb:
		case na:
			return 1
		case nb:
			return -1
		case sa > sb:
			return -1
		case sa < sb:
			return 1
		}
		return cmp.Compare(a, b)
	})
	return idx[:min(k, len(idx))]
}
