package hevec

import (
	"fmt"
	"math"

	"github.com/opaque/hevec/pkg/ring"
)

// Message is a vector of real-valued slots.
type Message struct {
	slots []float64
}

// NewMessage returns a zero message with the given number of slots.
func NewMessage(degree int) (*Message, error) {
	if degree <= 0 {
		return nil, fmt.Errorf("%w: message degree %d", ErrInvalidConstruction, degree)
	}
	return &Message{slots: make([]float64, degree)}, nil
}

// NewMessageFromSlice copies values into a message of length degree.
func NewMessageFromSlice(degree int, values []float64) (*Message, error) {
	m, err := NewMessage(degree)
	if err != nil {
		return nil, err
	}
	if len(values) > degree {
		return nil, fmt.Errorf("%w: %d values for %d slots", ErrIndexOutOfRange, len(values), degree)
	}
	copy(m.slots, values)
	return m, nil
}

// Degree returns the number of slots.
func (m *Message) Degree() int { return len(m.slots) }

// At returns slot i.
func (m *Message) At(i int) (float64, error) {
	if i < 0 || i >= len(m.slots) {
		return 0, fmt.Errorf("%w: slot %d of %d", ErrIndexOutOfRange, i, len(m.slots))
	}
	return m.slots[i], nil
}

// Set writes slot i.
func (m *Message) Set(i int, v float64) error {
	if i < 0 || i >= len(m.slots) {
		return fmt.Errorf("%w: slot %d of %d", ErrIndexOutOfRange, i, len(m.slots))
	}
	m.slots[i] = v
	return nil
}

// Slots returns the slot slice. It aliases the message.
func (m *Message) Slots() []float64 { return m.slots }

// encode quantizes msg into a coefficient-domain polynomial of r.
// Slot i becomes coefficient i; missing slots are zero.
func encode(r *ring.Ring, msg *Message, scale float64) (*ring.Polynomial, error) {
	if msg.Degree() > r.Degree() {
		return nil, fmt.Errorf("%w: %d slots for degree %d", ErrIndexOutOfRange, msg.Degree(), r.Degree())
	}
	if !(scale > 0) || math.IsInf(scale, 0) {
		return nil, fmt.Errorf("%w: scale %v", ErrNumericRange, scale)
	}

	q := r.Modulus()
	limit := float64(q >> 1)
	pt := r.NewPolynomial()
	coeffs := pt.Coeffs()
	for i, v := range msg.slots {
		x := math.Round(v * scale)
		if math.IsNaN(x) || math.Abs(x) >= limit {
			return nil, fmt.Errorf("%w: slot %d value %v at scale %v", ErrNumericRange, i, v, scale)
		}
		coeffs[i] = ring.Reduce(int64(x), q)
	}
	return pt, nil
}

// decode inverts encode over every coefficient of pt.
func decode(pt *ring.Polynomial, scale float64) (*Message, error) {
	if !(scale > 0) || math.IsInf(scale, 0) {
		return nil, fmt.Errorf("%w: scale %v", ErrNumericRange, scale)
	}

	pt, err := coefficientView(pt)
	if err != nil {
		return nil, err
	}

	q := pt.Modulus()
	msg := &Message{slots: make([]float64, pt.Degree())}
	for i, c := range pt.Coeffs() {
		msg.slots[i] = float64(ring.Center(c, q)) / scale
	}
	return msg, nil
}

// coefficientView returns p itself when it is in the coefficient domain,
// or a transformed copy otherwise.
func coefficientView(p *ring.Polynomial) (*ring.Polynomial, error) {
	if p.Domain() == ring.Coefficient {
		return p, nil
	}
	c := p.CopyNew()
	if err := c.INTT(); err != nil {
		return nil, err
	}
	return c, nil
}

// evaluationCopy returns a copy of p in the evaluation domain.
func evaluationCopy(p *ring.Polynomial) (*ring.Polynomial, error) {
	c := p.CopyNew()
	if c.Domain() == ring.Evaluation {
		return c, nil
	}
	if err := c.NTT(); err != nil {
		return nil, err
	}
	return c, nil
}
