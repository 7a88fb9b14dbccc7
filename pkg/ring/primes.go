package ring

import (
	"fmt"

	lring "github.com/tuneinsight/lattigo/v5/ring"
)

// GeneratePrimes returns count distinct NTT-friendly primes for the given
// degree, each close to 2^logQ.
func GeneratePrimes(logQ, degree, count int) ([]uint64, error) {
	if logQ < 2 || logQ > MaxModulusBits {
		return nil, fmt.Errorf("%w: prime size %d bits, max %d", ErrNumericRange, logQ, MaxModulusBits)
	}
	if degree < MinDegree || degree&(degree-1) != 0 {
		return nil, fmt.Errorf("%w: degree %d is not a power of two >= %d", ErrInvalidConstruction, degree, MinDegree)
	}

	g := lring.NewNTTFriendlyPrimesGenerator(uint64(logQ), uint64(2*degree))
	primes, err := g.NextAlternatingPrimes(count)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConstruction, err)
	}
	return primes, nil
}
