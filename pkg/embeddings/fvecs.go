package embeddings

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// LoadFvecs loads vectors from a .fvecs file (used by SIFT1M, etc.)
//
// FVECS format:
// For each vector:
//   - 4 bytes: dimension (int32, little-endian)
//   - dimension * 4 bytes: float32 values (little-endian)
//
// All vectors must have the same dimension.
func LoadFvecs(path string) ([][]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open fvecs file: %w", err)
	}
	defer f.Close()

	return ReadFvecs(bufio.NewReader(f))
}

// ReadFvecs reads vectors from an io.Reader in FVECS format.
func ReadFvecs(r io.Reader) ([][]float32, error) {
	return readVecs[float32](r)
}

// LoadIvecs loads integer vectors from a .ivecs file (used for ground truth).
// The layout is that of FVECS with int32 values.
func LoadIvecs(path string) ([][]int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ivecs file: %w", err)
	}
	defer f.Close()

	return ReadIvecs(bufio.NewReader(f))
}

// ReadIvecs reads integer vectors from an io.Reader in IVECS format.
func ReadIvecs(r io.Reader) ([][]int, error) {
	raw, err := readVecs[int32](r)
	if err != nil {
		return nil, err
	}
	out := make([][]int, len(raw))
	for i, vec := range raw {
		out[i] = make([]int, len(vec))
		for j, v := range vec {
			out[i][j] = int(v)
		}
	}
	return out, nil
}

func readVecs[T float32 | int32](r io.Reader) ([][]T, error) {
	var vectors [][]T
	var expectedDim int32 = -1

	for {
		var dim int32
		err := binary.Read(r, binary.LittleEndian, &dim)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read dimension: %w", err)
		}
		if dim <= 0 {
			return nil, fmt.Errorf("vector %d: invalid dimension %d", len(vectors), dim)
		}

		if expectedDim == -1 {
			expectedDim = dim
		} else if dim != expectedDim {
			return nil, fmt.Errorf("inconsistent dimensions: expected %d, got %d", expectedDim, dim)
		}

		vec := make([]T, dim)
		if err := binary.Read(r, binary.LittleEndian, vec); err != nil {
			return nil, fmt.Errorf("vector %d: failed to read values: %w", len(vectors), err)
		}
		vectors = append(vectors, vec)
	}

	return vectors, nil
}

// SaveFvecs saves vectors to a .fvecs file.
func SaveFvecs(path string, vectors [][]float32) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create fvecs file: %w", err)
	}
	w := bufio.NewWriter(f)
	if err := WriteFvecs(w, vectors); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// WriteFvecs writes vectors to an io.Writer in FVECS format.
func WriteFvecs(w io.Writer, vectors [][]float32) error {
	for _, vec := range vectors {
		if err := binary.Write(w, binary.LittleEndian, int32(len(vec))); err != nil {
			return fmt.Errorf("failed to write dimension: %w", err)
		}
		if err := binary.Write(w, binary.LittleEndian, vec); err != nil {
			return fmt.Errorf("failed to write vector values: %w", err)
		}
	}
	return nil
}
