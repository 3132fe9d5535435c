package batch

import (
	"errors"
	"fmt"
)

// ErrInvalidArgument is returned when Chunk is called with a non-positive size
var ErrInvalidArgument = errors.New("invalid argument")

// Chunk splits items into consecutive groups of size elements. The last group
// holds the remainder. Empty input yields no groups.
//
// Groups alias items; appending to a group never reaches into the next one.
func Chunk[T any](items []T, size int) ([][]T, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive, got %d", ErrInvalidArgument, size)
	}

	chunks := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		chunks = append(chunks, items[start:end:end])
	}
	return chunks, nil
}
