package eventflow

import (
	"context"
	"errors"
	"io"
)

// Iterator is a lazy, finite iterator. The producing function returns io.EOF
// when exhausted; any other error stops iteration and is reported by Err.
// Iterators are single-use and not safe for concurrent consumption.
type Iterator[T any] struct {
	next    func(ctx context.Context) (T, error)
	current T
	err     error
	done    bool
}

// NewIteratorFunc creates an Iterator from a producer function. The function
// should return io.EOF when there are no more items.
func NewIteratorFunc[T any](next func(ctx context.Context) (T, error)) *Iterator[T] {
	return &Iterator[T]{next: next}
}

// NewSliceIterator creates an Iterator that yields the items of a slice in
// order.
func NewSliceIterator[T any](items []T) *Iterator[T] {
	index := 0
	return NewIteratorFunc(func(ctx context.Context) (T, error) {
		var zero T
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		if index >= len(items) {
			return zero, io.EOF
		}
		v := items[index]
		index++
		return v, nil
	})
}

// Next advances the iterator. It returns false when the iterator is exhausted
// or an error occurred; check Err afterwards.
func (it *Iterator[T]) Next(ctx context.Context) bool {
	if it.done || it.err != nil {
		return false
	}
	v, err := it.next(ctx)
	if err != nil {
		if errors.Is(err, io.EOF) {
			it.done = true
		} else {
			it.err = err
		}
		return false
	}
	it.current = v
	return true
}

// Value returns the item produced by the last successful Next.
func (it *Iterator[T]) Value() T {
	return it.current
}

// Err returns the first error encountered during iteration, if any.
func (it *Iterator[T]) Err() error {
	return it.err
}

// All consumes the iterator and returns the remaining items.
func (it *Iterator[T]) All(ctx context.Context) ([]T, error) {
	var results []T
	for it.Next(ctx) {
		results = append(results, it.Value())
	}
	return results, it.Err()
}
