package eventcore

import (
	"context"
	"errors"
	"io"
)

// Iterator is a lazy, single-pass sequence. The producing function returns
// io.EOF once exhausted; any other error stops the iteration and is reported
// by Err.
type Iterator[T any] struct {
	nextFunc func(ctx context.Context) (T, error)
	current  T
	err      error
	done     bool
}

// NewIteratorFunc creates an Iterator from a function that produces the next
// value, or io.EOF when the sequence is finished.
func NewIteratorFunc[T any](nextFunc func(ctx context.Context) (T, error)) *Iterator[T] {
	return &Iterator[T]{nextFunc: nextFunc}
}

// NewSliceIterator iterates over a snapshot of items.
func NewSliceIterator[T any](items []T) *Iterator[T] {
	items = append([]T(nil), items...)
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

// EmptyIterator yields nothing.
func EmptyIterator[T any]() *Iterator[T] {
	return NewSliceIterator[T](nil)
}

// Next advances the iterator. Returns false if the iterator is done or an error occurred.
func (it *Iterator[T]) Next(ctx context.Context) bool {
	if it.done {
		return false
	}
	v, err := it.nextFunc(ctx)
	if err != nil {
		it.done = true
		var zero T
		it.current = zero
		if !errors.Is(err, io.EOF) {
			it.err = err
		}
		return false
	}
	it.current = v
	return true
}

// Value returns the current value.
func (it *Iterator[T]) Value() T {
	return it.current
}

// Err returns the error that stopped the iteration, nil when it ended normally.
func (it *Iterator[T]) Err() error {
	return it.err
}

// All consumes the iterator and returns all items in a slice.
func (it *Iterator[T]) All(ctx context.Context) ([]T, error) {
	var results []T
	for it.Next(ctx) {
		results = append(results, it.Value())
	}
	return results, it.Err()
}
