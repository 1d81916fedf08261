package fixtures

import (
	"context"
	"io"

	es "github.com/tidemill/eventflow"
)

// EmptyIterator returns an iterator that yields no items.
func EmptyIterator() *es.Iterator[*es.Envelope] {
	return es.NewIteratorFunc(func(ctx context.Context) (*es.Envelope, error) {
		return nil, io.EOF
	})
}

// FailingIterator returns an iterator that fails with the given error.
func FailingIterator(err error) *es.Iterator[*es.Envelope] {
	return es.NewIteratorFunc(func(ctx context.Context) (*es.Envelope, error) {
		return nil, err
	})
}

// SliceIterator creates an iterator from a slice of envelope pointers.
func SliceIterator(envelopes []*es.Envelope) *es.Iterator[*es.Envelope] {
	return es.NewSliceIterator(envelopes)
}

// SingleEnvelopeIterator returns an iterator that yields a single envelope.
func SingleEnvelopeIterator(env *es.Envelope) *es.Iterator[*es.Envelope] {
	return SliceIterator([]*es.Envelope{env})
}

// EnvelopeIteratorFromEvents creates an iterator from events.
func EnvelopeIteratorFromEvents(events ...es.Event) *es.Iterator[*es.Envelope] {
	return SliceIterator(EnvelopesFromEvents(events...))
}

// FailAfterNIterator returns an iterator that yields n items, then fails.
func FailAfterNIterator(envelopes []*es.Envelope, n int, err error) *es.Iterator[*es.Envelope] {
	idx := 0
	return es.NewIteratorFunc(func(ctx context.Context) (*es.Envelope, error) {
		if idx >= n {
			return nil, err
		}
		if idx >= len(envelopes) {
			return nil, io.EOF
		}
		env := envelopes[idx]
		idx++
		return env, nil
	})
}

// DelayedIterator wraps an iterator with a callback before each Next.
// Useful for testing timing-sensitive scenarios.
func DelayedIterator(envelopes []*es.Envelope, beforeNext func()) *es.Iterator[*es.Envelope] {
	idx := 0
	return es.NewIteratorFunc(func(ctx context.Context) (*es.Envelope, error) {
		if beforeNext != nil {
			beforeNext()
		}

		if idx >= len(envelopes) {
			return nil, io.EOF
		}
		env := envelopes[idx]
		idx++
		return env, nil
	})
}
