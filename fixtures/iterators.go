package fixtures

import (
	"context"
	"io"

	es "github.com/terraskye/eventcore"
)

// FailingIterator returns an iterator that fails with the given error.
func FailingIterator(err error) *es.Iterator[*es.Envelope] {
	return es.NewIteratorFunc(func(ctx context.Context) (*es.Envelope, error) {
		return nil, err
	})
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

// Envelopes builds envelopes of streamID numbered 1..n, with global positions
// equal to the version.
func Envelopes(streamID string, events ...es.Event) []*es.Envelope {
	out := es.NewAppendConfig().Envelopes(streamID, 0, events)
	for _, env := range out {
		env.GlobalVersion = uint64(env.Version)
	}
	return out
}
