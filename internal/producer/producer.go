// Package producer defines the uniform pull contract over upstream sources.
//
// A Producer is opened once per use. The returned Stream yields non-empty
// increments and ends with io.EOF. Any other error is terminal: after it the
// stream keeps returning the same error.
package producer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
)

// ErrNoResults reports a source that ran successfully but had nothing to say.
var ErrNoResults = errors.New("no results")

// NoResultsText replaces an ErrNoResults outcome.
const NoResultsText = "No results found."

// Increment is one unit of partial content.
type Increment struct {
	Text  string
	Delta json.RawMessage
}

// String returns the text carried by the increment.
func (i Increment) String() string {
	if i.Text != "" {
		return i.Text
	}
	return string(i.Delta)
}

// Message is one prompt message for a completion source.
type Message struct {
	Role    string
	Content string
}

// Params are the inputs of a single Open call.
type Params struct {
	Query       string
	Model       string
	Messages    []Message
	Temperature *float64
}

// Stream pulls increments from an opened producer.
type Stream interface {
	Next(ctx context.Context) (Increment, error)
	Close() error
}

// Producer opens streams.
type Producer interface {
	Open(ctx context.Context, p Params) (Stream, error)
}

// BatchFunc returns a complete result in one call.
type BatchFunc func(ctx context.Context, p Params) (string, error)

// EmitFunc hands one increment to the consumer. It blocks until the
// consumer takes it or the stream is closed.
type EmitFunc func(text string) error

// StreamFunc pushes increments through emit and returns when the upstream
// is done.
type StreamFunc func(ctx context.Context, p Params, emit EmitFunc) error

// Batch exposes fn as a one-increment stream. An empty result or
// ErrNoResults becomes NoResultsText.
func Batch(fn BatchFunc) Producer {
	return batchProducer{fn: fn}
}

type batchProducer struct {
	fn BatchFunc
}

func (b batchProducer) Open(ctx context.Context, p Params) (Stream, error) {
	return &batchStream{fn: b.fn, params: p}, nil
}

type batchStream struct {
	fn     BatchFunc
	params Params
	done   bool
	err    error
}

func (s *batchStream) Next(ctx context.Context) (Increment, error) {
	if s.err != nil {
		return Increment{}, s.err
	}
	if s.done {
		return Increment{}, io.EOF
	}
	s.done = true

	out, err := s.fn(ctx, s.params)
	if errors.Is(err, ErrNoResults) || (err == nil && out == "") {
		return Increment{Text: NoResultsText}, nil
	}
	if err != nil {
		s.err = err
		return Increment{}, err
	}
	return Increment{Text: out}, nil
}

func (s *batchStream) Close() error { return nil }

// Streaming bridges a push-style upstream into the pull contract. fn runs on
// its own goroutine from Open until it returns or the stream is closed.
func Streaming(fn StreamFunc) Producer {
	return streamingProducer{fn: fn}
}

type streamingProducer struct {
	fn StreamFunc
}

func (sp streamingProducer) Open(ctx context.Context, p Params) (Stream, error) {
	runCtx, cancel := context.WithCancel(ctx)
	s := &pushStream{
		cancel: cancel,
		ch:     make(chan string),
		errc:   make(chan error, 1),
	}

	go func() {
		defer close(s.ch)
		emit := func(text string) error {
			if text == "" {
				return nil
			}
			select {
			case s.ch <- text:
				return nil
			case <-runCtx.Done():
				return runCtx.Err()
			}
		}
		s.errc <- sp.fn(runCtx, p, emit)
	}()

	return s, nil
}

type pushStream struct {
	cancel    context.CancelFunc
	ch        chan string
	errc      chan error
	err       error
	closeOnce sync.Once
}

func (s *pushStream) Next(ctx context.Context) (Increment, error) {
	if s.err != nil {
		return Increment{}, s.err
	}
	select {
	case text, ok := <-s.ch:
		if ok {
			return Increment{Text: text}, nil
		}
		// The goroutine sends its result before closing ch.
		err := <-s.errc
		if err == nil {
			err = io.EOF
		}
		s.err = err
		return Increment{}, err
	case <-ctx.Done():
		return Increment{}, ctx.Err()
	}
}

// Close stops the upstream and waits for its goroutine to exit.
func (s *pushStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		for range s.ch {
		}
	})
	return nil
}
