package llm

import (
	"context"
	"strings"
	"sync"
)

// Stream delivers an answer as a sequence of text fragments. Consumers call
// Next until it reports false, then inspect Err and Text. Close aborts the
// in-flight generation and waits for it to finish.
type Stream struct {
	fragments chan string
	done      chan struct{}
	cancel    context.CancelFunc

	mu   sync.Mutex
	text strings.Builder
	err  error
}

type streamOptions struct {
	onComplete func(text string)
}

type StreamOption func(*streamOptions)

// OnComplete registers fn to run once after the generation finished without
// error, before the stream reports its end.
func OnComplete(fn func(text string)) StreamOption {
	return func(o *streamOptions) {
		o.onComplete = fn
	}
}

// Start launches the generation in the background. Clients implementing
// StreamClient stream fragments; others deliver the full answer once.
func Start(ctx context.Context, client Client, messages []Message, opts ...StreamOption) *Stream {
	var o streamOptions
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		fragments: make(chan string),
		done:      make(chan struct{}),
		cancel:    cancel,
	}

	go func() {
		defer close(s.done)
		defer close(s.fragments)
		defer cancel()

		emit := func(fragment string) error {
			select {
			case s.fragments <- fragment:
			case <-ctx.Done():
				return ctx.Err()
			}
			s.mu.Lock()
			s.text.WriteString(fragment)
			s.mu.Unlock()
			return nil
		}

		var err error
		if sc, ok := client.(StreamClient); ok {
			err = sc.GenerateStream(ctx, messages, emit)
		} else {
			var answer string
			answer, err = client.Generate(ctx, messages)
			if err == nil {
				err = emit(answer)
			}
		}
		if err == nil {
			err = ctx.Err()
		}

		s.mu.Lock()
		s.err = err
		text := s.text.String()
		s.mu.Unlock()

		if err == nil && o.onComplete != nil {
			o.onComplete(text)
		}
	}()

	return s
}

// Static returns an already-finished stream carrying text as its only
// fragment and err as its terminal error.
func Static(text string, err error) *Stream {
	s := &Stream{
		fragments: make(chan string, 1),
		done:      make(chan struct{}),
		cancel:    func() {},
		err:       err,
	}
	if text != "" {
		s.fragments <- text
		s.text.WriteString(text)
	}
	close(s.fragments)
	close(s.done)
	return s
}

// Next blocks until the next fragment is available. It returns false once the
// stream has ended.
func (s *Stream) Next() (string, bool) {
	fragment, ok := <-s.fragments
	return fragment, ok
}

// Text returns the fragments delivered so far; after the stream ended it is
// the full answer.
func (s *Stream) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text.String()
}

// Err reports the terminal error. It is only meaningful after Next returned
// false or Done was closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Close cancels the generation if it is still running and waits for the
// producer to exit. It is safe to call more than once.
func (s *Stream) Close() {
	s.cancel()
	for range s.fragments {
	}
	<-s.done
}

// Collect drains the stream and returns the assembled text.
func (s *Stream) Collect() (string, error) {
	for {
		if _, ok := s.Next(); !ok {
			break
		}
	}
	<-s.done
	return s.Text(), s.Err()
}
