package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fragmentClient struct {
	fragments []string
	err       error
	started   chan struct{}
	block     bool
}

func (c *fragmentClient) Generate(ctx context.Context, _ []Message) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	var out string
	for _, f := range c.fragments {
		out += f
	}
	return out, nil
}

func (c *fragmentClient) GenerateStream(ctx context.Context, _ []Message, fn func(string) error) error {
	if c.started != nil {
		close(c.started)
	}
	for _, f := range c.fragments {
		if err := fn(f); err != nil {
			return err
		}
	}
	if c.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return c.err
}

var _ StreamClient = (*fragmentClient)(nil)

type oneShotClient struct{ answer string }

func (c oneShotClient) Generate(context.Context, []Message) (string, error) { return c.answer, nil }

func TestStreamDeliversFragmentsAndCompletes(t *testing.T) {
	var completed string
	s := Start(context.Background(), &fragmentClient{fragments: []string{"The ", "answer"}}, nil,
		OnComplete(func(text string) { completed = text }))

	var got []string
	for {
		fragment, ok := s.Next()
		if !ok {
			break
		}
		got = append(got, fragment)
	}
	<-s.Done()

	require.NoError(t, s.Err())
	assert.Equal(t, []string{"The ", "answer"}, got)
	assert.Equal(t, "The answer", s.Text())
	assert.Equal(t, "The answer", completed)
}

func TestStreamFallsBackToOneShot(t *testing.T) {
	text, err := Start(context.Background(), oneShotClient{answer: "whole"}, nil).Collect()
	require.NoError(t, err)
	assert.Equal(t, "whole", text)
}

func TestStreamErrorSkipsCompletion(t *testing.T) {
	called := false
	boom := errors.New("boom")
	s := Start(context.Background(), &fragmentClient{fragments: []string{"partial"}, err: boom}, nil,
		OnComplete(func(string) { called = true }))

	text, err := s.Collect()
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "partial", text)
	assert.False(t, called)
}

func TestStreamCloseCancelsInFlightCall(t *testing.T) {
	started := make(chan struct{})
	called := false
	s := Start(context.Background(), &fragmentClient{started: started, block: true}, nil,
		OnComplete(func(string) { called = true }))

	<-started
	closed := make(chan struct{})
	go func() {
		s.Close()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("close did not stop the producer")
	}
	assert.ErrorIs(t, s.Err(), context.Canceled)
	assert.False(t, called)
}

func TestStaticStream(t *testing.T) {
	s := Static("Please load documents first.", nil)
	fragment, ok := s.Next()
	require.True(t, ok)
	assert.Equal(t, "Please load documents first.", fragment)
	_, ok = s.Next()
	assert.False(t, ok)
	s.Close()
}
