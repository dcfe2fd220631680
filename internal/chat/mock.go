package chat

import (
	"context"
	"strings"
	"sync"
)

// MockCompleter replays scripted token streams in tests.
type MockCompleter struct {
	mu sync.Mutex

	// Tokens streamed on every call.
	Tokens []string
	// Err, when set, is returned after the tokens are streamed.
	Err error

	requests []Request
}

func (m *MockCompleter) Stream(ctx context.Context, req Request, onDelta func(token string) error) (Response, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	tokens := make([]string, len(m.Tokens))
	copy(tokens, m.Tokens)
	err := m.Err
	m.mu.Unlock()

	var full strings.Builder
	for _, tok := range tokens {
		if ctx.Err() != nil {
			return Response{Text: full.String()}, ctx.Err()
		}
		full.WriteString(tok)
		if cbErr := onDelta(tok); cbErr != nil {
			return Response{Text: full.String()}, cbErr
		}
	}
	return Response{Text: full.String()}, err
}

// Requests returns every completion request observed so far.
func (m *MockCompleter) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}
