package chat

import (
	"context"

	"github.com/hyesung/avatarlink/internal/session"
)

// Request is one completion call over the session's current context.
type Request struct {
	Messages    []session.Message
	DataSources []session.DataSource
}

// Response is the assembled result of a streamed completion.
type Response struct {
	Text string
}

// Completer streams a chat completion, invoking onDelta for every content
// token in order. A non-nil error from onDelta aborts the stream.
type Completer interface {
	Stream(ctx context.Context, req Request, onDelta func(token string) error) (Response, error)
}
