package chat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hyesung/avatarlink/internal/reliability"
	"github.com/hyesung/avatarlink/internal/session"
)

const openAIAPIVersion = "2024-06-01"

// OpenAICompleter streams chat completions from an Azure OpenAI deployment
// over server-sent events.
type OpenAICompleter struct {
	endpoint   string
	apiKey     string
	deployment string
	client     *http.Client
}

func NewOpenAICompleter(endpoint, apiKey, deployment string) *OpenAICompleter {
	return &OpenAICompleter{
		endpoint:   strings.TrimRight(endpoint, "/"),
		apiKey:     apiKey,
		deployment: deployment,
		client:     &http.Client{Timeout: 2 * time.Minute},
	}
}

type completionRequest struct {
	Messages    []session.Message    `json:"messages"`
	Stream      bool                 `json:"stream"`
	DataSources []session.DataSource `json:"data_sources,omitempty"`
}

type completionChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

func (c *OpenAICompleter) Stream(ctx context.Context, req Request, onDelta func(token string) error) (Response, error) {
	body, err := json.Marshal(completionRequest{
		Messages:    req.Messages,
		Stream:      true,
		DataSources: req.DataSources,
	})
	if err != nil {
		return Response{}, fmt.Errorf("encode completion request: %w", err)
	}

	url := fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s", c.endpoint, c.deployment, openAIAPIVersion)

	// Retry only before the first delta is delivered; once the stream is
	// flowing a retry would replay text the caller already spoke.
	var resp *http.Response
	for attempt := 0; ; attempt++ {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return Response{}, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("api-key", c.apiKey)

		resp, err = c.client.Do(httpReq)
		if err != nil {
			return Response{}, fmt.Errorf("completion request: %w", err)
		}
		if resp.StatusCode == http.StatusOK {
			break
		}
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		resp.Body.Close()
		if attempt >= 2 || !reliability.IsRetryableHTTPStatus(resp.StatusCode) {
			return Response{}, fmt.Errorf("completion status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
		}
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-time.After(reliability.ExponentialBackoff(attempt, 250*time.Millisecond, 2*time.Second)):
		}
	}
	defer resp.Body.Close()

	var full strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}
		var chunk completionChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		for _, choice := range chunk.Choices {
			token := choice.Delta.Content
			if token == "" {
				continue
			}
			full.WriteString(token)
			if err := onDelta(token); err != nil {
				return Response{Text: full.String()}, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return Response{Text: full.String()}, fmt.Errorf("read completion stream: %w", err)
	}
	return Response{Text: full.String()}, nil
}
