package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/hyesung/avatarlink/internal/session"
	"github.com/hyesung/avatarlink/internal/transcript"
)

type queueRecorder struct {
	mu        sync.Mutex
	sentences []string
	silences  []int
}

func (q *queueRecorder) SpeakWithQueue(_ *session.Session, text string, trailingSilenceMs int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sentences = append(q.sentences, text)
	q.silences = append(q.silences, trailingSilenceMs)
}

func (q *queueRecorder) all() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.sentences))
	copy(out, q.sentences)
	return out
}

func TestInitializeContextWithoutSearch(t *testing.T) {
	svc := NewService(&MockCompleter{}, nil, nil, Config{}, nil)
	sess := session.NewRegistry(0).Create()

	svc.InitializeContext(sess, "You are a helpful avatar.")

	msgs := sess.MessagesSnapshot()
	if len(msgs) != 1 || msgs[0].Role != "system" || msgs[0].Content != "You are a helpful avatar." {
		t.Fatalf("messages = %+v", msgs)
	}
	if len(sess.DataSourcesSnapshot()) != 0 {
		t.Fatal("unexpected data sources")
	}
	if !sess.ChatInitiated() {
		t.Fatal("chat not marked initiated")
	}
}

func TestInitializeContextWithSearch(t *testing.T) {
	svc := NewService(&MockCompleter{}, nil, nil, Config{
		SearchEndpoint:  "https://search.example",
		SearchAPIKey:    "sk",
		SearchIndexName: "kb",
	}, nil)
	sess := session.NewRegistry(0).Create()

	svc.InitializeContext(sess, "prompt")

	if len(sess.MessagesSnapshot()) != 0 {
		t.Fatal("system message should ride in the data source instead")
	}
	ds := sess.DataSourcesSnapshot()
	if len(ds) != 1 || ds[0].Type != "azure_search" {
		t.Fatalf("data sources = %+v", ds)
	}
	if ds[0].Parameters["role_information"] != "prompt" {
		t.Fatalf("role_information = %v", ds[0].Parameters["role_information"])
	}
}

func TestHandleTurnStreamsAndSpeaks(t *testing.T) {
	completer := &MockCompleter{Tokens: []string{"Hi", " there", ".", " All", " good", "."}}
	speaker := &queueRecorder{}
	store := transcript.NewInMemoryStore()
	svc := NewService(completer, speaker, store, Config{}, nil)
	sess := session.NewRegistry(0).Create()
	svc.InitializeContext(sess, "prompt")

	var emitted []string
	reply, err := svc.HandleTurn(context.Background(), sess, "hello", func(chunk string) error {
		emitted = append(emitted, chunk)
		return nil
	})
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if reply != "Hi there. All good." {
		t.Fatalf("reply = %q", reply)
	}

	joined := strings.Join(emitted, "")
	if !strings.Contains(joined, "<FTL>") || !strings.Contains(joined, "<FSL>") {
		t.Fatalf("latency tags missing: %q", joined)
	}
	if !strings.Contains(joined, "Hi there.") {
		t.Fatalf("tokens missing: %q", joined)
	}

	spoken := speaker.all()
	if len(spoken) != 2 || spoken[0] != "Hi there." || spoken[1] != "All good." {
		t.Fatalf("spoken = %v", spoken)
	}

	msgs := sess.MessagesSnapshot()
	last := msgs[len(msgs)-1]
	if last.Role != "assistant" || last.Content != "Hi there. All good." {
		t.Fatalf("assistant message = %+v", last)
	}
	if msgs[len(msgs)-2].Role != "user" {
		t.Fatalf("user message missing: %+v", msgs)
	}

	turns, err := store.SessionTurns(context.Background(), sess.ID.String(), 10)
	if err != nil || len(turns) != 1 {
		t.Fatalf("transcript turns = %v err = %v", turns, err)
	}
	if turns[0].UserText != "hello" || turns[0].AssistantText != "Hi there. All good." {
		t.Fatalf("transcript = %+v", turns[0])
	}
}

func TestHandleTurnStripsDocMarkers(t *testing.T) {
	completer := &MockCompleter{Tokens: []string{"See", " sources", "[doc1]", "."}}
	svc := NewService(completer, nil, nil, Config{}, nil)
	sess := session.NewRegistry(0).Create()
	svc.InitializeContext(sess, "prompt")

	var emitted strings.Builder
	if _, err := svc.HandleTurn(context.Background(), sess, "q", func(chunk string) error {
		emitted.WriteString(chunk)
		return nil
	}); err != nil {
		t.Fatalf("turn: %v", err)
	}
	if strings.Contains(emitted.String(), "[doc1]") {
		t.Fatalf("doc marker leaked: %q", emitted.String())
	}
}

func TestHandleTurnCompleterError(t *testing.T) {
	completer := &MockCompleter{Tokens: []string{"partial"}, Err: errors.New("upstream down")}
	svc := NewService(completer, nil, nil, Config{}, nil)
	sess := session.NewRegistry(0).Create()
	svc.InitializeContext(sess, "prompt")

	before := len(sess.MessagesSnapshot())
	_, err := svc.HandleTurn(context.Background(), sess, "q", func(string) error { return nil })
	if err == nil {
		t.Fatal("expected error")
	}
	msgs := sess.MessagesSnapshot()
	// The user message lands; no assistant message is recorded for a failed turn.
	if len(msgs) != before+1 || msgs[len(msgs)-1].Role != "user" {
		t.Fatalf("history after failure = %+v", msgs)
	}
}

func TestHandleTurnAppendsToolMessageWithDataSources(t *testing.T) {
	completer := &MockCompleter{Tokens: []string{"Answer."}}
	svc := NewService(completer, nil, nil, Config{
		SearchEndpoint: "https://search.example",
		SearchAPIKey:   "sk",
	}, nil)
	sess := session.NewRegistry(0).Create()
	svc.InitializeContext(sess, "prompt")

	if _, err := svc.HandleTurn(context.Background(), sess, "q", func(string) error { return nil }); err != nil {
		t.Fatalf("turn: %v", err)
	}

	msgs := sess.MessagesSnapshot()
	if len(msgs) != 3 {
		t.Fatalf("messages = %+v", msgs)
	}
	if msgs[1].Role != "tool" || msgs[2].Role != "assistant" {
		t.Fatalf("roles = %q, %q", msgs[1].Role, msgs[2].Role)
	}
}

func TestQuickReplyPrimedWithSearch(t *testing.T) {
	completer := &MockCompleter{Tokens: []string{"Answer."}}
	speaker := &queueRecorder{}
	svc := NewService(completer, speaker, nil, Config{
		SearchEndpoint:   "https://search.example",
		SearchAPIKey:     "sk",
		EnableQuickReply: true,
	}, nil)
	sess := session.NewRegistry(0).Create()
	svc.InitializeContext(sess, "prompt")

	if _, err := svc.HandleTurn(context.Background(), sess, "q", func(string) error { return nil }); err != nil {
		t.Fatalf("turn: %v", err)
	}

	spoken := speaker.all()
	if len(spoken) != 2 {
		t.Fatalf("spoken = %v", spoken)
	}
	found := false
	for _, qr := range quickReplies {
		if spoken[0] == qr {
			found = true
		}
	}
	if !found {
		t.Fatalf("first utterance is not a quick reply: %q", spoken[0])
	}

	speaker.mu.Lock()
	silence := speaker.silences[0]
	speaker.mu.Unlock()
	if silence != 2000 {
		t.Fatalf("quick reply silence = %d", silence)
	}
}

func TestClearHistoryResetsContext(t *testing.T) {
	completer := &MockCompleter{Tokens: []string{"Reply."}}
	svc := NewService(completer, nil, nil, Config{}, nil)
	sess := session.NewRegistry(0).Create()
	svc.InitializeContext(sess, "prompt")

	if _, err := svc.HandleTurn(context.Background(), sess, "q", func(string) error { return nil }); err != nil {
		t.Fatalf("turn: %v", err)
	}
	if len(sess.MessagesSnapshot()) <= 1 {
		t.Fatal("history did not grow")
	}

	svc.ClearHistory(sess, "prompt")
	msgs := sess.MessagesSnapshot()
	if len(msgs) != 1 || msgs[0].Role != "system" {
		t.Fatalf("history after clear = %+v", msgs)
	}
}
