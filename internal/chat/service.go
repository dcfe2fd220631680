package chat

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hyesung/avatarlink/internal/observability"
	"github.com/hyesung/avatarlink/internal/policy"
	"github.com/hyesung/avatarlink/internal/session"
	"github.com/hyesung/avatarlink/internal/transcript"
)

var (
	oydDocPattern = regexp.MustCompile(`\[doc(\d+)\]`)
	quickReplies  = []string{"Let me take a look.", "Let me check.", "One moment, please."}
)

// Speaker hands completed sentences to the speech output queue.
type Speaker interface {
	SpeakWithQueue(sess *session.Session, text string, trailingSilenceMs int)
}

// Config carries the chat-side settings.
type Config struct {
	SearchEndpoint   string
	SearchAPIKey     string
	SearchIndexName  string
	EnableQuickReply bool
}

// Service runs chat turns: context setup, streamed completion, sentence
// splitting into the speech queue, and transcript persistence.
type Service struct {
	completer Completer
	speaker   Speaker
	store     transcript.Store
	cfg       Config
	metrics   *observability.Metrics

	turnLocks sync.Map // uuid.UUID -> *sync.Mutex
}

func NewService(completer Completer, speaker Speaker, store transcript.Store, cfg Config, metrics *observability.Metrics) *Service {
	return &Service{
		completer: completer,
		speaker:   speaker,
		store:     store,
		cfg:       cfg,
		metrics:   metrics,
	}
}

// EnsureContext initializes the chat context once per session.
func (s *Service) EnsureContext(sess *session.Session, systemPrompt string) {
	if !sess.ChatInitiated() {
		s.InitializeContext(sess, systemPrompt)
	}
}

// InitializeContext resets the conversation. With search configured the
// system prompt travels as the data source's role information and the message
// history starts empty; otherwise it becomes the system message.
func (s *Service) InitializeContext(sess *session.Session, systemPrompt string) {
	var dataSources []session.DataSource
	if s.cfg.SearchEndpoint != "" && s.cfg.SearchAPIKey != "" {
		dataSources = append(dataSources, session.DataSource{
			Type: "azure_search",
			Parameters: map[string]any{
				"endpoint":   s.cfg.SearchEndpoint,
				"index_name": s.cfg.SearchIndexName,
				"authentication": map[string]any{
					"type": "api_key",
					"key":  s.cfg.SearchAPIKey,
				},
				"semantic_configuration": "",
				"query_type":             "simple",
				"fields_mapping": map[string]any{
					"content_fields_separator": "\n",
					"content_fields":           []string{"content"},
					"filepath_field":           nil,
					"title_field":              "title",
					"url_field":                nil,
				},
				"in_scope":         true,
				"role_information": systemPrompt,
			},
		})
	}

	var messages []session.Message
	if len(dataSources) == 0 {
		messages = append(messages, session.Message{Role: "system", Content: systemPrompt})
	}
	sess.ResetChat(messages, dataSources)
}

// ClearHistory drops the conversation and rebuilds the initial context.
func (s *Service) ClearHistory(sess *session.Session, systemPrompt string) {
	s.InitializeContext(sess, systemPrompt)
}

// HandleTurn runs one user query through the completer, emitting tokens and
// latency tags to emit and sentences to the speaker as they complete. Turns
// for one session are serialized; concurrent calls queue up. The assembled
// assistant reply is returned.
func (s *Service) HandleTurn(ctx context.Context, sess *session.Session, query string, emit func(chunk string) error) (string, error) {
	lock := s.turnLock(sess.ID)
	lock.Lock()
	defer lock.Unlock()

	sess.AppendMessage(session.Message{Role: "user", Content: query})

	dataSources := sess.DataSourcesSnapshot()
	if len(dataSources) > 0 && s.cfg.EnableQuickReply && s.speaker != nil {
		s.speaker.SpeakWithQueue(sess, quickReplies[rand.Intn(len(quickReplies))], 2000)
	}

	var (
		splitter      SentenceSplitter
		start         = time.Now()
		firstToken    = true
		firstSentence = true
	)

	emitSentence := func(sentence string) error {
		if firstSentence {
			firstSentence = false
			if err := emit(fmt.Sprintf("<FSL>%d</FSL>", time.Since(start).Milliseconds())); err != nil {
				return err
			}
		}
		if s.speaker != nil {
			s.speaker.SpeakWithQueue(sess, sentence, 0)
		}
		return nil
	}

	resp, err := s.completer.Stream(ctx, Request{
		Messages:    sess.MessagesSnapshot(),
		DataSources: dataSources,
	}, func(token string) error {
		if firstToken {
			firstToken = false
			latency := time.Since(start)
			if s.metrics != nil {
				s.metrics.ObserveFirstTokenLatency(latency)
			}
			if err := emit(fmt.Sprintf("<FTL>%d</FTL>", latency.Milliseconds())); err != nil {
				return err
			}
		}
		if oydDocPattern.MatchString(token) {
			token = oydDocPattern.ReplaceAllString(token, "")
		}
		if err := emit(token); err != nil {
			return err
		}
		if sentence, ok := splitter.Push(token); ok {
			return emitSentence(sentence)
		}
		return nil
	})
	if err != nil {
		return resp.Text, fmt.Errorf("chat completion: %w", err)
	}

	if sentence, ok := splitter.Flush(); ok {
		if err := emitSentence(sentence); err != nil {
			return resp.Text, err
		}
	}

	if len(dataSources) > 0 {
		sess.AppendMessage(session.Message{Role: "tool", Content: ""})
	}
	sess.AppendMessage(session.Message{Role: "assistant", Content: resp.Text})

	s.persistTurn(sess, query, resp.Text)
	return resp.Text, nil
}

// turnLock returns the per-session serialization mutex.
func (s *Service) turnLock(id uuid.UUID) *sync.Mutex {
	v, _ := s.turnLocks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// persistTurn writes the redacted turn to the transcript store. Best effort;
// a storage failure never fails the turn.
func (s *Service) persistTurn(sess *session.Session, userText, assistantText string) {
	if s.store == nil {
		return
	}
	redactedUser, redactedAssistant := policy.RedactTurn(userText, assistantText)
	redacted := redactedUser != userText || redactedAssistant != assistantText

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.store.SaveTurn(ctx, transcript.TurnRecord{
		SessionID:     sess.ID.String(),
		UserText:      redactedUser,
		AssistantText: redactedAssistant,
		Voice:         sess.Voice().TTSVoice,
		PIIRedacted:   redacted,
	})
	if err != nil {
		log.Printf("chat: transcript save failed for session %s: %v", sess.ID, err)
	}
}
