package chat

import "strings"

var sentencePunctuations = []string{".", "?", "!", ":", ";", "。", "？", "！", "：", "；"}

// SentenceSplitter accumulates streamed tokens and emits complete sentences
// at punctuation or newline boundaries, matching how tokens arrive from the
// completion stream: a boundary is detected when a short token starts with a
// sentence-level punctuation mark.
type SentenceSplitter struct {
	buf strings.Builder
}

// Push consumes one streamed token and returns a completed sentence, if any.
func (s *SentenceSplitter) Push(token string) (string, bool) {
	if token == "\n" || token == "\n\n" {
		return s.take()
	}

	token = strings.ReplaceAll(token, "\n", "")
	s.buf.WriteString(token)

	runes := []rune(token)
	if len(runes) == 1 || len(runes) == 2 {
		for _, p := range sentencePunctuations {
			if strings.HasPrefix(token, p) {
				return s.take()
			}
		}
	}
	return "", false
}

// Flush returns whatever remains buffered at end of stream.
func (s *SentenceSplitter) Flush() (string, bool) {
	return s.take()
}

func (s *SentenceSplitter) take() (string, bool) {
	out := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	return out, out != ""
}
