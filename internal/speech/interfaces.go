package speech

import "context"

type RecognizerEventType string

const (
	RecognizerEventPartial  RecognizerEventType = "partial"
	RecognizerEventFinal    RecognizerEventType = "final"
	RecognizerEventCanceled RecognizerEventType = "canceled"
)

// RecognizerEvent is one asynchronous notification from a continuous
// recognition connection. Offsets and durations are reported in engine ticks
// (100ns units), matching the upstream result format.
type RecognizerEvent struct {
	Type          RecognizerEventType
	Text          string
	OffsetTicks   int64
	DurationTicks int64
	Reason        string
}

// AudioSink is the push-style input stream feeding a recognizer.
type AudioSink interface {
	Write(chunk []byte) error
	Close() error
}

// RecognizerConn is one live continuous-recognition connection.
type RecognizerConn interface {
	Close() error
}

type RecognitionConfig struct {
	Language string
}

// RecognitionEngine opens continuous speech-to-text connections. The engine
// owns event delivery: the returned channel is closed when the connection
// ends.
type RecognitionEngine interface {
	StartRecognition(ctx context.Context, cfg RecognitionConfig) (RecognizerConn, AudioSink, <-chan RecognizerEvent, error)
}

type SynthEventType string

const (
	SynthEventConnected    SynthEventType = "connected"
	SynthEventDisconnected SynthEventType = "disconnected"
)

type SynthEvent struct {
	Type   SynthEventType
	Detail string
}

// SynthesisConfig carries everything the engine needs to negotiate one avatar
// synthesis connection, including the WebRTC bootstrap.
type SynthesisConfig struct {
	LocalSDP              string
	ICEServerURLs         []string
	ICEUsername           string
	ICECredential         string
	Character             string
	Style                 string
	BackgroundColor       string
	BackgroundImageURL    string
	Customized            bool
	TransparentBackground bool
	VideoCrop             bool
	CustomVoiceEndpointID string
	AuthToken             string
	SubscriptionKey       string
}

// SynthConn is one live synthesis/avatar connection. Speak blocks until the
// utterance completes or the engine cancels it; StopPlayback asks the engine
// to abort whatever is currently rendering.
type SynthConn interface {
	Speak(ctx context.Context, ssml string) (resultID string, err error)
	SpeakAsync(ctx context.Context, ssml string) (resultID string, err error)
	StopPlayback(ctx context.Context) error
	RemoteSDP() string
	Events() <-chan SynthEvent
	Close() error
}

// SynthesisEngine establishes avatar synthesis connections. Connect blocks
// through the initial handshake so RemoteSDP is available on return.
type SynthesisEngine interface {
	Connect(ctx context.Context, cfg SynthesisConfig) (SynthConn, error)
}

// Engine is the full external speech capability consumed by this gateway.
type Engine interface {
	RecognitionEngine
	SynthesisEngine
}
